package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// Event types appended by the pipeline.
const (
	ActionAdmitted  = "action.admitted"
	ActionFiltered  = "action.filtered"
	ActionDeferred  = "action.deferred"
	ActionExecuted  = "action.executed"
	ActionQueued    = "action.queued_for_approval"
	ActionApproved  = "action.approved"
	ActionRejected  = "action.rejected"
	DeliveryFailed  = "delivery.failed"
	FeedbackAdded   = "feedback.recorded"
	ConfigUpdated   = "config.updated"
	CycleCompleted  = "cycle.completed"
	BudgetModeShift = "budget.mode_changed"
	PreferenceAdded = "preference.added"
)

type Writer struct {
	DB    *sql.DB
	Clock clockwork.Clock
}

type EventPayload map[string]any

// Append writes one event inside tx, or directly on DB when tx is nil.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	clock := w.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ts := clock.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	const q = `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`
	args := []any{ts, evtType, entityKind, nullable(entityID), actorID, string(data)}
	if tx != nil {
		_, err = tx.ExecContext(ctx, q, args...)
	} else {
		_, err = w.DB.ExecContext(ctx, q, args...)
	}
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
