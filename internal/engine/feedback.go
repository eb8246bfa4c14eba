package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"steward/internal/domain"
	"steward/internal/events"
	"steward/internal/repo"
)

// FeedbackResult carries the stored feedback, the action as it now stands, and for an
// approval the outcome of the delivery it triggered.
type FeedbackResult struct {
	Feedback domain.FeedbackRecord `json:"feedback"`
	Action   domain.ActionRecord   `json:"action"`
	Delivery *DeliveryResult       `json:"delivery,omitempty"`
}

// RecordFeedback stores a user reaction. approved and rejected also resolve a pending
// approval; an approval executes the action right away.
func (e Engine) RecordFeedback(ctx context.Context, actionID string, fb domain.FeedbackType, comments, actorID string) (FeedbackResult, error) {
	if !fb.Valid() {
		return FeedbackResult{}, fmt.Errorf("%w: %q", ErrInvalidFeedback, fb)
	}
	a, err := e.Repo.GetAction(ctx, actionID)
	if err != nil {
		return FeedbackResult{}, fmt.Errorf("action %s: %w", actionID, err)
	}
	now := e.now()

	var next domain.ActionStatus
	var evtType string
	switch fb {
	case domain.FeedbackApproved:
		if a.Status != domain.StatusPendingApproval {
			return FeedbackResult{}, fmt.Errorf("%w: action %s is %s", ErrInvalidTransition, a.ID, a.Status)
		}
		if a.Expired(now) {
			return FeedbackResult{}, fmt.Errorf("%w: approval window for %s closed at %s", ErrActionExpired, a.ID, a.ValidUntil.UTC().Format("2006-01-02T15:04:05Z"))
		}
		next, evtType = domain.StatusApproved, events.ActionApproved
	case domain.FeedbackRejected:
		if a.Status != domain.StatusPendingApproval && a.Status != domain.StatusQueued {
			return FeedbackResult{}, fmt.Errorf("%w: action %s is %s", ErrInvalidTransition, a.ID, a.Status)
		}
		next, evtType = domain.StatusRejected, events.ActionRejected
	}

	f := domain.FeedbackRecord{
		ID:           newID(),
		ActionID:     a.ID,
		ActionType:   a.Type,
		FeedbackType: fb,
		Comments:     comments,
		ProvidedAt:   now.UTC(),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return FeedbackResult{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertFeedback(ctx, tx, f); err != nil {
		return FeedbackResult{}, err
	}
	if err := e.Events.Append(ctx, tx, events.FeedbackAdded, "action", a.ID, actorID, events.EventPayload{"feedback_type": fb}); err != nil {
		return FeedbackResult{}, err
	}
	if next != "" {
		if err := e.transition(ctx, tx, a.ID, a.Status, next, evtType, actorID, nil, nil); err != nil {
			return FeedbackResult{}, err
		}
	}
	var executed domain.ActionRecord
	if fb == domain.FeedbackApproved {
		// approval and execution commit together; a failure leaves the request pending
		at := now.UTC()
		if err := e.transition(ctx, tx, a.ID, domain.StatusApproved, domain.StatusExecuted, events.ActionExecuted, actorID, &at, events.EventPayload{"approved": true}); err != nil {
			return FeedbackResult{}, err
		}
		if executed, err = e.Repo.GetActionTx(ctx, tx, a.ID); err != nil {
			return FeedbackResult{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return FeedbackResult{}, err
	}

	res := FeedbackResult{Feedback: f}
	if fb == domain.FeedbackApproved {
		d := e.deliverOne(ctx, deliveryJob{kind: string(executed.Type), action: executed})
		res.Delivery = &d
	}
	res.Action, err = e.Repo.GetAction(ctx, a.ID)
	if err != nil {
		return FeedbackResult{}, err
	}
	e.Logger.Info("feedback recorded", zap.String("action_id", a.ID), zap.String("feedback", string(fb)))
	return res, nil
}

func (e Engine) transition(ctx context.Context, tx *sql.Tx, id string, from, to domain.ActionStatus, evtType, actorID string, executedAt *time.Time, payload events.EventPayload) error {
	err := e.Repo.TransitionAction(ctx, tx, repo.StatusUpdate{ID: id, From: from, To: to, ExecutedAt: executedAt, At: e.now()})
	if errors.Is(err, repo.ErrStatusConflict) {
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	if err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, evtType, "action", id, actorID, payload)
}
