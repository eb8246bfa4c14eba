package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"steward/internal/channel"
	"steward/internal/domain"
	"steward/internal/events"
	"steward/internal/repo"
)

// CycleError is one per-candidate failure. Stage is admission, persist or delivery.
type CycleError struct {
	ActionID string `json:"action_id,omitempty"`
	Title    string `json:"title,omitempty"`
	Stage    string `json:"stage"`
	Message  string `json:"message"`
}

const (
	DeliveryDelivered = "delivered"
	DeliverySkipped   = "skipped"
	DeliveryFailed    = "failed"
)

type DeliveryResult struct {
	ActionID string `json:"action_id"`
	Kind     string `json:"kind"`
	Status   string `json:"status" enum:"delivered,skipped,failed"`
	Error    string `json:"error,omitempty"`
}

// CycleSummary reports what one orchestration cycle did.
type CycleSummary struct {
	StartedAt              time.Time        `json:"started_at"`
	Skipped                bool             `json:"skipped"`
	CandidatesGenerated    int              `json:"candidates_generated"`
	CandidatesReconsidered int              `json:"candidates_reconsidered"`
	CandidatesFiltered     int              `json:"candidates_filtered"`
	ActionsExecuted        int              `json:"actions_executed"`
	ActionsQueued          int              `json:"actions_queued"`
	ActionsDeferred        int              `json:"actions_deferred"`
	Errors                 []CycleError     `json:"errors"`
	Deliveries             []DeliveryResult `json:"deliveries"`
	DurationMS             int64            `json:"duration_ms"`
}

func (s *CycleSummary) addError(actionID, title, stage string, err error) {
	s.Errors = append(s.Errors, CycleError{ActionID: actionID, Title: title, Stage: stage, Message: err.Error()})
}

// pending is an admitted candidate waiting for dispatch. existing is set when the
// candidate is a queued record being reconsidered.
type pending struct {
	candidate domain.ActionCandidate
	existing  *domain.ActionRecord
}

type deliveryJob struct {
	kind   string
	action domain.ActionRecord
}

func newID() string {
	return uuid.New().String()
}

// RunCycle pulls a bounded batch, filters it, orders the survivors and dispatches them.
// Only one cycle runs at a time; a call made while another is in flight returns
// immediately with Skipped set.
func (e Engine) RunCycle(ctx context.Context) (CycleSummary, error) {
	if !e.inFlight.CompareAndSwap(false, true) {
		e.Metrics.RecordSkippedCycle()
		e.Logger.Info("cycle skipped, previous cycle still in flight")
		return CycleSummary{StartedAt: e.now().UTC(), Skipped: true, Errors: []CycleError{}, Deliveries: []DeliveryResult{}}, nil
	}
	defer e.inFlight.Store(false)

	start := e.now()
	sum := CycleSummary{StartedAt: start.UTC(), Errors: []CycleError{}, Deliveries: []DeliveryResult{}}
	cfg := e.ProactivityConfig(ctx)

	sit, err := e.Context.Snapshot(ctx)
	if err != nil {
		e.Logger.Warn("context snapshot failed, evaluating without situational signals", zap.Error(err))
		sit = domain.Situation{}
	}
	sit.Now = start

	batch := e.Config.Scheduler.BatchSize
	if batch <= 0 {
		batch = 5
	}
	queued, err := e.Repo.ListQueuedValid(ctx, start, batch)
	if err != nil {
		return sum, fmt.Errorf("load queued actions: %w", err)
	}
	var fresh []domain.ActionCandidate
	if left := batch - len(queued); left > 0 {
		fresh, err = e.Generator.Generate(ctx, sit, left)
		if err != nil {
			e.Metrics.RecordGeneratorFailure()
			e.Logger.Warn("candidate generation failed, no new work this cycle", zap.Error(err))
			fresh = nil
		}
		if len(fresh) > left {
			fresh = fresh[:left]
		}
	}
	sum.CandidatesGenerated = len(fresh)
	sum.CandidatesReconsidered = len(queued)

	var admitted []pending
	for i := range queued {
		rec := queued[i]
		d, err := e.Filter.Evaluate(ctx, cfg, rec.ActionCandidate, sit)
		if err != nil {
			sum.addError(rec.ID, rec.Title, "admission", err)
			continue
		}
		if !d.ShouldAct {
			// stays queued until a later cycle admits it or validUntil passes
			continue
		}
		c := rec.ActionCandidate
		c.Priority = d.AdjustedPriority
		admitted = append(admitted, pending{candidate: c, existing: &rec})
	}
	for _, c := range fresh {
		e.Metrics.RecordCandidate("generated")
		if err := c.Validate(); err != nil {
			sum.CandidatesFiltered++
			e.Metrics.RecordCandidate("filtered")
			e.Logger.Warn("malformed candidate dropped", zap.String("title", c.Title), zap.Error(err))
			continue
		}
		d, err := e.Filter.Evaluate(ctx, cfg, c, sit)
		if err != nil {
			sum.addError("", c.Title, "admission", err)
			continue
		}
		if d.ShouldAct {
			c.Priority = d.AdjustedPriority
			admitted = append(admitted, pending{candidate: c})
			continue
		}
		sum.CandidatesFiltered++
		e.Metrics.RecordCandidate("filtered")
		if d.SuggestedTiming == domain.TimingNone {
			e.appendBestEffort(ctx, events.ActionFiltered, "candidate", "", events.EventPayload{
				"title": c.Title, "type": c.Type, "gate": d.Gate, "reason": d.Reason,
			})
			continue
		}
		rec, err := e.deferCandidate(ctx, c, d.SuggestedTiming, d.Reason, start)
		if err != nil {
			sum.addError("", c.Title, "persist", err)
			continue
		}
		e.Metrics.RecordCandidate("deferred")
		e.Logger.Debug("candidate deferred", zap.String("action_id", rec.ID), zap.String("timing", string(rec.Timing)))
		sum.ActionsDeferred++
	}

	sort.SliceStable(admitted, func(i, j int) bool {
		return admitted[i].candidate.SortScore() > admitted[j].candidate.SortScore()
	})

	hourly, err := e.Repo.CountExecutedSince(ctx, start.Add(-time.Hour))
	if err != nil {
		return sum, fmt.Errorf("count executed in last hour: %w", err)
	}
	daily, err := e.Repo.CountExecutedSince(ctx, start.Add(-24*time.Hour))
	if err != nil {
		return sum, fmt.Errorf("count executed in last day: %w", err)
	}

	var jobs []deliveryJob
	for _, p := range admitted {
		c := p.candidate
		if needsApproval(cfg, c) {
			rec, err := e.queueForApproval(ctx, p, start)
			if err != nil {
				sum.addError(existingID(p), c.Title, "persist", err)
				continue
			}
			e.Metrics.RecordCandidate("queued")
			sum.ActionsQueued++
			jobs = append(jobs, deliveryJob{kind: channel.KindApprovalRequest, action: rec})
			continue
		}
		if hourly >= cfg.MaxActionsPerHour || daily >= cfg.MaxActionsPerDay {
			if p.existing != nil {
				continue
			}
			timing := domain.TimingNextHour
			if daily >= cfg.MaxActionsPerDay {
				timing = domain.TimingTomorrow
			}
			if _, err := e.deferCandidate(ctx, c, timing, "frequency cap reached within batch", start); err != nil {
				sum.addError("", c.Title, "persist", err)
				continue
			}
			e.Metrics.RecordCandidate("deferred")
			sum.ActionsDeferred++
			continue
		}
		rec, err := e.execute(ctx, p, start)
		if err != nil {
			sum.addError(existingID(p), c.Title, "persist", err)
			continue
		}
		hourly++
		daily++
		e.Metrics.RecordCandidate("executed")
		sum.ActionsExecuted++
		jobs = append(jobs, deliveryJob{kind: string(c.Type), action: rec})
	}

	sum.Deliveries = e.deliver(ctx, jobs)
	for _, d := range sum.Deliveries {
		if d.Status == DeliveryFailed {
			sum.Errors = append(sum.Errors, CycleError{ActionID: d.ActionID, Stage: "delivery", Message: d.Error})
		}
	}

	elapsed := e.Clock.Since(start)
	sum.DurationMS = elapsed.Milliseconds()
	e.Metrics.RecordCycle(elapsed)
	e.appendBestEffort(ctx, events.CycleCompleted, "cycle", "", events.EventPayload{
		"generated":    sum.CandidatesGenerated,
		"reconsidered": sum.CandidatesReconsidered,
		"filtered":     sum.CandidatesFiltered,
		"executed":     sum.ActionsExecuted,
		"queued":       sum.ActionsQueued,
		"deferred":     sum.ActionsDeferred,
		"errors":       len(sum.Errors),
	})
	e.Logger.Info("cycle completed",
		zap.Int("generated", sum.CandidatesGenerated),
		zap.Int("reconsidered", sum.CandidatesReconsidered),
		zap.Int("filtered", sum.CandidatesFiltered),
		zap.Int("executed", sum.ActionsExecuted),
		zap.Int("queued", sum.ActionsQueued),
		zap.Int("deferred", sum.ActionsDeferred),
		zap.Int("errors", len(sum.Errors)))
	return sum, nil
}

// needsApproval holds automations below the auto-execute threshold for the user.
func needsApproval(cfg domain.ProactivityConfig, c domain.ActionCandidate) bool {
	if c.RequiresApproval {
		return true
	}
	return c.Type == domain.ActionAutomation && c.Confidence < cfg.AutoExecuteThreshold
}

func existingID(p pending) string {
	if p.existing != nil {
		return p.existing.ID
	}
	return ""
}

// persist inserts a new record or moves an existing queued one, with its event, in one tx.
func (e Engine) persist(ctx context.Context, rec domain.ActionRecord, existing *domain.ActionRecord, evtType string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if existing == nil {
		err = e.Repo.InsertAction(ctx, tx, rec)
	} else {
		err = e.Repo.TransitionAction(ctx, tx, repo.StatusUpdate{
			ID:         existing.ID,
			From:       existing.Status,
			To:         rec.Status,
			Priority:   rec.Priority,
			ValidUntil: rec.ValidUntil,
			ExecutedAt: rec.ExecutedAt,
			At:         rec.UpdatedAt,
		})
	}
	if err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, evtType, "action", rec.ID, SystemActor, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) newRecord(p pending, status domain.ActionStatus, now time.Time) domain.ActionRecord {
	if p.existing != nil {
		rec := *p.existing
		rec.ActionCandidate = p.candidate
		rec.Status = status
		rec.UpdatedAt = now.UTC()
		return rec
	}
	return domain.ActionRecord{
		ID:              newID(),
		ActionCandidate: p.candidate,
		Status:          status,
		CreatedAt:       now.UTC(),
		UpdatedAt:       now.UTC(),
	}
}

func (e Engine) execute(ctx context.Context, p pending, now time.Time) (domain.ActionRecord, error) {
	rec := e.newRecord(p, domain.StatusExecuted, now)
	executed := now.UTC()
	rec.ExecutedAt = &executed
	err := e.persist(ctx, rec, p.existing, events.ActionExecuted, events.EventPayload{
		"type": rec.Type, "priority": rec.Priority, "confidence": rec.Confidence,
	})
	return rec, err
}

func (e Engine) queueForApproval(ctx context.Context, p pending, now time.Time) (domain.ActionRecord, error) {
	rec := e.newRecord(p, domain.StatusPendingApproval, now)
	if ttl := e.Config.Scheduler.ApprovalTTL; ttl > 0 {
		until := now.Add(ttl).UTC()
		rec.ValidUntil = &until
	}
	err := e.persist(ctx, rec, p.existing, events.ActionQueued, events.EventPayload{
		"type": rec.Type, "valid_until": rec.ValidUntil,
	})
	return rec, err
}

func (e Engine) deferCandidate(ctx context.Context, c domain.ActionCandidate, timing domain.Timing, reason string, now time.Time) (domain.ActionRecord, error) {
	rec := e.newRecord(pending{candidate: c}, domain.StatusQueued, now)
	until := timing.ValidUntil(now).UTC()
	rec.Timing = timing
	rec.ValidUntil = &until
	err := e.persist(ctx, rec, nil, events.ActionDeferred, events.EventPayload{
		"timing": timing, "valid_until": until, "reason": reason,
	})
	return rec, err
}

// deliver runs side effects in parallel. Every job gets a result; none aborts another.
func (e Engine) deliver(ctx context.Context, jobs []deliveryJob) []DeliveryResult {
	results := make([]DeliveryResult, len(jobs))
	limit := e.Config.Scheduler.DeliveryConcurrency
	if limit <= 0 {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i, job := range jobs {
		g.Go(func() error {
			results[i] = e.deliverOne(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e Engine) deliverOne(ctx context.Context, job deliveryJob) DeliveryResult {
	res := DeliveryResult{ActionID: job.action.ID, Kind: job.kind, Status: DeliveryDelivered}
	start := e.Clock.Now()
	err := e.Channels.Deliver(ctx, channel.Delivery{Kind: job.kind, Action: job.action})
	var denied *channel.BudgetDeniedError
	switch {
	case err == nil:
	case errors.As(err, &denied):
		res.Status = DeliverySkipped
		res.Error = err.Error()
		e.Logger.Info("delivery skipped by budget", zap.String("action_id", job.action.ID), zap.String("service", denied.Service), zap.String("reason", denied.Decision.Reason))
	default:
		res.Status = DeliveryFailed
		res.Error = err.Error()
		e.Logger.Warn("delivery failed", zap.String("action_id", job.action.ID), zap.String("kind", job.kind), zap.Error(err))
		e.appendBestEffort(ctx, events.DeliveryFailed, "action", job.action.ID, events.EventPayload{"kind": job.kind, "error": err.Error()})
	}
	e.Metrics.RecordDelivery(job.kind, res.Status, e.Clock.Since(start))
	return res
}

// appendBestEffort writes an event outside any transaction and only logs failures.
func (e Engine) appendBestEffort(ctx context.Context, evtType, entityKind, entityID string, payload events.EventPayload) {
	if err := e.Events.Append(ctx, nil, evtType, entityKind, entityID, SystemActor, payload); err != nil {
		e.Logger.Warn("append event", zap.String("type", evtType), zap.Error(err))
	}
}

// Loop runs a cycle immediately and then on every tick until ctx is done.
func (e Engine) Loop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = e.Config.Scheduler.Interval
	}
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := e.Clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := e.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.Logger.Error("cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}
	}
}
