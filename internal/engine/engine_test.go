package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/channel"
	"steward/internal/config"
	"steward/internal/db"
	"steward/internal/domain"
	"steward/internal/engine"
	"steward/internal/events"
	"steward/internal/generator"
	"steward/internal/migrate"
	"steward/internal/repo"
)

var noon = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

// sink records every delivery it receives.
type sink struct {
	mu   sync.Mutex
	got  []channel.Delivery
	fail map[string]error
}

func (s *sink) Deliver(_ context.Context, d channel.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail[d.Kind]; err != nil {
		return err
	}
	s.got = append(s.got, d)
	return nil
}

func (s *sink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, d := range s.got {
		out = append(out, d.Kind)
	}
	return out
}

// batches hands out one prepared batch per Generate call.
type batches struct {
	mu  sync.Mutex
	out [][]domain.ActionCandidate
	err error
}

func (b *batches) push(cs ...domain.ActionCandidate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.out = append(b.out, cs)
}

func (b *batches) Generate(_ context.Context, _ domain.Situation, limit int) ([]domain.ActionCandidate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	if len(b.out) == 0 {
		return nil, nil
	}
	next := b.out[0]
	b.out = b.out[1:]
	if len(next) > limit {
		next = next[:limit]
	}
	return next, nil
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *clockwork.FakeClock
	Sink   *sink
	Gen    *batches
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	return newTestEnvWith(t, nil)
}

func newTestEnvWith(t *testing.T, gen generator.Generator) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	clock := clockwork.NewFakeClockAt(noon)
	s := &sink{fail: map[string]error{}}
	reg := channel.NewRegistry()
	for _, typ := range domain.ActionTypes {
		reg.Register(string(typ), s)
	}
	reg.Register(channel.KindApprovalRequest, s)

	b := &batches{}
	if gen == nil {
		gen = b
	}
	eng := engine.New(conn, config.Default(), engine.Options{
		Clock:     clock,
		Channels:  reg,
		Generator: gen,
	})
	return testEnv{Engine: eng, Ctx: context.Background(), Clock: clock, Sink: s, Gen: b}
}

func candidate(typ domain.ActionType, title string, confidence float64, p domain.Priority) domain.ActionCandidate {
	return domain.ActionCandidate{Type: typ, Title: title, Confidence: confidence, Priority: p}
}

func intPtr(v int) *int { return &v }

func TestRunCycleAdmitsFiltersAndQueues(t *testing.T) {
	env := newTestEnv(t)
	env.Gen.push(
		candidate(domain.ActionReminder, "Call the dentist", 0.9, domain.PriorityHigh),
		candidate(domain.ActionInsight, "You sleep less on Sundays", 0.5, domain.PriorityLow),
		candidate(domain.ActionAutomation, "Archive old newsletters", 0.8, domain.PriorityMedium),
	)

	sum, err := env.Engine.RunCycle(env.Ctx)
	require.NoError(t, err)
	assert.False(t, sum.Skipped)
	assert.Equal(t, 3, sum.CandidatesGenerated)
	assert.Equal(t, 1, sum.CandidatesFiltered)
	assert.Equal(t, 1, sum.ActionsExecuted)
	assert.Equal(t, 1, sum.ActionsQueued)
	assert.Empty(t, sum.Errors)
	require.Len(t, sum.Deliveries, 2)
	assert.ElementsMatch(t, []string{"reminder", channel.KindApprovalRequest}, env.Sink.kinds())

	executed, err := env.Engine.Repo.ListActions(env.Ctx, repo.ActionFilter{Status: domain.StatusExecuted})
	require.NoError(t, err)
	require.Len(t, executed, 1)
	assert.Equal(t, "Call the dentist", executed[0].Title)
	require.NotNil(t, executed[0].ExecutedAt)

	pending, err := env.Engine.Repo.ListActions(env.Ctx, repo.ActionFilter{Status: domain.StatusPendingApproval})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NotNil(t, pending[0].ValidUntil)
	assert.True(t, pending[0].ValidUntil.Equal(noon.Add(24*time.Hour)))

	evts, err := env.Engine.Repo.LatestEventsFrom(env.Ctx, 10, 0, events.ActionFiltered, "", "")
	require.NoError(t, err)
	assert.Len(t, evts, 1)
	evts, err = env.Engine.Repo.LatestEventsFrom(env.Ctx, 10, 0, events.CycleCompleted, "", "")
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestRunCycleSuppressesDuplicateOfRecentAction(t *testing.T) {
	env := newTestEnv(t)
	env.Gen.push(candidate(domain.ActionReminder, "Call the dentist", 0.9, domain.PriorityHigh))
	_, err := env.Engine.RunCycle(env.Ctx)
	require.NoError(t, err)

	env.Clock.Advance(10 * time.Minute)
	env.Gen.push(candidate(domain.ActionReminder, "Dentist call reminder", 0.9, domain.PriorityHigh))
	sum, err := env.Engine.RunCycle(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.CandidatesFiltered)
	assert.Zero(t, sum.ActionsExecuted)
}

func TestRunCycleEnforcesCapWithinBatch(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.UpdateProactivityConfig(env.Ctx, domain.ProactivityPatch{MaxActionsPerHour: intPtr(1)}, "tester")
	require.NoError(t, err)

	env.Gen.push(
		candidate(domain.ActionSuggestion, "Take a walk", 0.8, domain.PriorityMedium),
		candidate(domain.ActionReminder, "Pay rent", 0.95, domain.PriorityHigh),
	)
	sum, err := env.Engine.RunCycle(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.ActionsExecuted)
	assert.Equal(t, 1, sum.ActionsDeferred)

	executed, err := env.Engine.Repo.ListActions(env.Ctx, repo.ActionFilter{Status: domain.StatusExecuted})
	require.NoError(t, err)
	require.Len(t, executed, 1)
	assert.Equal(t, "Pay rent", executed[0].Title, "higher score goes first")

	queued, err := env.Engine.Repo.ListActions(env.Ctx, repo.ActionFilter{Status: domain.StatusQueued})
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, domain.TimingNextHour, queued[0].Timing)
	assert.True(t, queued[0].ValidUntil.Equal(noon.Add(time.Hour)))
}

func TestQueuedActionIsReconsidered(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.UpdateProactivityConfig(env.Ctx, domain.ProactivityPatch{MaxActionsPerHour: intPtr(1)}, "tester")
	require.NoError(t, err)
	env.Gen.push(
		candidate(domain.ActionReminder, "Pay rent", 0.95, domain.PriorityHigh),
		candidate(domain.ActionSuggestion, "Take a walk", 0.8, domain.PriorityMedium),
	)
	_, err = env.Engine.RunCycle(env.Ctx)
	require.NoError(t, err)

	// still over the hourly cap: stays queued
	env.Clock.Advance(10 * time.Minute)
	sum, err := env.Engine.RunCycle(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.CandidatesReconsidered)
	assert.Zero(t, sum.ActionsExecuted)

	_, err = env.Engine.UpdateProactivityConfig(env.Ctx, domain.ProactivityPatch{MaxActionsPerHour: intPtr(2)}, "tester")
	require.NoError(t, err)
	env.Clock.Advance(10 * time.Minute)
	sum, err = env.Engine.RunCycle(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.CandidatesReconsidered)
	assert.Equal(t, 1, sum.ActionsExecuted)

	queued, err := env.Engine.Repo.ListActions(env.Ctx, repo.ActionFilter{Status: domain.StatusQueued})
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestExpiredQueuedActionIsNotReconsidered(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.UpdateProactivityConfig(env.Ctx, domain.ProactivityPatch{MaxActionsPerHour: intPtr(1)}, "tester")
	require.NoError(t, err)
	env.Gen.push(
		candidate(domain.ActionReminder, "Pay rent", 0.95, domain.PriorityHigh),
		candidate(domain.ActionSuggestion, "Take a walk", 0.8, domain.PriorityMedium),
	)
	_, err = env.Engine.RunCycle(env.Ctx)
	require.NoError(t, err)

	env.Clock.Advance(2 * time.Hour)
	sum, err := env.Engine.RunCycle(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.CandidatesReconsidered)
	assert.Zero(t, sum.ActionsExecuted)
}

func TestRunCycleDefersDuringQuietHours(t *testing.T) {
	env := newTestEnv(t)
	env.Clock.Advance(11 * time.Hour) // 23:00
	env.Gen.push(
		candidate(domain.ActionSuggestion, "Plan tomorrow", 0.9, domain.PriorityMedium),
		candidate(domain.ActionAlert, "Smoke detected", 0.95, domain.PriorityUrgent),
	)
	sum, err := env.Engine.RunCycle(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.ActionsDeferred)
	assert.Equal(t, 1, sum.ActionsExecuted)

	queued, err := env.Engine.Repo.ListActions(env.Ctx, repo.ActionFilter{Status: domain.StatusQueued})
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, domain.TimingMorning, queued[0].Timing)
}

func TestGeneratorFailureMeansNoWork(t *testing.T) {
	env := newTestEnv(t)
	env.Gen.err = errors.New("upstream timeout")
	sum, err := env.Engine.RunCycle(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.CandidatesGenerated)
	assert.Empty(t, sum.Deliveries)
}

func TestDeliveryFailureIsReportedNotFatal(t *testing.T) {
	env := newTestEnv(t)
	env.Sink.fail["reminder"] = errors.New("speaker offline")
	env.Gen.push(
		candidate(domain.ActionReminder, "Pay rent", 0.95, domain.PriorityHigh),
		candidate(domain.ActionSuggestion, "Take a walk", 0.8, domain.PriorityMedium),
	)
	sum, err := env.Engine.RunCycle(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.ActionsExecuted)
	require.Len(t, sum.Errors, 1)
	assert.Equal(t, "delivery", sum.Errors[0].Stage)
	assert.Equal(t, []string{"suggestion"}, env.Sink.kinds())

	evts, err := env.Engine.Repo.LatestEventsFrom(env.Ctx, 10, 0, events.DeliveryFailed, "", "")
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestConcurrentCycleIsSkipped(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	gen := generator.Func(func(ctx context.Context, _ domain.Situation, _ int) ([]domain.ActionCandidate, error) {
		close(started)
		<-release
		return nil, nil
	})
	env := newTestEnvWith(t, gen)

	done := make(chan engine.CycleSummary, 1)
	go func() {
		sum, _ := env.Engine.RunCycle(env.Ctx)
		done <- sum
	}()
	<-started

	sum, err := env.Engine.RunCycle(env.Ctx)
	require.NoError(t, err)
	assert.True(t, sum.Skipped)

	close(release)
	first := <-done
	assert.False(t, first.Skipped)
}

func TestApprovalExecutesAndDelivers(t *testing.T) {
	env := newTestEnv(t)
	env.Gen.push(candidate(domain.ActionAutomation, "Archive old newsletters", 0.8, domain.PriorityMedium))
	_, err := env.Engine.RunCycle(env.Ctx)
	require.NoError(t, err)

	pending, err := env.Engine.Repo.ListActions(env.Ctx, repo.ActionFilter{Status: domain.StatusPendingApproval})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	id := pending[0].ID

	env.Clock.Advance(time.Hour)
	res, err := env.Engine.RecordFeedback(env.Ctx, id, domain.FeedbackApproved, "go ahead", "user")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuted, res.Action.Status)
	require.NotNil(t, res.Delivery)
	assert.Equal(t, engine.DeliveryDelivered, res.Delivery.Status)
	assert.Contains(t, env.Sink.kinds(), "automation")

	stats, err := env.Engine.Repo.FeedbackStats(env.Ctx, domain.ActionAutomation)
	require.NoError(t, err)
	assert.Equal(t, domain.FeedbackStats{Positive: 1, Total: 1}, stats)

	_, err = env.Engine.RecordFeedback(env.Ctx, id, domain.FeedbackApproved, "", "user")
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)
}

func TestApprovalRollsBackWhenExecutionFails(t *testing.T) {
	env := newTestEnv(t)
	env.Gen.push(candidate(domain.ActionAutomation, "Archive old newsletters", 0.8, domain.PriorityMedium))
	_, err := env.Engine.RunCycle(env.Ctx)
	require.NoError(t, err)
	pending, err := env.Engine.Repo.ListActions(env.Ctx, repo.ActionFilter{Status: domain.StatusPendingApproval})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	id := pending[0].ID

	_, err = env.Engine.DB.ExecContext(env.Ctx, `CREATE TRIGGER fail_execute BEFORE UPDATE OF status ON action_records
WHEN NEW.status='executed' BEGIN SELECT RAISE(ABORT, 'disk full'); END`)
	require.NoError(t, err)

	_, err = env.Engine.RecordFeedback(env.Ctx, id, domain.FeedbackApproved, "", "user")
	require.Error(t, err)

	a, err := env.Engine.GetAction(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingApproval, a.Status)
	stats, err := env.Engine.Repo.FeedbackStats(env.Ctx, domain.ActionAutomation)
	require.NoError(t, err)
	assert.Equal(t, domain.FeedbackStats{}, stats)
	assert.NotContains(t, env.Sink.kinds(), "automation")

	_, err = env.Engine.DB.ExecContext(env.Ctx, `DROP TRIGGER fail_execute`)
	require.NoError(t, err)

	res, err := env.Engine.RecordFeedback(env.Ctx, id, domain.FeedbackApproved, "", "user")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuted, res.Action.Status)
	assert.Contains(t, env.Sink.kinds(), "automation")
}

func TestApprovalAfterWindowIsRejected(t *testing.T) {
	env := newTestEnv(t)
	env.Gen.push(candidate(domain.ActionAutomation, "Archive old newsletters", 0.8, domain.PriorityMedium))
	_, err := env.Engine.RunCycle(env.Ctx)
	require.NoError(t, err)
	pending, err := env.Engine.Repo.ListActions(env.Ctx, repo.ActionFilter{Status: domain.StatusPendingApproval})
	require.NoError(t, err)
	require.Len(t, pending, 1)

	env.Clock.Advance(25 * time.Hour)
	_, err = env.Engine.RecordFeedback(env.Ctx, pending[0].ID, domain.FeedbackApproved, "", "user")
	assert.ErrorIs(t, err, engine.ErrActionExpired)

	a, err := env.Engine.GetAction(env.Ctx, pending[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingApproval, a.Status)
}

func TestRejectAndPlainFeedback(t *testing.T) {
	env := newTestEnv(t)
	env.Gen.push(
		candidate(domain.ActionAutomation, "Archive old newsletters", 0.8, domain.PriorityMedium),
		candidate(domain.ActionReminder, "Pay rent", 0.95, domain.PriorityHigh),
	)
	_, err := env.Engine.RunCycle(env.Ctx)
	require.NoError(t, err)

	pending, err := env.Engine.Repo.ListActions(env.Ctx, repo.ActionFilter{Status: domain.StatusPendingApproval})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	res, err := env.Engine.RecordFeedback(env.Ctx, pending[0].ID, domain.FeedbackRejected, "not now", "user")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, res.Action.Status)
	assert.Nil(t, res.Delivery)

	executed, err := env.Engine.Repo.ListActions(env.Ctx, repo.ActionFilter{Status: domain.StatusExecuted})
	require.NoError(t, err)
	require.Len(t, executed, 1)
	res, err = env.Engine.RecordFeedback(env.Ctx, executed[0].ID, domain.FeedbackNegative, "too early", "user")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuted, res.Action.Status)

	_, err = env.Engine.RecordFeedback(env.Ctx, executed[0].ID, domain.FeedbackType("meh"), "", "user")
	assert.ErrorIs(t, err, engine.ErrInvalidFeedback)
	_, err = env.Engine.RecordFeedback(env.Ctx, "missing", domain.FeedbackPositive, "", "user")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestProactivityConfigFallbackAndUpdate(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, domain.DefaultProactivityConfig, env.Engine.ProactivityConfig(env.Ctx))

	floor := 0.8
	cfg, err := env.Engine.UpdateProactivityConfig(env.Ctx, domain.ProactivityPatch{MinConfidence: &floor}, "tester")
	require.NoError(t, err)
	assert.Equal(t, 0.8, cfg.MinConfidence)
	assert.Equal(t, 3, cfg.MaxActionsPerHour)
	assert.Equal(t, cfg, env.Engine.ProactivityConfig(env.Ctx))

	bad := "25:00"
	_, err = env.Engine.UpdateProactivityConfig(env.Ctx, domain.ProactivityPatch{QuietHoursStart: &bad}, "tester")
	assert.ErrorIs(t, err, engine.ErrInvalidConfig)
	assert.Equal(t, cfg, env.Engine.ProactivityConfig(env.Ctx))
}

func TestUpdateProactivityConfigRollsBackOnStoreFailure(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectQuery("SELECT config_json FROM proactivity_config").WillReturnError(sql.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO proactivity_config").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	eng := engine.New(conn, config.Default(), engine.Options{Clock: clockwork.NewFakeClockAt(noon)})
	_, err = eng.UpdateProactivityConfig(context.Background(), domain.ProactivityPatch{MaxActionsPerDay: intPtr(5)}, "tester")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store proactivity config")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckAndRecordUsage(t *testing.T) {
	env := newTestEnv(t)
	d := env.Engine.CheckUsage("sms", 10, false)
	assert.True(t, d.Allowed)
	assert.Zero(t, d.EstimatedCost, "inside the monthly free tier")

	charge, err := env.Engine.RecordUsage(env.Ctx, "sms", 60)
	require.NoError(t, err)
	assert.Equal(t, int64(50), charge.FromMonthlyFree)
	assert.InDelta(t, 10.0, charge.Cost, 1e-9)

	cc := env.Engine.CostContext()
	require.Contains(t, cc.Services, "sms")
}

func TestLoopRunsUntilCancelled(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(env.Ctx)
	errc := make(chan error, 1)
	go func() { errc <- env.Engine.Loop(ctx, time.Minute) }()

	require.Eventually(t, func() bool {
		evts, err := env.Engine.Repo.LatestEventsFrom(env.Ctx, 10, 0, events.CycleCompleted, "", "")
		return err == nil && len(evts) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}
