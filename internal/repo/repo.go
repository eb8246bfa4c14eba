package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"steward/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrStatusConflict means a conditional status transition found the record in another state.
	ErrStatusConflict = errors.New("status conflict")
)

// tsLayout is fixed width so stored timestamps compare correctly as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(tsLayout, s)
}

func formatTSPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTS(*t)
}

func parseNullTS(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTS(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

const actionColumns = `id,type,title,COALESCE(description,''),confidence,priority,COALESCE(reasoning,''),COALESCE(suggested_action,''),requires_approval,data_sources_json,status,COALESCE(timing,''),valid_until,executed_at,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (domain.ActionRecord, error) {
	var (
		a                     domain.ActionRecord
		requiresApproval      int
		sources               string
		validUntil, executed  sql.NullString
		createdAt, updatedAt  string
		typ, priority, status string
		timing                string
	)
	err := row.Scan(&a.ID, &typ, &a.Title, &a.Description, &a.Confidence, &priority, &a.Reasoning, &a.SuggestedAction,
		&requiresApproval, &sources, &status, &timing, &validUntil, &executed, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Type = domain.ActionType(typ)
	a.Priority = domain.Priority(priority)
	a.Status = domain.ActionStatus(status)
	a.Timing = domain.Timing(timing)
	a.RequiresApproval = requiresApproval != 0
	if err := json.Unmarshal([]byte(sources), &a.DataSourcesUsed); err != nil {
		return a, fmt.Errorf("decode data sources for %s: %w", a.ID, err)
	}
	if a.ValidUntil, err = parseNullTS(validUntil); err != nil {
		return a, err
	}
	if a.ExecutedAt, err = parseNullTS(executed); err != nil {
		return a, err
	}
	if a.CreatedAt, err = parseTS(createdAt); err != nil {
		return a, err
	}
	if a.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return a, err
	}
	return a, nil
}

func scanActions(rows *sql.Rows) ([]domain.ActionRecord, error) {
	defer rows.Close()
	var res []domain.ActionRecord
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// InsertAction stores a new action record.
func (r Repo) InsertAction(ctx context.Context, tx *sql.Tx, a domain.ActionRecord) error {
	sources := a.DataSourcesUsed
	if sources == nil {
		sources = []string{}
	}
	payload, err := json.Marshal(sources)
	if err != nil {
		return err
	}
	requires := 0
	if a.RequiresApproval {
		requires = 1
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO action_records(id,type,title,description,confidence,priority,reasoning,suggested_action,requires_approval,data_sources_json,status,timing,valid_until,executed_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, string(a.Type), a.Title, nullable(a.Description), a.Confidence, string(a.Priority), nullable(a.Reasoning),
		nullable(a.SuggestedAction), requires, string(payload), string(a.Status), nullable(string(a.Timing)),
		formatTSPtr(a.ValidUntil), formatTSPtr(a.ExecutedAt), formatTS(a.CreatedAt), formatTS(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert action %s: %w", a.ID, err)
	}
	return nil
}

func (r Repo) GetAction(ctx context.Context, id string) (domain.ActionRecord, error) {
	return r.GetActionTx(ctx, nil, id)
}

func (r Repo) GetActionTx(ctx context.Context, tx *sql.Tx, id string) (domain.ActionRecord, error) {
	return scanAction(r.q(tx).QueryRowContext(ctx, `SELECT `+actionColumns+` FROM action_records WHERE id=?`, id))
}

// StatusUpdate describes one conditional status transition.
type StatusUpdate struct {
	ID         string
	From       domain.ActionStatus
	To         domain.ActionStatus
	Priority   domain.Priority
	Timing     domain.Timing
	ValidUntil *time.Time
	ExecutedAt *time.Time
	At         time.Time
}

// TransitionAction moves a record from u.From to u.To. Only the writer that observes
// u.From wins; anyone else gets ErrStatusConflict.
func (r Repo) TransitionAction(ctx context.Context, tx *sql.Tx, u StatusUpdate) error {
	sets := map[string]any{"status": string(u.To), "updated_at": formatTS(u.At)}
	if u.ExecutedAt != nil {
		sets["executed_at"] = formatTS(*u.ExecutedAt)
	}
	if u.ValidUntil != nil {
		sets["valid_until"] = formatTS(*u.ValidUntil)
	}
	if u.Timing != domain.TimingNone {
		sets["timing"] = string(u.Timing)
	}
	if u.Priority != "" {
		sets["priority"] = string(u.Priority)
	}
	query, args, err := sq.Update("action_records").SetMap(sets).
		Where(sq.Eq{"id": u.ID, "status": string(u.From)}).ToSql()
	if err != nil {
		return err
	}
	res, err := r.q(tx).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition action %s: %w", u.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.GetActionTx(ctx, tx, u.ID); err != nil {
			return err
		}
		return fmt.Errorf("action %s is not %s: %w", u.ID, u.From, ErrStatusConflict)
	}
	return nil
}

// ActionFilter narrows ListActions. Cursor fields page backwards by (created_at, id).
type ActionFilter struct {
	Status          domain.ActionStatus
	Type            domain.ActionType
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListActions(ctx context.Context, f ActionFilter) ([]domain.ActionRecord, error) {
	b := sq.Select(actionColumns).From("action_records").OrderBy("created_at DESC", "id DESC")
	if f.Status != "" {
		b = b.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.Type != "" {
		b = b.Where(sq.Eq{"type": string(f.Type)})
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		b = b.Where(sq.Or{
			sq.Lt{"created_at": f.CursorCreatedAt},
			sq.And{sq.Eq{"created_at": f.CursorCreatedAt}, sq.Lt{"id": f.CursorID}},
		})
	}
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanActions(rows)
}

// CursorFor returns the paging cursor value for a record.
func CursorFor(a domain.ActionRecord) (string, string) {
	return formatTS(a.CreatedAt), a.ID
}

// CountExecutedSince counts executed actions with executed_at >= since.
func (r Repo) CountExecutedSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM action_records WHERE status=? AND executed_at>=?`,
		string(domain.StatusExecuted), formatTS(since)).Scan(&n)
	return n, err
}

// ExecutedByTypeSince lists executed actions of one type with executed_at >= since.
func (r Repo) ExecutedByTypeSince(ctx context.Context, t domain.ActionType, since time.Time) ([]domain.ActionRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+actionColumns+` FROM action_records WHERE status=? AND type=? AND executed_at>=? ORDER BY executed_at DESC`,
		string(domain.StatusExecuted), string(t), formatTS(since))
	if err != nil {
		return nil, err
	}
	return scanActions(rows)
}

// ListQueuedValid returns queued (deferred) actions whose valid_until has not passed, oldest first.
func (r Repo) ListQueuedValid(ctx context.Context, now time.Time, limit int) ([]domain.ActionRecord, error) {
	query := `SELECT ` + actionColumns + ` FROM action_records WHERE status=? AND (valid_until IS NULL OR valid_until>=?) ORDER BY created_at ASC, id ASC`
	args := []any{string(domain.StatusQueued), formatTS(now)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanActions(rows)
}

// CountByStatus returns action counts keyed by status.
func (r Repo) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM action_records GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
