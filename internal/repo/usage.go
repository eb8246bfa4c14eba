package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"steward/internal/domain"
)

const usageColumns = `service,day_key,month_key,daily_units,monthly_units,daily_cost,monthly_cost,monthly_free_used,updated_at`

func scanUsage(row rowScanner) (domain.UsageEntry, error) {
	var e domain.UsageEntry
	var updatedAt string
	err := row.Scan(&e.Service, &e.DayKey, &e.MonthKey, &e.DailyUnits, &e.MonthlyUnits, &e.DailyCost, &e.MonthlyCost, &e.MonthlyFreeUsed, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.UpdatedAt, err = parseTS(updatedAt)
	return e, err
}

// LoadUsage returns the most recent period row for a service.
func (r Repo) LoadUsage(ctx context.Context, service string) (domain.UsageEntry, error) {
	return scanUsage(r.DB.QueryRowContext(ctx, `SELECT `+usageColumns+` FROM usage_ledger WHERE service=? ORDER BY day_key DESC LIMIT 1`, service))
}

// saveUsage upserts the row for the entry's service and day.
func (r Repo) saveUsage(ctx context.Context, tx *sql.Tx, e domain.UsageEntry) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO usage_ledger(`+usageColumns+`) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(service, day_key) DO UPDATE SET month_key=excluded.month_key, daily_units=excluded.daily_units,
  monthly_units=excluded.monthly_units, daily_cost=excluded.daily_cost, monthly_cost=excluded.monthly_cost,
  monthly_free_used=excluded.monthly_free_used, updated_at=excluded.updated_at`,
		e.Service, e.DayKey, e.MonthKey, e.DailyUnits, e.MonthlyUnits, e.DailyCost, e.MonthlyCost, e.MonthlyFreeUsed, formatTS(e.UpdatedAt))
	return err
}

// UpdateUsage reads the latest row for service, applies fn and upserts the result in one
// write transaction. The first statement takes the database write lock, so a writer in
// another process waits on busy_timeout and then sees this row instead of a stale one.
func (r Repo) UpdateUsage(ctx context.Context, service string, fn func(cur domain.UsageEntry) (domain.UsageEntry, error)) (domain.UsageEntry, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.UsageEntry{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE usage_ledger SET service=service WHERE service=?`, service); err != nil {
		return domain.UsageEntry{}, fmt.Errorf("lock usage %s: %w", service, err)
	}
	cur, err := scanUsage(tx.QueryRowContext(ctx, `SELECT `+usageColumns+` FROM usage_ledger WHERE service=? ORDER BY day_key DESC LIMIT 1`, service))
	switch {
	case errors.Is(err, ErrNotFound):
		cur = domain.UsageEntry{Service: service}
	case err != nil:
		return domain.UsageEntry{}, err
	}
	next, err := fn(cur)
	if err != nil {
		return domain.UsageEntry{}, err
	}
	if err := r.saveUsage(ctx, tx, next); err != nil {
		return domain.UsageEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.UsageEntry{}, err
	}
	return next, nil
}

// UsageHistory lists period rows for a service, newest first.
func (r Repo) UsageHistory(ctx context.Context, service string, limit int) ([]domain.UsageEntry, error) {
	if limit <= 0 {
		limit = 31
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+usageColumns+` FROM usage_ledger WHERE service=? ORDER BY day_key DESC LIMIT ?`, service, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.UsageEntry
	for rows.Next() {
		e, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
