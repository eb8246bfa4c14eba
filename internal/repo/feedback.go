package repo

import (
	"context"
	"database/sql"
	"fmt"

	"steward/internal/domain"
)

func (r Repo) InsertFeedback(ctx context.Context, tx *sql.Tx, f domain.FeedbackRecord) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO feedback_records(id,action_id,action_type,feedback_type,comments,provided_at) VALUES (?,?,?,?,?,?)`,
		f.ID, f.ActionID, string(f.ActionType), string(f.FeedbackType), nullable(f.Comments), formatTS(f.ProvidedAt))
	if err != nil {
		return fmt.Errorf("insert feedback for action %s: %w", f.ActionID, err)
	}
	return nil
}

// FeedbackStats counts positive (positive or approved) and total feedback for one action type.
func (r Repo) FeedbackStats(ctx context.Context, t domain.ActionType) (domain.FeedbackStats, error) {
	var stats domain.FeedbackStats
	err := r.DB.QueryRowContext(ctx, `SELECT
  COALESCE(SUM(CASE WHEN feedback_type IN (?,?) THEN 1 ELSE 0 END),0),
  COUNT(*)
FROM feedback_records WHERE action_type=?`,
		string(domain.FeedbackPositive), string(domain.FeedbackApproved), string(t)).Scan(&stats.Positive, &stats.Total)
	return stats, err
}

func (r Repo) ListFeedback(ctx context.Context, actionID string) ([]domain.FeedbackRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,action_id,action_type,feedback_type,COALESCE(comments,''),provided_at FROM feedback_records WHERE action_id=? ORDER BY provided_at ASC, id ASC`, actionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FeedbackRecord
	for rows.Next() {
		var (
			f           domain.FeedbackRecord
			typ, fbType string
			providedAt  string
		)
		if err := rows.Scan(&f.ID, &f.ActionID, &typ, &fbType, &f.Comments, &providedAt); err != nil {
			return nil, err
		}
		f.ActionType = domain.ActionType(typ)
		f.FeedbackType = domain.FeedbackType(fbType)
		if f.ProvidedAt, err = parseTS(providedAt); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}
