package repo

import (
	"context"
	"errors"
	"fmt"

	"steward/internal/domain"
)

func (r Repo) InsertPreference(ctx context.Context, p domain.Preference) error {
	if p.ID == "" {
		return errors.New("id required")
	}
	if p.Text == "" {
		return errors.New("text required")
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO preferences(id,text,strength,created_at) VALUES (?,?,?,?)`,
		p.ID, p.Text, string(p.Strength), formatTS(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert preference: %w", err)
	}
	return nil
}

func (r Repo) ListPreferences(ctx context.Context) ([]domain.Preference, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,text,strength,created_at FROM preferences ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Preference
	for rows.Next() {
		var p domain.Preference
		var strength, createdAt string
		if err := rows.Scan(&p.ID, &p.Text, &strength, &createdAt); err != nil {
			return nil, err
		}
		p.Strength = domain.PreferenceStrength(strength)
		if p.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) DeletePreference(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM preferences WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
