package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"steward/internal/domain"
)

// GetProactivityConfig returns the stored singleton or ErrNotFound.
func (r Repo) GetProactivityConfig(ctx context.Context) (domain.ProactivityConfig, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM proactivity_config WHERE id=1`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ProactivityConfig{}, ErrNotFound
	}
	if err != nil {
		return domain.ProactivityConfig{}, err
	}
	var cfg domain.ProactivityConfig
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return domain.ProactivityConfig{}, err
	}
	return cfg, cfg.Validate()
}

// PutProactivityConfig replaces the singleton row wholesale.
func (r Repo) PutProactivityConfig(ctx context.Context, tx *sql.Tx, cfg domain.ProactivityConfig, now time.Time) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO proactivity_config(id,config_json,updated_at) VALUES (1,?,?)
ON CONFLICT(id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, string(payload), formatTS(now))
	return err
}
