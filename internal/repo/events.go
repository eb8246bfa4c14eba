package repo

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"

	"steward/internal/domain"
)

// LatestEventsFrom lists events newest first, paging backwards from cursor when it is > 0.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, evtType, entityKind, entityID string) ([]domain.Event, error) {
	b := sq.Select("id", "ts", "type", "entity_kind", "COALESCE(entity_id,'')", "actor_id", "payload_json").
		From("events").OrderBy("id DESC")
	if evtType != "" {
		b = b.Where(sq.Eq{"type": evtType})
	}
	if entityKind != "" {
		b = b.Where(sq.Eq{"entity_kind": entityKind})
	}
	if entityID != "" {
		b = b.Where(sq.Eq{"entity_id": entityID})
	}
	if cursor > 0 {
		b = b.Where(sq.Lt{"id": cursor})
	}
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
