package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"steward/internal/domain"
)

// RedisStore shares ledger rows between processes. Each service has one hash holding
// the current period entry plus a per-day history hash that expires after historyTTL.
// Updates run under WATCH, so concurrent writers retry instead of overwriting each other.
type RedisStore struct {
	client *redis.Client
	prefix string
}

const (
	historyTTL    = 40 * 24 * time.Hour
	updateRetries = 16
)

type RedisOptions struct {
	Addr      string
	DB        int
	KeyPrefix string
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: opts.Addr, DB: opts.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "steward"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) key(service string) string {
	return s.prefix + ":usage:" + service
}

func (s *RedisStore) Load(ctx context.Context, service string) (domain.UsageEntry, bool, error) {
	return s.load(ctx, s.client, service)
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func (s *RedisStore) load(ctx context.Context, r hashReader, service string) (domain.UsageEntry, bool, error) {
	fields, err := r.HGetAll(ctx, s.key(service)).Result()
	if err != nil {
		return domain.UsageEntry{}, false, fmt.Errorf("ledger get %s: %w", service, err)
	}
	if len(fields) == 0 {
		return domain.UsageEntry{Service: service}, false, nil
	}
	e, err := decodeEntry(service, fields)
	if err != nil {
		return domain.UsageEntry{}, false, fmt.Errorf("decode ledger entry %s: %w", service, err)
	}
	return e, true, nil
}

func (s *RedisStore) Update(ctx context.Context, service string, fn func(cur domain.UsageEntry) (domain.UsageEntry, error)) (domain.UsageEntry, error) {
	key := s.key(service)
	var next domain.UsageEntry
	txf := func(tx *redis.Tx) error {
		cur, _, err := s.load(ctx, tx, service)
		if err != nil {
			return err
		}
		next, err = fn(cur)
		if err != nil {
			return err
		}
		fields := encodeEntry(next)
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, key)
			p.HSet(ctx, key, fields)
			hist := key + ":" + next.DayKey
			p.HSet(ctx, hist, fields)
			p.Expire(ctx, hist, historyTTL)
			return nil
		})
		return err
	}
	for i := 0; i < updateRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return domain.UsageEntry{}, fmt.Errorf("ledger save %s: %w", service, err)
		}
	}
	return domain.UsageEntry{}, fmt.Errorf("ledger save %s: too much contention after %d attempts", service, updateRetries)
}

func encodeEntry(e domain.UsageEntry) map[string]any {
	return map[string]any{
		"day_key":           e.DayKey,
		"month_key":         e.MonthKey,
		"daily_units":       e.DailyUnits,
		"monthly_units":     e.MonthlyUnits,
		"daily_cost":        strconv.FormatFloat(e.DailyCost, 'f', -1, 64),
		"monthly_cost":      strconv.FormatFloat(e.MonthlyCost, 'f', -1, 64),
		"monthly_free_used": e.MonthlyFreeUsed,
		"updated_at":        e.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func decodeEntry(service string, f map[string]string) (domain.UsageEntry, error) {
	e := domain.UsageEntry{Service: service, DayKey: f["day_key"], MonthKey: f["month_key"]}
	var err error
	ints := []struct {
		name string
		dst  *int64
	}{
		{"daily_units", &e.DailyUnits},
		{"monthly_units", &e.MonthlyUnits},
		{"monthly_free_used", &e.MonthlyFreeUsed},
	}
	for _, it := range ints {
		if *it.dst, err = strconv.ParseInt(f[it.name], 10, 64); err != nil {
			return e, fmt.Errorf("%s: %w", it.name, err)
		}
	}
	if e.DailyCost, err = strconv.ParseFloat(f["daily_cost"], 64); err != nil {
		return e, fmt.Errorf("daily_cost: %w", err)
	}
	if e.MonthlyCost, err = strconv.ParseFloat(f["monthly_cost"], 64); err != nil {
		return e, fmt.Errorf("monthly_cost: %w", err)
	}
	if ts := f["updated_at"]; ts != "" {
		if e.UpdatedAt, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return e, fmt.Errorf("updated_at: %w", err)
		}
	}
	return e, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
