package ledger

import (
	"context"
	"errors"

	"steward/internal/domain"
	"steward/internal/repo"
)

// Store persists the current period row of each service.
type Store interface {
	// Load returns the latest entry for service; ok is false when none exists yet.
	Load(ctx context.Context, service string) (e domain.UsageEntry, ok bool, err error)
	// Update applies fn to the freshest stored entry and persists its result as one
	// atomic step against every other writer of the store. fn may run more than once.
	// A missing entry reaches fn as a zero entry with only Service set.
	Update(ctx context.Context, service string, fn func(cur domain.UsageEntry) (domain.UsageEntry, error)) (domain.UsageEntry, error)
}

// SQLStore keeps one ledger row per service per day in the workspace database.
type SQLStore struct {
	Repo repo.Repo
}

func (s SQLStore) Load(ctx context.Context, service string) (domain.UsageEntry, bool, error) {
	e, err := s.Repo.LoadUsage(ctx, service)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.UsageEntry{}, false, nil
	}
	if err != nil {
		return domain.UsageEntry{}, false, err
	}
	return e, true, nil
}

func (s SQLStore) Update(ctx context.Context, service string, fn func(cur domain.UsageEntry) (domain.UsageEntry, error)) (domain.UsageEntry, error) {
	return s.Repo.UpdateUsage(ctx, service, fn)
}
