// Package generator fetches candidate actions from an external proposer.
package generator

import (
	"context"

	"steward/internal/domain"
)

// Generator proposes up to limit candidates for the situation. Returning zero candidates
// or an error both mean there is no work this cycle.
type Generator interface {
	Generate(ctx context.Context, sit domain.Situation, limit int) ([]domain.ActionCandidate, error)
}

// Func adapts a function to Generator.
type Func func(ctx context.Context, sit domain.Situation, limit int) ([]domain.ActionCandidate, error)

func (f Func) Generate(ctx context.Context, sit domain.Situation, limit int) ([]domain.ActionCandidate, error) {
	return f(ctx, sit, limit)
}

// None never proposes anything. It is used when no generator is configured.
type None struct{}

func (None) Generate(context.Context, domain.Situation, int) ([]domain.ActionCandidate, error) {
	return nil, nil
}

// Static returns a fixed list, truncated to the limit.
type Static []domain.ActionCandidate

func (s Static) Generate(_ context.Context, _ domain.Situation, limit int) ([]domain.ActionCandidate, error) {
	out := []domain.ActionCandidate(s)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]domain.ActionCandidate(nil), out...), nil
}
