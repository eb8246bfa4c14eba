// Package channel delivers admitted actions to the user.
package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"steward/internal/domain"
)

// KindApprovalRequest is the delivery kind used to ask the user to approve an action.
const KindApprovalRequest = "approval_request"

// Delivery is one attempt to surface an action. Kind is the action type, or
// KindApprovalRequest when the action awaits approval.
type Delivery struct {
	Kind   string              `json:"kind"`
	Action domain.ActionRecord `json:"action"`
}

// Text is the spoken or printed form of the action.
func (d Delivery) Text() string {
	a := d.Action
	text := a.Title
	if a.Description != "" {
		text += ". " + a.Description
	}
	if d.Kind == KindApprovalRequest {
		text = "Approval needed: " + text
	}
	return text
}

// Channel delivers to the user. Each call is a single attempt; callers do not retry.
type Channel interface {
	Deliver(ctx context.Context, d Delivery) error
}

// Func adapts a function to Channel.
type Func func(ctx context.Context, d Delivery) error

func (f Func) Deliver(ctx context.Context, d Delivery) error {
	return f(ctx, d)
}

// Registry maps delivery kinds to channels.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

func NewRegistry() *Registry {
	return &Registry{channels: map[string]Channel{}}
}

func (r *Registry) Register(kind string, ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[kind] = ch
}

func (r *Registry) Lookup(kind string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[kind]
	return ch, ok
}

// Kinds lists registered kinds in name order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.channels))
	for k := range r.channels {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Deliver routes d to the channel registered for its kind.
func (r *Registry) Deliver(ctx context.Context, d Delivery) error {
	ch, ok := r.Lookup(d.Kind)
	if !ok {
		return fmt.Errorf("no channel registered for %s", d.Kind)
	}
	return ch.Deliver(ctx, d)
}
