package channel

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"steward/internal/budget"
	"steward/internal/domain"
)

// BudgetDeniedError means the governor refused the metered call; nothing was sent.
type BudgetDeniedError struct {
	Service  string
	Decision budget.Decision
}

func (e *BudgetDeniedError) Error() string {
	return fmt.Sprintf("budget denied %s: %s", e.Service, e.Decision.Reason)
}

// Allower is the governor's admission question.
type Allower interface {
	ShouldAllow(service string, units int64, essential bool) budget.Decision
}

// Recorder is the ledger's write side.
type Recorder interface {
	RecordUsage(ctx context.Context, service string, units int64) (float64, bool, error)
}

// Unitizer is implemented by channels that know how many units a delivery consumes.
type Unitizer interface {
	Units(d Delivery) int64
}

// ServiceLocks hands out one mutex per budget service. Metered channels that share
// a service must share the table so check, send and record run one at a time.
type ServiceLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewServiceLocks() *ServiceLocks {
	return &ServiceLocks{locks: map[string]*sync.Mutex{}}
}

func (s *ServiceLocks) For(service string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[service]
	if !ok {
		l = &sync.Mutex{}
		s.locks[service] = l
	}
	return l
}

var defaultLocks = NewServiceLocks()

// Metered asks the governor before delivering and records actual usage after.
// Deliveries against the same service are serialized within the process.
type Metered struct {
	Next     Channel
	Service  string
	Units    int64
	Governor Allower
	Ledger   Recorder
	Locks    *ServiceLocks
	Logger   *zap.Logger
}

func (m *Metered) lock() *sync.Mutex {
	if m.Locks != nil {
		return m.Locks.For(m.Service)
	}
	return defaultLocks.For(m.Service)
}

func (m *Metered) units(d Delivery) int64 {
	if u, ok := m.Next.(Unitizer); ok {
		return u.Units(d)
	}
	if m.Units > 0 {
		return m.Units
	}
	return 1
}

// Essential deliveries are urgent alerts; they bypass the budget check.
func Essential(d Delivery) bool {
	return d.Kind == string(domain.ActionAlert) && d.Action.Priority == domain.PriorityUrgent
}

func (m *Metered) Deliver(ctx context.Context, d Delivery) error {
	units := m.units(d)
	l := m.lock()
	l.Lock()
	defer l.Unlock()

	dec := m.Governor.ShouldAllow(m.Service, units, Essential(d))
	if !dec.Allowed {
		return &BudgetDeniedError{Service: m.Service, Decision: dec}
	}
	if dec.Suggestion != "" && m.Logger != nil {
		m.Logger.Warn("metered delivery near budget", zap.String("service", m.Service), zap.String("suggestion", dec.Suggestion))
	}
	if err := m.Next.Deliver(ctx, d); err != nil {
		return err
	}
	// The message is out; a ledger failure must not turn it into a failed delivery.
	if _, _, err := m.Ledger.RecordUsage(ctx, m.Service, units); err != nil && m.Logger != nil {
		m.Logger.Error("record metered usage", zap.String("service", m.Service), zap.Int64("units", units), zap.Error(err))
	}
	return nil
}
