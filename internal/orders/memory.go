package orders

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryRepo is an in-process ledger with the same uniqueness contract as
// the Postgres one: references are unique ignoring case.
type MemoryRepo struct {
	mu     sync.Mutex
	orders map[string]*Order
	refs   map[string]string // lower(reference) -> order id
	seq    int64
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{orders: make(map[string]*Order), refs: make(map[string]string)}
}

func clone(o *Order) *Order {
	cp := *o
	cp.Lines = append([]Line(nil), o.Lines...)
	cp.Tenders = append([]Tender(nil), o.Tenders...)
	if o.Shipping != nil {
		sh := *o.Shipping
		cp.Shipping = &sh
	}
	return &cp
}

func (m *MemoryRepo) Insert(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(o.Reference)
	if _, taken := m.refs[key]; taken {
		return ErrDuplicateReference
	}
	if _, taken := m.orders[o.ID]; taken {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	now := time.Now().UTC()
	o.CreatedAt, o.UpdatedAt = now, now
	m.orders[o.ID] = clone(o)
	m.refs[key] = o.ID
	return nil
}

func (m *MemoryRepo) ReferencesWithPrefix(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := strings.ToLower(prefix)
	var out []string
	for _, o := range m.orders {
		if strings.HasPrefix(strings.ToLower(o.Reference), p) {
			out = append(out, o.Reference)
		}
	}
	return out, nil
}

func (m *MemoryRepo) ReferenceExists(_ context.Context, ref string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.refs[strings.ToLower(ref)]
	return ok, nil
}

func (m *MemoryRepo) NextReferenceNumber(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return m.seq, nil
}

func (m *MemoryRepo) Get(_ context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(o), nil
}

func (m *MemoryRepo) List(_ context.Context, f Filter) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Order
	for _, o := range m.orders {
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.Reference != "" && !strings.HasPrefix(strings.ToLower(o.Reference), strings.ToLower(f.Reference)) {
			continue
		}
		if !f.From.IsZero() && o.CreatedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !o.CreatedAt.Before(f.To) {
			continue
		}
		out = append(out, *clone(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	start := f.Offset
	if start < 0 {
		start = 0
	}
	if start > len(out) {
		return []Order{}, nil
	}
	end := start + limit
	if end > len(out) {
		end = len(out)
	}
	return out[start:end], nil
}

func (m *MemoryRepo) UpdateStatus(_ context.Context, id string, to Status, admin bool) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return "", ErrNotFound
	}
	from := o.Status
	if !CanChange(admin, from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	o.Status = to
	if ps, ok := PaymentStatusFor(to); ok {
		o.PaymentStatus = ps
	}
	o.UpdatedAt = time.Now().UTC()
	return from, nil
}
