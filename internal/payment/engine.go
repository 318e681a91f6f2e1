package payment

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/bodegonbc/bodegon-pos/internal/metrics"
	"github.com/bodegonbc/bodegon-pos/internal/orders"
)

// Ledger is the write side of the order ledger. Insert returns
// orders.ErrDuplicateReference when the reference is already taken.
type Ledger interface {
	Insert(ctx context.Context, o *orders.Order) error
}

type Engine struct {
	Ledger     Ledger
	References ReferenceAllocator
	Rates      Rates // optional, used for online payment instructions

	// MaxAttempts bounds how many allocated references are tried before the
	// timestamp fallback gets its single attempt.
	MaxAttempts int
	// Timeout applies to each remote call.
	Timeout time.Duration
}

// Submit validates the checkout, reserves a reference and persists the order.
// A validation error leaves the checkout collecting tenders; a ledger failure
// leaves it FAILED with cart and tenders intact.
func (e *Engine) Submit(ctx context.Context, co *Checkout) (*orders.Order, error) {
	a, err := co.begin()
	if err != nil {
		return nil, err
	}
	defer co.release()

	if err := validate(a); err != nil {
		metrics.Checkouts.WithLabelValues(string(a.channel), "invalid").Inc()
		return nil, err
	}

	o := e.build(a)
	attempts := e.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for try := 1; ; try++ {
		co.setState(StateReserving)
		if try <= attempts {
			o.Reference = e.reserve(ctx)
		} else {
			o.Reference = e.References.Fallback()
			metrics.ReferenceFallbacks.WithLabelValues("exhausted").Inc()
		}

		if o.Channel == orders.ChannelOnline {
			// instructions quote the reference, so they follow it on every retry
			o.Instructions = Instructions(a.tenders[0].Method, o.Total, o.Reference, a.customerRef, e.Rates)
		}

		co.setState(StatePersisting)
		err = e.insert(ctx, o)
		if err == nil {
			break
		}
		if errors.Is(err, orders.ErrDuplicateReference) && try <= attempts {
			metrics.ReferenceCollisions.Inc()
			log.Printf("[checkout] reference %s taken, retrying (%d/%d)", o.Reference, try, attempts)
			continue
		}
		perr := &PersistenceError{Err: err}
		co.fail(perr)
		metrics.Checkouts.WithLabelValues(string(a.channel), "failed").Inc()
		log.Printf("[checkout] ERROR persist order ref=%s: %v", o.Reference, err)
		return nil, perr
	}

	co.complete(o)
	metrics.Checkouts.WithLabelValues(string(a.channel), "completed").Inc()
	log.Printf("[checkout] order %s ref=%s total=%s status=%s", o.ID, o.Reference, o.Total.StringFixed(2), o.Status)
	return o, nil
}

func (e *Engine) reserve(ctx context.Context) string {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return e.References.Next(ctx)
}

func (e *Engine) insert(ctx context.Context, o *orders.Order) error {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return e.Ledger.Insert(ctx, o)
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.Timeout)
}

// build snapshots the cart into order lines. Lines copy id, name, quantity
// and unit price so later catalog edits do not rewrite the order.
func (e *Engine) build(a attempt) *orders.Order {
	o := &orders.Order{
		ID:                uuid.NewString(),
		Channel:           a.channel,
		Customer:          a.customer,
		Shipping:          a.shipping,
		CustomerReference: a.customerRef,
		MethodSummary:     Summary(a.tenders),
		Lines:             make([]orders.Line, 0, len(a.lines)),
		Tenders:           make([]orders.Tender, 0, len(a.tenders)),
	}
	for _, l := range a.lines {
		o.Lines = append(o.Lines, orders.Line{
			ProductID: l.Product.ID,
			Name:      l.Product.Name,
			Quantity:  l.Quantity,
			UnitPrice: l.Product.PriceUSD,
		})
	}
	for _, t := range a.tenders {
		o.Tenders = append(o.Tenders, t.record())
	}
	o.Total = o.LinesTotal()
	o.Change = o.Tendered().Sub(o.Total)

	if a.channel == orders.ChannelOnline {
		o.Status, o.PaymentStatus = orders.StatusPending, orders.PaymentPending
	} else {
		o.Status, o.PaymentStatus = orders.StatusCompleted, orders.PaymentCompleted
	}
	return o
}
