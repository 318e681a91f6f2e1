package payment

import (
	"errors"
	"sync"

	"github.com/bodegonbc/bodegon-pos/internal/cart"
	"github.com/bodegonbc/bodegon-pos/internal/orders"
)

type State string

const (
	StateCollecting State = "COLLECTING_TENDERS"
	StateReserving  State = "RESERVING_REFERENCE"
	StatePersisting State = "PERSISTING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
)

var (
	ErrInFlight      = errors.New("checkout already submitted")
	ErrNotCollecting = errors.New("checkout is not collecting tenders")
)

// Checkout is one attempt to pay for a cart. The cart and tenders survive a
// failed attempt so the operator can retry without re-entering them.
type Checkout struct {
	mu       sync.Mutex
	channel  orders.Channel
	cart     *cart.Cart
	tenders  []Tender
	state    State
	inFlight bool
	last     *orders.Order
	lastErr  error

	customer    orders.Customer
	shipping    *orders.Shipping
	customerRef string
}

func NewCheckout(ch orders.Channel, c *cart.Cart) *Checkout {
	if c == nil {
		c = cart.New()
	}
	return &Checkout{channel: ch, cart: c, state: StateCollecting}
}

// Request is what a client submits with one checkout.
type Request struct {
	Tenders           []Tender         `json:"tenders"`
	Customer          orders.Customer  `json:"customer"`
	Shipping          *orders.Shipping `json:"shipping,omitempty"`
	CustomerReference string           `json:"customer_reference,omitempty"`
}

// NewCheckoutFor builds a checkout already holding the request's customer
// details and tenders.
func NewCheckoutFor(ch orders.Channel, c *cart.Cart, req Request) *Checkout {
	co := NewCheckout(ch, c)
	co.customer = req.Customer
	if req.Shipping != nil {
		sh := *req.Shipping
		co.shipping = &sh
	}
	co.customerRef = req.CustomerReference
	co.tenders = append([]Tender(nil), req.Tenders...)
	return co
}

func (c *Checkout) Channel() orders.Channel { return c.channel }
func (c *Checkout) Cart() *cart.Cart { return c.cart }

func (c *Checkout) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastOrder is the order committed by the last successful submit, for
// receipt printing.
func (c *Checkout) LastOrder() *orders.Order {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Err is the failure that moved the checkout to FAILED.
func (c *Checkout) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Checkout) Tenders() []Tender {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Tender(nil), c.tenders...)
}

func (c *Checkout) SetCustomer(cu orders.Customer) error {
	return c.edit(func() { c.customer = cu })
}

func (c *Checkout) SetShipping(sh orders.Shipping) error {
	return c.edit(func() { c.shipping = &sh })
}

// SetCustomerReference records the confirmation number the customer typed
// for an online payment.
func (c *Checkout) SetCustomerReference(ref string) error {
	return c.edit(func() { c.customerRef = ref })
}

func (c *Checkout) AddTender(t Tender) error {
	return c.edit(func() { c.tenders = append(c.tenders, t) })
}

func (c *Checkout) ClearTenders() error {
	return c.edit(func() { c.tenders = nil })
}

func (c *Checkout) edit(fn func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight {
		return ErrInFlight
	}
	if c.state != StateCollecting {
		return ErrNotCollecting
	}
	fn()
	return nil
}

// Retry moves a failed checkout back to collecting, keeping cart and tenders.
func (c *Checkout) Retry() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateFailed {
		return ErrNotCollecting
	}
	c.state = StateCollecting
	c.lastErr = nil
	return nil
}

// Abandon drops the tenders of an attempt that has not started persisting.
// The cart is kept.
func (c *Checkout) Abandon() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight {
		return ErrInFlight
	}
	if c.state != StateCollecting && c.state != StateFailed {
		return ErrNotCollecting
	}
	c.tenders = nil
	c.state = StateCollecting
	c.lastErr = nil
	return nil
}

// attempt is the immutable input of one submit.
type attempt struct {
	channel     orders.Channel
	lines       []cart.Line
	tenders     []Tender
	customer    orders.Customer
	shipping    *orders.Shipping
	customerRef string
}

func (c *Checkout) snapshotLocked() attempt {
	a := attempt{
		channel:     c.channel,
		lines:       c.cart.Lines(),
		tenders:     append([]Tender(nil), c.tenders...),
		customer:    c.customer,
		customerRef: c.customerRef,
	}
	if c.shipping != nil {
		sh := *c.shipping
		a.shipping = &sh
	}
	return a
}

func (c *Checkout) snapshot() attempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// begin claims the checkout for one submit. A failed checkout is retried
// verbatim.
func (c *Checkout) begin() (attempt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight {
		return attempt{}, ErrInFlight
	}
	switch c.state {
	case StateFailed:
		c.state = StateCollecting
		c.lastErr = nil
	case StateCollecting:
	default:
		return attempt{}, ErrNotCollecting
	}
	c.inFlight = true
	return c.snapshotLocked(), nil
}

func (c *Checkout) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Checkout) release() {
	c.mu.Lock()
	c.inFlight = false
	c.mu.Unlock()
}

func (c *Checkout) fail(err error) {
	c.mu.Lock()
	c.state = StateFailed
	c.lastErr = err
	c.mu.Unlock()
}

func (c *Checkout) complete(o *orders.Order) {
	c.mu.Lock()
	c.state = StateCompleted
	c.last = o
	c.tenders = nil
	c.cart.Clear()
	c.mu.Unlock()
}
