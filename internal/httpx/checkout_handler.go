package httpx

import (
	"context"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bodegonbc/bodegon-pos/internal/auth"
	"github.com/bodegonbc/bodegon-pos/internal/cart"
	"github.com/bodegonbc/bodegon-pos/internal/events"
	kafkax "github.com/bodegonbc/bodegon-pos/internal/kafka"
	"github.com/bodegonbc/bodegon-pos/internal/orders"
	"github.com/bodegonbc/bodegon-pos/internal/payment"
)

// Locker serializes checkouts of one session across instances.
type Locker interface {
	Acquire(ctx context.Context, session string) (release func(), ok bool, err error)
}

type CheckoutHandler struct {
	Carts   cart.Store
	Engine  *payment.Engine
	Lock    Locker           // optional
	Events  kafkax.Publisher // order insert feed, optional
	Service string
}

type checkoutResp struct {
	Order *orders.Order `json:"order"`
	State payment.State `json:"state"`
}

func (h *CheckoutHandler) Register(r chi.Router, guard Guard) {
	r.With(guard(auth.RoleCashier, auth.RoleAdmin)).Post("/carts/{session}/checkout/pos", h.pos)
	r.Post("/carts/{session}/checkout/online", h.online)
}

func (h *CheckoutHandler) pos(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, orders.ChannelPOS)
}

func (h *CheckoutHandler) online(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, orders.ChannelOnline)
}

// submit runs one checkout attempt for the session cart. On failure the
// stored cart is left as it was, so the same request can be repeated.
func (h *CheckoutHandler) submit(w http.ResponseWriter, r *http.Request, ch orders.Channel) {
	session := chi.URLParam(r, "session")
	if _, err := uuid.Parse(session); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid session"})
		return
	}
	var req payment.Request
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()

	if h.Lock != nil {
		release, ok, err := h.Lock.Acquire(ctx, session)
		if err != nil {
			writeError(w, err)
			return
		}
		if !ok {
			writeError(w, payment.ErrInFlight)
			return
		}
		defer release()
	}

	c, err := h.Carts.Load(ctx, session)
	if err != nil {
		writeError(w, err)
		return
	}
	co := payment.NewCheckoutFor(ch, c, req)
	o, err := h.Engine.Submit(ctx, co)
	if err != nil {
		writeError(w, err)
		return
	}

	// the order is committed; a failed cart cleanup only leaves a stale cart
	if err := h.Carts.Delete(ctx, session); err != nil {
		log.Printf("[checkout] WARN clear cart %s: %v", session, err)
	}
	h.publishCreated(r, o)
	writeJSON(w, http.StatusCreated, checkoutResp{Order: o, State: co.State()})
}

func (h *CheckoutHandler) publishCreated(r *http.Request, o *orders.Order) {
	if h.Events == nil {
		return
	}
	ev := events.New(events.EventOrderCreated, h.Service, traceID(r), o.ID, kafkax.MustMarshal(orders.CreatedPayload(o)))
	h.Events.Publish(events.PartitionKey(o.ID), kafkax.MustMarshal(ev), kafkax.EventHeaders(events.EventOrderCreated)...)
}
