package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/bodegonbc/bodegon-pos/internal/auth"
	"github.com/bodegonbc/bodegon-pos/internal/events"
	kafkax "github.com/bodegonbc/bodegon-pos/internal/kafka"
	"github.com/bodegonbc/bodegon-pos/internal/orders"
	"github.com/bodegonbc/bodegon-pos/internal/redisx"
)

type OrderRepo interface {
	Get(ctx context.Context, id string) (*orders.Order, error)
	List(ctx context.Context, f orders.Filter) ([]orders.Order, error)
	UpdateStatus(ctx context.Context, id string, to orders.Status, admin bool) (orders.Status, error)
}

type OrdersHandler struct {
	Repo    OrderRepo
	Events  kafkax.Publisher // status feed, optional
	Redis   *redis.Client    // status cache, optional
	Service string
}

func (h *OrdersHandler) Register(r chi.Router, guard Guard) {
	staff := guard(auth.RoleCashier, auth.RoleAdmin)
	r.With(staff).Get("/orders", h.list)
	r.With(staff).Get("/orders/{id}", h.get)
	r.With(staff).Put("/orders/{id}/status", h.setStatus)
	r.Get("/orders/{id}/status", h.status)
}

type statusBody struct {
	Status        orders.Status        `json:"status"`
	PaymentStatus orders.PaymentStatus `json:"payment_status"`
}

func (h *OrdersHandler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := orders.Filter{
		Status:    orders.Status(q.Get("status")),
		Reference: q.Get("reference"),
	}
	if f.Status != "" && !f.Status.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown status"})
		return
	}
	for name, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		if v := q.Get(name); v != "" {
			t, err := parseDate(v)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid " + name})
				return
			}
			*dst = t
		}
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))

	list, err := h.Repo.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []orders.Order{}
	}
	writeJSON(w, http.StatusOK, list)
}

// parseDate accepts RFC 3339 or a bare date, read as midnight UTC.
func parseDate(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, v)
}

func (h *OrdersHandler) get(w http.ResponseWriter, r *http.Request) {
	o, err := h.Repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// status is what a customer polls after an online checkout.
func (h *OrdersHandler) status(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx := r.Context()

	key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
	if h.Redis != nil {
		if s, err := h.Redis.Get(ctx, key).Result(); err == nil && s != "" {
			writeJSON(w, http.StatusOK, json.RawMessage(s))
			return
		}
	}

	o, err := h.Repo.Get(ctx, orderID)
	if err != nil {
		writeError(w, err)
		return
	}
	body := statusBody{Status: o.Status, PaymentStatus: o.PaymentStatus}
	h.cacheStatus(ctx, orderID, body)
	writeJSON(w, http.StatusOK, body)
}

func (h *OrdersHandler) cacheStatus(ctx context.Context, orderID string, body statusBody) {
	if h.Redis == nil {
		return
	}
	b, _ := json.Marshal(body)
	_ = h.Redis.Set(ctx, fmt.Sprintf(redisx.KeyOrderStatus, orderID), b, redisx.TTLStatusCache).Err()
}

type setStatusReq struct {
	Status orders.Status `json:"status"`
}

// setStatus applies the panel's rule: cashiers follow the transition table,
// admins may set any status.
func (h *OrdersHandler) setStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	var req setStatusReq
	if !decode(w, r, &req) {
		return
	}
	if !req.Status.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown status"})
		return
	}
	admin := auth.RoleFrom(r.Context()) == auth.RoleAdmin

	ctx := r.Context()
	from, err := h.Repo.UpdateStatus(ctx, orderID, req.Status, admin)
	if err != nil {
		writeError(w, err)
		return
	}
	o, err := h.Repo.Get(ctx, orderID)
	if err != nil {
		writeError(w, err)
		return
	}
	h.cacheStatus(ctx, orderID, statusBody{Status: o.Status, PaymentStatus: o.PaymentStatus})

	if h.Events != nil {
		payload := orders.OrderStatusChangedPayload{
			OrderID:       o.ID,
			Reference:     o.Reference,
			From:          from,
			To:            o.Status,
			PaymentStatus: o.PaymentStatus,
		}
		ev := events.New(events.EventOrderStatusChanged, h.Service, traceID(r), o.ID, kafkax.MustMarshal(payload))
		h.Events.Publish(events.PartitionKey(o.ID), kafkax.MustMarshal(ev), kafkax.EventHeaders(events.EventOrderStatusChanged)...)
	}
	writeJSON(w, http.StatusOK, o)
}
