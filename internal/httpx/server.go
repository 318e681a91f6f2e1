package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/bodegonbc/bodegon-pos/internal/auth"
	"github.com/bodegonbc/bodegon-pos/internal/catalog"
	"github.com/bodegonbc/bodegon-pos/internal/metrics"
	"github.com/bodegonbc/bodegon-pos/internal/orders"
	"github.com/bodegonbc/bodegon-pos/internal/payment"
	"github.com/bodegonbc/bodegon-pos/internal/rate"
)

func NewRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Guard builds the middleware that admits only the given roles.
type Guard func(roles ...auth.Role) func(http.Handler) http.Handler

func StaffGuard(secret string) Guard {
	verify := auth.Middleware(secret)
	return func(roles ...auth.Role) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return verify(auth.RequireRole(roles...)(next))
		}
	}
}

type Registrar interface {
	Register(r chi.Router, guard Guard)
}

// Mount registers request/response handlers under a per-request timeout.
// Long-lived streams are registered outside it.
func Mount(r chi.Router, timeout time.Duration, guard Guard, hs ...Registrar) {
	r.Group(func(g chi.Router) {
		g.Use(middleware.Timeout(timeout))
		for _, h := range hs {
			h.Register(g, guard)
		}
	})
}

// RateView is the read side of the exchange rate.
type RateView interface {
	Snapshot() rate.Snapshot
	Convert(usd decimal.Decimal) (decimal.Decimal, bool)
}

const unavailable = "unavailable"

// localAmount renders usd in bolívares, or the unavailable marker.
func localAmount(rates RateView, usd decimal.Decimal) string {
	if rates == nil {
		return unavailable
	}
	bs, ok := rates.Convert(usd)
	if !ok {
		return unavailable
	}
	return bs.StringFixed(2)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return false
	}
	return true
}

// writeError maps domain errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	var (
		verr *payment.ValidationError
		perr *payment.PersistenceError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": verr.Message, "code": verr.Code})
	case errors.Is(err, payment.ErrInFlight), errors.Is(err, payment.ErrNotCollecting):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.As(err, &perr):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": perr.Error(), "retryable": true})
	case errors.Is(err, orders.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, orders.ErrNotFound), errors.Is(err, catalog.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, catalog.ErrInvalidQuantity), errors.Is(err, catalog.ErrInvalidPrice):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, map[string]any{"error": "backend timeout", "retryable": true})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func traceID(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	return middleware.GetReqID(r.Context())
}
