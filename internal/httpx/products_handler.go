package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/bodegonbc/bodegon-pos/internal/auth"
	"github.com/bodegonbc/bodegon-pos/internal/availability"
	"github.com/bodegonbc/bodegon-pos/internal/catalog"
)

// CatalogWriter persists product edits and publishes them on the feed.
type CatalogWriter interface {
	Create(ctx context.Context, p *catalog.Product, traceID string) error
	SetQuantity(ctx context.Context, id int64, qty int, traceID string) (*catalog.Product, error)
	SetPrice(ctx context.Context, id int64, price decimal.Decimal, traceID string) (*catalog.Product, error)
	Delete(ctx context.Context, id int64, traceID string) error
}

type ProductsHandler struct {
	Cache   *availability.Cache
	Catalog CatalogWriter
	Rates   RateView
}

type productView struct {
	catalog.Product
	PriceBs string `json:"price_bs"`
}

func (h *ProductsHandler) view(p catalog.Product) productView {
	return productView{Product: p, PriceBs: localAmount(h.Rates, p.PriceUSD)}
}

func (h *ProductsHandler) Register(r chi.Router, guard Guard) {
	r.Get("/products", h.list)
	r.Get("/products/{id}", h.get)
	r.Get("/rate", h.rate)

	r.With(guard(auth.RoleAdmin)).Post("/products", h.create)
	r.With(guard(auth.RoleCashier, auth.RoleAdmin)).Put("/products/{id}/quantity", h.setQuantity)
	r.With(guard(auth.RoleAdmin)).Put("/products/{id}/price", h.setPrice)
	r.With(guard(auth.RoleAdmin)).Delete("/products/{id}", h.delete)
}

// RegisterStream mounts the server-sent change stream; it must not sit behind
// a request timeout.
func (h *ProductsHandler) RegisterStream(r chi.Router) {
	r.Get("/products/stream", h.stream)
}

func productID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid product id"})
		return 0, false
	}
	return id, true
}

func (h *ProductsHandler) list(w http.ResponseWriter, r *http.Request) {
	ps := h.Cache.ListAvailable()
	out := make([]productView, 0, len(ps))
	for _, p := range ps {
		out = append(out, h.view(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *ProductsHandler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := productID(w, r)
	if !ok {
		return
	}
	p, ok := h.Cache.Get(id)
	if !ok {
		writeError(w, catalog.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, h.view(p))
}

func (h *ProductsHandler) rate(w http.ResponseWriter, r *http.Request) {
	if h.Rates == nil {
		writeJSON(w, http.StatusOK, map[string]any{"rate": nil, "loading": false, "error": unavailable})
		return
	}
	writeJSON(w, http.StatusOK, h.Rates.Snapshot())
}

func (h *ProductsHandler) create(w http.ResponseWriter, r *http.Request) {
	var p catalog.Product
	if !decode(w, r, &p) {
		return
	}
	if p.Name == "" || p.Code == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing fields"})
		return
	}
	if !p.PriceUSD.IsPositive() {
		writeError(w, catalog.ErrInvalidPrice)
		return
	}
	if p.Quantity < 0 {
		writeError(w, catalog.ErrInvalidQuantity)
		return
	}
	if err := h.Catalog.Create(r.Context(), &p, traceID(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

type quantityReq struct {
	Quantity *int `json:"quantity"`
}

// setQuantity shows the new stock on this instance right away; the feed
// event that follows the write replaces the provisional value.
func (h *ProductsHandler) setQuantity(w http.ResponseWriter, r *http.Request) {
	id, ok := productID(w, r)
	if !ok {
		return
	}
	var req quantityReq
	if !decode(w, r, &req) {
		return
	}
	if req.Quantity == nil || *req.Quantity < 0 {
		writeError(w, catalog.ErrInvalidQuantity)
		return
	}
	prev, had := h.Cache.Get(id)
	h.Cache.ApplyLocalEdit(id, catalog.Patch{Quantity: req.Quantity})

	p, err := h.Catalog.SetQuantity(r.Context(), id, *req.Quantity, traceID(r))
	if err != nil {
		if had {
			h.Cache.ApplyLocalEdit(id, catalog.Patch{Quantity: &prev.Quantity})
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type priceReq struct {
	PriceUSD *decimal.Decimal `json:"price_usd"`
}

func (h *ProductsHandler) setPrice(w http.ResponseWriter, r *http.Request) {
	id, ok := productID(w, r)
	if !ok {
		return
	}
	var req priceReq
	if !decode(w, r, &req) {
		return
	}
	if req.PriceUSD == nil || !req.PriceUSD.IsPositive() {
		writeError(w, catalog.ErrInvalidPrice)
		return
	}
	prev, had := h.Cache.Get(id)
	h.Cache.ApplyLocalEdit(id, catalog.Patch{PriceUSD: req.PriceUSD})

	p, err := h.Catalog.SetPrice(r.Context(), id, *req.PriceUSD, traceID(r))
	if err != nil {
		if had {
			h.Cache.ApplyLocalEdit(id, catalog.Patch{PriceUSD: &prev.PriceUSD})
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *ProductsHandler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := productID(w, r)
	if !ok {
		return
	}
	if err := h.Catalog.Delete(r.Context(), id, traceID(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// stream sends the visible set once, then every change, as server-sent
// events. A client that misses changes gets a reset and should refetch.
func (h *ProductsHandler) stream(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	changes, cancel := h.Cache.Subscribe(128)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(event string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b); err != nil {
			return err
		}
		return rc.Flush()
	}

	snapshot := h.Cache.ListAvailable()
	views := make([]productView, 0, len(snapshot))
	for _, p := range snapshot {
		views = append(views, h.view(p))
	}
	if err := send("snapshot", views); err != nil {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			if err := send("change", ch); err != nil {
				log.Printf("[stream] client gone: %v", err)
				return
			}
		}
	}
}
