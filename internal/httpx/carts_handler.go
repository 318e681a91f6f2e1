package httpx

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bodegonbc/bodegon-pos/internal/availability"
	"github.com/bodegonbc/bodegon-pos/internal/cart"
	"github.com/bodegonbc/bodegon-pos/internal/catalog"
)

// CartsHandler serves storefront and register carts by session id.
type CartsHandler struct {
	Carts cart.Store
	Cache *availability.Cache
	Rates RateView
}

type cartLineView struct {
	ProductID   int64  `json:"product_id"`
	Name        string `json:"name"`
	PriceUSD    string `json:"price_usd"`
	Quantity    int    `json:"quantity"`
	LineUSD     string `json:"line_total_usd"`
	LineBs      string `json:"line_total_bs"`
	StillListed bool   `json:"available"`
}

type cartView struct {
	Session  string         `json:"session"`
	Lines    []cartLineView `json:"lines"`
	Count    int            `json:"count"`
	TotalUSD string         `json:"total_usd"`
	TotalBs  string         `json:"total_bs"`
}

func (h *CartsHandler) view(session string, c *cart.Cart) cartView {
	v := cartView{
		Session:  session,
		Lines:    []cartLineView{},
		Count:    c.Count(),
		TotalUSD: c.Total().StringFixed(2),
		TotalBs:  localAmount(h.Rates, c.Total()),
	}
	for _, l := range c.Lines() {
		_, listed := h.Cache.Get(l.Product.ID)
		v.Lines = append(v.Lines, cartLineView{
			ProductID:   l.Product.ID,
			Name:        l.Product.Name,
			PriceUSD:    l.Product.PriceUSD.StringFixed(2),
			Quantity:    l.Quantity,
			LineUSD:     l.Total().StringFixed(2),
			LineBs:      localAmount(h.Rates, l.Total()),
			StillListed: listed,
		})
	}
	return v
}

func (h *CartsHandler) Register(r chi.Router, _ Guard) {
	r.Post("/carts", h.open)
	r.Get("/carts/{session}", h.get)
	r.Delete("/carts/{session}", h.clear)
	r.Post("/carts/{session}/items", h.add)
	r.Put("/carts/{session}/items/{id}", h.setQuantity)
	r.Delete("/carts/{session}/items/{id}", h.remove)
}

func (h *CartsHandler) open(w http.ResponseWriter, r *http.Request) {
	session := uuid.NewString()
	writeJSON(w, http.StatusCreated, h.view(session, cart.New()))
}

func (h *CartsHandler) load(w http.ResponseWriter, r *http.Request) (string, *cart.Cart, bool) {
	session := chi.URLParam(r, "session")
	if _, err := uuid.Parse(session); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid session"})
		return "", nil, false
	}
	c, err := h.Carts.Load(r.Context(), session)
	if err != nil {
		writeError(w, err)
		return "", nil, false
	}
	return session, c, true
}

func (h *CartsHandler) save(w http.ResponseWriter, r *http.Request, session string, c *cart.Cart) {
	if err := h.Carts.Save(r.Context(), session, c); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(session, c))
}

func (h *CartsHandler) get(w http.ResponseWriter, r *http.Request) {
	session, c, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.view(session, c))
}

func (h *CartsHandler) clear(w http.ResponseWriter, r *http.Request) {
	session, c, ok := h.load(w, r)
	if !ok {
		return
	}
	c.Clear()
	h.save(w, r, session, c)
}

type addItemReq struct {
	ProductID int64 `json:"product_id"`
}

// add puts one unit of a listed product in the cart. Only products the cache
// shows as available can be added.
func (h *CartsHandler) add(w http.ResponseWriter, r *http.Request) {
	var req addItemReq
	if !decode(w, r, &req) {
		return
	}
	session, c, ok := h.load(w, r)
	if !ok {
		return
	}
	p, listed := h.Cache.Get(req.ProductID)
	if !listed {
		writeError(w, catalog.ErrNotFound)
		return
	}
	c.Add(p)
	h.save(w, r, session, c)
}

type setQuantityReq struct {
	Quantity int `json:"quantity"`
}

func (h *CartsHandler) setQuantity(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid product id"})
		return
	}
	var req setQuantityReq
	if !decode(w, r, &req) {
		return
	}
	session, c, ok := h.load(w, r)
	if !ok {
		return
	}
	if !c.SetQuantity(id, req.Quantity) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "product not in cart"})
		return
	}
	h.save(w, r, session, c)
}

func (h *CartsHandler) remove(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid product id"})
		return
	}
	session, c, ok := h.load(w, r)
	if !ok {
		return
	}
	c.Remove(id)
	h.save(w, r, session, c)
}
