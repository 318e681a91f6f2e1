package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/bodegonbc/bodegon-pos/internal/auth"
	"github.com/bodegonbc/bodegon-pos/internal/availability"
	"github.com/bodegonbc/bodegon-pos/internal/cart"
	"github.com/bodegonbc/bodegon-pos/internal/catalog"
	"github.com/bodegonbc/bodegon-pos/internal/events"
	"github.com/bodegonbc/bodegon-pos/internal/orders"
	"github.com/bodegonbc/bodegon-pos/internal/payment"
	"github.com/bodegonbc/bodegon-pos/internal/rate"
)

const secret = "test-secret"

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []events.Envelope
}

func (p *recordingPublisher) Publish(_, value []byte, _ ...kafka.Header) {
	var env events.Envelope
	_ = json.Unmarshal(value, &env)
	p.mu.Lock()
	p.msgs = append(p.msgs, env)
	p.mu.Unlock()
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, m := range p.msgs {
		out = append(out, m.EventType)
	}
	return out
}

type fakeCatalog struct {
	err      error
	products map[int64]catalog.Product
}

func (f *fakeCatalog) Create(_ context.Context, p *catalog.Product, _ string) error {
	if f.err != nil {
		return f.err
	}
	p.ID = int64(len(f.products) + 100)
	p.Version = 1
	f.products[p.ID] = *p
	return nil
}

func (f *fakeCatalog) SetQuantity(_ context.Context, id int64, qty int, _ string) (*catalog.Product, error) {
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.products[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	p.Quantity = qty
	p.Version++
	f.products[id] = p
	return &p, nil
}

func (f *fakeCatalog) SetPrice(_ context.Context, id int64, price decimal.Decimal, _ string) (*catalog.Product, error) {
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.products[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	p.PriceUSD = price
	p.Version++
	f.products[id] = p
	return &p, nil
}

func (f *fakeCatalog) Delete(_ context.Context, id int64, _ string) error {
	if f.err != nil {
		return f.err
	}
	delete(f.products, id)
	return nil
}

type stubRates struct{ rate decimal.Decimal }

func (s stubRates) Snapshot() rate.Snapshot {
	r := s.rate
	return rate.Snapshot{Rate: &r}
}

func (s stubRates) Convert(u decimal.Decimal) (decimal.Decimal, bool) { return u.Mul(s.rate).Round(2), true }

type busyLock struct{}

func (busyLock) Acquire(context.Context, string) (func(), bool, error) { return nil, false, nil }

type failingLedger struct{}

func (failingLedger) Insert(context.Context, *orders.Order) error {
	return errors.New("could not serialize access")
}

type fixture struct {
	router   *chi.Mux
	cache    *availability.Cache
	catalog  *fakeCatalog
	repo     *orders.MemoryRepo
	carts    *cart.MemoryStore
	engine   *payment.Engine
	events   *recordingPublisher
	checkout *CheckoutHandler
}

func newFixture(t *testing.T, rates RateView) *fixture {
	t.Helper()
	seedProducts := []catalog.Product{
		{ID: 1, Code: "HAR-01", Name: "Harina PAN", PriceUSD: decimal.RequireFromString("1.50"), Quantity: 40, Version: 1},
		{ID: 2, Code: "QUE-02", Name: "Queso llanero", PriceUSD: decimal.RequireFromString("6.00"), Quantity: 5, Version: 1},
		{ID: 3, Code: "CAF-03", Name: "Café molido", PriceUSD: decimal.RequireFromString("4.25"), Quantity: 0, Version: 1},
	}
	f := &fixture{
		cache:   availability.New(),
		catalog: &fakeCatalog{products: map[int64]catalog.Product{}},
		repo:    orders.NewMemoryRepo(),
		carts:   cart.NewMemoryStore(),
		events:  &recordingPublisher{},
	}
	for _, p := range seedProducts {
		f.catalog.products[p.ID] = p
	}
	f.cache.Load(seedProducts)
	f.engine = &payment.Engine{
		Ledger: f.repo,
		References: &payment.SequenceAllocator{
			Seq:    f.repo,
			Format: payment.ReferenceFormat{Prefix: "Pagosbbc", Width: 5},
		},
		Rates:       rates,
		MaxAttempts: 5,
		Timeout:     time.Second,
	}
	f.checkout = &CheckoutHandler{Carts: f.carts, Engine: f.engine, Events: f.events, Service: "bodegon-api"}

	r := NewRouter()
	products := &ProductsHandler{Cache: f.cache, Catalog: f.catalog, Rates: rates}
	products.RegisterStream(r)
	Mount(r, 5*time.Second, StaffGuard(secret),
		products,
		&CartsHandler{Carts: f.carts, Cache: f.cache, Rates: rates},
		f.checkout,
		&OrdersHandler{Repo: f.repo, Events: f.events, Service: "bodegon-api"},
	)
	f.router = r
	return f
}

func token(t *testing.T, role auth.Role) string {
	t.Helper()
	tok, err := auth.GenerateToken(secret, "u-"+string(role), string(role)+"@bodegon.test", role, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (f *fixture) do(t *testing.T, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func (f *fixture) openCart(t *testing.T, items ...int64) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/carts", "", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("open cart: %d", rec.Code)
	}
	session := decodeBody[cartView](t, rec).Session
	for _, id := range items {
		if rec := f.do(t, http.MethodPost, "/carts/"+session+"/items", "", addItemReq{ProductID: id}); rec.Code != http.StatusOK {
			t.Fatalf("add %d: %d %s", id, rec.Code, rec.Body)
		}
	}
	return session
}

func TestListProductsHidesOutOfStock(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/products", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decodeBody[[]productView](t, rec)
	if len(got) != 2 || got[0].Name != "Harina PAN" || got[1].Name != "Queso llanero" {
		t.Fatalf("products = %+v", got)
	}
	if got[0].PriceBs != unavailable {
		t.Fatalf("price_bs = %q without a rate", got[0].PriceBs)
	}
	if rec := f.do(t, http.MethodGet, "/products/3", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("out of stock product: %d", rec.Code)
	}
}

func TestCartShowsLocalCurrency(t *testing.T) {
	f := newFixture(t, stubRates{rate: decimal.RequireFromString("36.5")})
	session := f.openCart(t, 1, 1, 2)

	rec := f.do(t, http.MethodGet, "/carts/"+session, "", nil)
	v := decodeBody[cartView](t, rec)
	if v.Count != 3 || v.TotalUSD != "9.00" || v.TotalBs != "328.50" {
		t.Fatalf("cart = %+v", v)
	}

	rec = f.do(t, http.MethodPut, "/carts/"+session+"/items/1", "", setQuantityReq{Quantity: 0})
	if v := decodeBody[cartView](t, rec); len(v.Lines) != 1 || v.TotalUSD != "6.00" {
		t.Fatalf("after removing line: %+v", v)
	}
	if rec := f.do(t, http.MethodPost, "/carts/"+session+"/items", "", addItemReq{ProductID: 3}); rec.Code != http.StatusNotFound {
		t.Fatalf("adding an unavailable product: %d", rec.Code)
	}
}

func TestPOSCheckout(t *testing.T) {
	f := newFixture(t, nil)
	session := f.openCart(t, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1)
	body := payment.Request{Tenders: []payment.Tender{{Method: payment.CashForeign, Amount: decimal.RequireFromString("15.00")}}}

	if rec := f.do(t, http.MethodPost, "/carts/"+session+"/checkout/pos", "", body); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous POS checkout: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/carts/"+session+"/checkout/pos", token(t, auth.RoleCustomer), body); rec.Code != http.StatusForbidden {
		t.Fatalf("customer POS checkout: %d", rec.Code)
	}

	rec := f.do(t, http.MethodPost, "/carts/"+session+"/checkout/pos", token(t, auth.RoleCashier), body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("checkout: %d %s", rec.Code, rec.Body)
	}
	resp := decodeBody[checkoutResp](t, rec)
	if resp.State != payment.StateCompleted || resp.Order.Status != orders.StatusCompleted {
		t.Fatalf("resp = %+v", resp)
	}
	if !resp.Order.Total.Equal(decimal.RequireFromString("15")) || resp.Order.Reference != "Pagosbbc00001" {
		t.Fatalf("order = %+v", resp.Order)
	}

	cartRec := f.do(t, http.MethodGet, "/carts/"+session, "", nil)
	if v := decodeBody[cartView](t, cartRec); v.Count != 0 {
		t.Fatalf("cart not cleared: %+v", v)
	}
	if types := f.events.types(); len(types) != 1 || types[0] != events.EventOrderCreated {
		t.Fatalf("published %v", types)
	}
}

func TestOnlineCheckoutValidation(t *testing.T) {
	f := newFixture(t, nil)
	session := f.openCart(t, 2)
	body := payment.Request{
		Customer: orders.Customer{Name: "Carla"},
		Tenders:  []payment.Tender{{Method: payment.MobilePay, Amount: decimal.RequireFromString("6"), Reference: "5512"}},
	}

	rec := f.do(t, http.MethodPost, "/carts/"+session+"/checkout/online", "", body)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decodeBody[map[string]string](t, rec); got["code"] != payment.CodeMissingShip {
		t.Fatalf("body = %v", got)
	}
	if v := decodeBody[cartView](t, f.do(t, http.MethodGet, "/carts/"+session, "", nil)); v.Count != 1 {
		t.Fatal("cart must survive a validation error")
	}

	body.Shipping = &orders.Shipping{Name: "Carla", Lastname: "Rojas", IDNumber: "V-20111222", Phone: "0424-5550000"}
	rec = f.do(t, http.MethodPost, "/carts/"+session+"/checkout/online", "", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d %s", rec.Code, rec.Body)
	}
	o := decodeBody[checkoutResp](t, rec).Order
	if o.Status != orders.StatusPending || o.PaymentStatus != orders.PaymentPending || o.Instructions == "" {
		t.Fatalf("order = %+v", o)
	}
}

func TestCheckoutPersistenceFailureKeepsCart(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.Ledger = failingLedger{}
	session := f.openCart(t, 2)
	body := payment.Request{Tenders: []payment.Tender{{Method: payment.CashLocal, Amount: decimal.RequireFromString("6")}}}

	rec := f.do(t, http.MethodPost, "/carts/"+session+"/checkout/pos", token(t, auth.RoleAdmin), body)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	if v := decodeBody[cartView](t, f.do(t, http.MethodGet, "/carts/"+session, "", nil)); v.Count != 1 {
		t.Fatal("cart must survive a failed write")
	}
	if len(f.events.types()) != 0 {
		t.Fatal("nothing should be published for a failed checkout")
	}

	f.engine.Ledger = f.repo
	if rec := f.do(t, http.MethodPost, "/carts/"+session+"/checkout/pos", token(t, auth.RoleAdmin), body); rec.Code != http.StatusCreated {
		t.Fatalf("retry: %d %s", rec.Code, rec.Body)
	}
}

func TestCheckoutInFlight(t *testing.T) {
	f := newFixture(t, nil)
	f.checkout.Lock = busyLock{}
	session := f.openCart(t, 1)
	body := payment.Request{Tenders: []payment.Tender{{Method: payment.CashForeign, Amount: decimal.RequireFromString("2")}}}

	rec := f.do(t, http.MethodPost, "/carts/"+session+"/checkout/pos", token(t, auth.RoleCashier), body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestOrderStatusChanges(t *testing.T) {
	f := newFixture(t, nil)
	session := f.openCart(t, 2)
	body := payment.Request{
		Shipping: &orders.Shipping{Name: "Ana", Lastname: "Gil", IDNumber: "V-1", Phone: "0414"},
		Tenders:  []payment.Tender{{Method: payment.CashForeign, Amount: decimal.RequireFromString("6")}},
	}
	o := decodeBody[checkoutResp](t, f.do(t, http.MethodPost, "/carts/"+session+"/checkout/online", "", body)).Order
	path := "/orders/" + o.ID + "/status"
	cashier, admin := token(t, auth.RoleCashier), token(t, auth.RoleAdmin)

	steps := []struct {
		tok  string
		to   orders.Status
		want int
	}{
		{cashier, orders.StatusInProgress, http.StatusOK},
		{cashier, orders.StatusPending, http.StatusConflict},
		{cashier, orders.StatusCompleted, http.StatusOK},
		{cashier, orders.StatusCancelled, http.StatusConflict},
		{admin, orders.StatusPending, http.StatusOK},
		{"", orders.StatusCompleted, http.StatusUnauthorized},
	}
	for _, s := range steps {
		rec := f.do(t, http.MethodPut, path, s.tok, setStatusReq{Status: s.to})
		if rec.Code != s.want {
			t.Fatalf("-> %s: status %d, want %d (%s)", s.to, rec.Code, s.want, rec.Body)
		}
	}

	got := decodeBody[statusBody](t, f.do(t, http.MethodGet, path, "", nil))
	if got.Status != orders.StatusPending || got.PaymentStatus != orders.PaymentCompleted {
		t.Fatalf("status = %+v", got)
	}
	if rec := f.do(t, http.MethodGet, "/orders?status=Pendiente", cashier, nil); len(decodeBody[[]orders.Order](t, rec)) != 1 {
		t.Fatalf("list: %s", rec.Body)
	}
	if rec := f.do(t, http.MethodGet, "/orders/missing/status", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing order: %d", rec.Code)
	}
}

func TestSetQuantityAppliesLocalEdit(t *testing.T) {
	f := newFixture(t, nil)
	cashier := token(t, auth.RoleCashier)

	rec := f.do(t, http.MethodPut, "/products/2/quantity", cashier, map[string]int{"quantity": 12})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rec.Code, rec.Body)
	}
	if p, _ := f.cache.Get(2); p.Quantity != 12 {
		t.Fatalf("cached quantity = %d", p.Quantity)
	}

	f.catalog.err = errors.New("db down")
	f.do(t, http.MethodPut, "/products/2/quantity", cashier, map[string]int{"quantity": 3})
	if p, _ := f.cache.Get(2); p.Quantity != 12 {
		t.Fatalf("failed write should revert the local edit, got %d", p.Quantity)
	}

	f.catalog.err = nil
	f.do(t, http.MethodPut, "/products/2/quantity", cashier, map[string]int{"quantity": 0})
	if _, ok := f.cache.Get(2); ok {
		t.Fatal("quantity 0 must hide the product")
	}

	if rec := f.do(t, http.MethodPut, "/products/1/price", cashier, map[string]string{"price_usd": "2.00"}); rec.Code != http.StatusForbidden {
		t.Fatalf("cashier price edit: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPut, "/products/1/quantity", cashier, map[string]int{"quantity": -1}); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("negative quantity: %d", rec.Code)
	}
}
