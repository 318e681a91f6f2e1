package payment

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bodegonbc/bodegon-pos/internal/cart"
	"github.com/bodegonbc/bodegon-pos/internal/catalog"
	"github.com/bodegonbc/bodegon-pos/internal/orders"
)

func usd(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func product(id int64, name, price string) catalog.Product {
	return catalog.Product{ID: id, Name: name, PriceUSD: usd(price), Quantity: 100}
}

func cartOf(lines ...cart.Line) *cart.Cart { return cart.FromLines(lines) }

func newEngine(repo *orders.MemoryRepo) *Engine {
	return &Engine{
		Ledger: repo,
		References: &ScanAllocator{
			Lookup:      repo,
			Format:      ReferenceFormat{Prefix: "Pagosbbc", Width: 5},
			MaxAttempts: 5,
		},
		MaxAttempts: 5,
		Timeout:     time.Second,
	}
}

func seed(t *testing.T, repo *orders.MemoryRepo, ref string) {
	t.Helper()
	o := &orders.Order{ID: "seed-" + ref, Reference: ref, Status: orders.StatusCompleted}
	if err := repo.Insert(context.Background(), o); err != nil {
		t.Fatalf("seed %s: %v", ref, err)
	}
}

func count(t *testing.T, repo *orders.MemoryRepo) int {
	t.Helper()
	list, err := repo.List(context.Background(), orders.Filter{Limit: 100})
	if err != nil {
		t.Fatal(err)
	}
	return len(list)
}

func TestSubmitCashSale(t *testing.T) {
	repo := orders.NewMemoryRepo()
	e := newEngine(repo)
	co := NewCheckout(orders.ChannelPOS, cartOf(cart.Line{Product: product(1, "Harina PAN", "1.50"), Quantity: 10}))
	if err := co.AddTender(Tender{Method: CashForeign, Amount: usd("15.00")}); err != nil {
		t.Fatal(err)
	}

	o, err := e.Submit(context.Background(), co)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !o.Total.Equal(usd("15.00")) {
		t.Fatalf("total = %s, esperado 15.00", o.Total)
	}
	if o.Status != orders.StatusCompleted || o.PaymentStatus != orders.PaymentCompleted {
		t.Fatalf("status = %s/%s", o.Status, o.PaymentStatus)
	}
	if o.Reference != "Pagosbbc00001" {
		t.Fatalf("reference = %s", o.Reference)
	}
	if co.State() != StateCompleted {
		t.Fatalf("state = %s", co.State())
	}
	if !co.Cart().Empty() {
		t.Fatal("cart should be cleared after a completed checkout")
	}
	if co.LastOrder() != o {
		t.Fatal("LastOrder should expose the committed order")
	}
	if !o.Change.IsZero() {
		t.Fatalf("change = %s", o.Change)
	}
}

func TestSubmitMissingReference(t *testing.T) {
	repo := orders.NewMemoryRepo()
	e := newEngine(repo)
	co := NewCheckout(orders.ChannelPOS, cartOf(cart.Line{Product: product(1, "Queso", "20.00"), Quantity: 1}))
	_ = co.AddTender(Tender{Method: MobilePay, Amount: usd("10")})

	_, err := e.Submit(context.Background(), co)
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Code != CodeMissingRef {
		t.Fatalf("err = %v, esperado %s", err, CodeMissingRef)
	}
	if co.State() != StateCollecting {
		t.Fatalf("state = %s", co.State())
	}
	if n := count(t, repo); n != 0 {
		t.Fatalf("%d orders written", n)
	}
	// the checkout is still editable
	if err := co.AddTender(Tender{Method: CashForeign, Amount: usd("10")}); err != nil {
		t.Fatalf("AddTender after validation error: %v", err)
	}
}

func TestSubmitSplitTender(t *testing.T) {
	repo := orders.NewMemoryRepo()
	e := newEngine(repo)
	co := NewCheckout(orders.ChannelPOS, cartOf(
		cart.Line{Product: product(1, "Aceite", "12.50"), Quantity: 2},
		cart.Line{Product: product(2, "Café", "25.00"), Quantity: 1},
	))
	_ = co.AddTender(Tender{Method: CashForeign, Amount: usd("30")})
	_ = co.AddTender(Tender{Method: Points, Amount: usd("20")})

	o, err := e.Submit(context.Background(), co)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(o.Tenders) != 2 || !o.Tendered().Equal(usd("50")) {
		t.Fatalf("tenders = %+v", o.Tenders)
	}
	if want := "efectivo_divisa:30.00 | puntos:20.00"; o.MethodSummary != want {
		t.Fatalf("summary = %q, esperado %q", o.MethodSummary, want)
	}
	stored, err := repo.Get(context.Background(), o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored.Tenders) != 2 || stored.Tenders[1].Method != string(Points) {
		t.Fatalf("stored tenders = %+v", stored.Tenders)
	}
}

func TestSubmitEmptyCart(t *testing.T) {
	repo := orders.NewMemoryRepo()
	e := newEngine(repo)
	co := NewCheckout(orders.ChannelPOS, nil)
	_ = co.AddTender(Tender{Method: CashForeign, Amount: usd("5")})

	_, err := e.Submit(context.Background(), co)
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Code != CodeEmptyCart {
		t.Fatalf("err = %v", err)
	}
	if co.State() != StateCollecting || count(t, repo) != 0 {
		t.Fatalf("state = %s, orders = %d", co.State(), count(t, repo))
	}
}

func TestSubmitOverpaymentRecordsChange(t *testing.T) {
	repo := orders.NewMemoryRepo()
	e := newEngine(repo)
	co := NewCheckout(orders.ChannelPOS, cartOf(cart.Line{Product: product(1, "Pan", "3.25"), Quantity: 2}))
	_ = co.AddTender(Tender{Method: CashForeign, Amount: usd("10")})

	o, err := e.Submit(context.Background(), co)
	if err != nil {
		t.Fatal(err)
	}
	if !o.Change.Equal(usd("3.50")) {
		t.Fatalf("change = %s", o.Change)
	}
}

// barrierLedger holds the first two inserts until both have arrived, so both
// checkouts reserve their reference before either is written.
type barrierLedger struct {
	repo    *orders.MemoryRepo
	mu      sync.Mutex
	arrived int
	release chan struct{}
}

func (b *barrierLedger) Insert(ctx context.Context, o *orders.Order) error {
	b.mu.Lock()
	if b.arrived < 2 {
		b.arrived++
		if b.arrived == 2 {
			close(b.release)
		}
		b.mu.Unlock()
		<-b.release
	} else {
		b.mu.Unlock()
	}
	return b.repo.Insert(ctx, o)
}

func TestConcurrentCheckoutsCollideOnce(t *testing.T) {
	repo := orders.NewMemoryRepo()
	seed(t, repo, "Pagosbbc00042")
	e := newEngine(repo)
	e.Ledger = &barrierLedger{repo: repo, release: make(chan struct{})}

	var wg sync.WaitGroup
	refs := make([]string, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			co := NewCheckout(orders.ChannelPOS, cartOf(cart.Line{Product: product(1, "Arroz", "2.00"), Quantity: 1}))
			_ = co.AddTender(Tender{Method: CashForeign, Amount: usd("2")})
			o, err := e.Submit(context.Background(), co)
			errs[i] = err
			if o != nil {
				refs[i] = o.Reference
			}
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	got := map[string]bool{refs[0]: true, refs[1]: true}
	if !got["Pagosbbc00043"] || !got["Pagosbbc00044"] {
		t.Fatalf("refs = %v, esperado Pagosbbc00043 y Pagosbbc00044", refs)
	}
}

func TestReferencesStayUniqueUnderLoad(t *testing.T) {
	for _, tc := range []struct {
		name      string
		allocator func(*orders.MemoryRepo) ReferenceAllocator
		allOK     bool
	}{
		{
			name: "sequence",
			allocator: func(r *orders.MemoryRepo) ReferenceAllocator {
				return &SequenceAllocator{Seq: r, Format: ReferenceFormat{Prefix: "Pagosbbc", Width: 5}}
			},
			allOK: true,
		},
		{
			name: "scan",
			allocator: func(r *orders.MemoryRepo) ReferenceAllocator {
				return &ScanAllocator{Lookup: r, Format: ReferenceFormat{Prefix: "Pagosbbc", Width: 5}, MaxAttempts: 5}
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			repo := orders.NewMemoryRepo()
			e := &Engine{Ledger: repo, References: tc.allocator(repo), MaxAttempts: 5}

			const n = 40
			var wg sync.WaitGroup
			errs := make(chan error, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					co := NewCheckout(orders.ChannelPOS, cartOf(cart.Line{Product: product(1, "Agua", "1.00"), Quantity: 1}))
					_ = co.AddTender(Tender{Method: CashForeign, Amount: usd("1")})
					_, err := e.Submit(context.Background(), co)
					errs <- err
				}()
			}
			wg.Wait()
			close(errs)

			ok := 0
			for err := range errs {
				var perr *PersistenceError
				switch {
				case err == nil:
					ok++
				case errors.As(err, &perr) && errors.Is(err, orders.ErrDuplicateReference):
					// scan fallback under contention: rejected, never duplicated
				default:
					t.Fatalf("unexpected error: %v", err)
				}
			}
			if tc.allOK && ok != n {
				t.Fatalf("%d of %d checkouts persisted", ok, n)
			}

			all, _ := repo.List(context.Background(), orders.Filter{Limit: 100})
			seen := map[string]bool{}
			for _, o := range all {
				k := strings.ToLower(o.Reference)
				if seen[k] {
					t.Fatalf("duplicate reference %s", o.Reference)
				}
				seen[k] = true
			}
			if len(all) != ok {
				t.Fatalf("stored %d orders, %d reported ok", len(all), ok)
			}
		})
	}
}

type failingLedger struct{ err error }

func (f failingLedger) Insert(context.Context, *orders.Order) error { return f.err }

func TestPersistenceFailureKeepsCheckout(t *testing.T) {
	repo := orders.NewMemoryRepo()
	e := newEngine(repo)
	e.Ledger = failingLedger{err: errors.New("connection reset by peer")}

	co := NewCheckout(orders.ChannelPOS, cartOf(cart.Line{Product: product(7, "Leche", "4.00"), Quantity: 3}))
	_ = co.AddTender(Tender{Method: BankTransfer, Amount: usd("12"), Reference: "778812"})

	_, err := e.Submit(context.Background(), co)
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, esperado PersistenceError", err)
	}
	if co.State() != StateFailed || co.Err() == nil {
		t.Fatalf("state = %s", co.State())
	}
	if co.Cart().Count() != 3 || len(co.Tenders()) != 1 {
		t.Fatal("cart and tenders must survive a failed attempt")
	}
	if err := co.AddTender(Tender{Method: CashForeign, Amount: usd("1")}); !errors.Is(err, ErrNotCollecting) {
		t.Fatalf("AddTender on failed checkout: %v", err)
	}

	e.Ledger = repo
	o, err := e.Submit(context.Background(), co)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if o.Tenders[0].Reference != "778812" || co.State() != StateCompleted {
		t.Fatalf("retry produced %+v in state %s", o.Tenders, co.State())
	}
}

func TestRetryAndAbandon(t *testing.T) {
	co := NewCheckout(orders.ChannelPOS, cartOf(cart.Line{Product: product(1, "Sal", "0.80"), Quantity: 1}))
	if err := co.Retry(); !errors.Is(err, ErrNotCollecting) {
		t.Fatalf("Retry while collecting: %v", err)
	}
	_ = co.AddTender(Tender{Method: CashLocal, Amount: usd("1")})
	co.fail(errors.New("boom"))
	if err := co.Retry(); err != nil {
		t.Fatal(err)
	}
	if len(co.Tenders()) != 1 {
		t.Fatal("Retry must keep tenders")
	}
	if err := co.ClearTenders(); err != nil || len(co.Tenders()) != 0 {
		t.Fatalf("ClearTenders: %v, %d left", err, len(co.Tenders()))
	}
	_ = co.AddTender(Tender{Method: CashForeign, Amount: usd("1")})
	if err := co.Abandon(); err != nil {
		t.Fatal(err)
	}
	if len(co.Tenders()) != 0 || co.Cart().Empty() || co.State() != StateCollecting {
		t.Fatal("Abandon drops tenders only")
	}
}

type blockingLedger struct {
	entered chan struct{}
	proceed chan struct{}
}

func (b blockingLedger) Insert(context.Context, *orders.Order) error {
	close(b.entered)
	<-b.proceed
	return nil
}

func TestSubmitRejectsConcurrentSubmit(t *testing.T) {
	repo := orders.NewMemoryRepo()
	e := newEngine(repo)
	bl := blockingLedger{entered: make(chan struct{}), proceed: make(chan struct{})}
	e.Ledger = bl

	co := NewCheckout(orders.ChannelPOS, cartOf(cart.Line{Product: product(1, "Jugo", "2.50"), Quantity: 2}))
	_ = co.AddTender(Tender{Method: CashForeign, Amount: usd("5")})

	done := make(chan error, 1)
	go func() {
		_, err := e.Submit(context.Background(), co)
		done <- err
	}()
	<-bl.entered

	if co.State() != StatePersisting {
		t.Fatalf("state = %s", co.State())
	}
	if _, err := e.Submit(context.Background(), co); !errors.Is(err, ErrInFlight) {
		t.Fatalf("second Submit: %v", err)
	}
	if err := co.AddTender(Tender{Method: CashForeign, Amount: usd("1")}); !errors.Is(err, ErrInFlight) {
		t.Fatalf("AddTender in flight: %v", err)
	}
	if err := co.SetCustomer(orders.Customer{Name: "Otro"}); !errors.Is(err, ErrInFlight) {
		t.Fatalf("SetCustomer in flight: %v", err)
	}
	if err := co.SetCustomerReference("1"); !errors.Is(err, ErrInFlight) {
		t.Fatalf("SetCustomerReference in flight: %v", err)
	}
	if err := co.Abandon(); !errors.Is(err, ErrInFlight) {
		t.Fatalf("Abandon in flight: %v", err)
	}
	close(bl.proceed)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestOrderLinesAreSnapshots(t *testing.T) {
	repo := orders.NewMemoryRepo()
	e := newEngine(repo)
	p := product(3, "Mantequilla", "3.10")
	c := cart.New()
	c.Add(p)
	c.Add(p)
	c.Add(product(4, "Galletas", "0.95"))
	co := NewCheckout(orders.ChannelPOS, c)
	_ = co.AddTender(Tender{Method: CashForeign, Amount: usd("7.15")})

	o, err := e.Submit(context.Background(), co)
	if err != nil {
		t.Fatal(err)
	}
	p.PriceUSD = usd("9.99")

	stored, _ := repo.Get(context.Background(), o.ID)
	sum := decimal.Zero
	for _, l := range stored.Lines {
		want := l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
		if !l.Total().Equal(want) {
			t.Fatalf("line %d total %s != %s", l.ProductID, l.Total(), want)
		}
		sum = sum.Add(l.Total())
	}
	if !sum.Equal(stored.Total) || !stored.Total.Equal(usd("7.15")) {
		t.Fatalf("total = %s, lines = %s", stored.Total, sum)
	}
	if !stored.Lines[0].UnitPrice.Equal(usd("3.10")) {
		t.Fatalf("unit price changed to %s", stored.Lines[0].UnitPrice)
	}
}

type fixedRate struct{ bs decimal.Decimal }

func (f fixedRate) Convert(u decimal.Decimal) (decimal.Decimal, bool) { return u.Mul(f.bs), true }

func TestSubmitOnlineOrder(t *testing.T) {
	repo := orders.NewMemoryRepo()
	e := newEngine(repo)
	e.Rates = fixedRate{bs: usd("36.5")}

	co := NewCheckoutFor(orders.ChannelOnline, cartOf(cart.Line{Product: product(1, "Whisky", "40.00"), Quantity: 1}), Request{
		Customer:          orders.Customer{Name: "Ana Pérez", Email: "ana@example.com"},
		Shipping:          &orders.Shipping{Name: "Ana", Lastname: "Pérez", IDNumber: "V-12345678", Phone: "0414-0000000"},
		CustomerReference: "99887766",
		Tenders:           []Tender{{Method: MobilePay, Amount: usd("40"), Reference: "99887766"}},
	})

	o, err := e.Submit(context.Background(), co)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if o.Status != orders.StatusPending || o.PaymentStatus != orders.PaymentPending {
		t.Fatalf("status = %s/%s", o.Status, o.PaymentStatus)
	}
	if !strings.Contains(o.Instructions, "1.460,00 Bs") || !strings.HasSuffix(o.Instructions, o.Reference) {
		t.Fatalf("instructions = %q", o.Instructions)
	}
	stored, _ := repo.Get(context.Background(), o.ID)
	if stored.Instructions != o.Instructions || stored.Shipping == nil || stored.Shipping.IDNumber != "V-12345678" {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestNewCheckoutForCopiesRequest(t *testing.T) {
	req := Request{
		Customer:          orders.Customer{Name: "Rosa"},
		Shipping:          &orders.Shipping{Name: "Rosa", Lastname: "Gil", IDNumber: "V-1", Phone: "0412"},
		CustomerReference: "5544",
		Tenders:           []Tender{{Method: CashForeign, Amount: usd("4")}},
	}
	co := NewCheckoutFor(orders.ChannelOnline, cartOf(cart.Line{Product: product(1, "Pan", "4.00"), Quantity: 1}), req)

	req.Tenders[0].Amount = usd("1")
	req.Shipping.Phone = ""

	if co.State() != StateCollecting || co.Channel() != orders.ChannelOnline {
		t.Fatalf("state=%s channel=%s", co.State(), co.Channel())
	}
	if ts := co.Tenders(); len(ts) != 1 || !ts[0].Amount.Equal(usd("4")) {
		t.Fatalf("tenders = %+v", ts)
	}
	if err := Validate(co); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := co.AddTender(Tender{Method: Points, Amount: usd("1")}); err != nil {
		t.Fatalf("AddTender: %v", err)
	}
}
