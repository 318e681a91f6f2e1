package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bodegonbc/bodegon-pos/internal/availability"
	"github.com/bodegonbc/bodegon-pos/internal/cart"
	"github.com/bodegonbc/bodegon-pos/internal/catalog"
	"github.com/bodegonbc/bodegon-pos/internal/config"
	"github.com/bodegonbc/bodegon-pos/internal/events"
	"github.com/bodegonbc/bodegon-pos/internal/httpx"
	kafkax "github.com/bodegonbc/bodegon-pos/internal/kafka"
	"github.com/bodegonbc/bodegon-pos/internal/metrics"
	"github.com/bodegonbc/bodegon-pos/internal/notify"
	"github.com/bodegonbc/bodegon-pos/internal/orders"
	"github.com/bodegonbc/bodegon-pos/internal/payment"
	"github.com/bodegonbc/bodegon-pos/internal/postgres"
	"github.com/bodegonbc/bodegon-pos/internal/rate"
	"github.com/bodegonbc/bodegon-pos/internal/redisx"
)

func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	metrics.InitMetrics()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db, cfg.ReferencePrefix); err != nil {
		log.Fatalf("db migrate: %v", err)
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producers, one per topic
	productProd := kafkax.NewProducer(cfg.KafkaBrokers, events.TopicProductChanges, 1024)
	productProd.Start(ctx)
	orderProd := kafkax.NewProducer(cfg.KafkaBrokers, events.TopicOrderCreated, 1024)
	orderProd.Start(ctx)
	statusProd := kafkax.NewProducer(cfg.KafkaBrokers, events.TopicOrderStatus, 1024)
	statusProd.Start(ctx)

	// Catalog + availability cache. Every instance reads the whole product
	// feed under its own group; the subscription opens before the listing.
	catalogRepo := &catalog.Repo{DB: db}
	cache := availability.New()
	feedGroup := cfg.ServiceName + "-" + cfg.InstanceID
	syncer := &availability.Syncer{
		Cache:   cache,
		Catalog: catalogRepo,
		Subscribe: func() availability.FeedConsumer {
			log.Printf("[feed] consumer started: group=%s topic=%s", feedGroup, events.TopicProductChanges)
			return kafkax.NewConsumer(cfg.KafkaBrokers, feedGroup, events.TopicProductChanges, 1)
		},
	}
	if err := syncer.Start(ctx); err != nil {
		log.Fatalf("catalog: %v", err)
	}
	catalogSvc := &catalog.Service{Store: catalogRepo, Events: productProd, Producer: cfg.ServiceName}

	// Exchange rate
	rates := rate.NewSource(cfg.RateURL, cfg.RatePollInterval, cfg.RemoteTimeout)
	if err := rates.Start(); err != nil {
		log.Fatalf("rate: %v", err)
	}
	defer rates.Stop()

	// Payment engine
	orderRepo := &orders.Repo{DB: db}
	format := payment.ReferenceFormat{Prefix: cfg.ReferencePrefix, Width: cfg.ReferenceWidth}
	var refs payment.ReferenceAllocator = &payment.SequenceAllocator{Seq: orderRepo, Format: format}
	if cfg.ReferenceStrategy == "scan" {
		refs = &payment.ScanAllocator{Lookup: orderRepo, Format: format, MaxAttempts: cfg.ReferenceAttempts}
	}
	engine := &payment.Engine{
		Ledger:      orderRepo,
		References:  refs,
		Rates:       rates,
		MaxAttempts: cfg.ReferenceAttempts,
		Timeout:     cfg.RemoteTimeout,
	}
	carts := &cart.RedisStore{Redis: rdb, TTL: cfg.CartTTL}

	// HTTP
	router := httpx.NewRouter()
	products := &httpx.ProductsHandler{Cache: cache, Catalog: catalogSvc, Rates: rates}
	products.RegisterStream(router)
	httpx.Mount(router, cfg.RemoteTimeout, httpx.StaffGuard(cfg.JWTSecret),
		products,
		&httpx.CartsHandler{Carts: carts, Cache: cache, Rates: rates},
		&httpx.CheckoutHandler{
			Carts:   carts,
			Engine:  engine,
			Lock:    &redisx.SessionLock{Redis: rdb, TTL: redisx.TTLCheckoutLock},
			Events:  orderProd,
			Service: cfg.ServiceName,
		},
		&httpx.OrdersHandler{Repo: orderRepo, Events: statusProd, Redis: rdb, Service: cfg.ServiceName},
		&httpx.NotificationsHandler{Feed: &notify.RedisFeed{Redis: rdb}},
	)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	// graceful shutdown
	go func() {
		log.Printf("HTTP listening at %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	for _, p := range []*kafkax.Producer{productProd, orderProd, statusProd} {
		p.Close()
	}
	cancel()
	for _, p := range []*kafkax.Producer{productProd, orderProd, statusProd} {
		p.WaitClosed()
	}
}
