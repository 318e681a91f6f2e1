package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/bodegonbc/bodegon-pos/internal/config"
	"github.com/bodegonbc/bodegon-pos/internal/events"
	kafkax "github.com/bodegonbc/bodegon-pos/internal/kafka"
	"github.com/bodegonbc/bodegon-pos/internal/notify"
	"github.com/bodegonbc/bodegon-pos/internal/redisx"
)

func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	svc := &notify.Service{
		Dedup: &notify.RedisDedup{Redis: rdb, Service: "notifier"},
		Feed:  &notify.RedisFeed{Redis: rdb},
	}
	if cfg.SMTPHost != "" {
		svc.Mailer = &notify.SMTPMailer{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			User:     cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}
	} else {
		log.Println("[notify] SMTP_HOST empty, payment emails disabled")
	}

	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.NotifierGroup, events.TopicOrderCreated, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		log.Printf("notifier consumer started: group=%s topic=%s", cfg.NotifierGroup, events.TopicOrderCreated)
		if err := cons.Start(ctx, svc.HandleOrderCreated); err != nil {
			log.Printf("consumer exit: %v", err)
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	log.Println("shutting down consumer...")
	cancel()
	<-done
}
