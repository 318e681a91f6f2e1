package availability

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/bodegonbc/bodegon-pos/internal/catalog"
	"github.com/bodegonbc/bodegon-pos/internal/events"
	kafkax "github.com/bodegonbc/bodegon-pos/internal/kafka"
	"github.com/bodegonbc/bodegon-pos/internal/metrics"
)

type Lister interface {
	ListAll(ctx context.Context) ([]catalog.Product, error)
}

// FeedConsumer is one subscription to the product topic.
type FeedConsumer interface {
	Start(ctx context.Context, h kafkax.Handler) error
}

// Syncer feeds a Cache from the product change-feed. One Syncer per process
// owns the subscription; everything else reads the Cache.
type Syncer struct {
	Cache   *Cache
	Catalog Lister
	// Subscribe opens a fresh consumer; a stopped one cannot be restarted.
	Subscribe func() FeedConsumer
	Backoff   time.Duration
}

// Start subscribes to the feed and only then lists the catalog, so a change
// committed while the listing runs still reaches the cache through the feed.
// It returns the error of the first load; the caller cancels ctx on failure.
// Afterwards a consumer that exits with an error is replaced and the catalog
// reloaded, until ctx ends.
func (s *Syncer) Start(ctx context.Context) error {
	exited := s.subscribe(ctx)
	if err := s.Resync(ctx); err != nil {
		return err
	}
	go s.supervise(ctx, exited)
	return nil
}

func (s *Syncer) subscribe(ctx context.Context) <-chan error {
	exited := make(chan error, 1)
	c := s.Subscribe()
	go func() { exited <- c.Start(ctx, s.HandleMessage) }()
	return exited
}

func (s *Syncer) supervise(ctx context.Context, exited <-chan error) {
	backoff := s.Backoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-exited:
			if ctx.Err() != nil {
				return
			}
			log.Printf("[feed] consumer exit: %v, resubscribing in %s", err, backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			exited = s.subscribe(ctx)
			if err := s.Resync(ctx); err != nil {
				log.Printf("[feed] WARN %v, serving the last known state", err)
			}
		}
	}
}

// Resync reloads the whole catalog, at startup and after the feed was lost.
func (s *Syncer) Resync(ctx context.Context) error {
	ps, err := s.Catalog.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("resync catalog: %w", err)
	}
	s.Cache.Load(ps)
	log.Printf("[feed] resynced %d products, %d available", len(ps), s.Cache.Len())
	return nil
}

// HandleMessage is installed as the consumer handler for the product topic.
// Malformed messages are logged and committed so they cannot block the feed.
func (s *Syncer) HandleMessage(ctx context.Context, m kafkago.Message) error {
	var env events.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		log.Printf("[feed] drop undecodable message offset=%d: %v", m.Offset, err)
		return nil
	}
	if env.EventType != events.EventProductChanged {
		return nil
	}
	ev, err := kafkax.UnwrapPayload[catalog.ChangeEvent](env.Payload)
	if err != nil {
		log.Printf("[feed] drop event %s: %v", env.EventID, err)
		return nil
	}
	applied := s.Cache.ApplyRemoteChange(ev)
	metrics.FeedEvents.WithLabelValues(string(ev.Kind), fmt.Sprint(applied)).Inc()
	return nil
}
