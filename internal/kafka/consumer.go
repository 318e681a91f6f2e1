package kafka

import (
	"context"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

// Handler must return nil only when the message was processed and its offset may be committed.
// A returned error is retried on the same message before the worker moves on.
type Handler func(ctx context.Context, m kafka.Message) error

const (
	handleAttempts = 3
	handleBackoff  = 200 * time.Millisecond
)

type Consumer struct {
	r       *kafka.Reader
	workers int
}

// NewConsumer reads topic as group. A new group starts at the oldest retained
// offset. With workers > 1 messages of one key may be handled out of order;
// consumers that need per-key ordering use one worker.
func NewConsumer(brokers []string, group, topic string, workers int) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0, // manual commit
	})
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{r: r, workers: workers}
}

// retry runs fn until it succeeds, attempts run out or ctx ends, sleeping
// backoff times the attempt number in between.
func retry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff * time.Duration(i)):
		}
	}
	return err
}

func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	jobs := make(chan kafka.Message, 1024)
	errs := make(chan error, c.workers)

	for i := 0; i < c.workers; i++ {
		go func() {
			for m := range jobs {
				if err := retry(ctx, handleAttempts, handleBackoff, func() error { return h(ctx, m) }); err != nil {
					// a later commit moves the group past this offset
					log.Printf("[kafka] drop topic=%s partition=%d offset=%d after %d attempts", m.Topic, m.Partition, m.Offset, handleAttempts)
					select {
					case errs <- err:
					default:
					}
					continue
				}
				if err := c.r.CommitMessages(ctx, m); err != nil {
					select {
					case errs <- err:
					default:
					}
				}
			}
		}()
	}

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			close(jobs)
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		select {
		case jobs <- m:
		case <-ctx.Done():
			close(jobs)
			return nil
		}

		select {
		case e := <-errs:
			log.Printf("[kafka] worker error topic=%s: %v", m.Topic, e)
			time.Sleep(handleBackoff)
		default:
		}
	}
}
