// Package notify turns the order insert feed into staff notifications and
// payment-instruction emails for online customers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/bodegonbc/bodegon-pos/internal/events"
	kafkax "github.com/bodegonbc/bodegon-pos/internal/kafka"
	"github.com/bodegonbc/bodegon-pos/internal/orders"
)

type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	OrderID   string    `json:"order_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Dedup reports whether an event is seen for the first time. Forget drops
// the claim so a redelivery is handled again.
type Dedup interface {
	First(ctx context.Context, eventID string) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

type Feed interface {
	Push(ctx context.Context, n Notification) error
}

type Mailer interface {
	Send(to, subject, body string) error
}

type Service struct {
	Dedup  Dedup
	Feed   Feed
	Mailer Mailer // optional
}

// HandleOrderCreated is installed as the consumer handler for the order
// insert topic. Delivery is at least once; Dedup keeps a replayed event from
// notifying twice. A failed push releases the claim and returns the error,
// so the consumer's retry of the same message pushes it again.
func (s *Service) HandleOrderCreated(ctx context.Context, m kafkago.Message) error {
	var env events.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		log.Printf("[notify] drop undecodable message offset=%d: %v", m.Offset, err)
		return nil
	}
	if env.EventType != events.EventOrderCreated {
		return nil
	}

	first, err := s.Dedup.First(ctx, env.EventID)
	if err != nil {
		return fmt.Errorf("dedup %s: %w", env.EventID, err)
	}
	if !first {
		return nil
	}

	p, err := kafkax.UnwrapPayload[orders.OrderCreatedPayload](env.Payload)
	if err != nil {
		log.Printf("[notify] drop event %s: %v", env.EventID, err)
		return nil
	}

	n := NewOrderNotification(env.EventID, p, env.OccurredAt)
	if err := s.Feed.Push(ctx, n); err != nil {
		if ferr := s.Dedup.Forget(ctx, env.EventID); ferr != nil {
			log.Printf("[notify] WARN release dedup %s: %v", env.EventID, ferr)
		}
		return fmt.Errorf("push notification: %w", err)
	}
	log.Printf("[notify] %s: %s", n.Title, n.Message)

	if s.Mailer != nil && p.Channel == orders.ChannelOnline && p.CustomerEmail != "" {
		subject := "Instrucciones de pago - Pedido " + p.Reference
		if err := s.Mailer.Send(p.CustomerEmail, subject, emailBody(p)); err != nil {
			// the staff notification already went out; the customer still
			// sees the instructions on the checkout page
			log.Printf("[notify] WARN email for %s failed: %v", p.Reference, err)
		}
	}
	return nil
}

func NewOrderNotification(eventID string, p orders.OrderCreatedPayload, at time.Time) Notification {
	label := p.Reference
	if label == "" && len(p.OrderID) >= 8 {
		label = p.OrderID[:8]
	}
	return Notification{
		ID:        "order-" + eventID,
		Type:      "order",
		Title:     "Nuevo Pedido",
		Message:   fmt.Sprintf("Pedido #%s - $%s - %s", label, p.Total, p.CustomerName),
		OrderID:   p.OrderID,
		Timestamp: at,
	}
}

func emailBody(p orders.OrderCreatedPayload) string {
	return fmt.Sprintf("Hola %s,\n\nGracias por tu pedido en Bodegón Baraure Center.\n\n%s\n\nTotal: $%s USD\nReferencia: %s\n",
		p.CustomerName, p.Instructions, p.Total, p.Reference)
}
