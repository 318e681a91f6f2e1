package catalog

import (
	"context"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/bodegonbc/bodegon-pos/internal/events"
	kafkax "github.com/bodegonbc/bodegon-pos/internal/kafka"
)

// Service writes to the Catalog Store and publishes the resulting row on the
// product change-feed, so every connected process converges on the new state.
type Service struct {
	Store    Store
	Events   kafkax.Publisher
	Producer string
}

func (s *Service) Create(ctx context.Context, p *Product, traceID string) error {
	if err := s.Store.Create(ctx, p); err != nil {
		return err
	}
	s.publish(InsertedEvent(*p), traceID)
	return nil
}

func (s *Service) SetQuantity(ctx context.Context, id int64, qty int, traceID string) (*Product, error) {
	p, err := s.Store.UpdateQuantity(ctx, id, qty)
	if err != nil {
		return nil, err
	}
	s.publish(UpdatedEvent(*p), traceID)
	return p, nil
}

func (s *Service) SetPrice(ctx context.Context, id int64, price decimal.Decimal, traceID string) (*Product, error) {
	p, err := s.Store.UpdatePrice(ctx, id, price)
	if err != nil {
		return nil, err
	}
	s.publish(UpdatedEvent(*p), traceID)
	return p, nil
}

func (s *Service) Delete(ctx context.Context, id int64, traceID string) error {
	version, err := s.Store.Delete(ctx, id)
	if err != nil {
		return err
	}
	s.publish(DeletedEvent(id, version), traceID)
	return nil
}

func (s *Service) publish(ev ChangeEvent, traceID string) {
	if s.Events == nil {
		return
	}
	key := strconv.FormatInt(ev.ID, 10)
	env := events.New(events.EventProductChanged, s.Producer, traceID, key, kafkax.MustMarshal(ev))
	s.Events.Publish(events.PartitionKey(key), kafkax.MustMarshal(env), kafkax.EventHeaders(events.EventProductChanged)...)
}
