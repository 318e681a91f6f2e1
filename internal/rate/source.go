// Package rate polls the official USD→VES average and converts prices for
// display. Orders never store the rate.
package rate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/shopspring/decimal"

	"github.com/bodegonbc/bodegon-pos/internal/metrics"
)

type Snapshot struct {
	Rate      *decimal.Decimal `json:"rate"`
	Loading   bool             `json:"loading"`
	Err       string           `json:"error,omitempty"`
	FetchedAt time.Time        `json:"fetched_at,omitempty"`
}

type Source struct {
	URL      string
	Interval time.Duration
	Client   *http.Client

	mu    sync.RWMutex
	snap  Snapshot
	sched *gocron.Scheduler
}

func NewSource(url string, interval, timeout time.Duration) *Source {
	return &Source{
		URL:      url,
		Interval: interval,
		Client:   &http.Client{Timeout: timeout},
		snap:     Snapshot{Loading: true},
	}
}

type quote struct {
	Promedio *decimal.Decimal `json:"promedio"`
}

// Refresh fetches the rate once. A failure clears the rate so a stale value
// is never shown.
func (s *Source) Refresh(ctx context.Context) error {
	r, err := s.fetch(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Loading = false
	s.snap.FetchedAt = time.Now().UTC()
	if err != nil {
		s.snap.Rate = nil
		s.snap.Err = err.Error()
		metrics.RateFetches.WithLabelValues("error").Inc()
		return err
	}
	s.snap.Rate = &r
	s.snap.Err = ""
	metrics.RateFetches.WithLabelValues("ok").Inc()
	return nil
}

func (s *Source) fetch(ctx context.Context) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.Client.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("rate endpoint: %s", resp.Status)
	}
	var q quote
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		return decimal.Zero, fmt.Errorf("decode rate: %w", err)
	}
	if q.Promedio == nil || !q.Promedio.IsPositive() {
		return decimal.Zero, errors.New("rate endpoint returned no average")
	}
	return *q.Promedio, nil
}

// Start polls immediately and then every Interval until Stop.
func (s *Source) Start() error {
	s.sched = gocron.NewScheduler(time.UTC)
	_, err := s.sched.Every(s.Interval).Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.Client.Timeout+time.Second)
		defer cancel()
		if err := s.Refresh(ctx); err != nil {
			log.Printf("[rate] WARN fetch failed: %v", err)
		}
	})
	if err != nil {
		return err
	}
	s.sched.StartAsync()
	return nil
}

func (s *Source) Stop() {
	if s.sched != nil {
		s.sched.Stop()
	}
}

func (s *Source) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.snap
	if s.snap.Rate != nil {
		r := *s.snap.Rate
		out.Rate = &r
	}
	return out
}

// Convert returns usd in bolívares at the current rate. ok is false while
// loading or after a failed fetch.
func (s *Source) Convert(usd decimal.Decimal) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snap.Rate == nil {
		return decimal.Zero, false
	}
	return usd.Mul(*s.snap.Rate).Round(2), true
}
