package payment

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/bodegonbc/bodegon-pos/internal/metrics"
)

// fallbackDigits is the length of the timestamp suffix. Sequential suffixes
// shorter than this are the only ones the scan counts.
const fallbackDigits = 8

// ReferenceFormat renders payment references such as Pagosbbc00043.
type ReferenceFormat struct {
	Prefix string
	Width  int
	Now    func() time.Time
}

func (f ReferenceFormat) Format(n int64) string {
	return fmt.Sprintf("%s%0*d", f.Prefix, f.Width, n)
}

// Fallback derives a reference from the low-order digits of the epoch in
// milliseconds. Forward progress over sequentiality.
func (f ReferenceFormat) Fallback() string {
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}
	return fmt.Sprintf("%s%0*d", f.Prefix, fallbackDigits, now().UnixMilli()%100_000_000)
}

// Suffix returns the sequential number of ref, ignoring case of the prefix.
func (f ReferenceFormat) Suffix(ref string) (int64, bool) {
	if len(ref) <= len(f.Prefix) || !strings.EqualFold(ref[:len(f.Prefix)], f.Prefix) {
		return 0, false
	}
	digits := ref[len(f.Prefix):]
	if len(digits) >= fallbackDigits {
		return 0, false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	return n, err == nil
}

// ReferenceAllocator proposes the next payment reference. Next never fails:
// lookup errors degrade to the timestamp scheme. Uniqueness is enforced by
// the ledger at insert time.
type ReferenceAllocator interface {
	Next(ctx context.Context) string
	Fallback() string
}

type ReferenceLookup interface {
	ReferencesWithPrefix(ctx context.Context, prefix string) ([]string, error)
	ReferenceExists(ctx context.Context, ref string) (bool, error)
}

// ScanAllocator takes the highest issued suffix plus one and checks for a
// free candidate. Two writers can still pick the same candidate between the
// check and the insert; the ledger's unique index catches that.
type ScanAllocator struct {
	Lookup      ReferenceLookup
	Format      ReferenceFormat
	MaxAttempts int
}

func (a *ScanAllocator) Fallback() string { return a.Format.Fallback() }

func (a *ScanAllocator) Next(ctx context.Context) string {
	refs, err := a.Lookup.ReferencesWithPrefix(ctx, a.Format.Prefix)
	if err != nil {
		return a.fallback("lookup_error", err)
	}
	var top int64
	for _, r := range refs {
		if n, ok := a.Format.Suffix(r); ok && n > top {
			top = n
		}
	}
	attempts := a.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for i := int64(1); i <= int64(attempts); i++ {
		cand := a.Format.Format(top + i)
		taken, err := a.Lookup.ReferenceExists(ctx, cand)
		if err != nil {
			return a.fallback("lookup_error", err)
		}
		if !taken {
			return cand
		}
		metrics.ReferenceCollisions.Inc()
	}
	return a.fallback("exhausted", nil)
}

func (a *ScanAllocator) fallback(reason string, err error) string {
	ref := a.Format.Fallback()
	metrics.ReferenceFallbacks.WithLabelValues(reason).Inc()
	if err != nil {
		log.Printf("[checkout] WARN reference scan failed, using %s: %v", ref, err)
	} else {
		log.Printf("[checkout] WARN no free reference after %d attempts, using %s", a.MaxAttempts, ref)
	}
	return ref
}

type Sequence interface {
	NextReferenceNumber(ctx context.Context) (int64, error)
}

// SequenceAllocator draws from an atomic database sequence.
type SequenceAllocator struct {
	Seq    Sequence
	Format ReferenceFormat
}

func (a *SequenceAllocator) Fallback() string { return a.Format.Fallback() }

func (a *SequenceAllocator) Next(ctx context.Context) string {
	n, err := a.Seq.NextReferenceNumber(ctx)
	if err != nil {
		ref := a.Format.Fallback()
		metrics.ReferenceFallbacks.WithLabelValues("lookup_error").Inc()
		log.Printf("[checkout] WARN reference sequence failed, using %s: %v", ref, err)
		return ref
	}
	return a.Format.Format(n)
}
