package pricefeed

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"
)

var (
	// ErrPriceNotFound indicates that no registered source knows the price id.
	ErrPriceNotFound = errors.New("pricefeed: price not found")
	// ErrNoFreshQuote indicates that every known quote is older than the
	// configured freshness window.
	ErrNoFreshQuote = errors.New("pricefeed: no fresh quote available")
)

// Quote captures a unit price for an externally priced asset along with the
// moment the upstream source observed it and the source identifier.
type Quote struct {
	Price     *uint256.Int
	Timestamp int64
	Source    string
}

// Clone returns a deep copy of the quote to prevent accidental mutations.
func (q Quote) Clone() Quote {
	clone := Quote{Timestamp: q.Timestamp, Source: q.Source}
	if q.Price != nil {
		clone.Price = q.Price.Clone()
	}
	return clone
}

// Age reports how many seconds have elapsed since the quote was observed.
func (q Quote) Age(now int64) int64 {
	if now <= q.Timestamp {
		return 0
	}
	return now - q.Timestamp
}

// Source resolves the last known price for an identifier.
type Source interface {
	Quote(priceID string) (Quote, error)
}

// Aggregator consults registered sources in priority order. Latest returns
// the newest quote regardless of age so callers can judge staleness
// themselves; Fresh additionally enforces the freshness window.
type Aggregator struct {
	mu       sync.RWMutex
	priority []string
	sources  map[string]Source
	maxAge   time.Duration
	nowFn    func() int64
}

// NewAggregator constructs an aggregator with the supplied freshness window.
// A zero window disables the staleness check in Fresh.
func NewAggregator(maxAge time.Duration) *Aggregator {
	return &Aggregator{
		sources: make(map[string]Source),
		maxAge:  maxAge,
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the clock used for age calculations. Nil restores the
// wall clock.
func (a *Aggregator) SetNowFunc(now func() int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if now == nil {
		a.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	a.nowFn = now
}

// MaxAge reports the configured freshness window.
func (a *Aggregator) MaxAge() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.maxAge
}

// Register adds a named source with priority in registration order.
// Re-registering a name replaces the source but keeps its priority slot.
func (a *Aggregator) Register(name string, source Source) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || source == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.sources[trimmed]; !ok {
		a.priority = append(a.priority, trimmed)
	}
	a.sources[trimmed] = source
}

func (a *Aggregator) now() int64 {
	if a == nil || a.nowFn == nil {
		return time.Now().Unix()
	}
	return a.nowFn()
}

// Latest returns the newest quote any source reports for the identifier.
func (a *Aggregator) Latest(priceID string) (Quote, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var best Quote
	found := false
	for _, name := range a.priority {
		source := a.sources[name]
		if source == nil {
			continue
		}
		quote, err := source.Quote(priceID)
		if err != nil || quote.Price == nil {
			continue
		}
		if !found || quote.Timestamp > best.Timestamp {
			best = quote.Clone()
			if best.Source == "" {
				best.Source = name
			}
			found = true
		}
	}
	if !found {
		return Quote{}, ErrPriceNotFound
	}
	return best, nil
}

// Fresh returns the newest quote provided it falls inside the freshness
// window, otherwise ErrNoFreshQuote.
func (a *Aggregator) Fresh(priceID string) (Quote, error) {
	quote, err := a.Latest(priceID)
	if err != nil {
		return Quote{}, err
	}
	a.mu.RLock()
	maxAge := a.maxAge
	a.mu.RUnlock()
	if maxAge > 0 && quote.Age(a.now()) > int64(maxAge/time.Second) {
		return Quote{}, ErrNoFreshQuote
	}
	return quote, nil
}
