package marketdata

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// Quote is one bid/ask snapshot. The settlement core treats these numbers
// as an opaque price input.
type Quote struct {
	Pair string  `json:"pair"`
	Bid  float64 `json:"bid"`
	Ask  float64 `json:"ask"`
	TS   int64   `json:"ts"`
}

type pairSpec struct {
	base       float64
	spread     float64
	volatility float64
}

// Seed prices follow the original platform's instrument tables: majors,
// a few crypto pairs, indices and stocks.
var pairSpecs = map[string]pairSpec{
	"EUR/USD": {base: 1.0852, spread: 0.0001, volatility: 0.0008},
	"GBP/USD": {base: 1.2645, spread: 0.0001, volatility: 0.0009},
	"USD/JPY": {base: 149.82, spread: 0.02, volatility: 0.09},
	"AUD/USD": {base: 0.6648, spread: 0.0001, volatility: 0.0007},
	"USD/CHF": {base: 0.8745, spread: 0.0001, volatility: 0.0006},
	"BTC/USD": {base: 45230, spread: 10, volatility: 120},
	"ETH/USD": {base: 2417, spread: 1.2, volatility: 9},
	"US500":   {base: 5847.23, spread: 0.5, volatility: 4.5},
	"AAPL":    {base: 232.45, spread: 0.05, volatility: 0.9},
	"TSLA":    {base: 312.65, spread: 0.08, volatility: 1.6},
}

// ErrUnknownPair is returned for instruments the feed does not simulate.
var ErrUnknownPair = errors.New("unknown trading pair")

// Feed is a random-walk quote simulator. Prices drift around each pair's
// base and are clamped to a band so they stay plausible indefinitely.
type Feed struct {
	mu     sync.RWMutex
	quotes map[string]Quote
	rng    *rand.Rand
	rngMu  sync.Mutex
	bus    *Bus
}

func NewFeed(bus *Bus, seed int64) *Feed {
	f := &Feed{
		quotes: make(map[string]Quote, len(pairSpecs)),
		rng:    rand.New(rand.NewSource(seed)),
		bus:    bus,
	}
	now := time.Now().UnixMilli()
	for pair, spec := range pairSpecs {
		f.quotes[pair] = Quote{Pair: pair, Bid: spec.base, Ask: spec.base + spec.spread, TS: now}
	}
	return f
}

// Quote returns the current bid/ask for a pair.
func (f *Feed) Quote(pair string) (Quote, error) {
	f.mu.RLock()
	q, ok := f.quotes[normalizePair(pair)]
	f.mu.RUnlock()
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrUnknownPair, pair)
	}
	return q, nil
}

func (f *Feed) Snapshot() []Quote {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Quote, 0, len(f.quotes))
	for _, q := range f.quotes {
		out = append(out, q)
	}
	return out
}

// Start runs the tick loop until ctx is cancelled.
func (f *Feed) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.tick()
		}
	}
}

func (f *Feed) tick() {
	now := time.Now().UnixMilli()
	f.mu.Lock()
	for pair, q := range f.quotes {
		spec := pairSpecs[pair]
		mid := (q.Bid + q.Ask) / 2
		mid += (f.randFloat() - 0.5) * 2 * spec.volatility
		// Keep the walk inside a +-2% band around the base price.
		lo, hi := spec.base*0.98, spec.base*1.02
		if mid < lo {
			mid = lo + f.randFloat()*spec.volatility
		}
		if mid > hi {
			mid = hi - f.randFloat()*spec.volatility
		}
		q.Bid = mid - spec.spread/2
		q.Ask = mid + spec.spread/2
		q.TS = now
		f.quotes[pair] = q
	}
	snapshot := make([]Quote, 0, len(f.quotes))
	for _, q := range f.quotes {
		snapshot = append(snapshot, q)
	}
	f.mu.Unlock()
	if f.bus != nil {
		f.bus.Publish(snapshot)
	}
}

func (f *Feed) randFloat() float64 {
	f.rngMu.Lock()
	defer f.rngMu.Unlock()
	return f.rng.Float64()
}

func normalizePair(pair string) string {
	return strings.ToUpper(strings.TrimSpace(pair))
}
