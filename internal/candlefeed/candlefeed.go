// Package candlefeed defines the narrow CandleFeed port the
// coordinator depends on for market data. Ingestion internals (the
// actual exchange/data-vendor client) are out of scope — this package
// carries the seam plus an in-memory reference feed used by tests and
// the simulation exec mode's default wiring.
package candlefeed

import (
	"context"
	"sync"

	"github.com/tradectl/control-plane/pkg/types"
)

// CandleFeed supplies the most recent candle batch for a symbol.
type CandleFeed interface {
	Latest(ctx context.Context, symbol string, lookback int) ([]types.OHLCV, error)
}

// MemoryFeed is an in-memory CandleFeed backed by an append-only
// per-symbol slice the caller seeds directly — no network client, no
// vendor SDK, since the ingestion side of this port is out of scope.
type MemoryFeed struct {
	mu      sync.RWMutex
	candles map[string][]types.OHLCV
}

// NewMemoryFeed constructs an empty MemoryFeed.
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{candles: make(map[string][]types.OHLCV)}
}

// Append adds a candle to a symbol's series, used by tests to
// synthesize a feed.
func (f *MemoryFeed) Append(symbol string, c types.OHLCV) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candles[symbol] = append(f.candles[symbol], c)
}

// Latest returns up to the last lookback candles for symbol, oldest
// first.
func (f *MemoryFeed) Latest(ctx context.Context, symbol string, lookback int) ([]types.OHLCV, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	series := f.candles[symbol]
	if lookback <= 0 || lookback > len(series) {
		lookback = len(series)
	}
	out := make([]types.OHLCV, lookback)
	copy(out, series[len(series)-lookback:])
	return out, nil
}
