package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// DefaultStaleTimeout is the maximum age of a price round before it is
// treated as unusable.
const DefaultStaleTimeout = 3 * time.Hour

var (
	// ErrNoPriceData means the feed has never reported a round.
	ErrNoPriceData = errors.New("oracle: no price data")

	// ErrStalePrice means the latest round is older than the stale timeout.
	// Callers must fail the whole operation; no fallback price is ever
	// substituted.
	ErrStalePrice = errors.New("oracle: stale price")

	// ErrInvalidPrice means the feed reported a zero or negative price.
	ErrInvalidPrice = errors.New("oracle: invalid price")
)

// Round is one price observation from a feed.
type Round struct {
	// Price in feed-native integer units (10^Decimals per whole USD)
	Price *big.Int

	// Decimals is the feed's own precision (e.g. 8 for Chainlink-style feeds)
	Decimals uint8

	// Sequence is the monotonic per-feed round counter
	Sequence int64

	// UpdatedAt is when the upstream source observed this price
	UpdatedAt time.Time
}

// PriceFeed is the contract for one collateral asset's price source.
// LatestRound always reflects the live upstream value; implementations
// must not cache beyond what the upstream itself provides.
type PriceFeed interface {
	LatestRound() (Round, error)
}

// UpdatableFeed is a PriceFeed whose rounds are pushed in by the
// ingestion layer rather than pulled from an upstream.
type UpdatableFeed interface {
	PriceFeed
	Update(r Round) error
}

// MemoryFeed is a PriceFeed fed by the ingestion layer. Updates carry a
// monotonic sequence; regressions and duplicates are rejected, gaps are
// tolerated (price streams may drop intermediate rounds).
type MemoryFeed struct {
	mu           sync.RWMutex
	symbol       string
	round        Round
	hasData      bool
	staleTimeout time.Duration
}

func NewMemoryFeed(symbol string, staleTimeout time.Duration) *MemoryFeed {
	if staleTimeout <= 0 {
		staleTimeout = DefaultStaleTimeout
	}
	return &MemoryFeed{
		symbol:       symbol,
		staleTimeout: staleTimeout,
	}
}

// Update records a new round. Out-of-order sequences are rejected so a
// redelivered or reordered price message can never roll the feed backwards.
func (f *MemoryFeed) Update(r Round) error {
	if r.Price == nil || r.Price.Sign() <= 0 {
		return fmt.Errorf("%w: %s price %v", ErrInvalidPrice, f.symbol, r.Price)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.hasData && r.Sequence <= f.round.Sequence {
		return fmt.Errorf("price sequence regression for %s: got %d, have %d",
			f.symbol, r.Sequence, f.round.Sequence)
	}

	f.round = Round{
		Price:     new(big.Int).Set(r.Price),
		Decimals:  r.Decimals,
		Sequence:  r.Sequence,
		UpdatedAt: r.UpdatedAt,
	}
	f.hasData = true
	return nil
}

// LatestRound returns the most recent round, failing hard on missing or
// stale data.
func (f *MemoryFeed) LatestRound() (Round, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.hasData {
		return Round{}, fmt.Errorf("%w: %s", ErrNoPriceData, f.symbol)
	}

	if time.Since(f.round.UpdatedAt) > f.staleTimeout {
		return Round{}, fmt.Errorf("%w: %s last updated %s", ErrStalePrice,
			f.symbol, f.round.UpdatedAt.Format(time.RFC3339))
	}

	return Round{
		Price:     new(big.Int).Set(f.round.Price),
		Decimals:  f.round.Decimals,
		Sequence:  f.round.Sequence,
		UpdatedAt: f.round.UpdatedAt,
	}, nil
}
