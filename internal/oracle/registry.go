package oracle

import (
	"fmt"
	"strings"
)

// Registry maps collateral asset symbols to their price feeds. Every
// accepted asset has exactly one feed; the mapping is fixed at
// construction.
type Registry struct {
	feeds map[string]PriceFeed
	order []string
}

// NewRegistry pairs each symbol with its feed. The two slices are
// parallel; a length mismatch fails construction before any state exists.
func NewRegistry(symbols []string, feeds []PriceFeed) (*Registry, error) {
	if len(symbols) != len(feeds) {
		return nil, fmt.Errorf("oracle registry: %d symbols but %d feeds", len(symbols), len(feeds))
	}

	r := &Registry{
		feeds: make(map[string]PriceFeed, len(symbols)),
		order: make([]string, 0, len(symbols)),
	}

	for i, sym := range symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" {
			return nil, fmt.Errorf("oracle registry: empty symbol at index %d", i)
		}
		if feeds[i] == nil {
			return nil, fmt.Errorf("oracle registry: nil feed for %s", sym)
		}
		if _, dup := r.feeds[sym]; dup {
			return nil, fmt.Errorf("oracle registry: duplicate symbol %s", sym)
		}
		r.feeds[sym] = feeds[i]
		r.order = append(r.order, sym)
	}

	return r, nil
}

// Feed returns the feed for a symbol.
func (r *Registry) Feed(symbol string) (PriceFeed, bool) {
	feed, ok := r.feeds[strings.ToUpper(symbol)]
	return feed, ok
}

// LatestRound queries the live feed for a symbol.
func (r *Registry) LatestRound(symbol string) (Round, error) {
	feed, ok := r.Feed(symbol)
	if !ok {
		return Round{}, fmt.Errorf("oracle registry: no feed for %s", symbol)
	}
	return feed.LatestRound()
}

// Symbols returns the registered symbols in configuration order.
func (r *Registry) Symbols() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
