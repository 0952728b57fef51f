package ingestion

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"
)

// PriceUpdate is a parsed price round from NATS, ready to be pushed into
// the engine's oracle feed.
type PriceUpdate struct {
	Asset     string
	Price     *big.Int
	Decimals  uint8
	Sequence  int64
	UpdatedAt time.Time
}

// priceJSON is the wire format published by upstream price producers.
// Field names use snake_case; the price is a base-10 integer string so
// it survives JSON number precision limits.
type priceJSON struct {
	Asset       string `json:"asset"`
	Price       string `json:"price"`
	Decimals    uint8  `json:"decimals"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

// ParsePriceUpdate converts raw NATS bytes into a PriceUpdate. Malformed
// messages are rejected here so they are acked and never redelivered.
func ParsePriceUpdate(data []byte) (PriceUpdate, error) {
	var j priceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return PriceUpdate{}, fmt.Errorf("parse price update: %w", err)
	}

	if j.Asset == "" {
		return PriceUpdate{}, fmt.Errorf("parse price update: missing asset")
	}

	price, ok := new(big.Int).SetString(j.Price, 10)
	if !ok {
		return PriceUpdate{}, fmt.Errorf("parse price update: invalid price %q", j.Price)
	}
	if price.Sign() <= 0 {
		return PriceUpdate{}, fmt.Errorf("parse price update: non-positive price %s", price)
	}

	return PriceUpdate{
		Asset:     j.Asset,
		Price:     price,
		Decimals:  j.Decimals,
		Sequence:  j.Sequence,
		UpdatedAt: time.UnixMicro(j.TimestampUs),
	}, nil
}
