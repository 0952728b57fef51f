package pricing

import (
	"fmt"
	"math/big"

	"DscEngine/internal/oracle"
)

// CanonicalDecimals is the fixed decimal scale all USD values are
// normalized to before arithmetic. It matches token-native precision so
// one whole DSC, one whole collateral token and one USD all scale by the
// same unit.
const CanonicalDecimals = 18

// UnitScale is 10^CanonicalDecimals, the canonical one-unit value.
var UnitScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(CanonicalDecimals), nil)

// Calculator converts token amounts to canonical USD value and back,
// using the live oracle registry. Both conversions multiply before
// dividing so no precision is lost ahead of the final truncation.
type Calculator struct {
	registry *oracle.Registry
}

func NewCalculator(registry *oracle.Registry) *Calculator {
	return &Calculator{registry: registry}
}

// normalizedPrice scales a feed round to canonical precision.
func normalizedPrice(r oracle.Round) (*big.Int, error) {
	if r.Decimals > CanonicalDecimals {
		return nil, fmt.Errorf("feed precision %d exceeds canonical %d", r.Decimals, CanonicalDecimals)
	}

	multiplier := new(big.Int).Exp(
		big.NewInt(10),
		big.NewInt(int64(CanonicalDecimals-r.Decimals)),
		nil,
	)
	return new(big.Int).Mul(r.Price, multiplier), nil
}

// ValueInUSD returns the canonical USD value of amount base units of the
// asset: amount * normalizedPrice / UnitScale. Oracle failures propagate
// unchanged; there is no default price.
func (c *Calculator) ValueInUSD(symbol string, amount *big.Int) (*big.Int, error) {
	round, err := c.registry.LatestRound(symbol)
	if err != nil {
		return nil, err
	}

	price, err := normalizedPrice(round)
	if err != nil {
		return nil, err
	}

	value := new(big.Int).Mul(amount, price)
	return value.Quo(value, UnitScale), nil
}

// AmountFromUSD is the inverse conversion: how many base units of the
// asset are worth usdValue canonical units. Round-trips with ValueInUSD
// within one base unit of truncation error.
func (c *Calculator) AmountFromUSD(symbol string, usdValue *big.Int) (*big.Int, error) {
	round, err := c.registry.LatestRound(symbol)
	if err != nil {
		return nil, err
	}

	price, err := normalizedPrice(round)
	if err != nil {
		return nil, err
	}
	if price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s", oracle.ErrInvalidPrice, symbol)
	}

	amount := new(big.Int).Mul(usdValue, UnitScale)
	return amount.Quo(amount, price), nil
}
