package risk

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"DscEngine/internal/ledger"
	"DscEngine/internal/pricing"
)

const (
	// DefaultLiquidationThreshold is the percentage of collateral value
	// counted as borrowable against debt (50 → 200% overcollateralization).
	DefaultLiquidationThreshold = 50

	// LiquidationPrecision is the divisor for threshold percentages.
	LiquidationPrecision = 100
)

var (
	// MinHealthFactor is 1.0 in the engine's fixed-point representation.
	MinHealthFactor = new(big.Int).Set(pricing.UnitScale)

	// MaxHealthFactor is the defined health factor for a user with no
	// debt. A user cannot be unhealthy with nothing minted, and this is
	// the explicit special case that keeps the division total.
	MaxHealthFactor = new(big.Int).Lsh(big.NewInt(1), 255)
)

// HealthFactorError reports a position whose post-operation solvency ratio
// fell below the minimum. It carries the computed factor for the caller.
type HealthFactorError struct {
	Factor *big.Int
}

func (e *HealthFactorError) Error() string {
	return fmt.Sprintf("health factor broken: %s", e.Factor)
}

// HealthCalculator computes the solvency ratio from the account ledger and
// the collateral value calculator. It is the sole decision logic gating
// mint, redeem and liquidation.
type HealthCalculator struct {
	ledger               *ledger.Ledger
	calc                 *pricing.Calculator
	liquidationThreshold int64
}

func NewHealthCalculator(l *ledger.Ledger, calc *pricing.Calculator, liquidationThreshold int64) *HealthCalculator {
	if liquidationThreshold <= 0 || liquidationThreshold > LiquidationPrecision {
		liquidationThreshold = DefaultLiquidationThreshold
	}
	return &HealthCalculator{
		ledger:               l,
		calc:                 calc,
		liquidationThreshold: liquidationThreshold,
	}
}

// CollateralValueUSD sums the canonical USD value of the user's deposits
// across all accepted assets. Oracle failures propagate unchanged.
func (hc *HealthCalculator) CollateralValueUSD(userID uuid.UUID) (*big.Int, error) {
	total := new(big.Int)

	for _, asset := range hc.ledger.Assets().Assets() {
		amount := hc.ledger.CollateralOf(userID, asset.ID)
		if amount.Sign() == 0 {
			continue
		}

		value, err := hc.calc.ValueInUSD(asset.Symbol, amount)
		if err != nil {
			return nil, fmt.Errorf("value %s collateral: %w", asset.Symbol, err)
		}
		total.Add(total, value)
	}

	return total, nil
}

// HealthFactor returns (collateralValueUSD * threshold / 100) * 1e18 / debt.
// A user with zero debt gets MaxHealthFactor.
func (hc *HealthCalculator) HealthFactor(userID uuid.UUID) (*big.Int, error) {
	debt := hc.ledger.DebtOf(userID)
	if debt.Sign() == 0 {
		return new(big.Int).Set(MaxHealthFactor), nil
	}

	collateralValue, err := hc.CollateralValueUSD(userID)
	if err != nil {
		return nil, err
	}

	// Borrowable value: collateral discounted by the liquidation threshold
	adjusted := new(big.Int).Mul(collateralValue, big.NewInt(hc.liquidationThreshold))
	adjusted.Quo(adjusted, big.NewInt(LiquidationPrecision))

	// Fixed-point ratio: multiply before dividing by debt
	factor := adjusted.Mul(adjusted, pricing.UnitScale)
	return factor.Quo(factor, debt), nil
}

// IsHealthy reports whether the user's health factor meets the minimum.
func (hc *HealthCalculator) IsHealthy(userID uuid.UUID) (bool, error) {
	factor, err := hc.HealthFactor(userID)
	if err != nil {
		return false, err
	}
	return factor.Cmp(MinHealthFactor) >= 0, nil
}

// AssertHealthy fails with a HealthFactorError carrying the computed
// factor if the user is below the minimum. Invoked after any operation
// that can reduce collateral or increase debt.
func (hc *HealthCalculator) AssertHealthy(userID uuid.UUID) error {
	factor, err := hc.HealthFactor(userID)
	if err != nil {
		return err
	}

	if factor.Cmp(MinHealthFactor) < 0 {
		return &HealthFactorError{Factor: factor}
	}

	return nil
}
