package pricing_test

import (
	"DscEngine/internal/oracle"
	"DscEngine/internal/pricing"
	"errors"
	"math/big"
	"testing"
	"time"
)

// units scales a whole-token count to 18-decimal base units.
func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), pricing.UnitScale)
}

// newTestCalculator builds a calculator over one WETH feed priced in
// 8-decimal feed units, Chainlink-style.
func newTestCalculator(t *testing.T, priceUSD int64) *pricing.Calculator {
	t.Helper()

	feed := oracle.NewMemoryFeed("WETH", time.Hour)
	err := feed.Update(oracle.Round{
		Price:     big.NewInt(priceUSD * 1e8),
		Decimals:  8,
		Sequence:  1,
		UpdatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("feed update failed: %v", err)
	}

	registry, err := oracle.NewRegistry([]string{"WETH"}, []oracle.PriceFeed{feed})
	if err != nil {
		t.Fatalf("registry failed: %v", err)
	}
	return pricing.NewCalculator(registry)
}

func TestValueInUSD(t *testing.T) {
	calc := newTestCalculator(t, 2_000)

	// 15 ETH at $2000 = $30000
	value, err := calc.ValueInUSD("WETH", units(15))
	if err != nil {
		t.Fatalf("ValueInUSD failed: %v", err)
	}
	if value.Cmp(units(30_000)) != 0 {
		t.Errorf("got %s, want %s", value, units(30_000))
	}
}

func TestValueInUSD_FractionalAmount(t *testing.T) {
	calc := newTestCalculator(t, 2_000)

	// 0.5 ETH at $2000 = $1000
	half := new(big.Int).Quo(pricing.UnitScale, big.NewInt(2))
	value, err := calc.ValueInUSD("WETH", half)
	if err != nil {
		t.Fatalf("ValueInUSD failed: %v", err)
	}
	if value.Cmp(units(1_000)) != 0 {
		t.Errorf("got %s, want %s", value, units(1_000))
	}
}

func TestAmountFromUSD(t *testing.T) {
	calc := newTestCalculator(t, 2_000)

	// $100 buys 0.05 ETH
	amount, err := calc.AmountFromUSD("WETH", units(100))
	if err != nil {
		t.Fatalf("AmountFromUSD failed: %v", err)
	}
	want := new(big.Int).Quo(pricing.UnitScale, big.NewInt(20))
	if amount.Cmp(want) != 0 {
		t.Errorf("got %s, want %s", amount, want)
	}
}

func TestValueAndAmount_RoundTrip(t *testing.T) {
	calc := newTestCalculator(t, 1_847) // deliberately not a power of ten

	amount := units(3)
	value, err := calc.ValueInUSD("WETH", amount)
	if err != nil {
		t.Fatalf("ValueInUSD failed: %v", err)
	}

	back, err := calc.AmountFromUSD("WETH", value)
	if err != nil {
		t.Fatalf("AmountFromUSD failed: %v", err)
	}

	// Truncating division loses at most one base unit
	diff := new(big.Int).Sub(amount, back)
	if diff.Sign() < 0 || diff.Cmp(big.NewInt(1)) > 0 {
		t.Errorf("round trip drift too large: %s -> %s -> %s", amount, value, back)
	}
}

func TestCalculator_UnknownAsset_Fails(t *testing.T) {
	calc := newTestCalculator(t, 2_000)

	if _, err := calc.ValueInUSD("DOGE", units(1)); err == nil {
		t.Error("expected error for unregistered asset")
	}
}

func TestCalculator_NoPriceData_Propagates(t *testing.T) {
	feed := oracle.NewMemoryFeed("WETH", time.Hour)
	registry, err := oracle.NewRegistry([]string{"WETH"}, []oracle.PriceFeed{feed})
	if err != nil {
		t.Fatalf("registry failed: %v", err)
	}
	calc := pricing.NewCalculator(registry)

	_, err = calc.ValueInUSD("WETH", units(1))
	if !errors.Is(err, oracle.ErrNoPriceData) {
		t.Errorf("expected ErrNoPriceData, got %v", err)
	}
}
