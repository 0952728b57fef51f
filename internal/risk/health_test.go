package risk_test

import (
	"DscEngine/internal/ledger"
	"DscEngine/internal/oracle"
	"DscEngine/internal/pricing"
	"DscEngine/internal/risk"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
)

func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), pricing.UnitScale)
}

// testPosition wires a ledger, one WETH feed and a health calculator with
// the default 50% liquidation threshold.
type testPosition struct {
	ledger *ledger.Ledger
	feed   *oracle.MemoryFeed
	health *risk.HealthCalculator
	wethID ledger.AssetID
	seq    int64
}

func newTestPosition(t *testing.T, priceUSD int64) *testPosition {
	t.Helper()

	assets, err := ledger.NewAssetSet([]string{"WETH"}, []uint8{18})
	if err != nil {
		t.Fatalf("asset set failed: %v", err)
	}
	l := ledger.NewLedger(assets)

	feed := oracle.NewMemoryFeed("WETH", time.Hour)
	registry, err := oracle.NewRegistry([]string{"WETH"}, []oracle.PriceFeed{feed})
	if err != nil {
		t.Fatalf("registry failed: %v", err)
	}

	p := &testPosition{
		ledger: l,
		feed:   feed,
		health: risk.NewHealthCalculator(l, pricing.NewCalculator(registry), risk.DefaultLiquidationThreshold),
		wethID: 1,
	}
	p.setPrice(t, priceUSD)
	return p
}

func (p *testPosition) setPrice(t *testing.T, priceUSD int64) {
	t.Helper()
	p.seq++
	err := p.feed.Update(oracle.Round{
		Price:     big.NewInt(priceUSD * 1e8),
		Decimals:  8,
		Sequence:  p.seq,
		UpdatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("price update failed: %v", err)
	}
}

func (p *testPosition) deposit(userID uuid.UUID, amount *big.Int) {
	p.ledger.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewUserCollateralKey(userID, p.wethID),
		CreditAccount: ledger.NewExternalKey(ledger.SubTypeExternalDeposits, p.wethID),
		AssetID:       p.wethID,
		Amount:        amount,
		JournalType:   ledger.JournalTypeDeposit,
	})
}

func (p *testPosition) mint(userID uuid.UUID, amount *big.Int) {
	p.ledger.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewUserDebtKey(userID),
		CreditAccount: ledger.NewDscSupplyKey(),
		AssetID:       ledger.DscAssetID,
		Amount:        amount,
		JournalType:   ledger.JournalTypeMint,
	})
}

func TestHealthFactor_NoDebt_IsMax(t *testing.T) {
	p := newTestPosition(t, 2_000)
	userID := uuid.New()
	p.deposit(userID, units(10))

	factor, err := p.health.HealthFactor(userID)
	if err != nil {
		t.Fatalf("HealthFactor failed: %v", err)
	}
	if factor.Cmp(risk.MaxHealthFactor) != 0 {
		t.Errorf("zero-debt factor should be max, got %s", factor)
	}
}

func TestHealthFactor_Computation(t *testing.T) {
	p := newTestPosition(t, 2_000)
	userID := uuid.New()

	// 10 ETH at $2000 = $20000 collateral, 50% threshold = $10000
	// borrowable. 100 DSC debt -> factor 100.0
	p.deposit(userID, units(10))
	p.mint(userID, units(100))

	factor, err := p.health.HealthFactor(userID)
	if err != nil {
		t.Fatalf("HealthFactor failed: %v", err)
	}
	if factor.Cmp(units(100)) != 0 {
		t.Errorf("got %s, want %s", factor, units(100))
	}
}

func TestHealthFactor_ExactMinimum(t *testing.T) {
	p := newTestPosition(t, 2_000)
	userID := uuid.New()

	// Borrowable is exactly the debt: factor == 1.0, still healthy
	p.deposit(userID, units(10))
	p.mint(userID, units(10_000))

	factor, err := p.health.HealthFactor(userID)
	if err != nil {
		t.Fatalf("HealthFactor failed: %v", err)
	}
	if factor.Cmp(risk.MinHealthFactor) != 0 {
		t.Errorf("got %s, want %s", factor, risk.MinHealthFactor)
	}
	if err := p.health.AssertHealthy(userID); err != nil {
		t.Errorf("factor 1.0 should pass: %v", err)
	}
}

func TestHealthFactor_BelowMinimum(t *testing.T) {
	p := newTestPosition(t, 2_000)
	userID := uuid.New()

	p.deposit(userID, units(10))
	p.mint(userID, units(10_001))

	healthy, err := p.health.IsHealthy(userID)
	if err != nil {
		t.Fatalf("IsHealthy failed: %v", err)
	}
	if healthy {
		t.Error("position over the threshold should be unhealthy")
	}

	err = p.health.AssertHealthy(userID)
	var hfErr *risk.HealthFactorError
	if !errors.As(err, &hfErr) {
		t.Fatalf("expected HealthFactorError, got %v", err)
	}
	if hfErr.Factor.Cmp(risk.MinHealthFactor) >= 0 {
		t.Errorf("carried factor should be below minimum: %s", hfErr.Factor)
	}
}

func TestHealthFactor_PriceDropBreaksPosition(t *testing.T) {
	p := newTestPosition(t, 2_000)
	userID := uuid.New()

	p.deposit(userID, units(10))
	p.mint(userID, units(9_000))

	if err := p.health.AssertHealthy(userID); err != nil {
		t.Fatalf("position should start healthy: %v", err)
	}

	p.setPrice(t, 1_000)

	if err := p.health.AssertHealthy(userID); err == nil {
		t.Error("halved collateral price should break the position")
	}
}

func TestCollateralValueUSD_OracleFailurePropagates(t *testing.T) {
	p := newTestPosition(t, 2_000)
	userID := uuid.New()
	p.deposit(userID, units(10))
	p.mint(userID, units(100))

	// Age the round past the stale timeout by replacing the feed data
	// with an already-old round.
	stale := oracle.NewMemoryFeed("WETH", time.Minute)
	if err := stale.Update(oracle.Round{
		Price:     big.NewInt(2_000 * 1e8),
		Decimals:  8,
		Sequence:  1,
		UpdatedAt: time.Now().Add(-2 * time.Minute),
	}); err != nil {
		t.Fatalf("stale feed update failed: %v", err)
	}
	registry, err := oracle.NewRegistry([]string{"WETH"}, []oracle.PriceFeed{stale})
	if err != nil {
		t.Fatalf("registry failed: %v", err)
	}
	health := risk.NewHealthCalculator(p.ledger, pricing.NewCalculator(registry), risk.DefaultLiquidationThreshold)

	if _, err := health.HealthFactor(userID); !errors.Is(err, oracle.ErrStalePrice) {
		t.Errorf("expected ErrStalePrice, got %v", err)
	}

	// A debt-free user never needs a price at all
	freshUser := uuid.New()
	factor, err := health.HealthFactor(freshUser)
	if err != nil {
		t.Fatalf("zero-debt factor should not touch the oracle: %v", err)
	}
	if factor.Cmp(risk.MaxHealthFactor) != 0 {
		t.Errorf("got %s, want max", factor)
	}
}
