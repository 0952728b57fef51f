package engine_test

import (
	"DscEngine/internal/engine"
	"DscEngine/internal/event"
	"DscEngine/internal/ledger"
	"DscEngine/internal/oracle"
	"DscEngine/internal/pricing"
	"DscEngine/internal/risk"
	"DscEngine/internal/token"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// --- Test helpers ---

func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), pricing.UnitScale)
}

// tenths scales n tenths of a token to base units (4.4 tokens = tenths(44)).
func tenths(n int64) *big.Int {
	v := units(n)
	return v.Quo(v, big.NewInt(10))
}

type testRig struct {
	eng      *engine.Engine
	bank     *token.MemoryBank
	persist  chan engine.Output
	priceSeq int64
}

// newTestRig builds an engine over WETH and WBTC with an in-memory bank,
// the default 50% threshold and 10% liquidation bonus.
func newTestRig(t *testing.T) *testRig {
	t.Helper()

	persist := make(chan engine.Output, 1024)
	bank := token.NewMemoryBank()

	eng, err := engine.New(engine.Config{
		TokenSymbols: []string{"WETH", "WBTC"},
		Feeds: []oracle.PriceFeed{
			oracle.NewMemoryFeed("WETH", time.Hour),
			oracle.NewMemoryFeed("WBTC", time.Hour),
		},
		LiquidationThreshold: 50,
		LiquidationBonus:     10,
	}, bank, bank, nil, persist, nil)
	if err != nil {
		t.Fatalf("engine construction failed: %v", err)
	}

	return &testRig{eng: eng, bank: bank, persist: persist}
}

func (r *testRig) setPrice(t *testing.T, symbol string, priceUSD int64) {
	t.Helper()
	r.priceSeq++
	err := r.eng.ApplyPriceUpdate(symbol, big.NewInt(priceUSD*1e8), 8, r.priceSeq, time.Now())
	if err != nil {
		t.Fatalf("price update failed: %v", err)
	}
	r.drain()
}

// fund credits a user wallet and deposits the full amount as collateral.
func (r *testRig) fund(t *testing.T, userID uuid.UUID, symbol string, amount *big.Int) {
	t.Helper()
	r.bank.Credit(userID, symbol, amount)
	if err := r.eng.DepositCollateral(userID, symbol, amount); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	r.drain()
}

func (r *testRig) drain() []engine.Output {
	var outputs []engine.Output
	for {
		select {
		case o := <-r.persist:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

// ============================================================================
// Test: Construction
// ============================================================================

func TestNew_TokenFeedLengthMismatch(t *testing.T) {
	_, err := engine.New(engine.Config{
		TokenSymbols: []string{"WETH", "WBTC"},
		Feeds:        []oracle.PriceFeed{oracle.NewMemoryFeed("WETH", time.Hour)},
	}, token.NewMemoryBank(), token.NewMemoryBank(), nil, nil, nil)

	if !errors.Is(err, engine.ErrTokenFeedLengthMismatch) {
		t.Errorf("expected ErrTokenFeedLengthMismatch, got %v", err)
	}
}

// ============================================================================
// Test: Deposit
// ============================================================================

func TestDepositCollateral_IncreasesBalance(t *testing.T) {
	r := newTestRig(t)
	userID := uuid.New()
	r.bank.Credit(userID, "WETH", units(10))

	if err := r.eng.DepositCollateral(userID, "WETH", units(10)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	bal, err := r.eng.CollateralBalanceOf(userID, "WETH")
	if err != nil {
		t.Fatalf("balance query failed: %v", err)
	}
	if bal.Cmp(units(10)) != 0 {
		t.Errorf("collateral: got %s, want %s", bal, units(10))
	}

	// Tokens moved into custody
	if w := r.bank.WalletBalance(userID, "WETH"); w.Sign() != 0 {
		t.Errorf("wallet should be empty, got %s", w)
	}
	if c := r.bank.CustodyBalance("WETH"); c.Cmp(units(10)) != 0 {
		t.Errorf("custody: got %s, want %s", c, units(10))
	}

	outputs := r.drain()
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if outputs[0].Envelope.EventType != event.EventTypeCollateralDeposited {
		t.Errorf("event type: got %v", outputs[0].Envelope.EventType)
	}
	if jt := outputs[0].Batch.Journals[0].JournalType; jt != ledger.JournalTypeDeposit {
		t.Errorf("journal type: got %v", jt)
	}
}

func TestDepositCollateral_ZeroAmount(t *testing.T) {
	r := newTestRig(t)

	err := r.eng.DepositCollateral(uuid.New(), "WETH", big.NewInt(0))
	if !errors.Is(err, engine.ErrNeedsMoreThanZero) {
		t.Errorf("expected ErrNeedsMoreThanZero, got %v", err)
	}
}

func TestDepositCollateral_UnknownToken(t *testing.T) {
	r := newTestRig(t)

	err := r.eng.DepositCollateral(uuid.New(), "DOGE", units(1))
	if !errors.Is(err, engine.ErrTokenNotAllowed) {
		t.Errorf("expected ErrTokenNotAllowed, got %v", err)
	}
}

func TestDepositCollateral_InsufficientWallet(t *testing.T) {
	r := newTestRig(t)
	userID := uuid.New()
	r.bank.Credit(userID, "WETH", units(1))

	err := r.eng.DepositCollateral(userID, "WETH", units(2))
	if !errors.Is(err, token.ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}

	bal, _ := r.eng.CollateralBalanceOf(userID, "WETH")
	if bal.Sign() != 0 {
		t.Errorf("failed deposit must not record collateral, got %s", bal)
	}
	if len(r.drain()) != 0 {
		t.Error("failed deposit must not emit an event")
	}
}

// ============================================================================
// Test: Mint
// ============================================================================

func TestMintDsc_HappyPath(t *testing.T) {
	r := newTestRig(t)
	r.setPrice(t, "WETH", 2_000)
	userID := uuid.New()
	r.fund(t, userID, "WETH", units(10))

	if err := r.eng.MintDsc(userID, units(5_000)); err != nil {
		t.Fatalf("mint failed: %v", err)
	}

	debt, collateralValue, err := r.eng.AccountInformation(userID)
	if err != nil {
		t.Fatalf("account info failed: %v", err)
	}
	if debt.Cmp(units(5_000)) != 0 {
		t.Errorf("debt: got %s, want %s", debt, units(5_000))
	}
	if collateralValue.Cmp(units(20_000)) != 0 {
		t.Errorf("collateral value: got %s, want %s", collateralValue, units(20_000))
	}
	if bal := r.bank.BalanceOf(userID); bal.Cmp(units(5_000)) != 0 {
		t.Errorf("dsc balance: got %s, want %s", bal, units(5_000))
	}
	if supply := r.bank.TotalSupply(); supply.Cmp(units(5_000)) != 0 {
		t.Errorf("supply: got %s, want %s", supply, units(5_000))
	}
}

func TestMintDsc_BreaksHealthFactor(t *testing.T) {
	r := newTestRig(t)
	r.setPrice(t, "WETH", 2_000)
	userID := uuid.New()
	r.fund(t, userID, "WETH", units(1))

	// $2000 collateral allows at most 1000 DSC
	err := r.eng.MintDsc(userID, units(1_001))
	var hfErr *risk.HealthFactorError
	if !errors.As(err, &hfErr) {
		t.Fatalf("expected HealthFactorError, got %v", err)
	}

	// Rejected mint leaves no trace
	debt, _, infoErr := r.eng.AccountInformation(userID)
	if infoErr != nil {
		t.Fatalf("account info failed: %v", infoErr)
	}
	if debt.Sign() != 0 {
		t.Errorf("debt should be unchanged, got %s", debt)
	}
	if bal := r.bank.BalanceOf(userID); bal.Sign() != 0 {
		t.Errorf("no DSC should exist, got %s", bal)
	}
	if len(r.drain()) != 0 {
		t.Error("rejected mint must not emit an event")
	}
}

func TestMintDsc_NoPriceData(t *testing.T) {
	r := newTestRig(t)
	userID := uuid.New()
	r.fund(t, userID, "WETH", units(10))

	err := r.eng.MintDsc(userID, units(1))
	if !errors.Is(err, oracle.ErrNoPriceData) {
		t.Errorf("expected ErrNoPriceData, got %v", err)
	}
}

// ============================================================================
// Test: Burn
// ============================================================================

func TestBurnDsc_ReducesDebt(t *testing.T) {
	r := newTestRig(t)
	r.setPrice(t, "WETH", 2_000)
	userID := uuid.New()
	r.fund(t, userID, "WETH", units(10))

	if err := r.eng.MintDsc(userID, units(5_000)); err != nil {
		t.Fatalf("mint failed: %v", err)
	}
	r.drain()

	if err := r.eng.BurnDsc(userID, units(2_000)); err != nil {
		t.Fatalf("burn failed: %v", err)
	}

	debt, _, err := r.eng.AccountInformation(userID)
	if err != nil {
		t.Fatalf("account info failed: %v", err)
	}
	if debt.Cmp(units(3_000)) != 0 {
		t.Errorf("debt: got %s, want %s", debt, units(3_000))
	}
	if bal := r.bank.BalanceOf(userID); bal.Cmp(units(3_000)) != 0 {
		t.Errorf("dsc balance: got %s, want %s", bal, units(3_000))
	}

	outputs := r.drain()
	if len(outputs) != 1 || outputs[0].Envelope.EventType != event.EventTypeDscBurned {
		t.Errorf("expected one DscBurned event, got %v", outputs)
	}
}

func TestBurnDsc_MoreThanOwed(t *testing.T) {
	r := newTestRig(t)
	r.setPrice(t, "WETH", 2_000)
	userID := uuid.New()
	r.fund(t, userID, "WETH", units(10))

	if err := r.eng.MintDsc(userID, units(100)); err != nil {
		t.Fatalf("mint failed: %v", err)
	}
	r.drain()

	if err := r.eng.BurnDsc(userID, units(101)); err == nil {
		t.Fatal("burning more than owed should fail")
	}

	// Nothing moved
	if bal := r.bank.BalanceOf(userID); bal.Cmp(units(100)) != 0 {
		t.Errorf("dsc balance: got %s, want %s", bal, units(100))
	}
	debt, _, _ := r.eng.AccountInformation(userID)
	if debt.Cmp(units(100)) != 0 {
		t.Errorf("debt: got %s, want %s", debt, units(100))
	}
}

// ============================================================================
// Test: Redeem
// ============================================================================

func TestRedeemCollateral_PaysOut(t *testing.T) {
	r := newTestRig(t)
	r.setPrice(t, "WETH", 2_000)
	userID := uuid.New()
	r.fund(t, userID, "WETH", units(10))

	if err := r.eng.RedeemCollateral(userID, "WETH", units(4)); err != nil {
		t.Fatalf("redeem failed: %v", err)
	}

	bal, _ := r.eng.CollateralBalanceOf(userID, "WETH")
	if bal.Cmp(units(6)) != 0 {
		t.Errorf("collateral: got %s, want %s", bal, units(6))
	}
	if w := r.bank.WalletBalance(userID, "WETH"); w.Cmp(units(4)) != 0 {
		t.Errorf("wallet: got %s, want %s", w, units(4))
	}

	outputs := r.drain()
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if jt := outputs[0].Batch.Journals[0].JournalType; jt != ledger.JournalTypeRedeem {
		t.Errorf("journal type: got %v, want redeem", jt)
	}
}

func TestRedeemCollateral_MoreThanDeposited(t *testing.T) {
	r := newTestRig(t)
	r.setPrice(t, "WETH", 2_000)
	userID := uuid.New()
	r.fund(t, userID, "WETH", units(10))

	if err := r.eng.RedeemCollateral(userID, "WETH", units(11)); err == nil {
		t.Fatal("redeeming more than deposited should fail")
	}
}

func TestRedeemCollateral_BreaksHealthFactor(t *testing.T) {
	r := newTestRig(t)
	r.setPrice(t, "WETH", 2_000)
	userID := uuid.New()
	r.fund(t, userID, "WETH", units(10))

	// 9000 DSC needs $18000 of collateral; redeeming 2 ETH leaves $16000
	if err := r.eng.MintDsc(userID, units(9_000)); err != nil {
		t.Fatalf("mint failed: %v", err)
	}
	r.drain()

	err := r.eng.RedeemCollateral(userID, "WETH", units(2))
	var hfErr *risk.HealthFactorError
	if !errors.As(err, &hfErr) {
		t.Fatalf("expected HealthFactorError, got %v", err)
	}

	// Full rollback: ledger untouched, no payout
	bal, _ := r.eng.CollateralBalanceOf(userID, "WETH")
	if bal.Cmp(units(10)) != 0 {
		t.Errorf("collateral: got %s, want %s", bal, units(10))
	}
	if w := r.bank.WalletBalance(userID, "WETH"); w.Sign() != 0 {
		t.Errorf("wallet should be empty, got %s", w)
	}
	if len(r.drain()) != 0 {
		t.Error("rejected redeem must not emit an event")
	}
}

// ============================================================================
// Test: Composite operations
// ============================================================================

func TestDepositAndMint_Atomic(t *testing.T) {
	r := newTestRig(t)
	r.setPrice(t, "WETH", 2_000)
	userID := uuid.New()
	r.bank.Credit(userID, "WETH", units(10))

	err := r.eng.DepositCollateralAndMintDsc(userID, "WETH", units(10), units(5_000))
	if err != nil {
		t.Fatalf("deposit-and-mint failed: %v", err)
	}

	debt, _, _ := r.eng.AccountInformation(userID)
	if debt.Cmp(units(5_000)) != 0 {
		t.Errorf("debt: got %s, want %s", debt, units(5_000))
	}

	// One operation, two events, consecutive sequences
	outputs := r.drain()
	if len(outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(outputs))
	}
	if outputs[0].Envelope.EventType != event.EventTypeCollateralDeposited {
		t.Errorf("first event: got %v", outputs[0].Envelope.EventType)
	}
	if outputs[1].Envelope.EventType != event.EventTypeDscMinted {
		t.Errorf("second event: got %v", outputs[1].Envelope.EventType)
	}
	if outputs[1].Envelope.Sequence != outputs[0].Envelope.Sequence+1 {
		t.Errorf("sequences not consecutive: %d, %d",
			outputs[0].Envelope.Sequence, outputs[1].Envelope.Sequence)
	}

	// Batch and journal sequences match the envelope on both legs
	for _, out := range outputs {
		if out.Batch.Sequence != out.Envelope.Sequence {
			t.Errorf("batch sequence %d diverges from envelope %d",
				out.Batch.Sequence, out.Envelope.Sequence)
		}
		for _, j := range out.Batch.Journals {
			if j.Sequence != out.Envelope.Sequence {
				t.Errorf("journal sequence %d diverges from envelope %d",
					j.Sequence, out.Envelope.Sequence)
			}
		}
	}
}

func TestDepositAndMint_MintFailureUnwindsDeposit(t *testing.T) {
	r := newTestRig(t)
	r.setPrice(t, "WETH", 2_000)
	userID := uuid.New()
	r.bank.Credit(userID, "WETH", units(1))

	seqBefore := r.eng.Sequence()
	err := r.eng.DepositCollateralAndMintDsc(userID, "WETH", units(1), units(2_000))
	var hfErr *risk.HealthFactorError
	if !errors.As(err, &hfErr) {
		t.Fatalf("expected HealthFactorError, got %v", err)
	}

	// Deposit leg fully unwound
	bal, _ := r.eng.CollateralBalanceOf(userID, "WETH")
	if bal.Sign() != 0 {
		t.Errorf("collateral should be unwound, got %s", bal)
	}
	if w := r.bank.WalletBalance(userID, "WETH"); w.Cmp(units(1)) != 0 {
		t.Errorf("wallet should be restored, got %s", w)
	}
	if r.eng.Sequence() != seqBefore {
		t.Errorf("sequence moved on a rejected operation")
	}
	if len(r.drain()) != 0 {
		t.Error("rejected operation must not emit events")
	}
}

func TestRedeemForDsc_BurnsAndRedeems(t *testing.T) {
	r := newTestRig(t)
	r.setPrice(t, "WETH", 2_000)
	userID := uuid.New()
	r.fund(t, userID, "WETH", units(10))

	if err := r.eng.MintDsc(userID, units(9_000)); err != nil {
		t.Fatalf("mint failed: %v", err)
	}
	r.drain()

	// Burn 5000 DSC, then 2 ETH is safely redeemable
	err := r.eng.RedeemCollateralForDsc(userID, "WETH", units(2), units(5_000))
	if err != nil {
		t.Fatalf("redeem-for-dsc failed: %v", err)
	}

	debt, _, _ := r.eng.AccountInformation(userID)
	if debt.Cmp(units(4_000)) != 0 {
		t.Errorf("debt: got %s, want %s", debt, units(4_000))
	}
	bal, _ := r.eng.CollateralBalanceOf(userID, "WETH")
	if bal.Cmp(units(8)) != 0 {
		t.Errorf("collateral: got %s, want %s", bal, units(8))
	}
	if w := r.bank.WalletBalance(userID, "WETH"); w.Cmp(units(2)) != 0 {
		t.Errorf("wallet: got %s, want %s", w, units(2))
	}
	if b := r.bank.BalanceOf(userID); b.Cmp(units(4_000)) != 0 {
		t.Errorf("dsc balance: got %s, want %s", b, units(4_000))
	}

	outputs := r.drain()
	if len(outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(outputs))
	}
}

func TestRedeemForDsc_RedeemFailureRestoresDsc(t *testing.T) {
	r := newTestRig(t)
	r.setPrice(t, "WETH", 2_000)
	userID := uuid.New()
	r.fund(t, userID, "WETH", units(10))

	if err := r.eng.MintDsc(userID, units(1_000)); err != nil {
		t.Fatalf("mint failed: %v", err)
	}
	r.drain()

	// Burn leg would succeed but the redeem leg asks for more than held
	err := r.eng.RedeemCollateralForDsc(userID, "WETH", units(11), units(1_000))
	if err == nil {
		t.Fatal("expected redeem leg to fail")
	}

	// Burned DSC restored, debt unchanged
	if b := r.bank.BalanceOf(userID); b.Cmp(units(1_000)) != 0 {
		t.Errorf("dsc balance should be restored, got %s", b)
	}
	debt, _, _ := r.eng.AccountInformation(userID)
	if debt.Cmp(units(1_000)) != 0 {
		t.Errorf("debt: got %s, want %s", debt, units(1_000))
	}
}

// ============================================================================
// Test: Liquidation
// ============================================================================

func TestLiquidate_HealthyTarget_Rejected(t *testing.T) {
	r := newTestRig(t)
	r.setPrice(t, "WETH", 2_000)
	target := uuid.New()
	r.fund(t, target, "WETH", units(10))

	if err := r.eng.MintDsc(target, units(5_000)); err != nil {
		t.Fatalf("mint failed: %v", err)
	}
	r.drain()

	err := r.eng.Liquidate(uuid.New(), "WETH", target, units(1_000))
	var okErr *engine.HealthFactorOkError
	if !errors.As(err, &okErr) {
		t.Fatalf("expected HealthFactorOkError, got %v", err)
	}
}

func TestLiquidate_SeizesCollateralWithBonus(t *testing.T) {
	r := newTestRig(t)
	r.setPrice(t, "WETH", 2_000)

	target := uuid.New()
	r.fund(t, target, "WETH", units(10))
	if err := r.eng.MintDsc(target, units(9_000)); err != nil {
		t.Fatalf("target mint failed: %v", err)
	}

	liquidator := uuid.New()
	r.fund(t, liquidator, "WETH", units(100))
	if err := r.eng.MintDsc(liquidator, units(9_000)); err != nil {
		t.Fatalf("liquidator mint failed: %v", err)
	}
	r.drain()

	// Collateral halves; the target's factor drops to ~0.56
	r.setPrice(t, "WETH", 1_000)

	factorBefore, err := r.eng.HealthFactor(target)
	if err != nil {
		t.Fatalf("health factor failed: %v", err)
	}
	if factorBefore.Cmp(risk.MinHealthFactor) >= 0 {
		t.Fatalf("target should be unhealthy, factor %s", factorBefore)
	}

	// Cover 4000 DSC: 4 ETH at $1000 plus 10% bonus = 4.4 ETH seized
	if err := r.eng.Liquidate(liquidator, "WETH", target, units(4_000)); err != nil {
		t.Fatalf("liquidation failed: %v", err)
	}

	seized := tenths(44)
	if w := r.bank.WalletBalance(liquidator, "WETH"); w.Cmp(seized) != 0 {
		t.Errorf("liquidator wallet: got %s, want %s", w, seized)
	}
	if b := r.bank.BalanceOf(liquidator); b.Cmp(units(5_000)) != 0 {
		t.Errorf("liquidator dsc: got %s, want %s", b, units(5_000))
	}

	targetCollateral, _ := r.eng.CollateralBalanceOf(target, "WETH")
	if want := tenths(56); targetCollateral.Cmp(want) != 0 {
		t.Errorf("target collateral: got %s, want %s", targetCollateral, want)
	}
	targetDebt, _, _ := r.eng.AccountInformation(target)
	if targetDebt.Cmp(units(5_000)) != 0 {
		t.Errorf("target debt: got %s, want %s", targetDebt, units(5_000))
	}

	factorAfter, err := r.eng.HealthFactor(target)
	if err != nil {
		t.Fatalf("health factor failed: %v", err)
	}
	if factorAfter.Cmp(factorBefore) <= 0 {
		t.Errorf("factor must strictly improve: %s -> %s", factorBefore, factorAfter)
	}

	outputs := r.drain()
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	payload, ok := outputs[0].Payload.(*event.LiquidationExecuted)
	if !ok {
		t.Fatalf("expected LiquidationExecuted payload, got %T", outputs[0].Payload)
	}
	if payload.CollateralSeized.Cmp(seized) != 0 {
		t.Errorf("payload seized: got %s, want %s", payload.CollateralSeized, seized)
	}
	if payload.Bonus.Cmp(tenths(4)) != 0 {
		t.Errorf("payload bonus: got %s, want %s", payload.Bonus, tenths(4))
	}

	// Two legs under one batch: seize, then burn against the target's debt
	journals := outputs[0].Batch.Journals
	if len(journals) != 2 {
		t.Fatalf("expected 2 journals, got %d", len(journals))
	}
	if journals[0].JournalType != ledger.JournalTypeLiquidationSeize {
		t.Errorf("first journal: got %v, want liquidation_seize", journals[0].JournalType)
	}
	if journals[1].JournalType != ledger.JournalTypeLiquidationBurn {
		t.Errorf("second journal: got %v, want liquidation_burn", journals[1].JournalType)
	}
}

func TestLiquidate_NotImproved_Rejected(t *testing.T) {
	r := newTestRig(t)
	r.setPrice(t, "WETH", 2_000)

	target := uuid.New()
	r.fund(t, target, "WETH", units(10))
	if err := r.eng.MintDsc(target, units(9_000)); err != nil {
		t.Fatalf("target mint failed: %v", err)
	}

	liquidator := uuid.New()
	r.fund(t, liquidator, "WETH", units(100))
	if err := r.eng.MintDsc(liquidator, units(9_000)); err != nil {
		t.Fatalf("liquidator mint failed: %v", err)
	}
	r.drain()

	// Deep underwater: collateral/debt ratio below the bonus multiplier, so
	// seizing 110% of the covered value makes the position strictly worse.
	r.setPrice(t, "WETH", 500)

	err := r.eng.Liquidate(liquidator, "WETH", target, units(1_000))
	var niErr *engine.HealthFactorNotImprovedError
	if !errors.As(err, &niErr) {
		t.Fatalf("expected HealthFactorNotImprovedError, got %v", err)
	}

	// Full rollback
	targetCollateral, _ := r.eng.CollateralBalanceOf(target, "WETH")
	if targetCollateral.Cmp(units(10)) != 0 {
		t.Errorf("target collateral: got %s, want %s", targetCollateral, units(10))
	}
	targetDebt, _, _ := r.eng.AccountInformation(target)
	if targetDebt.Cmp(units(9_000)) != 0 {
		t.Errorf("target debt: got %s, want %s", targetDebt, units(9_000))
	}
	if b := r.bank.BalanceOf(liquidator); b.Cmp(units(9_000)) != 0 {
		t.Errorf("liquidator dsc untouched: got %s", b)
	}
}

func TestLiquidate_BonusExceedsCollateral_Rejected(t *testing.T) {
	r := newTestRig(t)
	r.setPrice(t, "WETH", 2_000)

	target := uuid.New()
	r.fund(t, target, "WETH", units(10))
	if err := r.eng.MintDsc(target, units(9_000)); err != nil {
		t.Fatalf("target mint failed: %v", err)
	}

	liquidator := uuid.New()
	r.fund(t, liquidator, "WETH", units(100))
	if err := r.eng.MintDsc(liquidator, units(9_000)); err != nil {
		t.Fatalf("liquidator mint failed: %v", err)
	}
	r.drain()

	// Covering the full debt at $500 would seize 19.8 ETH against 10 held
	r.setPrice(t, "WETH", 500)

	if err := r.eng.Liquidate(liquidator, "WETH", target, units(9_000)); err == nil {
		t.Fatal("seize beyond held collateral should be rejected")
	}

	targetCollateral, _ := r.eng.CollateralBalanceOf(target, "WETH")
	if targetCollateral.Cmp(units(10)) != 0 {
		t.Errorf("target collateral: got %s, want %s", targetCollateral, units(10))
	}
}

func TestLiquidate_UnhealthyLiquidator_Rejected(t *testing.T) {
	r := newTestRig(t)
	r.setPrice(t, "WETH", 2_000)

	target := uuid.New()
	r.fund(t, target, "WETH", units(10))
	if err := r.eng.MintDsc(target, units(9_000)); err != nil {
		t.Fatalf("target mint failed: %v", err)
	}

	// Liquidator carries the same underwater position as the target
	liquidator := uuid.New()
	r.fund(t, liquidator, "WETH", units(10))
	if err := r.eng.MintDsc(liquidator, units(9_000)); err != nil {
		t.Fatalf("liquidator mint failed: %v", err)
	}
	r.drain()

	r.setPrice(t, "WETH", 1_000)

	err := r.eng.Liquidate(liquidator, "WETH", target, units(4_000))
	var hfErr *risk.HealthFactorError
	if !errors.As(err, &hfErr) {
		t.Fatalf("expected HealthFactorError, got %v", err)
	}

	targetDebt, _, _ := r.eng.AccountInformation(target)
	if targetDebt.Cmp(units(9_000)) != 0 {
		t.Errorf("target debt untouched: got %s", targetDebt)
	}
}

// ============================================================================
// Test: Reentrancy
// ============================================================================

// reentrantVault is a hostile collateral token: its transfer hook calls
// back into the engine mid-operation.
type reentrantVault struct {
	bank     *token.MemoryBank
	eng      *engine.Engine
	innerErr error
}

func (v *reentrantVault) PullFrom(userID uuid.UUID, symbol string, amount *big.Int) error {
	if v.eng != nil {
		v.innerErr = v.eng.DepositCollateral(userID, symbol, amount)
	}
	return v.bank.PullFrom(userID, symbol, amount)
}

func (v *reentrantVault) PayTo(userID uuid.UUID, symbol string, amount *big.Int) error {
	return v.bank.PayTo(userID, symbol, amount)
}

func TestReentrantTokenCallback_Rejected(t *testing.T) {
	bank := token.NewMemoryBank()
	vault := &reentrantVault{bank: bank}
	persist := make(chan engine.Output, 1024)

	eng, err := engine.New(engine.Config{
		TokenSymbols: []string{"WETH"},
		Feeds:        []oracle.PriceFeed{oracle.NewMemoryFeed("WETH", time.Hour)},
	}, vault, bank, nil, persist, nil)
	if err != nil {
		t.Fatalf("engine construction failed: %v", err)
	}
	vault.eng = eng

	userID := uuid.New()
	bank.Credit(userID, "WETH", units(10))

	// The outer deposit succeeds; the nested call hits the guard
	if err := eng.DepositCollateral(userID, "WETH", units(10)); err != nil {
		t.Fatalf("outer deposit failed: %v", err)
	}
	if !errors.Is(vault.innerErr, engine.ErrReentrantCall) {
		t.Errorf("expected ErrReentrantCall from nested call, got %v", vault.innerErr)
	}

	bal, _ := eng.CollateralBalanceOf(userID, "WETH")
	if bal.Cmp(units(10)) != 0 {
		t.Errorf("collateral: got %s, want %s", bal, units(10))
	}
}

// ============================================================================
// Test: State hash chain
// ============================================================================

func TestStateHashChain_Links(t *testing.T) {
	r := newTestRig(t)
	r.setPrice(t, "WETH", 2_000)
	userID := uuid.New()
	r.bank.Credit(userID, "WETH", units(10))

	if err := r.eng.DepositCollateral(userID, "WETH", units(10)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if err := r.eng.MintDsc(userID, units(1_000)); err != nil {
		t.Fatalf("mint failed: %v", err)
	}
	if err := r.eng.BurnDsc(userID, units(500)); err != nil {
		t.Fatalf("burn failed: %v", err)
	}

	outputs := r.drain()
	if len(outputs) < 3 {
		t.Fatalf("expected at least 3 outputs, got %d", len(outputs))
	}

	for i := 1; i < len(outputs); i++ {
		prev, cur := outputs[i-1].Envelope, outputs[i].Envelope
		if cur.Sequence != prev.Sequence+1 {
			t.Errorf("sequence gap: %d -> %d", prev.Sequence, cur.Sequence)
		}
		if cur.PrevHash != prev.StateHash {
			t.Errorf("chain break at sequence %d", cur.Sequence)
		}
		if cur.StateHash == cur.PrevHash {
			t.Errorf("state hash did not advance at sequence %d", cur.Sequence)
		}
	}

	if r.eng.StateHash() != outputs[len(outputs)-1].Envelope.StateHash {
		t.Error("engine chain tip should match the last envelope")
	}
}

func TestStateHashChain_Deterministic(t *testing.T) {
	userID := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")

	run := func() [32]byte {
		r := newTestRig(t)
		r.setPrice(t, "WETH", 2_000)
		r.bank.Credit(userID, "WETH", units(10))
		if err := r.eng.DepositCollateral(userID, "WETH", units(10)); err != nil {
			t.Fatalf("deposit failed: %v", err)
		}
		if err := r.eng.MintDsc(userID, units(1_000)); err != nil {
			t.Fatalf("mint failed: %v", err)
		}
		return r.eng.StateHash()
	}

	if run() != run() {
		t.Error("same operations should produce the same chain tip")
	}
}

// ============================================================================
// Test: Price updates
// ============================================================================

func TestApplyPriceUpdate_EmitsEvent(t *testing.T) {
	r := newTestRig(t)

	err := r.eng.ApplyPriceUpdate("WETH", big.NewInt(2_000*1e8), 8, 1, time.Now())
	if err != nil {
		t.Fatalf("price update failed: %v", err)
	}

	outputs := r.drain()
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	env := outputs[0].Envelope
	if env.EventType != event.EventTypePriceUpdated {
		t.Errorf("event type: got %v", env.EventType)
	}
	if env.Asset != "WETH" {
		t.Errorf("asset: got %q, want WETH", env.Asset)
	}
	if outputs[0].Batch != nil {
		t.Error("price events carry no journal batch")
	}
}

func TestApplyPriceUpdate_UnknownAsset(t *testing.T) {
	r := newTestRig(t)

	err := r.eng.ApplyPriceUpdate("DOGE", big.NewInt(1e8), 8, 1, time.Now())
	if !errors.Is(err, engine.ErrTokenNotAllowed) {
		t.Errorf("expected ErrTokenNotAllowed, got %v", err)
	}
}

func TestApplyPriceUpdate_SequenceRegression(t *testing.T) {
	r := newTestRig(t)
	r.setPrice(t, "WETH", 2_000)

	err := r.eng.ApplyPriceUpdate("WETH", big.NewInt(1_900*1e8), 8, 0, time.Now())
	if err == nil {
		t.Fatal("regressed price sequence should be rejected")
	}
	if len(r.drain()) != 0 {
		t.Error("rejected price update must not emit an event")
	}
}

// ============================================================================
// Test: Snapshot / Restore
// ============================================================================

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	r := newTestRig(t)
	r.setPrice(t, "WETH", 2_000)
	userID := uuid.New()
	r.fund(t, userID, "WETH", units(10))
	if err := r.eng.MintDsc(userID, units(1_000)); err != nil {
		t.Fatalf("mint failed: %v", err)
	}
	r.drain()

	snap := r.eng.Snapshot()

	r2 := newTestRig(t)
	if err := r2.eng.Restore(snap); err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	if r2.eng.Sequence() != r.eng.Sequence() {
		t.Errorf("sequence: got %d, want %d", r2.eng.Sequence(), r.eng.Sequence())
	}
	if r2.eng.StateHash() != r.eng.StateHash() {
		t.Error("chain tip should survive restore")
	}

	bal, err := r2.eng.CollateralBalanceOf(userID, "WETH")
	if err != nil {
		t.Fatalf("balance query failed: %v", err)
	}
	if bal.Cmp(units(10)) != 0 {
		t.Errorf("collateral: got %s, want %s", bal, units(10))
	}

	// Restored oracle rounds keep the health calculation working
	f1, err := r.eng.HealthFactor(userID)
	if err != nil {
		t.Fatalf("health factor failed: %v", err)
	}
	f2, err := r2.eng.HealthFactor(userID)
	if err != nil {
		t.Fatalf("restored health factor failed: %v", err)
	}
	if f1.Cmp(f2) != 0 {
		t.Errorf("health factor: got %s, want %s", f2, f1)
	}
}

func TestRestore_AfterOperations_Fails(t *testing.T) {
	r := newTestRig(t)
	r.setPrice(t, "WETH", 2_000)

	if err := r.eng.Restore(&engine.StateSnapshot{Sequence: 5}); err == nil {
		t.Error("restore after processed operations should fail")
	}
}

func TestRestore_UnbalancedSnapshot_Fails(t *testing.T) {
	r := newTestRig(t)
	r.setPrice(t, "WETH", 2_000)
	userID := uuid.New()
	r.fund(t, userID, "WETH", units(10))

	snap := r.eng.Snapshot()
	// Tamper with one balance so the snapshot is no longer zero-sum
	for path := range snap.Balances {
		snap.Balances[path] = new(big.Int).Add(snap.Balances[path], big.NewInt(1))
		break
	}

	r2 := newTestRig(t)
	if err := r2.eng.Restore(snap); err == nil {
		t.Error("unbalanced snapshot should fail restore")
	}
}

// ============================================================================
// Test: Command loop
// ============================================================================

func TestExecute_RunsOnEngineLoop(t *testing.T) {
	r := newTestRig(t)
	r.setPrice(t, "WETH", 2_000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.eng.Run(ctx) }()

	userID := uuid.New()
	r.bank.Credit(userID, "WETH", units(10))

	var opErr error
	if err := r.eng.Execute(ctx, func() {
		opErr = r.eng.DepositCollateral(userID, "WETH", units(10))
	}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if opErr != nil {
		t.Fatalf("deposit failed: %v", opErr)
	}

	var bal *big.Int
	if err := r.eng.Execute(ctx, func() {
		bal, opErr = r.eng.CollateralBalanceOf(userID, "WETH")
	}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if opErr != nil {
		t.Fatalf("balance query failed: %v", opErr)
	}
	if bal.Cmp(units(10)) != 0 {
		t.Errorf("collateral: got %s, want %s", bal, units(10))
	}
}

func TestExecute_ConcurrentCallers_CaptureSequenceOnLoop(t *testing.T) {
	r := newTestRig(t)
	r.setPrice(t, "WETH", 2_000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.eng.Run(ctx) }()

	// Mirrors the HTTP path: each caller submits an operation and reads
	// the resulting sequence inside the same closure, never afterwards.
	const callers = 4
	users := make([]uuid.UUID, callers)
	for i := range users {
		users[i] = uuid.New()
		r.bank.Credit(users[i], "WETH", units(1))
	}

	seqs := make([]int64, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var opErr error
			if err := r.eng.Execute(ctx, func() {
				opErr = r.eng.DepositCollateral(users[i], "WETH", units(1))
				seqs[i] = r.eng.Sequence()
			}); err != nil {
				t.Errorf("Execute failed: %v", err)
				return
			}
			if opErr != nil {
				t.Errorf("deposit failed: %v", opErr)
			}
		}(i)
	}
	wg.Wait()

	// Every caller observed the sequence as of its own operation
	seen := make(map[int64]bool, callers)
	for i, seq := range seqs {
		if seen[seq] {
			t.Errorf("caller %d observed duplicate sequence %d", i, seq)
		}
		seen[seq] = true
	}

	var final int64
	if err := r.eng.Execute(ctx, func() { final = r.eng.Sequence() }); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if want := int64(callers + 1); final != want { // +1 for the price event
		t.Errorf("final sequence: got %d, want %d", final, want)
	}
}

func TestExecute_CanceledContext(t *testing.T) {
	r := newTestRig(t)

	// No Run loop draining commands; a canceled context must not block
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	filled := false
	for i := 0; i < 512; i++ {
		if err := r.eng.Execute(ctx, func() {}); err != nil {
			filled = true
			break
		}
	}
	if !filled {
		t.Error("Execute with canceled context should eventually fail")
	}
}
