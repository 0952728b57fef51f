package engine

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"DscEngine/internal/event"
	"DscEngine/internal/ledger"
	"DscEngine/internal/oracle"
	"DscEngine/internal/pricing"
	"DscEngine/internal/risk"
	"DscEngine/internal/token"
)

const (
	// DefaultLiquidationBonus is the extra collateral percentage awarded
	// to a liquidator on top of the debt-equivalent amount.
	DefaultLiquidationBonus = 10

	globalBalanceCheckEvery = 1000
)

// Config is the construction-time configuration. TokenSymbols,
// TokenDecimals and Feeds are parallel sequences; a length mismatch fails
// construction before any state is created.
type Config struct {
	TokenSymbols  []string
	TokenDecimals []uint8
	Feeds         []oracle.PriceFeed

	// LiquidationThreshold in percent (default 50)
	LiquidationThreshold int64

	// LiquidationBonus in percent (default 10)
	LiquidationBonus int64
}

// Output is one finalized operation's observable product: the envelope,
// the balanced journal batch and the typed payload.
type Output struct {
	Envelope *event.Envelope
	Batch    *ledger.Batch
	Payload  event.Payload
}

// Metrics is the subset of observability the engine reports into.
type Metrics interface {
	OpApplied(op string, duration time.Duration)
	OpRejected(op, reason string)
	SequenceAdvanced(sequence int64)
	EventPublishDropped()
	PersistStalled()
}

// Engine is the collateral & debt orchestrator. All mutating entry points
// funnel through the single command loop (Run/Execute) and are protected
// by an explicit reentrancy guard; state transitions are all-or-nothing.
type Engine struct {
	guard    reentrancyGuard
	sequence int64
	opCount  int64

	hasher    *stateHasher
	ledger    *ledger.Ledger
	validator *ledger.InvariantValidator
	registry  *oracle.Registry
	calc      *pricing.Calculator
	health    *risk.HealthCalculator

	vault token.Vault
	dsc   token.DSC

	liquidationBonus int64

	metrics Metrics
	now     func() time.Time

	commands chan func()

	// persistChan uses a blocking send (backpressure); publishChan is
	// best-effort with silent drop; the event log is authoritative.
	persistChan chan<- Output
	publishChan chan<- Output
}

// New constructs the engine. The token and feed lists must be the same
// length or construction fails with ErrTokenFeedLengthMismatch.
func New(cfg Config, vault token.Vault, dsc token.DSC, metrics Metrics, persistChan, publishChan chan<- Output) (*Engine, error) {
	if len(cfg.TokenSymbols) != len(cfg.Feeds) {
		return nil, fmt.Errorf("%w: %d tokens, %d feeds",
			ErrTokenFeedLengthMismatch, len(cfg.TokenSymbols), len(cfg.Feeds))
	}

	decimals := cfg.TokenDecimals
	if len(decimals) == 0 {
		decimals = make([]uint8, len(cfg.TokenSymbols))
		for i := range decimals {
			decimals[i] = pricing.CanonicalDecimals
		}
	}

	assets, err := ledger.NewAssetSet(cfg.TokenSymbols, decimals)
	if err != nil {
		return nil, err
	}

	registry, err := oracle.NewRegistry(cfg.TokenSymbols, cfg.Feeds)
	if err != nil {
		return nil, err
	}

	bonus := cfg.LiquidationBonus
	if bonus <= 0 {
		bonus = DefaultLiquidationBonus
	}

	l := ledger.NewLedger(assets)
	calc := pricing.NewCalculator(registry)

	return &Engine{
		hasher:           newStateHasher(),
		ledger:           l,
		validator:        ledger.NewInvariantValidator(l),
		registry:         registry,
		calc:             calc,
		health:           risk.NewHealthCalculator(l, calc, cfg.LiquidationThreshold),
		vault:            vault,
		dsc:              dsc,
		liquidationBonus: bonus,
		metrics:          metrics,
		now:              time.Now,
		commands:         make(chan func(), 256),
		persistChan:      persistChan,
		publishChan:      publishChan,
	}, nil
}

// Run drains the command loop until the context is canceled. All external
// traffic is serialized here; engine methods themselves are only safe to
// call directly from a single goroutine (as tests do).
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-e.commands:
			fn()
		}
	}
}

// Execute runs fn on the engine loop and waits for it to complete.
func (e *Engine) Execute(ctx context.Context, fn func()) error {
	done := make(chan struct{})

	select {
	case e.commands <- func() {
		defer close(done)
		fn()
	}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Registry exposes the oracle registry (for the ingestion layer).
func (e *Engine) Registry() *oracle.Registry {
	return e.registry
}

// Assets exposes the immutable asset registry (for the persistence layer).
func (e *Engine) Assets() *ledger.AssetSet {
	return e.ledger.Assets()
}

// --- Mutating operations ---

// DepositCollateral pulls amount of the asset from the caller into engine
// custody and records the increase. Deposits only improve solvency, so no
// health check runs.
func (e *Engine) DepositCollateral(userID uuid.UUID, symbol string, amount *big.Int) error {
	const op = "deposit_collateral"
	start := e.now()

	if !e.guard.tryEnter() {
		e.reject(op, "reentrancy")
		return ErrReentrantCall
	}
	defer e.guard.exit()

	assetID, err := e.validateAmountAndAsset(op, symbol, amount)
	if err != nil {
		return err
	}

	// Pull tokens first: the ledger must never show collateral the engine
	// does not hold.
	if err := e.vault.PullFrom(userID, symbol, amount); err != nil {
		e.reject(op, "transfer")
		return fmt.Errorf("pull collateral: %w", err)
	}

	batch := e.newBatch(ledger.Journal{
		DebitAccount:  ledger.NewUserCollateralKey(userID, assetID),
		CreditAccount: ledger.NewExternalKey(ledger.SubTypeExternalDeposits, assetID),
		AssetID:       assetID,
		Amount:        amount,
		JournalType:   ledger.JournalTypeDeposit,
	})

	if err := e.ledger.ApplyBatch(batch); err != nil {
		// Bookkeeping failed after custody succeeded. Hand the tokens back.
		_ = e.vault.PayTo(userID, symbol, amount)
		e.reject(op, "ledger")
		return err
	}

	e.finalize(op, start, userID, Output{
		Batch: batch,
		Payload: &event.CollateralDeposited{
			User:   userID,
			Asset:  symbol,
			Amount: amount,
		},
	})
	return nil
}

// RedeemCollateral decreases the user's deposited amount and pays the
// tokens out. The health check runs on the post-redeem position; an
// unhealthy result rejects the whole operation with no partial redemption.
func (e *Engine) RedeemCollateral(userID uuid.UUID, symbol string, amount *big.Int) error {
	const op = "redeem_collateral"
	start := e.now()

	if !e.guard.tryEnter() {
		e.reject(op, "reentrancy")
		return ErrReentrantCall
	}
	defer e.guard.exit()

	batch, err := e.redeemLocked(op, userID, symbol, amount)
	if err != nil {
		return err
	}

	if err := e.health.AssertHealthy(userID); err != nil {
		e.ledger.Revert(batch)
		e.reject(op, "health_factor")
		return err
	}

	if err := e.vault.PayTo(userID, symbol, amount); err != nil {
		e.ledger.Revert(batch)
		e.reject(op, "transfer")
		return fmt.Errorf("pay out collateral: %w", err)
	}

	e.finalize(op, start, userID, Output{
		Batch: batch,
		Payload: &event.CollateralRedeemed{
			RedeemedFrom: userID,
			RedeemedTo:   userID,
			Asset:        symbol,
			Amount:       amount,
		},
	})
	return nil
}

// MintDsc increases the user's debt and mints DSC to them. A failed
// health check leaves the debt unchanged.
func (e *Engine) MintDsc(userID uuid.UUID, amount *big.Int) error {
	const op = "mint_dsc"
	start := e.now()

	if !e.guard.tryEnter() {
		e.reject(op, "reentrancy")
		return ErrReentrantCall
	}
	defer e.guard.exit()

	batch, err := e.mintLocked(op, userID, amount)
	if err != nil {
		return err
	}

	e.finalize(op, start, userID, Output{
		Batch:   batch,
		Payload: &event.DscMinted{User: userID, Amount: amount},
	})
	return nil
}

// BurnDsc burns DSC from the caller and decreases their recorded debt.
// Burning only improves solvency, so no health check runs; burning more
// than owed fails rather than underflowing.
func (e *Engine) BurnDsc(userID uuid.UUID, amount *big.Int) error {
	const op = "burn_dsc"
	start := e.now()

	if !e.guard.tryEnter() {
		e.reject(op, "reentrancy")
		return ErrReentrantCall
	}
	defer e.guard.exit()

	batch, err := e.burnLocked(op, userID, userID, amount)
	if err != nil {
		return err
	}

	e.finalize(op, start, userID, Output{
		Batch:   batch,
		Payload: &event.DscBurned{OnBehalfOf: userID, DscFrom: userID, Amount: amount},
	})
	return nil
}

// DepositCollateralAndMintDsc is the composite convenience operation:
// both legs succeed or the whole call is rolled back.
func (e *Engine) DepositCollateralAndMintDsc(userID uuid.UUID, symbol string, collateralAmount, dscAmount *big.Int) error {
	const op = "deposit_and_mint"
	start := e.now()

	if !e.guard.tryEnter() {
		e.reject(op, "reentrancy")
		return ErrReentrantCall
	}
	defer e.guard.exit()

	assetID, err := e.validateAmountAndAsset(op, symbol, collateralAmount)
	if err != nil {
		return err
	}

	if err := e.vault.PullFrom(userID, symbol, collateralAmount); err != nil {
		e.reject(op, "transfer")
		return fmt.Errorf("pull collateral: %w", err)
	}

	depositBatch := e.newBatch(ledger.Journal{
		DebitAccount:  ledger.NewUserCollateralKey(userID, assetID),
		CreditAccount: ledger.NewExternalKey(ledger.SubTypeExternalDeposits, assetID),
		AssetID:       assetID,
		Amount:        collateralAmount,
		JournalType:   ledger.JournalTypeDeposit,
	})

	if err := e.ledger.ApplyBatch(depositBatch); err != nil {
		_ = e.vault.PayTo(userID, symbol, collateralAmount)
		e.reject(op, "ledger")
		return err
	}

	mintBatch, err := e.mintLocked(op, userID, dscAmount)
	if err != nil {
		// Mint leg failed. Unwind the deposit leg completely.
		e.ledger.Revert(depositBatch)
		_ = e.vault.PayTo(userID, symbol, collateralAmount)
		return err
	}

	e.finalize(op, start, userID,
		Output{
			Batch: depositBatch,
			Payload: &event.CollateralDeposited{
				User:   userID,
				Asset:  symbol,
				Amount: collateralAmount,
			},
		},
		Output{
			Batch:   mintBatch,
			Payload: &event.DscMinted{User: userID, Amount: dscAmount},
		},
	)
	return nil
}

// RedeemCollateralForDsc burns DSC then redeems collateral in one atomic
// call.
func (e *Engine) RedeemCollateralForDsc(userID uuid.UUID, symbol string, collateralAmount, dscAmount *big.Int) error {
	const op = "redeem_for_dsc"
	start := e.now()

	if !e.guard.tryEnter() {
		e.reject(op, "reentrancy")
		return ErrReentrantCall
	}
	defer e.guard.exit()

	burnBatch, err := e.burnLocked(op, userID, userID, dscAmount)
	if err != nil {
		return err
	}

	redeemBatch, err := e.redeemLocked(op, userID, symbol, collateralAmount)
	if err != nil {
		e.ledger.Revert(burnBatch)
		_ = e.dsc.Mint(userID, dscAmount)
		return err
	}

	if err := e.health.AssertHealthy(userID); err != nil {
		e.ledger.Revert(redeemBatch)
		e.ledger.Revert(burnBatch)
		_ = e.dsc.Mint(userID, dscAmount)
		e.reject(op, "health_factor")
		return err
	}

	if err := e.vault.PayTo(userID, symbol, collateralAmount); err != nil {
		e.ledger.Revert(redeemBatch)
		e.ledger.Revert(burnBatch)
		_ = e.dsc.Mint(userID, dscAmount)
		e.reject(op, "transfer")
		return fmt.Errorf("pay out collateral: %w", err)
	}

	e.finalize(op, start, userID,
		Output{
			Batch:   burnBatch,
			Payload: &event.DscBurned{OnBehalfOf: userID, DscFrom: userID, Amount: dscAmount},
		},
		Output{
			Batch: redeemBatch,
			Payload: &event.CollateralRedeemed{
				RedeemedFrom: userID,
				RedeemedTo:   userID,
				Asset:        symbol,
				Amount:       collateralAmount,
			},
		},
	)
	return nil
}

// Liquidate covers debtToCover of an unhealthy target's debt with the
// liquidator's DSC, seizing the USD-equivalent collateral plus the
// liquidation bonus. The target's health factor must strictly improve and
// the liquidator must remain healthy, or the whole call is rejected.
func (e *Engine) Liquidate(liquidator uuid.UUID, symbol string, target uuid.UUID, debtToCover *big.Int) error {
	const op = "liquidate"
	start := e.now()

	if !e.guard.tryEnter() {
		e.reject(op, "reentrancy")
		return ErrReentrantCall
	}
	defer e.guard.exit()

	assetID, err := e.validateAmountAndAsset(op, symbol, debtToCover)
	if err != nil {
		return err
	}

	startFactor, err := e.health.HealthFactor(target)
	if err != nil {
		e.reject(op, "oracle")
		return err
	}
	if startFactor.Cmp(risk.MinHealthFactor) >= 0 {
		e.reject(op, "health_factor_ok")
		return &HealthFactorOkError{Factor: startFactor}
	}

	// Debt-equivalent collateral plus the bonus on top
	baseAmount, err := e.calc.AmountFromUSD(symbol, debtToCover)
	if err != nil {
		e.reject(op, "oracle")
		return err
	}
	bonus := new(big.Int).Mul(baseAmount, big.NewInt(e.liquidationBonus))
	bonus.Quo(bonus, big.NewInt(risk.LiquidationPrecision))
	seize := new(big.Int).Add(baseAmount, bonus)

	// Insolvent-protocol case: the bonus would sweep more than the target
	// holds. Rejected as a validation error, no partial sweep.
	if err := e.ledger.ValidateSufficientCollateral(target, assetID, seize); err != nil {
		e.reject(op, "insufficient_collateral")
		return err
	}
	if err := e.ledger.ValidateSufficientDebt(target, debtToCover); err != nil {
		e.reject(op, "insufficient_debt")
		return err
	}

	batch := e.newBatch(
		ledger.Journal{
			DebitAccount:  ledger.NewExternalKey(ledger.SubTypeExternalWithdrawals, assetID),
			CreditAccount: ledger.NewUserCollateralKey(target, assetID),
			AssetID:       assetID,
			Amount:        seize,
			JournalType:   ledger.JournalTypeLiquidationSeize,
		},
		ledger.Journal{
			DebitAccount:  ledger.NewDscSupplyKey(),
			CreditAccount: ledger.NewUserDebtKey(target),
			AssetID:       ledger.DscAssetID,
			Amount:        debtToCover,
			JournalType:   ledger.JournalTypeLiquidationBurn,
		},
	)

	if err := e.ledger.ApplyBatch(batch); err != nil {
		e.reject(op, "ledger")
		return err
	}

	endFactor, err := e.health.HealthFactor(target)
	if err != nil {
		e.ledger.Revert(batch)
		e.reject(op, "oracle")
		return err
	}
	if endFactor.Cmp(startFactor) <= 0 {
		e.ledger.Revert(batch)
		e.reject(op, "health_factor_not_improved")
		return &HealthFactorNotImprovedError{Before: startFactor, After: endFactor}
	}

	// The liquidator spent DSC and gained collateral; if that leaves them
	// unhealthy the whole liquidation is rejected.
	if err := e.health.AssertHealthy(liquidator); err != nil {
		e.ledger.Revert(batch)
		e.reject(op, "liquidator_health_factor")
		return err
	}

	if err := e.dsc.Burn(liquidator, debtToCover); err != nil {
		e.ledger.Revert(batch)
		e.reject(op, "dsc_burn")
		return fmt.Errorf("burn liquidator dsc: %w", err)
	}

	if err := e.vault.PayTo(liquidator, symbol, seize); err != nil {
		_ = e.dsc.Mint(liquidator, debtToCover)
		e.ledger.Revert(batch)
		e.reject(op, "transfer")
		return fmt.Errorf("pay seized collateral: %w", err)
	}

	e.finalize(op, start, target, Output{
		Batch: batch,
		Payload: &event.LiquidationExecuted{
			Liquidator:       liquidator,
			Target:           target,
			Asset:            symbol,
			DebtCovered:      debtToCover,
			CollateralSeized: seize,
			Bonus:            bonus,
			StartFactor:      startFactor,
			EndFactor:        endFactor,
		},
	})
	return nil
}

// ApplyPriceUpdate records a new oracle round for an asset and emits a
// price event. Sequence regressions are rejected by the feed, which makes
// redelivered price messages harmless.
func (e *Engine) ApplyPriceUpdate(symbol string, price *big.Int, decimals uint8, sequence int64, updatedAt time.Time) error {
	const op = "price_update"
	start := e.now()

	feed, ok := e.registry.Feed(symbol)
	if !ok {
		e.reject(op, "token_not_allowed")
		return fmt.Errorf("%w: %s", ErrTokenNotAllowed, symbol)
	}

	updatable, ok := feed.(oracle.UpdatableFeed)
	if !ok {
		e.reject(op, "feed_read_only")
		return fmt.Errorf("engine: feed for %s does not accept pushed rounds", symbol)
	}

	if err := updatable.Update(oracle.Round{
		Price:     price,
		Decimals:  decimals,
		Sequence:  sequence,
		UpdatedAt: updatedAt,
	}); err != nil {
		e.reject(op, "oracle")
		return err
	}

	e.finalize(op, start, uuid.Nil, Output{
		Payload: &event.PriceUpdated{
			Asset:    symbol,
			Price:    price,
			Decimals: decimals,
			Sequence: sequence,
		},
	})
	return nil
}

// --- Internal legs shared by simple and composite operations ---

func (e *Engine) mintLocked(op string, userID uuid.UUID, amount *big.Int) (*ledger.Batch, error) {
	if amount == nil || amount.Sign() <= 0 {
		e.reject(op, "zero_amount")
		return nil, ErrNeedsMoreThanZero
	}

	batch := e.newBatch(ledger.Journal{
		DebitAccount:  ledger.NewUserDebtKey(userID),
		CreditAccount: ledger.NewDscSupplyKey(),
		AssetID:       ledger.DscAssetID,
		Amount:        amount,
		JournalType:   ledger.JournalTypeMint,
	})

	if err := e.ledger.ApplyBatch(batch); err != nil {
		e.reject(op, "ledger")
		return nil, err
	}

	if err := e.health.AssertHealthy(userID); err != nil {
		e.ledger.Revert(batch)
		e.reject(op, "health_factor")
		return nil, err
	}

	if err := e.dsc.Mint(userID, amount); err != nil {
		e.ledger.Revert(batch)
		e.reject(op, "dsc_mint")
		return nil, fmt.Errorf("mint dsc: %w", err)
	}

	return batch, nil
}

func (e *Engine) burnLocked(op string, onBehalfOf, dscFrom uuid.UUID, amount *big.Int) (*ledger.Batch, error) {
	if amount == nil || amount.Sign() <= 0 {
		e.reject(op, "zero_amount")
		return nil, ErrNeedsMoreThanZero
	}

	if err := e.ledger.ValidateSufficientDebt(onBehalfOf, amount); err != nil {
		e.reject(op, "insufficient_debt")
		return nil, err
	}

	if err := e.dsc.Burn(dscFrom, amount); err != nil {
		e.reject(op, "dsc_burn")
		return nil, fmt.Errorf("burn dsc: %w", err)
	}

	batch := e.newBatch(ledger.Journal{
		DebitAccount:  ledger.NewDscSupplyKey(),
		CreditAccount: ledger.NewUserDebtKey(onBehalfOf),
		AssetID:       ledger.DscAssetID,
		Amount:        amount,
		JournalType:   ledger.JournalTypeBurn,
	})

	if err := e.ledger.ApplyBatch(batch); err != nil {
		_ = e.dsc.Mint(dscFrom, amount)
		e.reject(op, "ledger")
		return nil, err
	}

	return batch, nil
}

// redeemLocked applies the ledger side of a redemption without paying
// tokens out; callers run their health checks on the tentative state and
// only then transfer. Liquidation seizes build their own batch.
func (e *Engine) redeemLocked(op string, userID uuid.UUID, symbol string, amount *big.Int) (*ledger.Batch, error) {
	assetID, err := e.validateAmountAndAsset(op, symbol, amount)
	if err != nil {
		return nil, err
	}

	if err := e.ledger.ValidateSufficientCollateral(userID, assetID, amount); err != nil {
		e.reject(op, "insufficient_collateral")
		return nil, err
	}

	batch := e.newBatch(ledger.Journal{
		DebitAccount:  ledger.NewExternalKey(ledger.SubTypeExternalWithdrawals, assetID),
		CreditAccount: ledger.NewUserCollateralKey(userID, assetID),
		AssetID:       assetID,
		Amount:        amount,
		JournalType:   ledger.JournalTypeRedeem,
	})

	if err := e.ledger.ApplyBatch(batch); err != nil {
		e.reject(op, "ledger")
		return nil, err
	}

	return batch, nil
}

// --- Read-only queries ---

// AccountInformation returns the user's total minted DSC and total
// collateral value in canonical USD units.
func (e *Engine) AccountInformation(userID uuid.UUID) (totalDscMinted, collateralValueUSD *big.Int, err error) {
	value, err := e.health.CollateralValueUSD(userID)
	if err != nil {
		return nil, nil, err
	}
	return e.ledger.DebtOf(userID), value, nil
}

// HealthFactor returns the user's current solvency ratio.
func (e *Engine) HealthFactor(userID uuid.UUID) (*big.Int, error) {
	return e.health.HealthFactor(userID)
}

// CollateralTokens returns the accepted collateral symbols in
// configuration order.
func (e *Engine) CollateralTokens() []string {
	return e.ledger.Assets().Symbols()
}

// CollateralBalanceOf returns the user's deposited amount for one asset.
func (e *Engine) CollateralBalanceOf(userID uuid.UUID, symbol string) (*big.Int, error) {
	assetID, ok := e.ledger.Assets().ID(symbol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTokenNotAllowed, symbol)
	}
	return e.ledger.CollateralOf(userID, assetID), nil
}

// UsdValue converts a token amount to canonical USD value.
func (e *Engine) UsdValue(symbol string, amount *big.Int) (*big.Int, error) {
	if _, ok := e.ledger.Assets().ID(symbol); !ok {
		return nil, fmt.Errorf("%w: %s", ErrTokenNotAllowed, symbol)
	}
	return e.calc.ValueInUSD(symbol, amount)
}

// TokenAmountFromUsd converts a canonical USD value to a token amount.
func (e *Engine) TokenAmountFromUsd(symbol string, usdValue *big.Int) (*big.Int, error) {
	if _, ok := e.ledger.Assets().ID(symbol); !ok {
		return nil, fmt.Errorf("%w: %s", ErrTokenNotAllowed, symbol)
	}
	return e.calc.AmountFromUSD(symbol, usdValue)
}

// Sequence returns the next event sequence to be assigned.
func (e *Engine) Sequence() int64 {
	return e.sequence
}

// StateHash returns the state hash chain tip.
func (e *Engine) StateHash() [32]byte {
	return e.hasher.getPrevHash()
}

// --- Helpers ---

func (e *Engine) validateAmountAndAsset(op, symbol string, amount *big.Int) (ledger.AssetID, error) {
	if amount == nil || amount.Sign() <= 0 {
		e.reject(op, "zero_amount")
		return 0, ErrNeedsMoreThanZero
	}

	assetID, ok := e.ledger.Assets().ID(symbol)
	if !ok {
		e.reject(op, "token_not_allowed")
		return 0, fmt.Errorf("%w: %s", ErrTokenNotAllowed, symbol)
	}

	return assetID, nil
}

func (e *Engine) newBatch(journals ...ledger.Journal) *ledger.Batch {
	batchID := uuid.New()
	ts := e.now().UnixMicro()

	// Sequence is stamped in finalize, together with the envelope, so a
	// multi-output operation numbers each batch correctly.
	batch := &ledger.Batch{
		BatchID:   batchID,
		EventRef:  batchID.String(),
		Timestamp: ts,
		Journals:  make([]ledger.Journal, 0, len(journals)),
	}

	for _, j := range journals {
		j.JournalID = uuid.New()
		j.BatchID = batchID
		j.EventRef = batch.EventRef
		j.Timestamp = ts
		batch.Journals = append(batch.Journals, j)
	}

	return batch
}

// finalize stamps envelopes onto the outputs, runs post-operation
// invariant checks and emits. Called only after every state change and
// health check has succeeded.
func (e *Engine) finalize(op string, start time.Time, userID uuid.UUID, outputs ...Output) {
	if err := e.validator.ValidateUserNonNegative(userID); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated after %s: %v", op, err))
	}

	e.opCount++
	if e.opCount%globalBalanceCheckEvery == 0 {
		if err := e.validator.ValidateGlobalBalance(); err != nil {
			panic(fmt.Sprintf("FATAL: ledger not zero-sum after %s: %v", op, err))
		}
	}

	for i := range outputs {
		out := &outputs[i]

		if out.Batch != nil {
			out.Batch.Sequence = e.sequence
			for j := range out.Batch.Journals {
				out.Batch.Journals[j].Sequence = e.sequence
			}
		}

		digest := computeStateDigest(e.ledger, out.Batch)
		prevHash := e.hasher.getPrevHash()
		stateHash := e.hasher.computeHash(e.sequence, digest)

		asset := ""
		if out.Batch != nil && len(out.Batch.Journals) > 0 {
			if sym, ok := e.ledger.Assets().Symbol(out.Batch.Journals[0].AssetID); ok {
				asset = sym
			}
		} else if p, ok := out.Payload.(*event.PriceUpdated); ok {
			asset = p.Asset
		}

		out.Envelope = &event.Envelope{
			Sequence:    e.sequence,
			OperationID: uuid.New(),
			EventType:   out.Payload.EventType(),
			Asset:       asset,
			User:        userID,
			Timestamp:   e.now(),
			StateHash:   stateHash,
			PrevHash:    prevHash,
		}
		e.sequence++

		if e.persistChan != nil {
			select {
			case e.persistChan <- *out:
			default:
				// Persist queue full: block until the worker catches up.
				// Losing an event is never acceptable.
				if e.metrics != nil {
					e.metrics.PersistStalled()
				}
				e.persistChan <- *out
			}
		}
		if e.publishChan != nil {
			select {
			case e.publishChan <- *out:
			default:
				// Dropped; downstream consumers rebuild from the event log.
				if e.metrics != nil {
					e.metrics.EventPublishDropped()
				}
			}
		}
	}

	if e.metrics != nil {
		e.metrics.OpApplied(op, e.now().Sub(start))
		e.metrics.SequenceAdvanced(e.sequence)
	}
}

func (e *Engine) reject(op, reason string) {
	if e.metrics != nil {
		e.metrics.OpRejected(op, reason)
	}
}
