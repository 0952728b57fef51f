package ledger

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// Ledger maintains in-memory account balances. It is pure bookkeeping:
// all business rules live in the orchestrator, which is the only caller
// of the mutating methods. Not safe for concurrent use; mutation is
// serialized by the engine loop.
type Ledger struct {
	assets   *AssetSet
	balances map[AccountKey]*big.Int
}

func NewLedger(assets *AssetSet) *Ledger {
	return &Ledger{
		assets:   assets,
		balances: make(map[AccountKey]*big.Int),
	}
}

// Assets returns the immutable asset registry this ledger was built with.
func (l *Ledger) Assets() *AssetSet {
	return l.assets
}

// ApplyJournal applies a single journal entry to balances
func (l *Ledger) ApplyJournal(j Journal) {
	l.add(j.DebitAccount, j.Amount)
	l.sub(j.CreditAccount, j.Amount)
}

// ApplyBatch validates and applies all journals in a batch
func (l *Ledger) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		l.ApplyJournal(j)
	}

	return nil
}

// Revert undoes a previously applied batch by applying each entry in
// reverse. Used by the orchestrator to roll back a tentative state change
// that failed its post-operation health check.
func (l *Ledger) Revert(batch *Batch) {
	for i := len(batch.Journals) - 1; i >= 0; i-- {
		j := batch.Journals[i]
		l.sub(j.DebitAccount, j.Amount)
		l.add(j.CreditAccount, j.Amount)
	}
}

func (l *Ledger) add(key AccountKey, amount *big.Int) {
	bal, ok := l.balances[key]
	if !ok {
		bal = new(big.Int)
		l.balances[key] = bal
	}
	bal.Add(bal, amount)
}

func (l *Ledger) sub(key AccountKey, amount *big.Int) {
	bal, ok := l.balances[key]
	if !ok {
		bal = new(big.Int)
		l.balances[key] = bal
	}
	bal.Sub(bal, amount)
}

// Balance returns a copy of the current balance for an account
func (l *Ledger) Balance(key AccountKey) *big.Int {
	if bal, ok := l.balances[key]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// SetBalance overwrites an account balance (snapshot restore only)
func (l *Ledger) SetBalance(key AccountKey, balance *big.Int) {
	l.balances[key] = new(big.Int).Set(balance)
}

// CollateralOf returns the user's deposited amount for one asset
func (l *Ledger) CollateralOf(userID uuid.UUID, assetID AssetID) *big.Int {
	return l.Balance(NewUserCollateralKey(userID, assetID))
}

// DebtOf returns the user's total minted DSC
func (l *Ledger) DebtOf(userID uuid.UUID) *big.Int {
	return l.Balance(NewUserDebtKey(userID))
}

// DscSupply returns the total DSC minted across all users (negated system
// counter-account, so the returned value is non-negative in a healthy ledger)
func (l *Ledger) DscSupply() *big.Int {
	supply := l.Balance(NewDscSupplyKey())
	return supply.Neg(supply)
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (l *Ledger) ValidateNonNegative(key AccountKey) error {
	if bal, ok := l.balances[key]; ok && bal.Sign() < 0 {
		return fmt.Errorf("account %s has negative balance: %s", key.Path(l.assets), bal.String())
	}
	return nil
}

// ValidateSufficientCollateral checks the user holds at least the required
// deposited amount for an asset
func (l *Ledger) ValidateSufficientCollateral(userID uuid.UUID, assetID AssetID, required *big.Int) error {
	have := l.CollateralOf(userID, assetID)
	if have.Cmp(required) < 0 {
		return fmt.Errorf("insufficient collateral: have=%s, need=%s", have, required)
	}
	return nil
}

// ValidateSufficientDebt checks the user owes at least the amount about to
// be burned
func (l *Ledger) ValidateSufficientDebt(userID uuid.UUID, required *big.Int) error {
	have := l.DebtOf(userID)
	if have.Cmp(required) < 0 {
		return fmt.Errorf("insufficient debt: have=%s, burn=%s", have, required)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances per asset (zero for a
// consistent double-entry ledger)
func (l *Ledger) ComputeGlobalBalance() map[AssetID]*big.Int {
	totals := make(map[AssetID]*big.Int)

	for key, balance := range l.balances {
		total, ok := totals[key.AssetID]
		if !ok {
			total = new(big.Int)
			totals[key.AssetID] = total
		}
		total.Add(total, balance)
	}

	return totals
}

// Snapshot returns a deep copy of all balances
func (l *Ledger) Snapshot() map[AccountKey]*big.Int {
	snapshot := make(map[AccountKey]*big.Int, len(l.balances))
	for k, v := range l.balances {
		snapshot[k] = new(big.Int).Set(v)
	}
	return snapshot
}
