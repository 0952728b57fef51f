package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// InvariantValidator checks ledger invariants after batch application
type InvariantValidator struct {
	ledger *Ledger
}

func NewInvariantValidator(ledger *Ledger) *InvariantValidator {
	return &InvariantValidator{ledger: ledger}
}

// ValidateBatchBalance verifies the batch is balanced and well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateUserNonNegative checks the user's collateral and debt accounts
// never go below zero
func (v *InvariantValidator) ValidateUserNonNegative(userID uuid.UUID) error {
	for _, asset := range v.ledger.Assets().Assets() {
		if err := v.ledger.ValidateNonNegative(NewUserCollateralKey(userID, asset.ID)); err != nil {
			return err
		}
	}
	return v.ledger.ValidateNonNegative(NewUserDebtKey(userID))
}

// ValidateGlobalBalance verifies the system is zero-sum per asset
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.ledger.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total.Sign() != 0 {
			symbol, _ := v.ledger.Assets().Symbol(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %s", symbol, total)
		}
	}

	return nil
}
