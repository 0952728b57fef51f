package engine

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	// ErrNeedsMoreThanZero rejects zero or negative amounts before any
	// state is touched.
	ErrNeedsMoreThanZero = errors.New("engine: amount must be more than zero")

	// ErrTokenNotAllowed rejects assets outside the configured set.
	ErrTokenNotAllowed = errors.New("engine: token not allowed")

	// ErrTokenFeedLengthMismatch fails construction when the token and
	// price feed lists are not parallel.
	ErrTokenFeedLengthMismatch = errors.New("engine: token and price feed lists must be the same length")

	// ErrReentrantCall means a nested call re-entered the engine while an
	// operation's state transition was incomplete.
	ErrReentrantCall = errors.New("engine: reentrant call")
)

// HealthFactorOkError means a liquidation was attempted on a target whose
// health factor is not below the minimum.
type HealthFactorOkError struct {
	Factor *big.Int
}

func (e *HealthFactorOkError) Error() string {
	return fmt.Sprintf("engine: health factor ok, nothing to liquidate: %s", e.Factor)
}

// HealthFactorNotImprovedError means a liquidation completed arithmetic
// but failed to strictly improve the target's solvency, so the whole call
// was rejected.
type HealthFactorNotImprovedError struct {
	Before *big.Int
	After  *big.Int
}

func (e *HealthFactorNotImprovedError) Error() string {
	return fmt.Sprintf("engine: health factor not improved: before=%s after=%s", e.Before, e.After)
}
