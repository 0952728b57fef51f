package engine

import (
	"fmt"
	"math/big"

	"DscEngine/internal/ledger"
	"DscEngine/internal/oracle"
)

// StateSnapshot is the engine's recoverable state at one sequence:
// balances keyed by account path, the hash chain tip and the latest
// accepted oracle rounds.
type StateSnapshot struct {
	Sequence  int64
	StateHash [32]byte
	Balances  map[string]*big.Int
	Rounds    map[string]oracle.Round
}

// Snapshot captures the full engine state. Must run on the engine loop.
func (e *Engine) Snapshot() *StateSnapshot {
	assets := e.ledger.Assets()

	balances := make(map[string]*big.Int)
	for key, bal := range e.ledger.Snapshot() {
		balances[key.Path(assets)] = bal
	}

	rounds := make(map[string]oracle.Round)
	for _, sym := range e.registry.Symbols() {
		round, err := e.registry.LatestRound(sym)
		if err != nil {
			// Missing or stale feed: the snapshot simply carries no round
			// and the feed stays empty after restore.
			continue
		}
		rounds[sym] = round
	}

	return &StateSnapshot{
		Sequence:  e.sequence,
		StateHash: e.hasher.getPrevHash(),
		Balances:  balances,
		Rounds:    rounds,
	}
}

// Restore replaces the engine state with a snapshot. Only valid before
// the engine has processed any operation.
func (e *Engine) Restore(snap *StateSnapshot) error {
	if e.sequence != 0 {
		return fmt.Errorf("engine: restore after %d operations", e.sequence)
	}

	assets := e.ledger.Assets()

	for path, bal := range snap.Balances {
		key, err := ledger.ParseAccountPath(path, assets)
		if err != nil {
			return fmt.Errorf("restore balances: %w", err)
		}
		e.ledger.SetBalance(key, bal)
	}

	if err := e.validator.ValidateGlobalBalance(); err != nil {
		return fmt.Errorf("restore: snapshot not zero-sum: %w", err)
	}

	for sym, round := range snap.Rounds {
		feed, ok := e.registry.Feed(sym)
		if !ok {
			return fmt.Errorf("restore: no feed for snapshot asset %s", sym)
		}
		updatable, ok := feed.(oracle.UpdatableFeed)
		if !ok {
			continue
		}
		if err := updatable.Update(round); err != nil {
			return fmt.Errorf("restore %s round: %w", sym, err)
		}
	}

	e.sequence = snap.Sequence
	e.hasher.setPrevHash(snap.StateHash)
	return nil
}
