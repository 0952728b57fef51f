// Package token defines the engine's boundary to the collateral tokens
// and to the DSC token itself. Both are external collaborators: the
// engine only moves amounts across the boundary and never trusts the
// implementations: a transfer may fail, and a hostile implementation may
// attempt to re-enter the engine mid-call.
package token

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrInsufficientFunds means the source wallet cannot cover the transfer.
	ErrInsufficientFunds = errors.New("token: insufficient funds")

	// ErrBurnExceedsBalance means a burn was requested for more DSC than held.
	ErrBurnExceedsBalance = errors.New("token: burn exceeds balance")
)

// Vault moves collateral tokens between user wallets and engine custody.
type Vault interface {
	// PullFrom transfers amount of the asset from the user's wallet into
	// engine custody.
	PullFrom(userID uuid.UUID, symbol string, amount *big.Int) error

	// PayTo transfers amount of the asset from engine custody to the
	// user's wallet.
	PayTo(userID uuid.UUID, symbol string, amount *big.Int) error
}

// DSC is the synthetic token's supply-tracked balance ledger.
type DSC interface {
	Mint(userID uuid.UUID, amount *big.Int) error
	Burn(userID uuid.UUID, amount *big.Int) error
	BalanceOf(userID uuid.UUID) *big.Int
	TotalSupply() *big.Int
}

type holdingKey struct {
	userID uuid.UUID
	symbol string
}

// MemoryBank implements Vault and DSC in memory for single-process
// deployments and tests. Engine custody is tracked per asset so the
// no-phantom-balance invariant can be checked against it.
type MemoryBank struct {
	mu       sync.Mutex
	wallets  map[holdingKey]*big.Int
	custody  map[string]*big.Int
	dsc      map[uuid.UUID]*big.Int
	dscTotal *big.Int
}

func NewMemoryBank() *MemoryBank {
	return &MemoryBank{
		wallets:  make(map[holdingKey]*big.Int),
		custody:  make(map[string]*big.Int),
		dsc:      make(map[uuid.UUID]*big.Int),
		dscTotal: new(big.Int),
	}
}

// Credit seeds a user wallet with collateral tokens (deposits from the
// outside world are out of scope; this stands in for them).
func (b *MemoryBank) Credit(userID uuid.UUID, symbol string, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addWallet(userID, symbol, amount)
}

func (b *MemoryBank) addWallet(userID uuid.UUID, symbol string, amount *big.Int) {
	key := holdingKey{userID: userID, symbol: strings.ToUpper(symbol)}
	bal, ok := b.wallets[key]
	if !ok {
		bal = new(big.Int)
		b.wallets[key] = bal
	}
	bal.Add(bal, amount)
}

// WalletBalance returns the user's free (non-custodied) token balance.
func (b *MemoryBank) WalletBalance(userID uuid.UUID, symbol string) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := holdingKey{userID: userID, symbol: strings.ToUpper(symbol)}
	if bal, ok := b.wallets[key]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// CustodyBalance returns the total amount of one asset held by the engine.
func (b *MemoryBank) CustodyBalance(symbol string) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if bal, ok := b.custody[strings.ToUpper(symbol)]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// PullFrom implements Vault.
func (b *MemoryBank) PullFrom(userID uuid.UUID, symbol string, amount *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	symbol = strings.ToUpper(symbol)
	key := holdingKey{userID: userID, symbol: symbol}

	bal, ok := b.wallets[key]
	if !ok || bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: user %s has %s %s, pull %s", ErrInsufficientFunds,
			userID, balString(bal), symbol, amount)
	}

	bal.Sub(bal, amount)

	cust, ok := b.custody[symbol]
	if !ok {
		cust = new(big.Int)
		b.custody[symbol] = cust
	}
	cust.Add(cust, amount)
	return nil
}

// PayTo implements Vault.
func (b *MemoryBank) PayTo(userID uuid.UUID, symbol string, amount *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	symbol = strings.ToUpper(symbol)

	cust, ok := b.custody[symbol]
	if !ok || cust.Cmp(amount) < 0 {
		return fmt.Errorf("%w: custody holds %s %s, pay %s", ErrInsufficientFunds,
			balString(cust), symbol, amount)
	}

	cust.Sub(cust, amount)
	b.addWallet(userID, symbol, amount)
	return nil
}

// Mint implements DSC.
func (b *MemoryBank) Mint(userID uuid.UUID, amount *big.Int) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("token: mint amount must be positive, got %s", amount)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	bal, ok := b.dsc[userID]
	if !ok {
		bal = new(big.Int)
		b.dsc[userID] = bal
	}
	bal.Add(bal, amount)
	b.dscTotal.Add(b.dscTotal, amount)
	return nil
}

// Burn implements DSC. Burning more than the holder owns fails rather
// than underflowing.
func (b *MemoryBank) Burn(userID uuid.UUID, amount *big.Int) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("token: burn amount must be positive, got %s", amount)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	bal, ok := b.dsc[userID]
	if !ok || bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: user %s holds %s DSC, burn %s", ErrBurnExceedsBalance,
			userID, balString(bal), amount)
	}

	bal.Sub(bal, amount)
	b.dscTotal.Sub(b.dscTotal, amount)
	return nil
}

// BalanceOf implements DSC.
func (b *MemoryBank) BalanceOf(userID uuid.UUID) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if bal, ok := b.dsc[userID]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// TotalSupply implements DSC.
func (b *MemoryBank) TotalSupply() *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.dscTotal)
}

func balString(b *big.Int) string {
	if b == nil {
		return "0"
	}
	return b.String()
}
