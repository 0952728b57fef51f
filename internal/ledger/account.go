package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeCollateral AccountSubType = iota
	SubTypeDebt

	// System sub-types
	SubTypeDscSupply

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

// AssetID is a compact numeric identifier for an asset.
// ID 0 is reserved for DSC itself; collateral assets start at 1.
type AssetID uint16

const DscAssetID AssetID = 0

const DscSymbol = "DSC"

// Asset describes one accepted collateral token. The set is fixed at
// construction and immutable afterwards.
type Asset struct {
	ID       AssetID
	Symbol   string
	Decimals uint8
}

// AssetSet is the ordered registry of accepted collateral assets.
type AssetSet struct {
	assets   []Asset
	bySymbol map[string]AssetID
}

// NewAssetSet builds the registry from the configured symbols, preserving
// order. Duplicate or empty symbols fail construction.
func NewAssetSet(symbols []string, decimals []uint8) (*AssetSet, error) {
	if len(symbols) != len(decimals) {
		return nil, fmt.Errorf("asset set: %d symbols but %d decimals", len(symbols), len(decimals))
	}

	set := &AssetSet{
		assets:   make([]Asset, 0, len(symbols)),
		bySymbol: make(map[string]AssetID, len(symbols)),
	}

	for i, sym := range symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" {
			return nil, fmt.Errorf("asset set: empty symbol at index %d", i)
		}
		if sym == DscSymbol {
			return nil, fmt.Errorf("asset set: %s cannot be collateral", DscSymbol)
		}
		if _, dup := set.bySymbol[sym]; dup {
			return nil, fmt.Errorf("asset set: duplicate symbol %s", sym)
		}

		id := AssetID(i + 1)
		set.assets = append(set.assets, Asset{ID: id, Symbol: sym, Decimals: decimals[i]})
		set.bySymbol[sym] = id
	}

	return set, nil
}

// ID resolves a symbol to its AssetID.
func (s *AssetSet) ID(symbol string) (AssetID, bool) {
	id, ok := s.bySymbol[strings.ToUpper(symbol)]
	return id, ok
}

// Symbol resolves an AssetID back to its symbol.
func (s *AssetSet) Symbol(id AssetID) (string, bool) {
	if id == DscAssetID {
		return DscSymbol, true
	}
	idx := int(id) - 1
	if idx < 0 || idx >= len(s.assets) {
		return "", false
	}
	return s.assets[idx].Symbol, true
}

// Assets returns the accepted collateral assets in configuration order.
func (s *AssetSet) Assets() []Asset {
	out := make([]Asset, len(s.assets))
	copy(out, s.assets)
	return out
}

// Symbols returns the accepted collateral symbols in configuration order.
func (s *AssetSet) Symbols() []string {
	out := make([]string, 0, len(s.assets))
	for _, a := range s.assets {
		out = append(out, a.Symbol)
	}
	return out
}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users, zero for system/external accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserCollateralKey creates a key for a user's deposited collateral in one asset
func NewUserCollateralKey(userID uuid.UUID, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  SubTypeCollateral,
		AssetID:  assetID,
	}
}

// NewUserDebtKey creates a key for a user's minted DSC debt
func NewUserDebtKey(userID uuid.UUID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  SubTypeDebt,
		AssetID:  DscAssetID,
	}
}

// NewDscSupplyKey creates the system counter-account for minted DSC
func NewDscSupplyKey() AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: SubTypeDscSupply,
		AssetID: DscAssetID,
	}
}

// NewExternalKey creates a key for external boundary accounts
func NewExternalKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// Path returns the string representation for storage/logging
func (k AccountKey) Path(assets *AssetSet) string {
	symbol, _ := assets.Symbol(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), symbol)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), symbol)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), symbol)
	}
	return "unknown"
}

// ParseAccountPath inverts Path. Used by snapshot restore.
func ParseAccountPath(path string, assets *AssetSet) (AccountKey, error) {
	parts := strings.Split(path, ":")

	resolveAsset := func(symbol string) (AssetID, error) {
		if symbol == DscSymbol {
			return DscAssetID, nil
		}
		id, ok := assets.ID(symbol)
		if !ok {
			return 0, fmt.Errorf("account path %q: unknown asset %s", path, symbol)
		}
		return id, nil
	}

	switch parts[0] {
	case "user":
		if len(parts) != 4 {
			return AccountKey{}, fmt.Errorf("malformed user account path: %q", path)
		}
		uid, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		subType, err := parseSubType(parts[2])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		assetID, err := resolveAsset(parts[3])
		if err != nil {
			return AccountKey{}, err
		}
		return AccountKey{Scope: AccountScopeUser, EntityID: uid, SubType: subType, AssetID: assetID}, nil

	case "system", "external":
		if len(parts) != 3 {
			return AccountKey{}, fmt.Errorf("malformed account path: %q", path)
		}
		subType, err := parseSubType(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		assetID, err := resolveAsset(parts[2])
		if err != nil {
			return AccountKey{}, err
		}
		scope := AccountScopeSystem
		if parts[0] == "external" {
			scope = AccountScopeExternal
		}
		return AccountKey{Scope: scope, SubType: subType, AssetID: assetID}, nil
	}

	return AccountKey{}, fmt.Errorf("malformed account path: %q", path)
}

func parseSubType(name string) (AccountSubType, error) {
	switch name {
	case "collateral":
		return SubTypeCollateral, nil
	case "debt":
		return SubTypeDebt, nil
	case "dsc_supply":
		return SubTypeDscSupply, nil
	case "deposits":
		return SubTypeExternalDeposits, nil
	case "withdrawals":
		return SubTypeExternalWithdrawals, nil
	}
	return 0, fmt.Errorf("unknown account sub-type %q", name)
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeCollateral:
		return "collateral"
	case SubTypeDebt:
		return "debt"
	case SubTypeDscSupply:
		return "dsc_supply"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}
