package event

import (
	"math/big"

	"github.com/google/uuid"
)

// Payload is the event-specific body stored alongside the envelope.
// Amounts are base units; big.Int marshals to a plain JSON number.
type Payload interface {
	EventType() EventType
}

type CollateralDeposited struct {
	User   uuid.UUID `json:"user"`
	Asset  string    `json:"asset"`
	Amount *big.Int  `json:"amount"`
}

func (*CollateralDeposited) EventType() EventType { return EventTypeCollateralDeposited }

type CollateralRedeemed struct {
	// RedeemedFrom is the position owner; RedeemedTo receives the tokens.
	// They differ only during liquidation.
	RedeemedFrom uuid.UUID `json:"redeemed_from"`
	RedeemedTo   uuid.UUID `json:"redeemed_to"`
	Asset        string    `json:"asset"`
	Amount       *big.Int  `json:"amount"`
}

func (*CollateralRedeemed) EventType() EventType { return EventTypeCollateralRedeemed }

type DscMinted struct {
	User   uuid.UUID `json:"user"`
	Amount *big.Int  `json:"amount"`
}

func (*DscMinted) EventType() EventType { return EventTypeDscMinted }

type DscBurned struct {
	// OnBehalfOf is the account whose debt shrinks; DscFrom supplied the
	// tokens. They differ only during liquidation.
	OnBehalfOf uuid.UUID `json:"on_behalf_of"`
	DscFrom    uuid.UUID `json:"dsc_from"`
	Amount     *big.Int  `json:"amount"`
}

func (*DscBurned) EventType() EventType { return EventTypeDscBurned }

type LiquidationExecuted struct {
	Liquidator       uuid.UUID `json:"liquidator"`
	Target           uuid.UUID `json:"target"`
	Asset            string    `json:"asset"`
	DebtCovered      *big.Int  `json:"debt_covered"`
	CollateralSeized *big.Int  `json:"collateral_seized"`
	Bonus            *big.Int  `json:"bonus"`
	StartFactor      *big.Int  `json:"start_factor"`
	EndFactor        *big.Int  `json:"end_factor"`
}

func (*LiquidationExecuted) EventType() EventType { return EventTypeLiquidationExecuted }

type PriceUpdated struct {
	Asset    string   `json:"asset"`
	Price    *big.Int `json:"price"`
	Decimals uint8    `json:"decimals"`
	Sequence int64    `json:"sequence"`
}

func (*PriceUpdated) EventType() EventType { return EventTypePriceUpdated }
