package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeCollateralDeposited
	EventTypeCollateralRedeemed
	EventTypeDscMinted
	EventTypeDscBurned
	EventTypeLiquidationExecuted
	EventTypePriceUpdated
)

func (et EventType) String() string {
	switch et {
	case EventTypeCollateralDeposited:
		return "CollateralDeposited"
	case EventTypeCollateralRedeemed:
		return "CollateralRedeemed"
	case EventTypeDscMinted:
		return "DscMinted"
	case EventTypeDscBurned:
		return "DscBurned"
	case EventTypeLiquidationExecuted:
		return "LiquidationExecuted"
	case EventTypePriceUpdated:
		return "PriceUpdated"
	default:
		return "Unknown"
	}
}

// Envelope wraps every event in the log. Events are emitted only after an
// operation finalizes; they are an observability side channel, never
// authoritative state.
type Envelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// OperationID identifies the engine call that produced this event
	OperationID uuid.UUID

	// Event type discriminator
	EventType EventType

	// Asset context ("" for asset-free events like DscMinted)
	Asset string

	// User whose position changed (zero for global events)
	User uuid.UUID

	// Timestamp when the engine finalized the operation
	Timestamp time.Time

	// SHA-256 of ledger state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}
