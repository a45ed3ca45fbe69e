package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeSTDepositRequested
	EventTypeSTRedeemRequested
	EventTypeJTDepositRequested
	EventTypeJTRedeemRequested
	EventTypeJTRedeemClaimed
	EventTypeJTRedeemCanceled
	EventTypeJTCancelClaimed
	EventTypeNAVObserved
	EventTypeRateObserved
	EventTypeParamUpdate
	EventTypeSyncRequested
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Market context (nullable for global events)
	MarketID *string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// MarketID returns the market context (nil for global events)
	MarketID() *string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeSTDepositRequested:
		return "STDepositRequested"
	case EventTypeSTRedeemRequested:
		return "STRedeemRequested"
	case EventTypeJTDepositRequested:
		return "JTDepositRequested"
	case EventTypeJTRedeemRequested:
		return "JTRedeemRequested"
	case EventTypeJTRedeemClaimed:
		return "JTRedeemClaimed"
	case EventTypeJTRedeemCanceled:
		return "JTRedeemCanceled"
	case EventTypeJTCancelClaimed:
		return "JTCancelClaimed"
	case EventTypeNAVObserved:
		return "NAVObserved"
	case EventTypeRateObserved:
		return "RateObserved"
	case EventTypeParamUpdate:
		return "ParamUpdate"
	case EventTypeSyncRequested:
		return "SyncRequested"
	default:
		return "Unknown"
	}
}
