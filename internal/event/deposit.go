package event

import "github.com/google/uuid"

// STDepositRequested is a Senior tranche deposit instruction.
type STDepositRequested struct {
	OpID         uuid.UUID
	Market       string
	Controller   uuid.UUID
	TrancheUnits int64 // Fixed-point, scale=1_000_000
	Sequence     int64
	Timestamp    int64 // Epoch microseconds (versioned input)
}

func (d *STDepositRequested) IdempotencyKey() string {
	return d.OpID.String()
}

func (d *STDepositRequested) EventType() EventType {
	return EventTypeSTDepositRequested
}

func (d *STDepositRequested) MarketID() *string {
	s := d.Market
	return &s
}

func (d *STDepositRequested) SourceSequence() int64 {
	return d.Sequence
}

// JTDepositRequested is a Junior tranche deposit instruction.
type JTDepositRequested struct {
	OpID         uuid.UUID
	Market       string
	Controller   uuid.UUID
	TrancheUnits int64
	Sequence     int64
	Timestamp    int64
}

func (d *JTDepositRequested) IdempotencyKey() string {
	return d.OpID.String()
}

func (d *JTDepositRequested) EventType() EventType {
	return EventTypeJTDepositRequested
}

func (d *JTDepositRequested) MarketID() *string {
	s := d.Market
	return &s
}

func (d *JTDepositRequested) SourceSequence() int64 {
	return d.Sequence
}
