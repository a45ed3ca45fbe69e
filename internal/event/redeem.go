package event

import "github.com/google/uuid"

// STRedeemRequested is a synchronous Senior redemption: shares burn and the
// payout leaves in the same operation.
type STRedeemRequested struct {
	OpID       uuid.UUID
	Market     string
	Controller uuid.UUID
	Receiver   uuid.UUID
	Shares     int64
	Sequence   int64
	Timestamp  int64 // Epoch microseconds (versioned input)
}

func (r *STRedeemRequested) IdempotencyKey() string {
	return r.OpID.String()
}

func (r *STRedeemRequested) EventType() EventType {
	return EventTypeSTRedeemRequested
}

func (r *STRedeemRequested) MarketID() *string {
	s := r.Market
	return &s
}

func (r *STRedeemRequested) SourceSequence() int64 {
	return r.Sequence
}

// JTRedeemRequested opens an asynchronous Junior redemption request: the
// shares move to escrow and become claimable after the market's delay.
type JTRedeemRequested struct {
	OpID       uuid.UUID
	Market     string
	Controller uuid.UUID
	Shares     int64
	Sequence   int64
	Timestamp  int64
}

func (r *JTRedeemRequested) IdempotencyKey() string {
	return r.OpID.String()
}

func (r *JTRedeemRequested) EventType() EventType {
	return EventTypeJTRedeemRequested
}

func (r *JTRedeemRequested) MarketID() *string {
	s := r.Market
	return &s
}

func (r *JTRedeemRequested) SourceSequence() int64 {
	return r.Sequence
}

// JTRedeemClaimed claims shares from a matured redemption request.
type JTRedeemClaimed struct {
	OpID       uuid.UUID
	Market     string
	Controller uuid.UUID
	Receiver   uuid.UUID
	RequestID  int64
	Shares     int64
	Sequence   int64
	Timestamp  int64
}

func (c *JTRedeemClaimed) IdempotencyKey() string {
	return c.OpID.String()
}

func (c *JTRedeemClaimed) EventType() EventType {
	return EventTypeJTRedeemClaimed
}

func (c *JTRedeemClaimed) MarketID() *string {
	s := c.Market
	return &s
}

func (c *JTRedeemClaimed) SourceSequence() int64 {
	return c.Sequence
}

// JTRedeemCanceled cancels a live redemption request, effective instantly.
type JTRedeemCanceled struct {
	OpID       uuid.UUID
	Market     string
	Controller uuid.UUID
	RequestID  int64
	Sequence   int64
	Timestamp  int64
}

func (c *JTRedeemCanceled) IdempotencyKey() string {
	return c.OpID.String()
}

func (c *JTRedeemCanceled) EventType() EventType {
	return EventTypeJTRedeemCanceled
}

func (c *JTRedeemCanceled) MarketID() *string {
	s := c.Market
	return &s
}

func (c *JTRedeemCanceled) SourceSequence() int64 {
	return c.Sequence
}

// JTCancelClaimed returns the escrowed shares of a canceled request to the
// controller and closes the request.
type JTCancelClaimed struct {
	OpID       uuid.UUID
	Market     string
	Controller uuid.UUID
	RequestID  int64
	Sequence   int64
	Timestamp  int64
}

func (c *JTCancelClaimed) IdempotencyKey() string {
	return c.OpID.String()
}

func (c *JTCancelClaimed) EventType() EventType {
	return EventTypeJTCancelClaimed
}

func (c *JTCancelClaimed) MarketID() *string {
	s := c.Market
	return &s
}

func (c *JTCancelClaimed) SourceSequence() int64 {
	return c.Sequence
}
