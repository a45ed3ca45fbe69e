package event

import (
	"fmt"

	"github.com/google/uuid"
)

// ParamField names the market parameter a ParamUpdate targets.
type ParamField string

const (
	ParamCoverage          ParamField = "coverage"
	ParamBeta              ParamField = "beta"
	ParamLLTV              ParamField = "lltv"
	ParamFixedTermDuration ParamField = "fixed_term_duration"
	ParamRedemptionDelay   ParamField = "redemption_delay"
	ParamFeeRecipient      ParamField = "fee_recipient"
)

// ParamUpdate applies one privileged parameter change to a market. When
// received, the core updates the kernel's configuration in place; the new
// value governs from the next synchronization onward.
type ParamUpdate struct {
	Market    string
	Field     ParamField
	IntValue  int64     // WAD ratios, or microseconds for durations
	UUIDValue uuid.UUID // only for fee_recipient
	Sequence  int64     // Source sequence
	Timestamp int64     // Epoch microseconds (versioned input)
}

func (p *ParamUpdate) IdempotencyKey() string {
	return fmt.Sprintf("param:%s:%s:%d", p.Market, p.Field, p.Sequence)
}

func (p *ParamUpdate) EventType() EventType {
	return EventTypeParamUpdate
}

func (p *ParamUpdate) MarketID() *string {
	s := p.Market
	return &s
}

func (p *ParamUpdate) SourceSequence() int64 {
	return p.Sequence
}

// SyncRequested is the keeper crank: realize accrued yield and losses with
// no tranche operation attached.
type SyncRequested struct {
	OpID      uuid.UUID
	Market    string
	Sequence  int64
	Timestamp int64
}

func (s *SyncRequested) IdempotencyKey() string {
	return s.OpID.String()
}

func (s *SyncRequested) EventType() EventType {
	return EventTypeSyncRequested
}

func (s *SyncRequested) MarketID() *string {
	m := s.Market
	return &m
}

func (s *SyncRequested) SourceSequence() int64 {
	return s.Sequence
}
