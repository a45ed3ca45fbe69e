package projection

import (
	"github.com/google/uuid"
)

// RedemptionHistoryEntry records one Junior redemption lifecycle step.
type RedemptionHistoryEntry struct {
	Controller uuid.UUID
	MarketID   string
	RequestID  int64
	Action     string // "requested", "claimed", "canceled", "cancel_claimed"
	Shares     int64
	UnitsOut   int64
	Timestamp  int64
}

// RedemptionHistoryProjection maintains queryable redemption history
type RedemptionHistoryProjection struct {
	entries []RedemptionHistoryEntry
}

func NewRedemptionHistoryProjection() *RedemptionHistoryProjection {
	return &RedemptionHistoryProjection{
		entries: make([]RedemptionHistoryEntry, 0),
	}
}

// AddEntry records a redemption lifecycle step
func (p *RedemptionHistoryProjection) AddEntry(entry RedemptionHistoryEntry) {
	p.entries = append(p.entries, entry)
}

// QueryByController returns redemption history for a controller, newest first
func (p *RedemptionHistoryProjection) QueryByController(controller uuid.UUID, limit int) []RedemptionHistoryEntry {
	result := make([]RedemptionHistoryEntry, 0)

	for i := len(p.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if p.entries[i].Controller == controller {
			result = append(result, p.entries[i])
		}
	}

	return result
}
