package event

import "fmt"

// NAVObserved carries a mark-to-market observation for one tranche's
// strategy position. Per-market, per-tranche monotonic feed: gaps are
// tolerated, regressions are not.
type NAVObserved struct {
	Market       string
	Tranche      string // "ST" or "JT"
	RawNAV       int64  // Fixed-point, scale=1_000_000
	NAVSequence  int64  // Monotonic per (market, tranche)
	NAVTimestamp int64  // Epoch microseconds (versioned input)
}

func (n *NAVObserved) IdempotencyKey() string {
	return fmt.Sprintf("%s:nav:%s:%d", n.Market, n.Tranche, n.NAVSequence)
}

func (n *NAVObserved) EventType() EventType {
	return EventTypeNAVObserved
}

func (n *NAVObserved) MarketID() *string {
	s := n.Market
	return &s
}

func (n *NAVObserved) SourceSequence() int64 {
	return n.NAVSequence
}

// RateObserved carries a tranche-unit/NAV-unit conversion rate round from
// the rate oracle.
type RateObserved struct {
	Market        string
	RateWad       int64 // Fixed-point, scale=1e18
	RoundComplete bool
	RateSequence  int64 // Monotonic per market
	RateTimestamp int64 // Epoch microseconds (versioned input)
}

func (r *RateObserved) IdempotencyKey() string {
	return fmt.Sprintf("%s:rate:%d", r.Market, r.RateSequence)
}

func (r *RateObserved) EventType() EventType {
	return EventTypeRateObserved
}

func (r *RateObserved) MarketID() *string {
	s := r.Market
	return &s
}

func (r *RateObserved) SourceSequence() int64 {
	return r.RateSequence
}
