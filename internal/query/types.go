package query

// MarketResponse represents a market's tranche accounting for API queries.
type MarketResponse struct {
	MarketID       string `json:"market_id"`
	RawST          int64  `json:"raw_st"`
	RawJT          int64  `json:"raw_jt"`
	EffST          int64  `json:"eff_st"`
	EffJT          int64  `json:"eff_jt"`
	UtilizationWad int64  `json:"utilization_wad"`
	MarketState    int32  `json:"market_state"` // 0=Perpetual, 1=FixedTerm
	STSupply       int64  `json:"st_supply"`
	JTSupply       int64  `json:"jt_supply"`
	QueueLength    int64  `json:"queue_length"`
	AsOfSequence   int64  `json:"as_of_sequence"`
}

// RedemptionRequestResponse represents a Junior redemption request for API queries.
type RedemptionRequestResponse struct {
	MarketID          string `json:"market_id"`
	RequestID         int64  `json:"request_id"`
	Controller        string `json:"controller"`
	SharesOutstanding int64  `json:"shares_outstanding"`
	Status            string `json:"status"` // pending | claimed | canceled | cancel_claimed
	RequestedAtUs     int64  `json:"requested_at_us"`
	AsOfSequence      int64  `json:"as_of_sequence"`
}

// OperationHistoryEntry represents one applied tranche operation.
type OperationHistoryEntry struct {
	Sequence    int64  `json:"sequence"`
	MarketID    string `json:"market_id"`
	Op          string `json:"op"`
	Controller  string `json:"controller"`
	Receiver    string `json:"receiver,omitempty"`
	RequestID   int64  `json:"request_id,omitempty"`
	Shares      int64  `json:"shares"`
	UnitsOut    int64  `json:"units_out"`
	RawST       int64  `json:"raw_st"`
	RawJT       int64  `json:"raw_jt"`
	EffST       int64  `json:"eff_st"`
	EffJT       int64  `json:"eff_jt"`
	MarketState int32  `json:"market_state"`
	Timestamp   int64  `json:"timestamp_us"`
}

// EventLogEntry represents a raw event-log row for admin queries.
type EventLogEntry struct {
	Sequence       int64  `json:"sequence"`
	EventType      string `json:"event_type"`
	IdempotencyKey string `json:"idempotency_key"`
	MarketID       string `json:"market_id,omitempty"`
	Payload        []byte `json:"payload"`
	StateHash      []byte `json:"state_hash"`
	PrevHash       []byte `json:"prev_hash"`
	SourceSequence int64  `json:"source_sequence"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool          `json:"is_healthy"`
	HashChainBreaks []int64       `json:"hash_chain_breaks,omitempty"`
	ValueDrift      []MarketDrift `json:"value_drift,omitempty"`
}

// MarketDrift represents a market whose projected raw and effective NAV
// sums disagree.
type MarketDrift struct {
	MarketID string `json:"market_id"`
	Drift    int64  `json:"drift"` // (raw_st + raw_jt) - (eff_st + eff_jt)
}
