package query

import (
	"github.com/google/uuid"
)

// ShareBalanceResponse represents a controller's tranche share position
// for API queries.
type ShareBalanceResponse struct {
	Controller uuid.UUID `json:"controller"`
	MarketID   string    `json:"market_id"`
	Tranche    string    `json:"tranche"` // "ST" or "JT"

	// Projected share balances
	Shares   int64 `json:"shares"`   // freely redeemable
	Escrowed int64 `json:"escrowed"` // locked in redemption requests
	Total    int64 `json:"total"`    // shares + escrowed

	// Metadata
	AsOfSequence int64 `json:"as_of_sequence"` // last applied event sequence
}
