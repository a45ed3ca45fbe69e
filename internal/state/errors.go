package state

import "errors"

var (
	// ErrInsufficientCoverage means a coverage-gated operation would leave
	// utilization above 1. The entire operation is discarded.
	ErrInsufficientCoverage = errors.New("insufficient coverage")

	// ErrInvalidMarketState means the operation is not permitted in the
	// current market state.
	ErrInvalidMarketState = errors.New("invalid market state")

	// ErrMisconfiguration marks invalid accounting parameters.
	ErrMisconfiguration = errors.New("misconfiguration")
)
