package state

// MarketState is the per-market lifecycle state.
// Perpetual is the steady state; FixedTerm is entered when a realized Senior
// loss pushes utilization above the LLTV threshold, and exits back to
// Perpetual after the configured duration with no further disqualifying loss.
type MarketState int32

const (
	MarketStatePerpetual MarketState = iota
	MarketStateFixedTerm
)

func (s MarketState) String() string {
	switch s {
	case MarketStatePerpetual:
		return "Perpetual"
	case MarketStateFixedTerm:
		return "FixedTerm"
	default:
		return "Unknown"
	}
}

// OpType tags the tranche operation whose deltas a post-op sync applies.
type OpType int32

const (
	OpSync OpType = iota
	OpSTDeposit
	OpSTRedeem
	OpJTDeposit
	OpJTRequestRedeem
	OpJTRedeem
	OpJTCancelRedeem
)

func (op OpType) String() string {
	switch op {
	case OpSync:
		return "Sync"
	case OpSTDeposit:
		return "STDeposit"
	case OpSTRedeem:
		return "STRedeem"
	case OpJTDeposit:
		return "JTDeposit"
	case OpJTRequestRedeem:
		return "JTRequestRedeem"
	case OpJTRedeem:
		return "JTRedeem"
	case OpJTCancelRedeem:
		return "JTCancelRedeem"
	default:
		return "Unknown"
	}
}

// CoverageGated reports whether the operation must pass the coverage
// post-check: the operations that could increase covered exposure or
// shrink the Junior buffer.
func (op OpType) CoverageGated() bool {
	return op == OpSTDeposit || op == OpJTRedeem
}
