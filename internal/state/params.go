package state

import (
	"fmt"
	"time"

	fpmath "TrancheVault/internal/math"
)

// Params holds the per-market accounting parameters. All ratios are WAD.
type Params struct {
	CoverageWad int64 // target fraction of covered exposure Junior must absorb
	BetaWad     int64 // Junior's sensitivity to Senior's downside stress
	STFeeWad    int64 // protocol fee rate on Senior's distributed yield
	JTFeeWad    int64 // protocol fee rate on Junior's distributed yield
	LLTVWad     int64 // utilization threshold that trips FixedTerm

	FixedTermDuration time.Duration
}

// Validate checks parameter ranges at initialization and on every setter.
func (p Params) Validate() error {
	if p.CoverageWad < 0 {
		return fmt.Errorf("%w: coverage %d negative", ErrMisconfiguration, p.CoverageWad)
	}
	if p.BetaWad < 0 || p.BetaWad > fpmath.Wad {
		return fmt.Errorf("%w: beta %d outside [0, WAD]", ErrMisconfiguration, p.BetaWad)
	}
	if p.STFeeWad < 0 || p.STFeeWad >= fpmath.Wad {
		return fmt.Errorf("%w: ST fee %d outside [0, WAD)", ErrMisconfiguration, p.STFeeWad)
	}
	if p.JTFeeWad < 0 || p.JTFeeWad >= fpmath.Wad {
		return fmt.Errorf("%w: JT fee %d outside [0, WAD)", ErrMisconfiguration, p.JTFeeWad)
	}
	if p.LLTVWad <= 0 || p.LLTVWad > fpmath.Wad {
		return fmt.Errorf("%w: LLTV %d outside (0, WAD]", ErrMisconfiguration, p.LLTVWad)
	}
	if p.FixedTermDuration <= 0 {
		return fmt.Errorf("%w: fixed-term duration %s not positive", ErrMisconfiguration, p.FixedTermDuration)
	}
	return nil
}
