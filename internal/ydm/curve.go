package ydm

import (
	"fmt"

	fpmath "TrancheVault/internal/math"
)

// ShareInput carries the market snapshot a curve evaluates against.
// All ratio fields are WAD; NAV fields are NAV units.
type ShareInput struct {
	RawST       int64
	RawJT       int64
	BetaWad     int64
	CoverageWad int64
	EffectiveJT int64
}

// Model decides the instantaneous Junior yield-share fraction.
// InstantaneousJuniorShare must be monotonic non-decreasing in utilization
// and bounded to [0, Wad]. Observe lets adaptive variants advance their
// per-market state; static curves treat it as a no-op.
type Model interface {
	InstantaneousJuniorShare(in ShareInput) int64
	Observe(utilizationWad int64, nowMicros int64)
}

// StaticCurve is a piecewise-linear curve over three control points:
// Junior share at zero utilization, at the target utilization, and at
// full (100%) utilization.
type StaticCurve struct {
	shareAtZero   int64 // WAD
	shareAtTarget int64 // WAD
	shareAtFull   int64 // WAD
	targetUtil    int64 // WAD, in (0, Wad)
}

// NewStaticCurve validates the control points. Non-decreasing shares and a
// target strictly inside (0, 1) are construction-time requirements; a curve
// that violates monotonicity is a misconfiguration, not a runtime state.
func NewStaticCurve(shareAtZero, shareAtTarget, shareAtFull, targetUtil int64) (*StaticCurve, error) {
	for _, s := range []int64{shareAtZero, shareAtTarget, shareAtFull} {
		if s < 0 || s > fpmath.Wad {
			return nil, fmt.Errorf("%w: curve share %d outside [0, WAD]", ErrMisconfiguration, s)
		}
	}
	if shareAtZero > shareAtTarget || shareAtTarget > shareAtFull {
		return nil, fmt.Errorf("%w: curve shares must be non-decreasing (%d, %d, %d)",
			ErrMisconfiguration, shareAtZero, shareAtTarget, shareAtFull)
	}
	if targetUtil <= 0 || targetUtil >= fpmath.Wad {
		return nil, fmt.Errorf("%w: target utilization %d outside (0, WAD)", ErrMisconfiguration, targetUtil)
	}
	return &StaticCurve{
		shareAtZero:   shareAtZero,
		shareAtTarget: shareAtTarget,
		shareAtFull:   shareAtFull,
		targetUtil:    targetUtil,
	}, nil
}

// InstantaneousJuniorShare evaluates the curve at the utilization implied by
// the input snapshot.
func (c *StaticCurve) InstantaneousJuniorShare(in ShareInput) int64 {
	util := fpmath.UtilizationWad(in.RawST, in.RawJT, in.BetaWad, in.CoverageWad, in.EffectiveJT)
	return c.evalAt(util, c.targetUtil)
}

// Observe is a no-op: the static curve carries no per-market state.
func (c *StaticCurve) Observe(utilizationWad int64, nowMicros int64) {}

// evalAt interpolates linearly between the surrounding control points.
// Utilization above 1 clamps to the full-utilization share.
func (c *StaticCurve) evalAt(utilWad, targetWad int64) int64 {
	if utilWad <= 0 {
		return c.shareAtZero
	}
	if utilWad >= fpmath.Wad {
		return c.shareAtFull
	}
	if utilWad <= targetWad {
		// shareAtZero + (shareAtTarget - shareAtZero) * util / target
		rise := c.shareAtTarget - c.shareAtZero
		return c.shareAtZero + fpmath.MulDiv(rise, utilWad, targetWad, fpmath.RoundHalfEven)
	}
	rise := c.shareAtFull - c.shareAtTarget
	run := fpmath.Wad - targetWad
	return c.shareAtTarget + fpmath.MulDiv(rise, utilWad-targetWad, run, fpmath.RoundHalfEven)
}
