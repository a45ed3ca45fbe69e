package ydm

import (
	"fmt"

	fpmath "TrancheVault/internal/math"
)

// AdaptiveCurve is a static curve whose target control point drifts toward
// realized utilization over time, shifting the curve to keep actual
// utilization near the target. Unlike StaticCurve it carries a small piece
// of per-market state: the previous observed utilization and the last
// adjustment time.
type AdaptiveCurve struct {
	base *StaticCurve

	// adjustmentSpeedWad is the per-second drift fraction applied to the
	// gap between realized utilization and the current target.
	adjustmentSpeedWad int64
	minTargetWad       int64
	maxTargetWad       int64

	targetWad    int64
	prevUtilWad  int64
	lastAdjustUs int64
}

// NewAdaptiveCurve builds an adaptive curve from static control points plus
// drift parameters. The target stays clamped to [minTarget, maxTarget],
// both strictly inside (0, Wad).
func NewAdaptiveCurve(
	shareAtZero, shareAtTarget, shareAtFull, initialTarget int64,
	adjustmentSpeedWad, minTarget, maxTarget int64,
) (*AdaptiveCurve, error) {
	base, err := NewStaticCurve(shareAtZero, shareAtTarget, shareAtFull, initialTarget)
	if err != nil {
		return nil, err
	}
	if adjustmentSpeedWad < 0 || adjustmentSpeedWad > fpmath.Wad {
		return nil, fmt.Errorf("%w: adjustment speed %d outside [0, WAD]", ErrMisconfiguration, adjustmentSpeedWad)
	}
	if minTarget <= 0 || maxTarget >= fpmath.Wad || minTarget > maxTarget {
		return nil, fmt.Errorf("%w: target bounds (%d, %d) invalid", ErrMisconfiguration, minTarget, maxTarget)
	}
	if initialTarget < minTarget || initialTarget > maxTarget {
		return nil, fmt.Errorf("%w: initial target %d outside bounds", ErrMisconfiguration, initialTarget)
	}
	return &AdaptiveCurve{
		base:               base,
		adjustmentSpeedWad: adjustmentSpeedWad,
		minTargetWad:       minTarget,
		maxTargetWad:       maxTarget,
		targetWad:          initialTarget,
	}, nil
}

func (c *AdaptiveCurve) InstantaneousJuniorShare(in ShareInput) int64 {
	util := fpmath.UtilizationWad(in.RawST, in.RawJT, in.BetaWad, in.CoverageWad, in.EffectiveJT)
	return c.base.evalAt(util, c.targetWad)
}

// Observe drifts the target toward the previously observed utilization,
// weighted by elapsed time since the last adjustment. The previous
// observation is used (not the current one) so a single sync cannot both
// move the target and be priced against the moved target.
func (c *AdaptiveCurve) Observe(utilizationWad int64, nowMicros int64) {
	if c.lastAdjustUs == 0 {
		c.prevUtilWad = clampUtil(utilizationWad)
		c.lastAdjustUs = nowMicros
		return
	}
	elapsedUs := nowMicros - c.lastAdjustUs
	if elapsedUs <= 0 {
		return
	}

	gap := c.prevUtilWad - c.targetWad
	// step = gap * speed * elapsedSeconds, capped at the full gap
	elapsedSec := elapsedUs / 1_000_000
	if elapsedSec > 0 && gap != 0 {
		// speed*elapsed overflows int64 for long gaps; saturate at the full
		// gap before multiplying.
		weight := fpmath.Wad
		if c.adjustmentSpeedWad < fpmath.Wad/elapsedSec {
			weight = c.adjustmentSpeedWad * elapsedSec
		}
		step := fpmath.WadMul(gap, weight)
		target := c.targetWad + step
		if target < c.minTargetWad {
			target = c.minTargetWad
		}
		if target > c.maxTargetWad {
			target = c.maxTargetWad
		}
		c.targetWad = target
	}

	c.prevUtilWad = clampUtil(utilizationWad)
	c.lastAdjustUs = nowMicros
}

// TargetUtilization returns the current (drifted) target control point.
func (c *AdaptiveCurve) TargetUtilization() int64 {
	return c.targetWad
}

// Snapshot captures the adaptive per-market state for persistence.
func (c *AdaptiveCurve) Snapshot() (targetWad, prevUtilWad, lastAdjustUs int64) {
	return c.targetWad, c.prevUtilWad, c.lastAdjustUs
}

// Restore reinstates adaptive state from a snapshot.
func (c *AdaptiveCurve) Restore(targetWad, prevUtilWad, lastAdjustUs int64) {
	if targetWad >= c.minTargetWad && targetWad <= c.maxTargetWad {
		c.targetWad = targetWad
	}
	c.prevUtilWad = clampUtil(prevUtilWad)
	c.lastAdjustUs = lastAdjustUs
}

func clampUtil(u int64) int64 {
	if u < 0 {
		return 0
	}
	if u > fpmath.Wad {
		return fpmath.Wad
	}
	return u
}
