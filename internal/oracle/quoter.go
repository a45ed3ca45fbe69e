package oracle

import (
	"errors"
	"fmt"

	fpmath "TrancheVault/internal/math"
)

var (
	// ErrStaleRate means the latest sample is older than the staleness window.
	ErrStaleRate = errors.New("stale conversion rate")

	// ErrInvalidRate means the sample is unusable: zero/negative rate or an
	// incomplete oracle round.
	ErrInvalidRate = errors.New("invalid conversion rate")
)

// RateSample is one observation from the conversion-rate source.
type RateSample struct {
	RateWad       int64 // NAV units per tranche unit, WAD
	UpdatedAtUs   int64 // versioned input timestamp
	RoundComplete bool
}

// Quoter is the tranche-unit <-> NAV-unit conversion-rate source.
// Implementations must reject stale, zero/negative, and incomplete samples
// before returning a rate.
type Quoter interface {
	Rate(nowUs int64) (RateSample, error)
}

// FeedQuoter serves the most recent pushed sample, validated on every read.
// Samples arrive as RateObserved events; gaps in the feed sequence are
// tolerated (only the newest sample matters).
type FeedQuoter struct {
	latest       RateSample
	hasSample    bool
	maxAgeUs     int64
	lastSequence int64
}

func NewFeedQuoter(maxAgeUs int64) *FeedQuoter {
	return &FeedQuoter{maxAgeUs: maxAgeUs}
}

// Push records a new sample. Out-of-date pushes (sequence at or below the
// last accepted one) are dropped.
func (q *FeedQuoter) Push(sample RateSample, sequence int64) {
	if q.hasSample && sequence <= q.lastSequence {
		return
	}
	q.latest = sample
	q.hasSample = true
	q.lastSequence = sequence
}

func (q *FeedQuoter) Rate(nowUs int64) (RateSample, error) {
	if !q.hasSample {
		return RateSample{}, fmt.Errorf("%w: no sample received", ErrInvalidRate)
	}
	return validate(q.latest, nowUs, q.maxAgeUs)
}

func validate(s RateSample, nowUs, maxAgeUs int64) (RateSample, error) {
	if !s.RoundComplete {
		return RateSample{}, fmt.Errorf("%w: incomplete round at %d", ErrInvalidRate, s.UpdatedAtUs)
	}
	if s.RateWad <= 0 {
		return RateSample{}, fmt.Errorf("%w: rate %d", ErrInvalidRate, s.RateWad)
	}
	if maxAgeUs > 0 && nowUs-s.UpdatedAtUs > maxAgeUs {
		return RateSample{}, fmt.Errorf("%w: sample age %dus exceeds %dus",
			ErrStaleRate, nowUs-s.UpdatedAtUs, maxAgeUs)
	}
	return s, nil
}

// StaticQuoter returns a fixed rate. Used for markets whose tranche unit is
// the accounting denomination itself, and in tests.
type StaticQuoter struct {
	RateWad int64
}

func (q StaticQuoter) Rate(nowUs int64) (RateSample, error) {
	if q.RateWad <= 0 {
		return RateSample{}, fmt.Errorf("%w: rate %d", ErrInvalidRate, q.RateWad)
	}
	return RateSample{RateWad: q.RateWad, UpdatedAtUs: nowUs, RoundComplete: true}, nil
}

// Unit is the identity quoter (1 tranche unit == 1 NAV unit).
var Unit = StaticQuoter{RateWad: fpmath.Wad}

// OpRateCache pins the conversion rate for the duration of a single
// multi-step operation: the rate is resolved once at entry and every
// conversion inside the operation sees the same value, even if the
// underlying source updates mid-call. Invalidate at operation exit.
type OpRateCache struct {
	source Quoter
	pinned *RateSample
}

func NewOpRateCache(source Quoter) *OpRateCache {
	return &OpRateCache{source: source}
}

// Pin resolves and caches the rate for the current operation.
func (c *OpRateCache) Pin(nowUs int64) (RateSample, error) {
	if c.pinned != nil {
		return *c.pinned, nil
	}
	sample, err := c.source.Rate(nowUs)
	if err != nil {
		return RateSample{}, err
	}
	c.pinned = &sample
	return sample, nil
}

// Invalidate drops the pinned rate at operation exit.
func (c *OpRateCache) Invalidate() {
	c.pinned = nil
}
