package state

import (
	"fmt"
	"math/big"
	"time"

	fpmath "TrancheVault/internal/math"
	"TrancheVault/internal/ydm"
)

// Accountant owns the per-market tranche accounting state: raw and effective
// NAV checkpoints for both tranches, the time-weighted Junior yield-share
// accumulator, the market-state machine, and accrued protocol fees.
//
// Raw NAV is the pure mark-to-market value read from the strategy adapter.
// Effective NAV is what backs tranche shares: NAV after coverage transfers,
// yield distribution, and uncovered losses.
//
// INVARIANT N-01 (conservation): rawST + rawJT == effST + effJT at every
// checkpoint, within rounding tolerance (saturation on deep losses excepted).
// INVARIANT C-01 (coverage): after any coverage-gated operation,
// (rawST + beta*rawJT) * coverage <= effJT.
//
// Not thread-safe — only accessed from the single-threaded vault core.
type Accountant struct {
	marketID string
	params   Params
	model    ydm.Model

	rawST int64
	rawJT int64
	effST int64
	effJT int64

	lastAccrualUs      int64
	lastDistributionUs int64
	// shareAccumulator is Σ instantaneousJuniorShare(WAD) * dtMicros since
	// the last distribution. big.Int: a year of full share is ~3e25.
	shareAccumulator *big.Int

	marketState        MarketState
	fixedTermEnteredUs int64

	feesAccruedST int64 // NAV units pending fee-share mint
	feesAccruedJT int64
}

// SyncedState is the result of a synchronization pass.
type SyncedState struct {
	RawST int64
	RawJT int64
	EffST int64
	EffJT int64

	MarketState    MarketState
	UtilizationWad int64

	// YieldDistributed is set when a positive Senior delta was split this
	// sync. Unset when the delta was zero, negative, or deferred because no
	// time elapsed since the last distribution.
	YieldDistributed bool
	STYield          int64
	JTYield          int64
	CoverageTransfer int64
	UncoveredLoss    int64

	FeesAccruedST int64
	FeesAccruedJT int64
}

func NewAccountant(marketID string, params Params, model ydm.Model, nowUs int64) (*Accountant, error) {
	if marketID == "" {
		return nil, fmt.Errorf("%w: empty market id", ErrMisconfiguration)
	}
	if model == nil {
		return nil, fmt.Errorf("%w: nil yield distribution model", ErrMisconfiguration)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Accountant{
		marketID:           marketID,
		params:             params,
		model:              model,
		lastAccrualUs:      nowUs,
		lastDistributionUs: nowUs,
		shareAccumulator:   new(big.Int),
		marketState:        MarketStatePerpetual,
	}, nil
}

// MarketID returns the market this accountant belongs to.
func (a *Accountant) MarketID() string { return a.marketID }

// Params returns the current accounting parameters.
func (a *Accountant) Params() Params { return a.params }

// State returns the current checkpointed state without synchronizing.
func (a *Accountant) State() SyncedState {
	return SyncedState{
		RawST:          a.rawST,
		RawJT:          a.rawJT,
		EffST:          a.effST,
		EffJT:          a.effJT,
		MarketState:    a.marketState,
		UtilizationWad: a.utilization(),
		FeesAccruedST:  a.feesAccruedST,
		FeesAccruedJT:  a.feesAccruedJT,
	}
}

// MarketState returns the current market state.
func (a *Accountant) MarketState() MarketState { return a.marketState }

// scratch is a working copy the sync algorithm mutates; commit applies it.
type scratch struct {
	rawST, rawJT       int64
	effST, effJT       int64
	lastAccrualUs      int64
	lastDistributionUs int64
	shareAccumulator   *big.Int
	marketState        MarketState
	fixedTermEnteredUs int64
	feesAccruedST      int64
	feesAccruedJT      int64

	result SyncedState
}

func (a *Accountant) newScratch() *scratch {
	return &scratch{
		rawST:              a.rawST,
		rawJT:              a.rawJT,
		effST:              a.effST,
		effJT:              a.effJT,
		lastAccrualUs:      a.lastAccrualUs,
		lastDistributionUs: a.lastDistributionUs,
		shareAccumulator:   new(big.Int).Set(a.shareAccumulator),
		marketState:        a.marketState,
		fixedTermEnteredUs: a.fixedTermEnteredUs,
		feesAccruedST:      a.feesAccruedST,
		feesAccruedJT:      a.feesAccruedJT,
	}
}

func (a *Accountant) commit(s *scratch) {
	a.rawST = s.rawST
	a.rawJT = s.rawJT
	a.effST = s.effST
	a.effJT = s.effJT
	a.lastAccrualUs = s.lastAccrualUs
	a.lastDistributionUs = s.lastDistributionUs
	a.shareAccumulator = s.shareAccumulator
	a.marketState = s.marketState
	a.fixedTermEnteredUs = s.fixedTermEnteredUs
	a.feesAccruedST = s.feesAccruedST
	a.feesAccruedJT = s.feesAccruedJT
}

// PreviewSync computes the synchronized state without mutating. Used for
// view-only quoting.
func (a *Accountant) PreviewSync(rawSTNow, rawJTNow, nowUs int64) SyncedState {
	s := a.newScratch()
	a.computeSync(s, rawSTNow, rawJTNow, nowUs)
	return s.result
}

// PreOpSync realizes accrued yield and losses into effective NAVs and
// persists checkpoints. Must be called once, and exactly once, immediately
// before any state-changing tranche operation. Returns the synchronized
// state and the protocol fees newly accrued by this sync (per tranche).
func (a *Accountant) PreOpSync(rawSTNow, rawJTNow, nowUs int64) (SyncedState, int64, int64) {
	prevFeesST, prevFeesJT := a.feesAccruedST, a.feesAccruedJT

	s := a.newScratch()
	a.computeSync(s, rawSTNow, rawJTNow, nowUs)
	a.commit(s)

	// Advance the adaptive model against the realized utilization.
	a.model.Observe(s.result.UtilizationWad, nowUs)

	return s.result, a.feesAccruedST - prevFeesST, a.feesAccruedJT - prevFeesJT
}

// computeSync is the synchronization algorithm:
//  1. Accrue Junior's instantaneous yield share over the elapsed interval
//     into the time-weighted accumulator (smooths same-block manipulation).
//  2. Compute signed raw deltas against the checkpoints.
//  3. Apply Junior PnL directly: losses saturate at zero, gains in full.
//  4. deltaST == 0: no Senior-side change.
//  5. deltaST < 0: loss waterfall — Junior absorbs the Senior loss up to its
//     full effective NAV before Senior is impaired.
//  6. deltaST > 0: split the yield by the time-weighted average Junior share;
//     defer when no time elapsed since the last distribution.
//  7. Persist raw and effective checkpoints.
func (a *Accountant) computeSync(s *scratch, rawSTNow, rawJTNow, nowUs int64) {
	// Step 1: time-weighted accrual against the *checkpointed* state.
	dtUs := nowUs - s.lastAccrualUs
	if dtUs > 0 {
		share := a.model.InstantaneousJuniorShare(ydm.ShareInput{
			RawST:       s.rawST,
			RawJT:       s.rawJT,
			BetaWad:     a.params.BetaWad,
			CoverageWad: a.params.CoverageWad,
			EffectiveJT: s.effJT,
		})
		term := new(big.Int).Mul(big.NewInt(share), big.NewInt(dtUs))
		s.shareAccumulator.Add(s.shareAccumulator, term)
		s.lastAccrualUs = nowUs
	}

	// Step 2: signed deltas.
	deltaST := rawSTNow - s.rawST
	deltaJT := rawJTNow - s.rawJT

	// Step 3: Junior PnL applies directly. Junior keeps 100% of its own
	// appreciation; a Junior-only loss never touches Senior.
	if deltaJT >= 0 {
		s.effJT += deltaJT
	} else {
		s.effJT = fpmath.SubSat(s.effJT, -deltaJT)
	}
	s.rawJT = rawJTNow

	disqualifyingLoss := false

	switch {
	case deltaST == 0:
		// Step 4: no Senior-side change.
		s.rawST = rawSTNow

	case deltaST < 0:
		// Step 5: loss waterfall.
		loss := -deltaST
		s.effST = fpmath.SubSat(s.effST, loss)
		transfer := fpmath.Min(loss, s.effJT)
		s.effJT -= transfer
		s.effST += transfer
		s.rawST = rawSTNow

		s.result.CoverageTransfer = transfer
		s.result.UncoveredLoss = loss - transfer
		disqualifyingLoss = true

	default:
		// Step 6: yield distribution.
		elapsedUs := nowUs - s.lastDistributionUs
		if elapsedUs <= 0 {
			// Same-timestamp sync: defer the whole Senior delta by leaving
			// the Senior raw checkpoint behind. Avoids division by zero and
			// same-block manipulation of the average share.
			break
		}

		avgShare := new(big.Int).Div(s.shareAccumulator, big.NewInt(elapsedUs)).Int64()
		if avgShare < 0 {
			avgShare = 0
		}
		if avgShare > fpmath.Wad {
			avgShare = fpmath.Wad
		}

		jtYield := fpmath.WadMul(deltaST, avgShare)
		stYield := deltaST - jtYield
		s.effJT += jtYield
		s.effST += stYield
		s.rawST = rawSTNow

		// Protocol fee is a claim on each tranche's distributed slice,
		// settled later by diluting that tranche's shares — no NAV moves,
		// so conservation is unaffected.
		s.feesAccruedST += fpmath.WadMul(stYield, a.params.STFeeWad)
		s.feesAccruedJT += fpmath.WadMul(jtYield, a.params.JTFeeWad)

		s.shareAccumulator.SetInt64(0)
		s.lastDistributionUs = nowUs

		s.result.YieldDistributed = true
		s.result.STYield = stYield
		s.result.JTYield = jtYield
	}

	util := fpmath.UtilizationWad(s.rawST, s.rawJT, a.params.BetaWad, a.params.CoverageWad, s.effJT)
	a.stepMarketState(s, util, disqualifyingLoss, nowUs)

	s.result.RawST = s.rawST
	s.result.RawJT = s.rawJT
	s.result.EffST = s.effST
	s.result.EffJT = s.effJT
	s.result.MarketState = s.marketState
	s.result.UtilizationWad = util
	s.result.FeesAccruedST = s.feesAccruedST
	s.result.FeesAccruedJT = s.feesAccruedJT
}

// stepMarketState advances the Perpetual/FixedTerm machine.
// Perpetual -> FixedTerm: a realized Senior loss pushed utilization above LLTV.
// FixedTerm -> Perpetual: the fixed-term duration elapsed with no further
// disqualifying loss.
func (a *Accountant) stepMarketState(s *scratch, utilWad int64, seniorLoss bool, nowUs int64) {
	switch s.marketState {
	case MarketStatePerpetual:
		if seniorLoss && utilWad > a.params.LLTVWad {
			s.marketState = MarketStateFixedTerm
			s.fixedTermEnteredUs = nowUs
		}
	case MarketStateFixedTerm:
		if seniorLoss && utilWad > a.params.LLTVWad {
			// Fresh disqualifying loss restarts the term.
			s.fixedTermEnteredUs = nowUs
			return
		}
		if nowUs >= s.fixedTermEnteredUs+a.params.FixedTermDuration.Microseconds() {
			s.marketState = MarketStatePerpetual
			s.fixedTermEnteredUs = 0
		}
	}
}

// PostOpSync applies the known deltas of a just-executed operation directly
// (no yield/loss inference) and persists checkpoints.
func (a *Accountant) PostOpSync(op OpType, stDeposit, jtDeposit, stRedeem, jtRedeem int64) SyncedState {
	s, _ := a.applyPostOp(op, stDeposit, jtDeposit, stRedeem, jtRedeem)
	a.commit(s)
	return s.result
}

// PostOpSyncAndEnforceCoverage applies the operation deltas, then evaluates
// the coverage invariant. On violation nothing is persisted and
// ErrInsufficientCoverage is returned: the whole operation must abort.
func (a *Accountant) PostOpSyncAndEnforceCoverage(op OpType, stDeposit, jtDeposit, stRedeem, jtRedeem int64) (SyncedState, error) {
	s, utilWad := a.applyPostOp(op, stDeposit, jtDeposit, stRedeem, jtRedeem)
	if utilWad > fpmath.Wad {
		return SyncedState{}, fmt.Errorf("%w: %s would leave utilization %d > WAD on market %s",
			ErrInsufficientCoverage, op, utilWad, a.marketID)
	}
	a.commit(s)
	return s.result, nil
}

func (a *Accountant) applyPostOp(op OpType, stDeposit, jtDeposit, stRedeem, jtRedeem int64) (*scratch, int64) {
	s := a.newScratch()

	s.effST = fpmath.SubSat(s.effST+stDeposit, stRedeem)
	s.effJT = fpmath.SubSat(s.effJT+jtDeposit, jtRedeem)
	// Checkpoints advance by the operation deltas, never by re-reading the
	// adapter mark: a Senior yield mark deferred by a same-microsecond sync
	// keeps the raw checkpoint behind until the next distribution.
	s.rawST += stDeposit - stRedeem
	s.rawJT += jtDeposit - jtRedeem

	util := fpmath.UtilizationWad(s.rawST, s.rawJT, a.params.BetaWad, a.params.CoverageWad, s.effJT)

	s.result = SyncedState{
		RawST:          s.rawST,
		RawJT:          s.rawJT,
		EffST:          s.effST,
		EffJT:          s.effJT,
		MarketState:    s.marketState,
		UtilizationWad: util,
		FeesAccruedST:  s.feesAccruedST,
		FeesAccruedJT:  s.feesAccruedJT,
	}
	return s, util
}

func (a *Accountant) utilization() int64 {
	return fpmath.UtilizationWad(a.rawST, a.rawJT, a.params.BetaWad, a.params.CoverageWad, a.effJT)
}

// STMaxDepositNAV returns the largest Senior deposit (in NAV units) that
// keeps utilization at or below 1 against current checkpoints.
func (a *Accountant) STMaxDepositNAV() int64 {
	return STMaxDepositFromState(a.State(), a.params)
}

// JTMaxRedeemNAV returns the largest Junior redemption (in NAV units) that
// keeps utilization at or below 1.
func (a *Accountant) JTMaxRedeemNAV() int64 {
	return JTMaxRedeemFromState(a.State(), a.params)
}

// STMaxDepositFromState computes Senior deposit headroom against an
// arbitrary synced state (e.g. a preview).
func STMaxDepositFromState(s SyncedState, p Params) int64 {
	if p.CoverageWad == 0 {
		return fpmath.MaxUtilization
	}
	// covered exposure <= effJT  =>  rawST <= effJT/coverage - beta*rawJT
	maxExposure := fpmath.WadDiv(s.EffJT, p.CoverageWad)
	maxRawST := fpmath.SubSat(maxExposure, fpmath.WadMul(s.RawJT, p.BetaWad))
	return fpmath.SubSat(maxRawST, s.RawST)
}

// JTMaxRedeemFromState computes Junior redemption headroom. Redeeming x
// reduces both effJT and rawJT, so the headroom is
// (effJT - covered) / (1 - beta*coverage), capped at effJT.
func JTMaxRedeemFromState(s SyncedState, p Params) int64 {
	covered := fpmath.CoveredExposure(s.RawST, s.RawJT, p.BetaWad, p.CoverageWad)
	headroom := fpmath.SubSat(s.EffJT, covered)
	if headroom == 0 {
		return 0
	}
	denom := fpmath.Wad - fpmath.WadMul(p.BetaWad, p.CoverageWad)
	if denom > 0 && denom < fpmath.Wad {
		headroom = fpmath.MulDiv(headroom, fpmath.Wad, denom, fpmath.RoundDown)
	}
	return fpmath.Min(headroom, s.EffJT)
}

// CheckConservation validates INVARIANT N-01 within an absolute tolerance.
func (a *Accountant) CheckConservation(tolerance int64) error {
	rawSum := a.rawST + a.rawJT
	effSum := a.effST + a.effJT
	diff := rawSum - effSum
	if diff < 0 {
		diff = -diff
	}
	// Uncovered losses legitimately break conservation: once both effective
	// NAVs have saturated at zero there is nothing left to write down.
	if diff > tolerance && effSum > 0 {
		return fmt.Errorf("NAV conservation broken on %s: raw=%d eff=%d diff=%d",
			a.marketID, rawSum, effSum, diff)
	}
	return nil
}

// DrainFees returns and clears the accrued protocol fees for both tranches.
// Called by the Kernel when it mints fee shares.
func (a *Accountant) DrainFees() (feeST, feeJT int64) {
	feeST, feeJT = a.feesAccruedST, a.feesAccruedJT
	a.feesAccruedST, a.feesAccruedJT = 0, 0
	return feeST, feeJT
}

// --- Admin setters (privileged surface) ---

func (a *Accountant) SetCoverage(coverageWad int64) error {
	p := a.params
	p.CoverageWad = coverageWad
	return a.setParams(p)
}

func (a *Accountant) SetBeta(betaWad int64) error {
	p := a.params
	p.BetaWad = betaWad
	return a.setParams(p)
}

func (a *Accountant) SetLLTV(lltvWad int64) error {
	p := a.params
	p.LLTVWad = lltvWad
	return a.setParams(p)
}

func (a *Accountant) SetFixedTermDuration(d time.Duration) error {
	p := a.params
	p.FixedTermDuration = d
	return a.setParams(p)
}

func (a *Accountant) setParams(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	a.params = p
	return nil
}

// --- Snapshot & restore ---

// Snapshot is the serializable accountant state.
type Snapshot struct {
	MarketID           string `json:"market_id"`
	RawST              int64  `json:"raw_st"`
	RawJT              int64  `json:"raw_jt"`
	EffST              int64  `json:"eff_st"`
	EffJT              int64  `json:"eff_jt"`
	LastAccrualUs      int64  `json:"last_accrual_us"`
	LastDistributionUs int64  `json:"last_distribution_us"`
	ShareAccumulator   string `json:"share_accumulator"` // big.Int decimal string
	MarketState        int32  `json:"market_state"`
	FixedTermEnteredUs int64  `json:"fixed_term_entered_us"`
	FeesAccruedST      int64  `json:"fees_accrued_st"`
	FeesAccruedJT      int64  `json:"fees_accrued_jt"`
}

func (a *Accountant) Snapshot() Snapshot {
	return Snapshot{
		MarketID:           a.marketID,
		RawST:              a.rawST,
		RawJT:              a.rawJT,
		EffST:              a.effST,
		EffJT:              a.effJT,
		LastAccrualUs:      a.lastAccrualUs,
		LastDistributionUs: a.lastDistributionUs,
		ShareAccumulator:   a.shareAccumulator.String(),
		MarketState:        int32(a.marketState),
		FixedTermEnteredUs: a.fixedTermEnteredUs,
		FeesAccruedST:      a.feesAccruedST,
		FeesAccruedJT:      a.feesAccruedJT,
	}
}

func (a *Accountant) Restore(snap Snapshot) error {
	acc, ok := new(big.Int).SetString(snap.ShareAccumulator, 10)
	if !ok {
		return fmt.Errorf("restore %s: malformed share accumulator %q", a.marketID, snap.ShareAccumulator)
	}
	a.rawST = snap.RawST
	a.rawJT = snap.RawJT
	a.effST = snap.EffST
	a.effJT = snap.EffJT
	a.lastAccrualUs = snap.LastAccrualUs
	a.lastDistributionUs = snap.LastDistributionUs
	a.shareAccumulator = acc
	a.marketState = MarketState(snap.MarketState)
	a.fixedTermEnteredUs = snap.FixedTermEnteredUs
	a.feesAccruedST = snap.FeesAccruedST
	a.feesAccruedJT = snap.FeesAccruedJT
	return nil
}
