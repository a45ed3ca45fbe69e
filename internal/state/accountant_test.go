package state_test

import (
	"errors"
	"testing"
	"time"

	fpmath "TrancheVault/internal/math"
	"TrancheVault/internal/state"
	"TrancheVault/internal/ydm"
)

const (
	navTolerance = int64(10) // absolute NAV-unit tolerance for conservation
	baseUs       = int64(1_700_000_000_000_000)
)

func defaultParams() state.Params {
	return state.Params{
		CoverageWad:       fpmath.Wad * 8 / 10, // 0.8
		BetaWad:           fpmath.Wad / 2,      // 0.5
		STFeeWad:          0,
		JTFeeWad:          0,
		LLTVWad:           fpmath.Wad / 100 * 95,
		FixedTermDuration: 24 * time.Hour,
	}
}

func flatCurve(t *testing.T, shareWad int64) ydm.Model {
	t.Helper()
	c, err := ydm.NewStaticCurve(shareWad, shareWad, shareWad, fpmath.Wad/2)
	if err != nil {
		t.Fatalf("flat curve: %v", err)
	}
	return c
}

func newAccountant(t *testing.T, params state.Params, model ydm.Model) *state.Accountant {
	t.Helper()
	a, err := state.NewAccountant("vault-usd", params, model, baseUs)
	if err != nil {
		t.Fatalf("NewAccountant: %v", err)
	}
	return a
}

// seed funds both tranches through post-op syncs, as deposits would.
func seed(a *state.Accountant, st, jt int64) {
	a.PostOpSync(state.OpJTDeposit, 0, jt, 0, 0)
	a.PostOpSync(state.OpSTDeposit, st, 0, 0, 0)
}

func assertConservation(t *testing.T, a *state.Accountant) {
	t.Helper()
	if err := a.CheckConservation(navTolerance); err != nil {
		t.Fatalf("conservation: %v", err)
	}
}

func TestNewAccountant_Validation(t *testing.T) {
	model := flatCurve(t, fpmath.Wad/2)

	if _, err := state.NewAccountant("", defaultParams(), model, baseUs); !errors.Is(err, state.ErrMisconfiguration) {
		t.Errorf("empty market id should be rejected, got %v", err)
	}
	if _, err := state.NewAccountant("m", defaultParams(), nil, baseUs); !errors.Is(err, state.ErrMisconfiguration) {
		t.Errorf("nil model should be rejected, got %v", err)
	}

	bad := defaultParams()
	bad.BetaWad = fpmath.Wad + 1
	if _, err := state.NewAccountant("m", bad, model, baseUs); !errors.Is(err, state.ErrMisconfiguration) {
		t.Errorf("beta > WAD should be rejected, got %v", err)
	}
}

func TestPreOpSync_YieldSplit(t *testing.T) {
	// Flat 40% Junior share: a Senior yield event distributes 40% to Junior.
	a := newAccountant(t, defaultParams(), flatCurve(t, fpmath.Wad*4/10))
	seed(a, 50_000, 100_000)

	before := a.State()
	now := baseUs + 3_600_000_000 // +1h

	yield := int64(10_000)
	got, _, _ := a.PreOpSync(before.RawST+yield, before.RawJT, now)

	if !got.YieldDistributed {
		t.Fatal("yield should have been distributed")
	}
	if got.JTYield != 4_000 {
		t.Errorf("JT yield: got %d, want 4_000", got.JTYield)
	}
	if got.STYield != 6_000 {
		t.Errorf("ST yield: got %d, want 6_000", got.STYield)
	}
	if got.EffJT != before.EffJT+4_000 {
		t.Errorf("effJT: got %d, want %d", got.EffJT, before.EffJT+4_000)
	}
	if got.EffST != before.EffST+6_000 {
		t.Errorf("effST: got %d, want %d", got.EffST, before.EffST+6_000)
	}
	// Sum equals pre-yield sum plus the full yield amount.
	if got.EffST+got.EffJT != before.EffST+before.EffJT+yield {
		t.Errorf("yield not conserved: %d + %d != %d + %d", got.EffST, got.EffJT, before.EffST+before.EffJT, yield)
	}
	assertConservation(t, a)
}

func TestPreOpSync_JuniorOnlyLossLeavesSeniorUntouched(t *testing.T) {
	a := newAccountant(t, defaultParams(), flatCurve(t, fpmath.Wad/2))
	seed(a, 50_000, 100_000)
	before := a.State()

	loss := int64(5_000) // 5% of Junior
	got, _, _ := a.PreOpSync(before.RawST, before.RawJT-loss, baseUs+60_000_000)

	if got.EffST != before.EffST {
		t.Errorf("Senior effective NAV changed on Junior-only loss: %d -> %d", before.EffST, got.EffST)
	}
	if got.EffJT != before.EffJT-loss {
		t.Errorf("effJT: got %d, want %d", got.EffJT, before.EffJT-loss)
	}
	assertConservation(t, a)
}

func TestPreOpSync_JuniorGainKeptInFull(t *testing.T) {
	a := newAccountant(t, defaultParams(), flatCurve(t, fpmath.Wad/2))
	seed(a, 50_000, 100_000)
	before := a.State()

	gain := int64(7_500)
	got, _, _ := a.PreOpSync(before.RawST, before.RawJT+gain, baseUs+60_000_000)

	if got.EffJT != before.EffJT+gain {
		t.Errorf("Junior should keep 100%% of its own gain: got %d, want %d", got.EffJT, before.EffJT+gain)
	}
	if got.EffST != before.EffST {
		t.Errorf("Senior must not share Junior upside: %d -> %d", before.EffST, got.EffST)
	}
}

func TestPreOpSync_LossWaterfall(t *testing.T) {
	a := newAccountant(t, defaultParams(), flatCurve(t, fpmath.Wad/2))
	seed(a, 50_000, 100_000)
	before := a.State()

	loss := int64(20_000)
	got, _, _ := a.PreOpSync(before.RawST-loss, before.RawJT, baseUs+60_000_000)

	// Junior absorbs the full Senior loss: effJT down by min(loss, effJT),
	// Senior made whole.
	if got.CoverageTransfer != loss {
		t.Errorf("coverage transfer: got %d, want %d", got.CoverageTransfer, loss)
	}
	if got.EffJT != before.EffJT-loss {
		t.Errorf("effJT: got %d, want %d", got.EffJT, before.EffJT-loss)
	}
	if got.EffST != before.EffST {
		t.Errorf("effST should be fully covered: got %d, want %d", got.EffST, before.EffST)
	}
	if got.UncoveredLoss != 0 {
		t.Errorf("uncovered loss: got %d, want 0", got.UncoveredLoss)
	}
	assertConservation(t, a)
}

func TestPreOpSync_LossExceedsJuniorBuffer(t *testing.T) {
	a := newAccountant(t, defaultParams(), flatCurve(t, fpmath.Wad/2))
	seed(a, 100_000, 30_000)
	before := a.State()

	loss := int64(50_000) // more than Junior's whole buffer
	got, _, _ := a.PreOpSync(before.RawST-loss, before.RawJT, baseUs+60_000_000)

	if got.CoverageTransfer != 30_000 {
		t.Errorf("coverage transfer: got %d, want 30_000", got.CoverageTransfer)
	}
	if got.EffJT != 0 {
		t.Errorf("effJT should be wiped: got %d", got.EffJT)
	}
	// Senior impaired only by the uncovered remainder.
	if got.EffST != before.EffST-20_000 {
		t.Errorf("effST: got %d, want %d", got.EffST, before.EffST-20_000)
	}
	if got.UncoveredLoss != 20_000 {
		t.Errorf("uncovered loss: got %d, want 20_000", got.UncoveredLoss)
	}
	assertConservation(t, a)
}

func TestPreOpSync_SameTimestampYieldDeferred(t *testing.T) {
	a := newAccountant(t, defaultParams(), flatCurve(t, fpmath.Wad/2))
	seed(a, 50_000, 100_000)
	before := a.State()

	// Zero elapsed time since market creation distribution checkpoint.
	got, _, _ := a.PreOpSync(before.RawST+10_000, before.RawJT, baseUs)

	if got.YieldDistributed {
		t.Error("same-timestamp yield must be deferred")
	}
	if got.EffST != before.EffST || got.EffJT != before.EffJT {
		t.Error("deferred yield must not touch effective NAVs")
	}
	// Senior raw checkpoint must stay behind so the delta is seen again.
	if got.RawST != before.RawST {
		t.Errorf("raw ST checkpoint advanced on deferral: %d -> %d", before.RawST, got.RawST)
	}

	// The next sync with elapsed time picks the deferred yield up.
	later, _, _ := a.PreOpSync(before.RawST+10_000, before.RawJT, baseUs+1_000_000)
	if !later.YieldDistributed {
		t.Error("deferred yield should distribute on the next timed sync")
	}
	if later.EffST+later.EffJT != before.EffST+before.EffJT+10_000 {
		t.Error("deferred yield lost")
	}
}

func TestPreOpSync_TimeWeightedShare(t *testing.T) {
	// Curve gives 20% below target and 80% above: spend equal time in both
	// regimes, the distributed share should land mid-way, not at either end.
	curve, err := ydm.NewStaticCurve(fpmath.Wad*2/10, fpmath.Wad*2/10, fpmath.Wad*8/10, fpmath.Wad/1000*999)
	if err != nil {
		t.Fatalf("curve: %v", err)
	}
	params := defaultParams()
	params.BetaWad = 0
	params.CoverageWad = fpmath.Wad
	a := newAccountant(t, params, curve)

	// Phase 1: zero utilization (no Senior) for 1000s -> share 20%.
	seed(a, 0, 100_000)
	mid := baseUs + 1_000_000_000
	a.PreOpSync(0, 100_000, mid)

	// Phase 2: utilization ~1.0 for 1000s -> share near 80%.
	a.PostOpSync(state.OpSTDeposit, 100_000, 0, 0, 0)
	end := mid + 1_000_000_000

	yield := int64(10_000)
	got, _, _ := a.PreOpSync(100_000+yield, 100_000, end)
	if !got.YieldDistributed {
		t.Fatal("expected distribution")
	}

	// Average share should be strictly between the two regimes.
	if got.JTYield <= 2_200 || got.JTYield >= 7_800 {
		t.Errorf("time-weighted JT yield %d not between regimes (2_000..8_000)", got.JTYield)
	}
}

func TestPreOpSync_ProtocolFees(t *testing.T) {
	params := defaultParams()
	params.STFeeWad = fpmath.Wad / 10 // 10%
	params.JTFeeWad = fpmath.Wad / 20 // 5%
	a := newAccountant(t, params, flatCurve(t, fpmath.Wad/2))
	seed(a, 50_000, 100_000)
	before := a.State()

	_, feeST, feeJT := a.PreOpSync(before.RawST+10_000, before.RawJT, baseUs+3_600_000_000)

	// 50/50 split: 5_000 each side; fees 10% and 5% of the slices.
	if feeST != 500 {
		t.Errorf("ST fee: got %d, want 500", feeST)
	}
	if feeJT != 250 {
		t.Errorf("JT fee: got %d, want 250", feeJT)
	}

	gotST, gotJT := a.DrainFees()
	if gotST != 500 || gotJT != 250 {
		t.Errorf("drain: got (%d, %d), want (500, 250)", gotST, gotJT)
	}
	gotST, gotJT = a.DrainFees()
	if gotST != 0 || gotJT != 0 {
		t.Errorf("second drain should be empty, got (%d, %d)", gotST, gotJT)
	}
}

func TestPreviewSync_DoesNotMutate(t *testing.T) {
	a := newAccountant(t, defaultParams(), flatCurve(t, fpmath.Wad/2))
	seed(a, 50_000, 100_000)
	before := a.State()

	preview := a.PreviewSync(before.RawST+10_000, before.RawJT-1_000, baseUs+3_600_000_000)
	if preview.EffJT == before.EffJT && preview.EffST == before.EffST {
		t.Error("preview should reflect the simulated changes")
	}

	after := a.State()
	if after.RawST != before.RawST || after.EffJT != before.EffJT || after.EffST != before.EffST {
		t.Error("PreviewSync mutated checkpoints")
	}
}

func TestPostOpSyncAndEnforceCoverage_Rejects(t *testing.T) {
	params := defaultParams()
	params.CoverageWad = fpmath.Wad
	params.BetaWad = 0
	a := newAccountant(t, params, flatCurve(t, fpmath.Wad/2))
	seed(a, 0, 10_000)

	// Depositing 20_000 Senior against a 10_000 Junior buffer at full
	// coverage must fail, and nothing may persist.
	before := a.State()
	_, err := a.PostOpSyncAndEnforceCoverage(state.OpSTDeposit, 20_000, 0, 0, 0)
	if !errors.Is(err, state.ErrInsufficientCoverage) {
		t.Fatalf("want ErrInsufficientCoverage, got %v", err)
	}
	after := a.State()
	if after != before {
		t.Error("failed coverage check must not persist anything")
	}

	// A deposit inside the headroom passes.
	if _, err := a.PostOpSyncAndEnforceCoverage(state.OpSTDeposit, 10_000, 0, 0, 0); err != nil {
		t.Fatalf("deposit within headroom rejected: %v", err)
	}
}

func TestSTMaxDepositNAV(t *testing.T) {
	// coverage=1, beta=1: max exposure == effJT, and rawJT already consumes
	// all of it — Senior capacity is exactly zero.
	params := defaultParams()
	params.CoverageWad = fpmath.Wad
	params.BetaWad = fpmath.Wad
	a := newAccountant(t, params, flatCurve(t, fpmath.Wad/2))
	seed(a, 0, 10_000)

	if got := a.STMaxDepositNAV(); got != 0 {
		t.Errorf("stMaxDeposit with coverage=beta=1: got %d, want 0", got)
	}

	// coverage=0.8, beta=0.5: room = 10_000/0.8 - 0.5*10_000 = 7_500.
	b := newAccountant(t, defaultParams(), flatCurve(t, fpmath.Wad/2))
	seed(b, 0, 10_000)
	if got := b.STMaxDepositNAV(); got != 7_500 {
		t.Errorf("stMaxDeposit: got %d, want 7_500", got)
	}

	// Depositing exactly the max keeps utilization at 1.
	st, err := b.PostOpSyncAndEnforceCoverage(state.OpSTDeposit, 7_500, 0, 0, 0)
	if err != nil {
		t.Fatalf("max deposit rejected: %v", err)
	}
	if st.UtilizationWad > fpmath.Wad {
		t.Errorf("utilization after max deposit: %d", st.UtilizationWad)
	}
}

func TestJTMaxRedeemNAV(t *testing.T) {
	a := newAccountant(t, defaultParams(), flatCurve(t, fpmath.Wad/2))
	seed(a, 2_250, 10_000) // 30% of the 7_500 headroom

	max := a.JTMaxRedeemNAV()
	if max <= 0 || max >= 10_000 {
		t.Fatalf("jtMaxRedeem should be positive and below the Junior NAV, got %d", max)
	}

	// Redeeming the max must keep coverage satisfied.
	_ = a.State()
	if _, err := a.PostOpSyncAndEnforceCoverage(state.OpJTRedeem, 0, 0, 0, max); err != nil {
		t.Fatalf("redeeming jtMaxRedeem rejected: %v", err)
	}
	// And one more unit must not fit.
	if got := a.JTMaxRedeemNAV(); got > navTolerance {
		t.Errorf("headroom should be exhausted after max redeem, got %d", got)
	}
}

func TestMarketState_FixedTermRoundTrip(t *testing.T) {
	params := defaultParams()
	params.CoverageWad = fpmath.Wad
	params.BetaWad = 0
	params.LLTVWad = fpmath.Wad / 2
	a := newAccountant(t, params, flatCurve(t, fpmath.Wad/2))
	seed(a, 20_000, 6_000)

	// Senior loss wipes most of the Junior buffer: utilization above LLTV.
	got, _, _ := a.PreOpSync(15_000, 6_000, baseUs+60_000_000)
	if got.MarketState != state.MarketStateFixedTerm {
		t.Fatalf("expected FixedTerm after disqualifying loss, util=%d", got.UtilizationWad)
	}

	// Before the duration elapses the market stays fixed-term.
	mid := baseUs + 60_000_000 + (12 * time.Hour).Microseconds()
	got, _, _ = a.PreOpSync(15_000, 6_000, mid)
	if got.MarketState != state.MarketStateFixedTerm {
		t.Error("fixed term exited early")
	}

	// After the full duration with no further loss it returns to perpetual.
	end := baseUs + 60_000_000 + (25 * time.Hour).Microseconds()
	got, _, _ = a.PreOpSync(15_000, 6_000, end)
	if got.MarketState != state.MarketStatePerpetual {
		t.Error("fixed term should expire back to perpetual")
	}
}

func TestMarketState_FreshLossRestartsTerm(t *testing.T) {
	params := defaultParams()
	params.CoverageWad = fpmath.Wad
	params.BetaWad = 0
	params.LLTVWad = fpmath.Wad / 2
	a := newAccountant(t, params, flatCurve(t, fpmath.Wad/2))
	seed(a, 20_000, 6_000)

	a.PreOpSync(15_000, 6_000, baseUs+60_000_000)

	// A second disqualifying loss 20h in restarts the 24h term.
	at20h := baseUs + 60_000_000 + (20 * time.Hour).Microseconds()
	a.PreOpSync(14_000, 6_000, at20h)

	at26h := baseUs + 60_000_000 + (26 * time.Hour).Microseconds()
	got, _, _ := a.PreOpSync(14_000, 6_000, at26h)
	if got.MarketState != state.MarketStateFixedTerm {
		t.Error("restarted term expired too early")
	}

	at46h := baseUs + 60_000_000 + (46 * time.Hour).Microseconds()
	got, _, _ = a.PreOpSync(14_000, 6_000, at46h)
	if got.MarketState != state.MarketStatePerpetual {
		t.Error("restarted term should have expired")
	}
}

func TestAdminSetters_Validation(t *testing.T) {
	a := newAccountant(t, defaultParams(), flatCurve(t, fpmath.Wad/2))

	if err := a.SetBeta(-1); !errors.Is(err, state.ErrMisconfiguration) {
		t.Errorf("negative beta should be rejected, got %v", err)
	}
	if err := a.SetLLTV(0); !errors.Is(err, state.ErrMisconfiguration) {
		t.Errorf("zero LLTV should be rejected, got %v", err)
	}
	if err := a.SetCoverage(fpmath.Wad / 2); err != nil {
		t.Errorf("valid coverage rejected: %v", err)
	}
	if a.Params().CoverageWad != fpmath.Wad/2 {
		t.Error("coverage setter did not apply")
	}
	if err := a.SetFixedTermDuration(48 * time.Hour); err != nil {
		t.Errorf("valid duration rejected: %v", err)
	}
}

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	a := newAccountant(t, defaultParams(), flatCurve(t, fpmath.Wad/2))
	seed(a, 50_000, 100_000)
	a.PreOpSync(55_000, 100_000, baseUs+3_600_000_000)

	snap := a.Snapshot()

	fresh := newAccountant(t, defaultParams(), flatCurve(t, fpmath.Wad/2))
	if err := fresh.Restore(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if fresh.State() != a.State() {
		t.Errorf("restored state mismatch:\n got %+v\nwant %+v", fresh.State(), a.State())
	}

	// Continued accrual behaves identically on both instances.
	s1, _, _ := a.PreOpSync(60_000, 100_000, baseUs+7_200_000_000)
	s2, _, _ := fresh.PreOpSync(60_000, 100_000, baseUs+7_200_000_000)
	if s1 != s2 {
		t.Errorf("post-restore sync diverged:\n got %+v\nwant %+v", s2, s1)
	}
}

func TestDeferredYieldSurvivesPostOp(t *testing.T) {
	// A Senior yield mark arriving in the same microsecond as the last
	// distribution defers: zero elapsed time means no average share. A
	// post-op landing before any time passes must leave the deferred gap
	// in place so it distributes at the next timed sync.
	a := newAccountant(t, defaultParams(), flatCurve(t, fpmath.Wad/2))
	seed(a, 10_000, 10_000)

	synced, _, _ := a.PreOpSync(11_000, 10_000, baseUs)
	if synced.YieldDistributed {
		t.Fatal("same-microsecond yield must defer, not distribute")
	}
	if synced.RawST != 10_000 {
		t.Fatalf("deferred sync moved the Senior checkpoint to %d", synced.RawST)
	}

	// An unrelated Junior deposit in the same microsecond.
	a.PostOpSync(state.OpJTDeposit, 0, 500, 0, 0)
	assertConservation(t, a)
	if got := a.State().RawST; got != 10_000 {
		t.Fatalf("post-op swallowed the deferred mark: rawST %d, want 10_000", got)
	}

	// Next timed sync distributes the full deferred 1_000.
	got, _, _ := a.PreOpSync(11_000, 10_500, baseUs+1_000_000_000)
	if !got.YieldDistributed {
		t.Fatal("deferred yield never distributed")
	}
	if got.STYield+got.JTYield != 1_000 {
		t.Errorf("distributed %d+%d, want 1_000 total", got.STYield, got.JTYield)
	}
	assertConservation(t, a)
}
