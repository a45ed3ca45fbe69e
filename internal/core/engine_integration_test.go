package core_test

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"TrancheVault/internal/core"
	"TrancheVault/internal/event"
	fpmath "TrancheVault/internal/math"
	"TrancheVault/internal/state"
	"TrancheVault/internal/ydm"
)

const (
	baseUs = int64(1_700_000_000_000_000)
	hourUs = int64(3_600_000_000)

	testMarket = "vault-usd"
)

// --- Test helpers ---

func defaultParams() state.Params {
	return state.Params{
		CoverageWad:       8 * fpmath.Wad / 10,
		BetaWad:           fpmath.Wad / 2,
		LLTVWad:           fpmath.Wad / 100 * 95,
		FixedTermDuration: 24 * time.Hour,
	}
}

func flatCurve(t *testing.T) ydm.Model {
	t.Helper()
	curve, err := ydm.NewStaticCurve(
		4*fpmath.Wad/10, 4*fpmath.Wad/10, 4*fpmath.Wad/10,
		8*fpmath.Wad/10,
	)
	if err != nil {
		t.Fatalf("NewStaticCurve: %v", err)
	}
	return curve
}

// newTestCore creates a VaultCore with buffered channels, no DB checker, and
// one registered market running on the unit rate.
func newTestCore(t *testing.T) (*core.VaultCore, chan core.CoreOutput, chan core.CoreOutput) {
	t.Helper()
	persistChan := make(chan core.CoreOutput, 1024)
	projChan := make(chan core.CoreOutput, 1024)
	c := core.NewVaultCore(0, persistChan, projChan, nil, nil)
	if err := c.RegisterMarket(core.MarketConfig{
		MarketID:        testMarket,
		Params:          defaultParams(),
		Model:           flatCurve(t),
		RedemptionDelay: time.Hour,
		GenesisUs:       baseUs,
	}); err != nil {
		t.Fatalf("RegisterMarket: %v", err)
	}
	return c, persistChan, projChan
}

func jtDeposit(opID, controller uuid.UUID, units, seq, ts int64) *event.JTDepositRequested {
	return &event.JTDepositRequested{
		OpID:         opID,
		Market:       testMarket,
		Controller:   controller,
		TrancheUnits: units,
		Sequence:     seq,
		Timestamp:    ts,
	}
}

func stDeposit(opID, controller uuid.UUID, units, seq, ts int64) *event.STDepositRequested {
	return &event.STDepositRequested{
		OpID:         opID,
		Market:       testMarket,
		Controller:   controller,
		TrancheUnits: units,
		Sequence:     seq,
		Timestamp:    ts,
	}
}

func drain(ch chan core.CoreOutput) []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-ch:
			out = append(out, o)
		default:
			return out
		}
	}
}

// --- Tests ---

func TestCore_EndToEndLifecycle(t *testing.T) {
	c, persistChan, _ := newTestCore(t)
	junior := uuid.New()
	senior := uuid.New()
	receiver := uuid.New()

	if err := c.ProcessEvent(jtDeposit(uuid.New(), junior, 10_000, 0, baseUs)); err != nil {
		t.Fatalf("jt deposit: %v", err)
	}
	if err := c.ProcessEvent(stDeposit(uuid.New(), senior, 2_000, 1, baseUs+hourUs)); err != nil {
		t.Fatalf("st deposit: %v", err)
	}

	if err := c.ProcessEvent(&event.JTRedeemRequested{
		OpID:       uuid.New(),
		Market:     testMarket,
		Controller: junior,
		Shares:     4_000,
		Sequence:   2,
		Timestamp:  baseUs + 2*hourUs,
	}); err != nil {
		t.Fatalf("jt request redeem: %v", err)
	}

	// Past the one-hour delay; coverage headroom is ample with rawST=2,000.
	if err := c.ProcessEvent(&event.JTRedeemClaimed{
		OpID:       uuid.New(),
		Market:     testMarket,
		Controller: junior,
		Receiver:   receiver,
		RequestID:  1,
		Shares:     4_000,
		Sequence:   3,
		Timestamp:  baseUs + 4*hourUs,
	}); err != nil {
		t.Fatalf("jt redeem: %v", err)
	}

	outputs := drain(persistChan)
	if len(outputs) != 4 {
		t.Fatalf("persist outputs = %d, want 4", len(outputs))
	}

	for i, o := range outputs {
		if o.Envelope.Sequence != int64(i) {
			t.Errorf("output %d: sequence = %d, want %d", i, o.Envelope.Sequence, i)
		}
		if i > 0 && o.Envelope.PrevHash != outputs[i-1].Envelope.StateHash {
			t.Errorf("output %d: hash chain broken", i)
		}
		if len(o.Envelope.Payload) == 0 {
			t.Errorf("output %d: empty payload", i)
		}
	}

	final := outputs[3].Result
	if final.Op != "jt_redeem" || final.RequestID != 1 {
		t.Fatalf("final op = %s request %d, want jt_redeem request 1", final.Op, final.RequestID)
	}
	if final.UnitsOut != 4_000 {
		t.Errorf("units out = %d, want 4000", final.UnitsOut)
	}
	if final.JTSupply != 6_000 {
		t.Errorf("jt supply = %d, want 6000", final.JTSupply)
	}
	if final.QueueLen != 0 {
		t.Errorf("queue len = %d, want 0", final.QueueLen)
	}
	if final.State.RawST != 2_000 || final.State.RawJT != 6_000 {
		t.Errorf("raw NAVs = (%d, %d), want (2000, 6000)", final.State.RawST, final.State.RawJT)
	}
	if final.State.RawST+final.State.RawJT != final.State.EffST+final.State.EffJT {
		t.Errorf("value not conserved: raw %d+%d vs eff %d+%d",
			final.State.RawST, final.State.RawJT, final.State.EffST, final.State.EffJT)
	}

	if c.Sequence() != 4 {
		t.Errorf("core sequence = %d, want 4", c.Sequence())
	}
}

func TestCore_DuplicateEventSkipped(t *testing.T) {
	c, persistChan, _ := newTestCore(t)
	junior := uuid.New()

	evt := jtDeposit(uuid.New(), junior, 5_000, 0, baseUs)
	if err := c.ProcessEvent(evt); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	// Redelivery of the same event carries the same idempotency key and the
	// same source sequence. It must be absorbed without effect.
	if err := c.ProcessEvent(evt); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	if got := len(drain(persistChan)); got != 1 {
		t.Fatalf("persist outputs = %d, want 1", got)
	}
	k, _ := c.Market(testMarket)
	if supply := k.Shares().TotalSupply(1); supply != 5_000 {
		t.Errorf("jt supply after redelivery = %d, want 5000", supply)
	}
	if c.Sequence() != 1 {
		t.Errorf("core sequence = %d, want 1", c.Sequence())
	}
}

func TestCore_SequenceGapRejected(t *testing.T) {
	c, _, _ := newTestCore(t)
	junior := uuid.New()

	if err := c.ProcessEvent(jtDeposit(uuid.New(), junior, 5_000, 0, baseUs)); err != nil {
		t.Fatalf("seq 0: %v", err)
	}

	err := c.ProcessEvent(jtDeposit(uuid.New(), junior, 1_000, 2, baseUs+hourUs))
	if err == nil || !strings.Contains(err.Error(), "sequence gap") {
		t.Fatalf("gap err = %v, want sequence gap", err)
	}

	// A NEW event reusing an already-consumed source sequence is out of order.
	err = c.ProcessEvent(jtDeposit(uuid.New(), junior, 1_000, 0, baseUs+hourUs))
	if err == nil || !strings.Contains(err.Error(), "out-of-order") {
		t.Fatalf("replay err = %v, want out-of-order", err)
	}
}

func TestCore_RejectedOpEmitsNothing(t *testing.T) {
	c, persistChan, _ := newTestCore(t)
	junior := uuid.New()
	senior := uuid.New()

	if err := c.ProcessEvent(jtDeposit(uuid.New(), junior, 10_000, 0, baseUs)); err != nil {
		t.Fatalf("jt deposit: %v", err)
	}
	drain(persistChan)

	// Coverage cap with these params is 7,500 Senior units. An over-cap
	// deposit is rejected atomically: no shares, no NAV movement, no output.
	err := c.ProcessEvent(stDeposit(uuid.New(), senior, 8_000, 1, baseUs+hourUs))
	if err == nil {
		t.Fatal("over-cap deposit accepted")
	}

	if got := len(drain(persistChan)); got != 0 {
		t.Fatalf("persist outputs after rejection = %d, want 0", got)
	}
	k, _ := c.Market(testMarket)
	if supply := k.Shares().TotalSupply(0); supply != 0 {
		t.Errorf("st supply = %d, want 0", supply)
	}
}

func TestCore_HashChainDeterminism(t *testing.T) {
	junior := uuid.New()
	senior := uuid.New()
	opA, opB, opC := uuid.New(), uuid.New(), uuid.New()

	run := func() [32]byte {
		c, persistChan, _ := newTestCore(t)
		events := []event.Event{
			jtDeposit(opA, junior, 10_000, 0, baseUs),
			stDeposit(opB, senior, 2_000, 1, baseUs+hourUs),
			&event.SyncRequested{OpID: opC, Market: testMarket, Sequence: 2, Timestamp: baseUs + 2*hourUs},
		}
		for _, e := range events {
			if err := c.ProcessEvent(e); err != nil {
				t.Fatalf("ProcessEvent: %v", err)
			}
		}
		outputs := drain(persistChan)
		return outputs[len(outputs)-1].Envelope.StateHash
	}

	first := run()
	second := run()
	if first != second {
		t.Fatal("identical event streams produced different state hashes")
	}
}

func TestCore_FeedEvents(t *testing.T) {
	persistChan := make(chan core.CoreOutput, 1024)
	projChan := make(chan core.CoreOutput, 1024)
	c := core.NewVaultCore(0, persistChan, projChan, nil, nil)
	if err := c.RegisterMarket(core.MarketConfig{
		MarketID:        testMarket,
		Params:          defaultParams(),
		Model:           flatCurve(t),
		RedemptionDelay: time.Hour,
		RateMaxAge:      24 * time.Hour,
		GenesisUs:       baseUs,
	}); err != nil {
		t.Fatalf("RegisterMarket: %v", err)
	}
	junior := uuid.New()

	// The market has a real rate feed: ops cannot pin a rate until the feed
	// has produced a sample.
	if err := c.ProcessEvent(jtDeposit(uuid.New(), junior, 5_000, 0, baseUs)); err == nil {
		t.Fatal("deposit accepted without a rate sample")
	}

	if err := c.ProcessEvent(&event.RateObserved{
		Market:        testMarket,
		RateWad:       fpmath.Wad,
		RoundComplete: true,
		RateSequence:  1,
		RateTimestamp: baseUs,
	}); err != nil {
		t.Fatalf("rate observed: %v", err)
	}
	if err := c.ProcessEvent(jtDeposit(uuid.New(), junior, 5_000, 1, baseUs)); err != nil {
		t.Fatalf("jt deposit after rate: %v", err)
	}

	// Junior gains 500 on the mark; the next sync realizes it.
	if err := c.ProcessEvent(&event.NAVObserved{
		Market:       testMarket,
		Tranche:      "JT",
		RawNAV:       5_500,
		NAVSequence:  1,
		NAVTimestamp: baseUs + hourUs,
	}); err != nil {
		t.Fatalf("nav observed: %v", err)
	}
	if err := c.ProcessEvent(&event.SyncRequested{
		OpID:      uuid.New(),
		Market:    testMarket,
		Sequence:  2,
		Timestamp: baseUs + hourUs,
	}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	outputs := drain(persistChan)
	final := outputs[len(outputs)-1].Result
	if final.Op != "sync" {
		t.Fatalf("final op = %s, want sync", final.Op)
	}
	if final.State.EffJT != 5_500 {
		t.Errorf("effJT = %d, want 5500", final.State.EffJT)
	}

	before := c.Sequence()
	// Stale feed sample: dropped silently, no output, no sequence advance.
	if err := c.ProcessEvent(&event.NAVObserved{
		Market:       testMarket,
		Tranche:      "JT",
		RawNAV:       9_999,
		NAVSequence:  1,
		NAVTimestamp: baseUs + 2*hourUs,
	}); err != nil {
		t.Fatalf("stale nav: %v", err)
	}
	if c.Sequence() != before {
		t.Error("stale feed sample advanced the core sequence")
	}
	// Feed gaps are tolerated.
	if err := c.ProcessEvent(&event.NAVObserved{
		Market:       testMarket,
		Tranche:      "JT",
		RawNAV:       5_600,
		NAVSequence:  5,
		NAVTimestamp: baseUs + 2*hourUs,
	}); err != nil {
		t.Fatalf("gapped nav: %v", err)
	}
}

func TestCore_ParamUpdate(t *testing.T) {
	c, persistChan, _ := newTestCore(t)

	if err := c.ProcessEvent(&event.ParamUpdate{
		Market:    testMarket,
		Field:     event.ParamCoverage,
		IntValue:  fpmath.Wad / 2,
		Sequence:  0,
		Timestamp: baseUs,
	}); err != nil {
		t.Fatalf("param update: %v", err)
	}

	k, _ := c.Market(testMarket)
	if got := k.Accountant().Params().CoverageWad; got != fpmath.Wad/2 {
		t.Errorf("coverage = %d, want %d", got, fpmath.Wad/2)
	}

	err := c.ProcessEvent(&event.ParamUpdate{
		Market:    testMarket,
		Field:     "unknown",
		IntValue:  1,
		Sequence:  1,
		Timestamp: baseUs,
	})
	if err == nil {
		t.Fatal("unknown param field accepted")
	}
	drain(persistChan)
}

func TestCore_UnknownMarketRejected(t *testing.T) {
	c, _, _ := newTestCore(t)
	evt := &event.JTDepositRequested{
		OpID:         uuid.New(),
		Market:       "no-such-market",
		Controller:   uuid.New(),
		TrancheUnits: 1_000,
		Sequence:     0,
		Timestamp:    baseUs,
	}
	err := c.ProcessEvent(evt)
	if err == nil || !strings.Contains(err.Error(), "unknown market") {
		t.Fatalf("err = %v, want unknown market", err)
	}
}

func TestCore_ProjectionDropDoesNotBlock(t *testing.T) {
	persistChan := make(chan core.CoreOutput, 16)
	projChan := make(chan core.CoreOutput) // unbuffered, never drained
	c := core.NewVaultCore(0, persistChan, projChan, nil, nil)
	if err := c.RegisterMarket(core.MarketConfig{
		MarketID:        testMarket,
		Params:          defaultParams(),
		Model:           flatCurve(t),
		RedemptionDelay: time.Hour,
		GenesisUs:       baseUs,
	}); err != nil {
		t.Fatalf("RegisterMarket: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := c.ProcessEvent(jtDeposit(uuid.New(), uuid.New(), 1_000, 0, baseUs)); err != nil {
			t.Errorf("ProcessEvent: %v", err)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("core blocked on a slow projection consumer")
	}
}
