package kernel_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"TrancheVault/internal/kernel"
	"TrancheVault/internal/ledger"
)

func TestJTRequestRedeem_Escrows(t *testing.T) {
	e := newEnv(t, defaultParams(), time.Hour, uuid.Nil)
	alice := uuid.New()

	if _, err := e.kernel.JTDeposit(alice, 10_000, baseUs); err != nil {
		t.Fatalf("JTDeposit: %v", err)
	}
	reqID, err := e.kernel.JTRequestRedeem(alice, 4_000, baseUs+1)
	if err != nil {
		t.Fatalf("JTRequestRedeem: %v", err)
	}
	if reqID != 1 {
		t.Errorf("first request id = %d, want 1", reqID)
	}

	// Shares move to escrow but stay in supply.
	if got := e.shares.BalanceOf(ledger.TrancheJunior, alice); got != 6_000 {
		t.Errorf("available = %d, want 6000", got)
	}
	if got := e.shares.EscrowedOf(ledger.TrancheJunior, alice); got != 4_000 {
		t.Errorf("escrowed = %d, want 4000", got)
	}
	if got := e.shares.TotalSupply(ledger.TrancheJunior); got != 10_000 {
		t.Errorf("supply = %d, want 10000", got)
	}

	// Before the delay: everything pending, nothing claimable.
	mid := baseUs + 1 + hourUs/2
	if got := e.kernel.JTClaimableRedeemRequest(alice, reqID, mid); got != 0 {
		t.Errorf("claimable before delay = %d, want 0", got)
	}
	if got := e.kernel.JTPendingRedeemRequest(alice, reqID, mid); got != 4_000 {
		t.Errorf("pending before delay = %d, want 4000", got)
	}
	if _, err := e.kernel.JTRedeem(alice, reqID, 4_000, alice, mid); !errors.Is(err, kernel.ErrInsufficientRedeemableShares) {
		t.Errorf("redeem before delay: got %v, want ErrInsufficientRedeemableShares", err)
	}
	e.assertInvariants(t)
}

func TestJTRequestRedeem_InsufficientBalance(t *testing.T) {
	e := newEnv(t, defaultParams(), time.Hour, uuid.Nil)
	alice := uuid.New()

	if _, err := e.kernel.JTDeposit(alice, 1_000, baseUs); err != nil {
		t.Fatalf("JTDeposit: %v", err)
	}
	if _, err := e.kernel.JTRequestRedeem(alice, 2_000, baseUs+1); err == nil {
		t.Fatal("request over balance should fail")
	}
	if got := e.shares.EscrowedOf(ledger.TrancheJunior, alice); got != 0 {
		t.Errorf("escrowed after failed request = %d, want 0", got)
	}
}

func TestJTRedeem_PayoutCappedByCurrentValue(t *testing.T) {
	e := newEnv(t, defaultParams(), time.Hour, uuid.Nil)
	alice, sink := uuid.New(), uuid.New()

	if _, err := e.kernel.JTDeposit(alice, 10_000, baseUs); err != nil {
		t.Fatalf("JTDeposit: %v", err)
	}
	reqID, err := e.kernel.JTRequestRedeem(alice, 4_000, baseUs+1)
	if err != nil {
		t.Fatalf("JTRequestRedeem: %v", err)
	}

	// -20% Junior loss while queued: the claimant eats it.
	e.adapter.SetRawNAV(ledger.TrancheJunior, 8_000)

	t1 := baseUs + 1 + hourUs + 1
	units, err := e.kernel.JTRedeem(alice, reqID, 4_000, sink, t1)
	if err != nil {
		t.Fatalf("JTRedeem: %v", err)
	}
	// valueNow = 4000 * 8000/10000, below the 4000 snapshot.
	if units != 3_200 {
		t.Errorf("payout = %d, want 3200", units)
	}
	e.assertInvariants(t)
}

func TestJTRedeem_PayoutCappedBySnapshot(t *testing.T) {
	e := newEnv(t, defaultParams(), time.Hour, uuid.Nil)
	alice, sink := uuid.New(), uuid.New()

	if _, err := e.kernel.JTDeposit(alice, 10_000, baseUs); err != nil {
		t.Fatalf("JTDeposit: %v", err)
	}
	reqID, err := e.kernel.JTRequestRedeem(alice, 4_000, baseUs+1)
	if err != nil {
		t.Fatalf("JTRequestRedeem: %v", err)
	}

	// +20% Junior gain while queued: the upside stays with remaining holders.
	e.adapter.SetRawNAV(ledger.TrancheJunior, 12_000)

	t1 := baseUs + 1 + hourUs + 1
	units, err := e.kernel.JTRedeem(alice, reqID, 4_000, sink, t1)
	if err != nil {
		t.Fatalf("JTRedeem: %v", err)
	}
	if units != 4_000 {
		t.Errorf("payout = %d, want snapshot value 4000", units)
	}
	e.assertInvariants(t)
}

func TestJTRedeem_PartialClaims(t *testing.T) {
	e := newEnv(t, defaultParams(), time.Hour, uuid.Nil)
	alice, sink := uuid.New(), uuid.New()

	if _, err := e.kernel.JTDeposit(alice, 10_000, baseUs); err != nil {
		t.Fatalf("JTDeposit: %v", err)
	}
	reqID, err := e.kernel.JTRequestRedeem(alice, 4_000, baseUs+1)
	if err != nil {
		t.Fatalf("JTRequestRedeem: %v", err)
	}

	t1 := baseUs + 1 + hourUs + 1
	first, err := e.kernel.JTRedeem(alice, reqID, 1_500, sink, t1)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if first != 1_500 {
		t.Errorf("first payout = %d, want 1500", first)
	}
	if got := e.kernel.JTClaimableRedeemRequest(alice, reqID, t1+1); got != 2_500 {
		t.Errorf("claimable after partial = %d, want 2500", got)
	}

	second, err := e.kernel.JTRedeem(alice, reqID, 2_500, sink, t1+2)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second != 2_500 {
		t.Errorf("second payout = %d, want 2500", second)
	}
	if got := e.kernel.Requests().Len(); got != 0 {
		t.Errorf("open requests after full claim = %d, want 0", got)
	}
	e.assertInvariants(t)
}

func TestJTRedeem_ClaimableThrottledByCoverage(t *testing.T) {
	e := newEnv(t, defaultParams(), time.Hour, uuid.Nil)
	alice, bob, sink := uuid.New(), uuid.New(), uuid.New()

	if _, err := e.kernel.JTDeposit(alice, 10_000, baseUs); err != nil {
		t.Fatalf("JTDeposit: %v", err)
	}
	// Senior at full headroom pins utilization to exactly 1: zero Junior
	// redemption headroom.
	if _, err := e.kernel.STDeposit(bob, 7_500, baseUs+1); err != nil {
		t.Fatalf("STDeposit: %v", err)
	}
	reqID, err := e.kernel.JTRequestRedeem(alice, 5_000, baseUs+2)
	if err != nil {
		t.Fatalf("JTRequestRedeem: %v", err)
	}

	t1 := baseUs + 2 + hourUs + 1
	if got := e.kernel.JTClaimableRedeemRequest(alice, reqID, t1); got != 0 {
		t.Errorf("claimable at full utilization = %d, want 0", got)
	}
	if got := e.kernel.JTPendingRedeemRequest(alice, reqID, t1); got != 5_000 {
		t.Errorf("pending at full utilization = %d, want 5000", got)
	}
	if _, err := e.kernel.JTRedeem(alice, reqID, 1, sink, t1); !errors.Is(err, kernel.ErrInsufficientRedeemableShares) {
		t.Errorf("throttled redeem: got %v, want ErrInsufficientRedeemableShares", err)
	}

	// Senior exits free up headroom; the same request becomes claimable.
	if _, err := e.kernel.STRedeem(bob, 7_000, sink, t1+1); err != nil {
		t.Fatalf("STRedeem: %v", err)
	}
	claimable := e.kernel.JTClaimableRedeemRequest(alice, reqID, t1+2)
	if claimable != 5_000 {
		t.Errorf("claimable after Senior exit = %d, want 5000", claimable)
	}
	pending := e.kernel.JTPendingRedeemRequest(alice, reqID, t1+2)
	if claimable+pending != 5_000 {
		t.Errorf("pending+claimable = %d, want outstanding 5000", claimable+pending)
	}
	e.assertInvariants(t)
}

func TestJTCancelRedeemRequest_Lifecycle(t *testing.T) {
	e := newEnv(t, defaultParams(), time.Hour, uuid.Nil)
	alice, sink := uuid.New(), uuid.New()

	if _, err := e.kernel.JTDeposit(alice, 10_000, baseUs); err != nil {
		t.Fatalf("JTDeposit: %v", err)
	}
	reqID, err := e.kernel.JTRequestRedeem(alice, 4_000, baseUs+1)
	if err != nil {
		t.Fatalf("JTRequestRedeem: %v", err)
	}

	// Claim-cancel on a live request is rejected.
	if _, err := e.kernel.JTClaimCancelRedeemRequest(alice, reqID, baseUs+2); !errors.Is(err, kernel.ErrRedemptionRequestNotCanceled) {
		t.Errorf("claim-cancel live request: got %v, want ErrRedemptionRequestNotCanceled", err)
	}

	// Cancel is instant, even before the delay.
	if err := e.kernel.JTCancelRedeemRequest(alice, reqID, baseUs+3); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := e.kernel.JTCancelRedeemRequest(alice, reqID, baseUs+4); !errors.Is(err, kernel.ErrRedemptionRequestCanceled) {
		t.Errorf("double cancel: got %v, want ErrRedemptionRequestCanceled", err)
	}

	// A canceled request can never be redeemed, delay or not.
	t1 := baseUs + 1 + hourUs + 1
	if _, err := e.kernel.JTRedeem(alice, reqID, 4_000, sink, t1); !errors.Is(err, kernel.ErrRedemptionRequestCanceled) {
		t.Errorf("redeem canceled request: got %v, want ErrRedemptionRequestCanceled", err)
	}
	if got := e.kernel.JTClaimableRedeemRequest(alice, reqID, t1); got != 0 {
		t.Errorf("claimable on canceled request = %d, want 0", got)
	}

	// Claim-cancel returns the escrowed shares and closes the request.
	returned, err := e.kernel.JTClaimCancelRedeemRequest(alice, reqID, t1+1)
	if err != nil {
		t.Fatalf("claim-cancel: %v", err)
	}
	if returned != 4_000 {
		t.Errorf("returned shares = %d, want 4000", returned)
	}
	if got := e.shares.BalanceOf(ledger.TrancheJunior, alice); got != 10_000 {
		t.Errorf("balance after claim-cancel = %d, want 10000", got)
	}
	if got := e.shares.EscrowedOf(ledger.TrancheJunior, alice); got != 0 {
		t.Errorf("escrow after claim-cancel = %d, want 0", got)
	}
	if got := e.kernel.Requests().Len(); got != 0 {
		t.Errorf("open requests = %d, want 0", got)
	}
	e.assertInvariants(t)
}

func TestRedemption_UnknownRequest(t *testing.T) {
	e := newEnv(t, defaultParams(), time.Hour, uuid.Nil)
	alice := uuid.New()

	if _, err := e.kernel.JTDeposit(alice, 1_000, baseUs); err != nil {
		t.Fatalf("JTDeposit: %v", err)
	}
	if _, err := e.kernel.JTRedeem(alice, 42, 100, alice, baseUs+1); !errors.Is(err, kernel.ErrInvalidRequestID) {
		t.Errorf("redeem unknown: got %v, want ErrInvalidRequestID", err)
	}
	if err := e.kernel.JTCancelRedeemRequest(alice, 42, baseUs+2); !errors.Is(err, kernel.ErrInvalidRequestID) {
		t.Errorf("cancel unknown: got %v, want ErrInvalidRequestID", err)
	}
	if _, err := e.kernel.JTClaimCancelRedeemRequest(alice, 42, baseUs+3); !errors.Is(err, kernel.ErrInvalidRequestID) {
		t.Errorf("claim-cancel unknown: got %v, want ErrInvalidRequestID", err)
	}
	if got := e.kernel.JTPendingRedeemRequest(alice, 42, baseUs+4); got != 0 {
		t.Errorf("pending for unknown = %d, want 0", got)
	}
}

func TestRequestIDs_MonotonicAcrossControllers(t *testing.T) {
	e := newEnv(t, defaultParams(), time.Hour, uuid.Nil)
	alice, bob := uuid.New(), uuid.New()

	if _, err := e.kernel.JTDeposit(alice, 5_000, baseUs); err != nil {
		t.Fatalf("JTDeposit alice: %v", err)
	}
	if _, err := e.kernel.JTDeposit(bob, 5_000, baseUs+1); err != nil {
		t.Fatalf("JTDeposit bob: %v", err)
	}

	id1, err := e.kernel.JTRequestRedeem(alice, 1_000, baseUs+2)
	if err != nil {
		t.Fatalf("request 1: %v", err)
	}
	id2, err := e.kernel.JTRequestRedeem(bob, 1_000, baseUs+3)
	if err != nil {
		t.Fatalf("request 2: %v", err)
	}
	id3, err := e.kernel.JTRequestRedeem(alice, 1_000, baseUs+4)
	if err != nil {
		t.Fatalf("request 3: %v", err)
	}
	if id1 != 1 || id2 != 2 || id3 != 3 {
		t.Errorf("request ids = %d,%d,%d, want 1,2,3", id1, id2, id3)
	}
	// IDs are scoped to (controller, id): bob cannot touch alice's request.
	if _, err := e.kernel.JTRedeem(bob, id1, 100, bob, baseUs+5); !errors.Is(err, kernel.ErrInvalidRequestID) {
		t.Errorf("cross-controller redeem: got %v, want ErrInvalidRequestID", err)
	}
}

func TestRequestBook_SnapshotRestore(t *testing.T) {
	e := newEnv(t, defaultParams(), time.Hour, uuid.Nil)
	alice, bob := uuid.New(), uuid.New()

	if _, err := e.kernel.JTDeposit(alice, 5_000, baseUs); err != nil {
		t.Fatalf("JTDeposit alice: %v", err)
	}
	if _, err := e.kernel.JTDeposit(bob, 5_000, baseUs+1); err != nil {
		t.Fatalf("JTDeposit bob: %v", err)
	}
	if _, err := e.kernel.JTRequestRedeem(alice, 1_000, baseUs+2); err != nil {
		t.Fatalf("request alice: %v", err)
	}
	reqID, err := e.kernel.JTRequestRedeem(bob, 2_000, baseUs+3)
	if err != nil {
		t.Fatalf("request bob: %v", err)
	}
	if err := e.kernel.JTCancelRedeemRequest(bob, reqID, baseUs+4); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	snap := e.kernel.Requests().Snapshot()

	restored := kernel.NewRequestBook()
	if err := restored.Restore(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got, want := restored.Snapshot(), snap; len(got.Requests) != len(want.Requests) || got.NextID != want.NextID {
		t.Fatalf("restored snapshot = %+v, want %+v", got, want)
	}
	for i, req := range restored.Snapshot().Requests {
		if req != snap.Requests[i] {
			t.Errorf("request %d = %+v, want %+v", i, req, snap.Requests[i])
		}
	}
	if got := restored.EscrowedShares(bob); got != 2_000 {
		t.Errorf("restored escrow for bob = %d, want 2000", got)
	}
}
