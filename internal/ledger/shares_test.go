package ledger_test

import (
	"testing"

	"github.com/google/uuid"

	"TrancheVault/internal/ledger"
)

func TestMemoryShareLedger_MintBurn(t *testing.T) {
	l := ledger.NewMemoryShareLedger()
	controller := uuid.New()

	if err := l.Mint(ledger.TrancheJunior, controller, 10_000); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if got := l.BalanceOf(ledger.TrancheJunior, controller); got != 10_000 {
		t.Errorf("balance: got %d, want 10_000", got)
	}
	if got := l.TotalSupply(ledger.TrancheJunior); got != 10_000 {
		t.Errorf("supply: got %d, want 10_000", got)
	}
	if got := l.TotalSupply(ledger.TrancheSenior); got != 0 {
		t.Errorf("senior supply should be untouched, got %d", got)
	}

	if err := l.Burn(ledger.TrancheJunior, controller, 4_000); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if got := l.BalanceOf(ledger.TrancheJunior, controller); got != 6_000 {
		t.Errorf("balance after burn: got %d, want 6_000", got)
	}
}

func TestMemoryShareLedger_BurnInsufficient(t *testing.T) {
	l := ledger.NewMemoryShareLedger()
	controller := uuid.New()
	l.Mint(ledger.TrancheSenior, controller, 100)

	if err := l.Burn(ledger.TrancheSenior, controller, 101); err == nil {
		t.Error("burn above balance should fail")
	}
	if got := l.TotalSupply(ledger.TrancheSenior); got != 100 {
		t.Errorf("failed burn must not change supply, got %d", got)
	}
}

func TestMemoryShareLedger_EscrowLifecycle(t *testing.T) {
	l := ledger.NewMemoryShareLedger()
	controller := uuid.New()
	l.Mint(ledger.TrancheJunior, controller, 1_000)

	if err := l.MoveToEscrow(ledger.TrancheJunior, controller, 600); err != nil {
		t.Fatalf("escrow: %v", err)
	}
	if got := l.BalanceOf(ledger.TrancheJunior, controller); got != 400 {
		t.Errorf("available: got %d, want 400", got)
	}
	if got := l.EscrowedOf(ledger.TrancheJunior, controller); got != 600 {
		t.Errorf("escrowed: got %d, want 600", got)
	}
	// Escrow is not a burn: supply unchanged so escrowed shares keep
	// backing Junior raw NAV during the redemption delay.
	if got := l.TotalSupply(ledger.TrancheJunior); got != 1_000 {
		t.Errorf("supply: got %d, want 1_000", got)
	}

	// Partial burn from escrow (redeem), partial return (cancel claim).
	if err := l.BurnFromEscrow(ledger.TrancheJunior, controller, 250); err != nil {
		t.Fatalf("burn from escrow: %v", err)
	}
	if err := l.ReturnFromEscrow(ledger.TrancheJunior, controller, 350); err != nil {
		t.Fatalf("return from escrow: %v", err)
	}
	if got := l.EscrowedOf(ledger.TrancheJunior, controller); got != 0 {
		t.Errorf("escrowed after drain: got %d, want 0", got)
	}
	if got := l.BalanceOf(ledger.TrancheJunior, controller); got != 750 {
		t.Errorf("available after drain: got %d, want 750", got)
	}
	if got := l.TotalSupply(ledger.TrancheJunior); got != 750 {
		t.Errorf("supply after drain: got %d, want 750", got)
	}
}

func TestMintProtocolFeeShares_Dilution(t *testing.T) {
	l := ledger.NewMemoryShareLedger()
	holder := uuid.New()
	recipient := uuid.New()
	l.Mint(ledger.TrancheSenior, holder, 1_000_000)

	// Effective NAV 2_000_000, fee 20_000 (1%): recipient's post-mint stake
	// must be worth the fee at NAV-per-share after dilution.
	minted, supplyAfter, err := l.MintProtocolFeeShares(ledger.TrancheSenior, 20_000, 2_000_000, recipient)
	if err != nil {
		t.Fatalf("fee mint: %v", err)
	}

	// minted = 20_000 * 1_000_000 / 1_980_000 ≈ 10_101
	if minted < 10_100 || minted > 10_102 {
		t.Errorf("minted: got %d, want ~10_101", minted)
	}
	if supplyAfter != 1_000_000+minted {
		t.Errorf("supply after: got %d, want %d", supplyAfter, 1_000_000+minted)
	}

	// Recipient share value: minted/supplyAfter * effNAV ≈ feeNAV.
	value := minted * 2_000_000 / supplyAfter
	if value < 19_990 || value > 20_010 {
		t.Errorf("recipient stake worth %d, want ~20_000", value)
	}
}

func TestMintProtocolFeeShares_ZeroFeeNoop(t *testing.T) {
	l := ledger.NewMemoryShareLedger()
	recipient := uuid.New()
	minted, supply, err := l.MintProtocolFeeShares(ledger.TrancheJunior, 0, 1_000, recipient)
	if err != nil || minted != 0 || supply != 0 {
		t.Errorf("zero fee should be a no-op: minted=%d supply=%d err=%v", minted, supply, err)
	}
}

func TestMintProtocolFeeShares_FeeExceedsNAV(t *testing.T) {
	l := ledger.NewMemoryShareLedger()
	recipient := uuid.New()
	l.Mint(ledger.TrancheJunior, uuid.New(), 100)
	if _, _, err := l.MintProtocolFeeShares(ledger.TrancheJunior, 1_000, 1_000, recipient); err == nil {
		t.Error("fee >= effective NAV should fail")
	}
}

func TestMemoryShareLedger_SnapshotRestore(t *testing.T) {
	l := ledger.NewMemoryShareLedger()
	a, b := uuid.New(), uuid.New()
	l.Mint(ledger.TrancheSenior, a, 500)
	l.Mint(ledger.TrancheJunior, b, 900)
	l.MoveToEscrow(ledger.TrancheJunior, b, 300)

	available, escrowed := l.Snapshot()

	fresh := ledger.NewMemoryShareLedger()
	if err := fresh.Restore(available, escrowed); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if got := fresh.BalanceOf(ledger.TrancheSenior, a); got != 500 {
		t.Errorf("restored senior balance: got %d, want 500", got)
	}
	if got := fresh.BalanceOf(ledger.TrancheJunior, b); got != 600 {
		t.Errorf("restored junior available: got %d, want 600", got)
	}
	if got := fresh.EscrowedOf(ledger.TrancheJunior, b); got != 300 {
		t.Errorf("restored junior escrow: got %d, want 300", got)
	}
	if got := fresh.TotalSupply(ledger.TrancheJunior); got != 900 {
		t.Errorf("restored junior supply: got %d, want 900", got)
	}
}
