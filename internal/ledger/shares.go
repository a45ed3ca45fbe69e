package ledger

import (
	"fmt"

	"github.com/google/uuid"

	fpmath "TrancheVault/internal/math"
)

// Tranche identifies which side of the vault a share belongs to.
type Tranche uint8

const (
	TrancheSenior Tranche = iota
	TrancheJunior
)

func (t Tranche) String() string {
	switch t {
	case TrancheSenior:
		return "ST"
	case TrancheJunior:
		return "JT"
	default:
		return "Unknown"
	}
}

// ParseTranche maps the wire representation back to a Tranche.
func ParseTranche(s string) (Tranche, bool) {
	switch s {
	case "ST", "st", "senior":
		return TrancheSenior, true
	case "JT", "jt", "junior":
		return TrancheJunior, true
	default:
		return 0, false
	}
}

// ShareLedger is the tranche share ledger the Kernel mints and burns against.
// Balances are split into available and escrowed: shares under a pending
// Junior redemption request sit in escrow — still counted in total supply
// (and therefore still backing coverage) but not spendable by the controller.
type ShareLedger interface {
	TotalSupply(t Tranche) int64
	BalanceOf(t Tranche, controller uuid.UUID) int64
	EscrowedOf(t Tranche, controller uuid.UUID) int64

	Mint(t Tranche, controller uuid.UUID, shares int64) error
	Burn(t Tranche, controller uuid.UUID, shares int64) error

	MoveToEscrow(t Tranche, controller uuid.UUID, shares int64) error
	ReturnFromEscrow(t Tranche, controller uuid.UUID, shares int64) error
	BurnFromEscrow(t Tranche, controller uuid.UUID, shares int64) error

	// MintProtocolFeeShares dilutes existing holders: the recipient receives
	// shares worth feeNAV at the effective-NAV-per-share ratio at mint time.
	MintProtocolFeeShares(t Tranche, feeNAV, effectiveNAV int64, recipient uuid.UUID) (sharesMinted, totalSupplyAfter int64, err error)
}

// shareKey is the in-memory key for per-controller balances.
type shareKey struct {
	Tranche    Tranche
	Controller uuid.UUID
}

// MemoryShareLedger is the in-memory ShareLedger used by the engine.
// Not thread-safe — only accessed from the single-threaded vault core.
type MemoryShareLedger struct {
	supply    [2]int64
	available map[shareKey]int64
	escrowed  map[shareKey]int64
}

func NewMemoryShareLedger() *MemoryShareLedger {
	return &MemoryShareLedger{
		available: make(map[shareKey]int64),
		escrowed:  make(map[shareKey]int64),
	}
}

func (l *MemoryShareLedger) TotalSupply(t Tranche) int64 {
	return l.supply[t]
}

func (l *MemoryShareLedger) BalanceOf(t Tranche, controller uuid.UUID) int64 {
	return l.available[shareKey{t, controller}]
}

func (l *MemoryShareLedger) EscrowedOf(t Tranche, controller uuid.UUID) int64 {
	return l.escrowed[shareKey{t, controller}]
}

func (l *MemoryShareLedger) Mint(t Tranche, controller uuid.UUID, shares int64) error {
	if shares < 0 {
		return fmt.Errorf("mint %s: negative share amount %d", t, shares)
	}
	l.available[shareKey{t, controller}] += shares
	l.supply[t] += shares
	return nil
}

func (l *MemoryShareLedger) Burn(t Tranche, controller uuid.UUID, shares int64) error {
	key := shareKey{t, controller}
	if shares < 0 || l.available[key] < shares {
		return fmt.Errorf("burn %s: insufficient balance (have=%d, burn=%d)", t, l.available[key], shares)
	}
	l.available[key] -= shares
	l.supply[t] -= shares
	if l.available[key] == 0 {
		delete(l.available, key)
	}
	return nil
}

func (l *MemoryShareLedger) MoveToEscrow(t Tranche, controller uuid.UUID, shares int64) error {
	key := shareKey{t, controller}
	if shares < 0 || l.available[key] < shares {
		return fmt.Errorf("escrow %s: insufficient balance (have=%d, move=%d)", t, l.available[key], shares)
	}
	l.available[key] -= shares
	l.escrowed[key] += shares
	if l.available[key] == 0 {
		delete(l.available, key)
	}
	return nil
}

func (l *MemoryShareLedger) ReturnFromEscrow(t Tranche, controller uuid.UUID, shares int64) error {
	key := shareKey{t, controller}
	if shares < 0 || l.escrowed[key] < shares {
		return fmt.Errorf("unescrow %s: insufficient escrow (have=%d, return=%d)", t, l.escrowed[key], shares)
	}
	l.escrowed[key] -= shares
	l.available[key] += shares
	if l.escrowed[key] == 0 {
		delete(l.escrowed, key)
	}
	return nil
}

func (l *MemoryShareLedger) BurnFromEscrow(t Tranche, controller uuid.UUID, shares int64) error {
	key := shareKey{t, controller}
	if shares < 0 || l.escrowed[key] < shares {
		return fmt.Errorf("burn escrow %s: insufficient escrow (have=%d, burn=%d)", t, l.escrowed[key], shares)
	}
	l.escrowed[key] -= shares
	l.supply[t] -= shares
	if l.escrowed[key] == 0 {
		delete(l.escrowed, key)
	}
	return nil
}

// MintProtocolFeeShares mints shares to the fee recipient such that the
// recipient's stake is worth feeNAV at the post-mint NAV-per-share ratio:
// minted = feeNAV * supply / (effectiveNAV - feeNAV). Existing holders are
// diluted proportionally; no NAV moves.
func (l *MemoryShareLedger) MintProtocolFeeShares(
	t Tranche,
	feeNAV, effectiveNAV int64,
	recipient uuid.UUID,
) (int64, int64, error) {
	if feeNAV <= 0 {
		return 0, l.supply[t], nil
	}
	if feeNAV >= effectiveNAV {
		return 0, l.supply[t], fmt.Errorf("fee mint %s: fee %d >= effective NAV %d", t, feeNAV, effectiveNAV)
	}

	supply := l.supply[t]
	if supply == 0 {
		// No holders to dilute — fee accrues to the recipient 1:1.
		if err := l.Mint(t, recipient, feeNAV); err != nil {
			return 0, 0, err
		}
		return feeNAV, l.supply[t], nil
	}

	minted := fpmath.MulDiv(feeNAV, supply, effectiveNAV-feeNAV, fpmath.RoundDown)
	if err := l.Mint(t, recipient, minted); err != nil {
		return 0, 0, err
	}
	return minted, l.supply[t], nil
}

// Snapshot returns a serializable copy of all balances keyed by
// "tranche:controller" path strings.
func (l *MemoryShareLedger) Snapshot() (available, escrowed map[string]int64) {
	available = make(map[string]int64, len(l.available))
	escrowed = make(map[string]int64, len(l.escrowed))
	for k, v := range l.available {
		available[k.Tranche.String()+":"+k.Controller.String()] = v
	}
	for k, v := range l.escrowed {
		escrowed[k.Tranche.String()+":"+k.Controller.String()] = v
	}
	return available, escrowed
}

// Restore reinstates balances from a snapshot, rebuilding supplies.
func (l *MemoryShareLedger) Restore(available, escrowed map[string]int64) error {
	l.available = make(map[shareKey]int64, len(available))
	l.escrowed = make(map[shareKey]int64, len(escrowed))
	l.supply = [2]int64{}

	restore := func(src map[string]int64, dst map[shareKey]int64) error {
		for path, v := range src {
			key, err := parseShareKey(path)
			if err != nil {
				return err
			}
			dst[key] = v
			l.supply[key.Tranche] += v
		}
		return nil
	}
	if err := restore(available, l.available); err != nil {
		return err
	}
	return restore(escrowed, l.escrowed)
}

func parseShareKey(path string) (shareKey, error) {
	if len(path) < 4 || path[2] != ':' {
		return shareKey{}, fmt.Errorf("malformed share key path: %q", path)
	}
	tranche, ok := ParseTranche(path[:2])
	if !ok {
		return shareKey{}, fmt.Errorf("malformed share key tranche: %q", path)
	}
	controller, err := uuid.Parse(path[3:])
	if err != nil {
		return shareKey{}, fmt.Errorf("malformed share key controller: %w", err)
	}
	return shareKey{tranche, controller}, nil
}
