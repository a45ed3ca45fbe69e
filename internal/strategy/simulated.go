package strategy

import (
	"fmt"

	"github.com/google/uuid"

	"TrancheVault/internal/ledger"
	fpmath "TrancheVault/internal/math"
)

// SimulatedAdapter is an in-memory strategy position. The engine drives its
// mark-to-market value through NAVObserved events (yield and loss applied as
// raw-NAV moves); deposits and withdrawals move value in and out at a fixed
// unit conversion rate. Payouts are recorded per receiver so tests and the
// query surface can observe them.
type SimulatedAdapter struct {
	raw     [2]int64
	rateWad int64
	payouts map[uuid.UUID]int64
}

func NewSimulatedAdapter(rateWad int64) *SimulatedAdapter {
	if rateWad <= 0 {
		rateWad = fpmath.Wad
	}
	return &SimulatedAdapter{
		rateWad: rateWad,
		payouts: make(map[uuid.UUID]int64),
	}
}

func (s *SimulatedAdapter) RawNAV(t ledger.Tranche) int64 {
	return s.raw[t]
}

func (s *SimulatedAdapter) DepositAssets(t ledger.Tranche, trancheUnits int64) (int64, error) {
	if trancheUnits <= 0 {
		return 0, fmt.Errorf("deposit %s: non-positive amount %d", t, trancheUnits)
	}
	nav := fpmath.ToNAVUnits(trancheUnits, s.rateWad)
	s.raw[t] += nav
	return nav, nil
}

func (s *SimulatedAdapter) WithdrawAssets(t ledger.Tranche, trancheUnits int64, receiver uuid.UUID) error {
	if trancheUnits <= 0 {
		return fmt.Errorf("withdraw %s: non-positive amount %d", t, trancheUnits)
	}
	nav := fpmath.ToNAVUnits(trancheUnits, s.rateWad)
	if nav > s.raw[t] {
		return fmt.Errorf("withdraw %s: %d NAV exceeds position %d", t, nav, s.raw[t])
	}
	s.raw[t] -= nav
	s.payouts[receiver] += trancheUnits
	return nil
}

// SetRawNAV marks the position to an externally observed value.
// Called by the engine when a NAVObserved event arrives.
func (s *SimulatedAdapter) SetRawNAV(t ledger.Tranche, nav int64) {
	if nav < 0 {
		nav = 0
	}
	s.raw[t] = nav
}

// ApplyYieldBps moves both positions by a signed basis-point factor.
// Convenience for scenario tests.
func (s *SimulatedAdapter) ApplyYieldBps(t ledger.Tranche, bps int64) {
	s.raw[t] += fpmath.MulDiv(s.raw[t], bps, 10_000, fpmath.RoundHalfEven)
	if s.raw[t] < 0 {
		s.raw[t] = 0
	}
}

// PaidOut returns the cumulative tranche units withdrawn to a receiver.
func (s *SimulatedAdapter) PaidOut(receiver uuid.UUID) int64 {
	return s.payouts[receiver]
}
