package strategy

import (
	"github.com/google/uuid"

	"TrancheVault/internal/ledger"
)

// Adapter is the capability set the Kernel needs from a yield strategy.
// RawNAV must reflect mark-to-market value including any unrealized
// gain/loss of the underlying position. DepositAssets and WithdrawAssets
// move tranche units (the underlying deposited asset); RawNAV and the
// returned deposit value are NAV units.
type Adapter interface {
	RawNAV(t ledger.Tranche) int64
	DepositAssets(t ledger.Tranche, trancheUnits int64) (navDeposited int64, err error)
	WithdrawAssets(t ledger.Tranche, trancheUnits int64, receiver uuid.UUID) error
}
