package kernel

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"TrancheVault/internal/ledger"
	fpmath "TrancheVault/internal/math"
	"TrancheVault/internal/oracle"
	"TrancheVault/internal/state"
	"TrancheVault/internal/strategy"
	"TrancheVault/internal/ydm"
)

// Kernel orchestrates one market: it owns the tranche accountant, the share
// ledger, the strategy adapter, and the Junior redemption queue, and runs
// every operation through the same lifecycle:
//
//	pin rate -> pre-op sync -> settle fees -> execute -> post-op sync
//	  (+ coverage enforcement for STDeposit and JTRedeem)
//
// A failed coverage check aborts the whole operation; nothing is persisted.
//
// Not thread-safe — only driven from the single-threaded vault core. The
// reentrancy guard exists to catch adapter callbacks re-entering an operation
// mid-flight, not to synchronize goroutines.
type Kernel struct {
	marketID   string
	accountant *state.Accountant
	shares     ledger.ShareLedger
	adapter    strategy.Adapter
	quoter     oracle.Quoter
	rates      *oracle.OpRateCache
	book       *RequestBook

	feeRecipient    uuid.UUID
	redemptionDelay time.Duration

	inOp bool
}

// Config assembles a Kernel.
type Config struct {
	MarketID string
	Params   state.Params
	Model    ydm.Model
	Shares   ledger.ShareLedger
	Adapter  strategy.Adapter
	Quoter   oracle.Quoter

	FeeRecipient    uuid.UUID // zero UUID defers fee settlement until one is set
	RedemptionDelay time.Duration

	NowUs int64
}

func New(cfg Config) (*Kernel, error) {
	if cfg.Shares == nil || cfg.Adapter == nil || cfg.Quoter == nil {
		return nil, fmt.Errorf("%w: kernel requires shares, adapter, and quoter", state.ErrMisconfiguration)
	}
	if cfg.RedemptionDelay < 0 {
		return nil, fmt.Errorf("%w: negative redemption delay %s", state.ErrMisconfiguration, cfg.RedemptionDelay)
	}
	accountant, err := state.NewAccountant(cfg.MarketID, cfg.Params, cfg.Model, cfg.NowUs)
	if err != nil {
		return nil, err
	}
	return &Kernel{
		marketID:        cfg.MarketID,
		accountant:      accountant,
		shares:          cfg.Shares,
		adapter:         cfg.Adapter,
		quoter:          cfg.Quoter,
		rates:           oracle.NewOpRateCache(cfg.Quoter),
		book:            NewRequestBook(),
		feeRecipient:    cfg.FeeRecipient,
		redemptionDelay: cfg.RedemptionDelay,
	}, nil
}

func (k *Kernel) MarketID() string               { return k.marketID }
func (k *Kernel) Accountant() *state.Accountant  { return k.accountant }
func (k *Kernel) Shares() ledger.ShareLedger     { return k.shares }
func (k *Kernel) Requests() *RequestBook         { return k.book }
func (k *Kernel) RedemptionDelay() time.Duration { return k.redemptionDelay }

func (k *Kernel) enterOp() error {
	if k.inOp {
		return fmt.Errorf("%w on market %s", ErrReentrantOperation, k.marketID)
	}
	k.inOp = true
	return nil
}

func (k *Kernel) exitOp() {
	k.inOp = false
	k.rates.Invalidate()
}

// preOp runs the pre-operation sync against the adapter's current marks and
// settles any fees the sync accrued. Every state-changing operation starts
// here.
func (k *Kernel) preOp(nowUs int64) (state.SyncedState, error) {
	synced, _, _ := k.accountant.PreOpSync(
		k.adapter.RawNAV(ledger.TrancheSenior),
		k.adapter.RawNAV(ledger.TrancheJunior),
		nowUs,
	)
	if err := k.settleFees(synced); err != nil {
		return state.SyncedState{}, err
	}
	return synced, nil
}

// settleFees converts accrued protocol fees into fee shares, diluting the
// tranche that produced them. With no recipient configured the accrual is
// left in place for a later settlement.
func (k *Kernel) settleFees(synced state.SyncedState) error {
	if k.feeRecipient == uuid.Nil {
		return nil
	}
	feeST, feeJT := k.accountant.DrainFees()
	if feeST > 0 {
		if _, _, err := k.shares.MintProtocolFeeShares(ledger.TrancheSenior, feeST, synced.EffST, k.feeRecipient); err != nil {
			return fmt.Errorf("settle ST fees on %s: %w", k.marketID, err)
		}
	}
	if feeJT > 0 {
		if _, _, err := k.shares.MintProtocolFeeShares(ledger.TrancheJunior, feeJT, synced.EffJT, k.feeRecipient); err != nil {
			return fmt.Errorf("settle JT fees on %s: %w", k.marketID, err)
		}
	}
	return nil
}

// --- Deposits ---

// STDeposit moves trancheUnits into the Senior side of the strategy and
// mints Senior shares at the synced NAV-per-share ratio. Rejected when the
// market is in FixedTerm or when the deposit would push utilization above 1.
func (k *Kernel) STDeposit(controller uuid.UUID, trancheUnits, nowUs int64) (sharesMinted int64, err error) {
	if err := k.enterOp(); err != nil {
		return 0, err
	}
	defer k.exitOp()

	if controller == uuid.Nil {
		return 0, fmt.Errorf("%w: controller", ErrNullAddress)
	}
	if trancheUnits <= 0 {
		return 0, fmt.Errorf("%w: deposit %d", ErrInvalidAmount, trancheUnits)
	}
	rate, err := k.rates.Pin(nowUs)
	if err != nil {
		return 0, err
	}

	synced, err := k.preOp(nowUs)
	if err != nil {
		return 0, err
	}
	if synced.MarketState != state.MarketStatePerpetual {
		return 0, fmt.Errorf("%w: ST deposits closed while %s", state.ErrInvalidMarketState, synced.MarketState)
	}

	// Quote the deposit against headroom before touching the strategy. The
	// post-op check below stays authoritative.
	navIn := fpmath.ToNAVUnits(trancheUnits, rate.RateWad)
	if navIn > state.STMaxDepositFromState(synced, k.accountant.Params()) {
		return 0, fmt.Errorf("%w: ST deposit %d exceeds headroom on %s",
			state.ErrInsufficientCoverage, navIn, k.marketID)
	}

	navDeposited, err := k.adapter.DepositAssets(ledger.TrancheSenior, trancheUnits)
	if err != nil {
		return 0, fmt.Errorf("ST deposit on %s: %w", k.marketID, err)
	}
	minted := fpmath.SharesForNAV(navDeposited, k.shares.TotalSupply(ledger.TrancheSenior), synced.EffST)

	_, err = k.accountant.PostOpSyncAndEnforceCoverage(state.OpSTDeposit, navDeposited, 0, 0, 0)
	if err != nil {
		// Unwind the strategy move and surface the violation.
		if werr := k.adapter.WithdrawAssets(ledger.TrancheSenior, trancheUnits, controller); werr != nil {
			return 0, fmt.Errorf("%w (unwind failed: %v)", err, werr)
		}
		return 0, err
	}

	if err := k.shares.Mint(ledger.TrancheSenior, controller, minted); err != nil {
		return 0, err
	}
	return minted, nil
}

// JTDeposit moves trancheUnits into the Junior side and mints Junior shares.
// Not coverage-gated: growing the Junior buffer only improves utilization.
// Rejected while the market is in FixedTerm.
func (k *Kernel) JTDeposit(controller uuid.UUID, trancheUnits, nowUs int64) (sharesMinted int64, err error) {
	if err := k.enterOp(); err != nil {
		return 0, err
	}
	defer k.exitOp()

	if controller == uuid.Nil {
		return 0, fmt.Errorf("%w: controller", ErrNullAddress)
	}
	if trancheUnits <= 0 {
		return 0, fmt.Errorf("%w: deposit %d", ErrInvalidAmount, trancheUnits)
	}
	if _, err := k.rates.Pin(nowUs); err != nil {
		return 0, err
	}

	synced, err := k.preOp(nowUs)
	if err != nil {
		return 0, err
	}
	if synced.MarketState != state.MarketStatePerpetual {
		return 0, fmt.Errorf("%w: JT deposits closed while %s", state.ErrInvalidMarketState, synced.MarketState)
	}

	navDeposited, err := k.adapter.DepositAssets(ledger.TrancheJunior, trancheUnits)
	if err != nil {
		return 0, fmt.Errorf("JT deposit on %s: %w", k.marketID, err)
	}
	minted := fpmath.SharesForNAV(navDeposited, k.shares.TotalSupply(ledger.TrancheJunior), synced.EffJT)

	k.accountant.PostOpSync(state.OpJTDeposit, 0, navDeposited, 0, 0)

	if err := k.shares.Mint(ledger.TrancheJunior, controller, minted); err != nil {
		return 0, err
	}
	return minted, nil
}

// --- Senior redemption (synchronous) ---

// STRedeem burns Senior shares and pays the controller's receiver their NAV
// value in tranche units. Allowed in every market state: Senior exits only
// shrink covered exposure.
func (k *Kernel) STRedeem(controller uuid.UUID, sharesIn int64, receiver uuid.UUID, nowUs int64) (trancheUnitsOut int64, err error) {
	if err := k.enterOp(); err != nil {
		return 0, err
	}
	defer k.exitOp()

	if controller == uuid.Nil || receiver == uuid.Nil {
		return 0, fmt.Errorf("%w: controller or receiver", ErrNullAddress)
	}
	if sharesIn <= 0 {
		return 0, fmt.Errorf("%w: redeem %d shares", ErrInvalidAmount, sharesIn)
	}
	rate, err := k.rates.Pin(nowUs)
	if err != nil {
		return 0, err
	}

	synced, err := k.preOp(nowUs)
	if err != nil {
		return 0, err
	}

	value := fpmath.NAVForShares(sharesIn, k.shares.TotalSupply(ledger.TrancheSenior), synced.EffST)
	if err := k.shares.Burn(ledger.TrancheSenior, controller, sharesIn); err != nil {
		return 0, err
	}

	units := fpmath.ToTrancheUnits(value, rate.RateWad)
	navOut := fpmath.ToNAVUnits(units, rate.RateWad)

	k.accountant.PostOpSync(state.OpSTRedeem, 0, 0, navOut, 0)

	if units > 0 {
		if err := k.adapter.WithdrawAssets(ledger.TrancheSenior, units, receiver); err != nil {
			// Strategy refused the withdrawal: put the checkpoints and the
			// shares back so the controller keeps their claim.
			k.accountant.PostOpSync(state.OpSTRedeem, navOut, 0, 0, 0)
			if merr := k.shares.Mint(ledger.TrancheSenior, controller, sharesIn); merr != nil {
				return 0, fmt.Errorf("ST redeem unwind on %s: %v (after %w)", k.marketID, merr, err)
			}
			return 0, fmt.Errorf("ST redeem on %s: %w", k.marketID, err)
		}
	}
	return units, nil
}

// --- Junior redemption (asynchronous) ---

// JTRequestRedeem opens a redemption request: the shares move to escrow (still
// in supply, still backing coverage) and their NAV value is snapshotted. The
// request becomes claimable after the configured delay. Returns the monotonic
// per-market request ID.
func (k *Kernel) JTRequestRedeem(controller uuid.UUID, sharesIn, nowUs int64) (requestID int64, err error) {
	if err := k.enterOp(); err != nil {
		return 0, err
	}
	defer k.exitOp()

	if controller == uuid.Nil {
		return 0, fmt.Errorf("%w: controller", ErrNullAddress)
	}
	if sharesIn <= 0 {
		return 0, fmt.Errorf("%w: request %d shares", ErrInvalidAmount, sharesIn)
	}

	synced, err := k.preOp(nowUs)
	if err != nil {
		return 0, err
	}

	if err := k.shares.MoveToEscrow(ledger.TrancheJunior, controller, sharesIn); err != nil {
		return 0, err
	}
	value := fpmath.NAVForShares(sharesIn, k.shares.TotalSupply(ledger.TrancheJunior), synced.EffJT)
	req := k.book.open(controller, sharesIn, value, nowUs, nowUs+k.redemptionDelay.Microseconds())

	k.accountant.PostOpSync(state.OpJTRequestRedeem, 0, 0, 0, 0)
	return req.ID, nil
}

// JTRedeem claims sharesIn from a matured request. Payout is the lesser of
// the pro-rated snapshot value and the current NAV value of the shares —
// Junior holders never profit from queueing ahead of a loss. Coverage-gated:
// shrinking the buffer must keep utilization at or below 1.
func (k *Kernel) JTRedeem(controller uuid.UUID, requestID, sharesIn int64, receiver uuid.UUID, nowUs int64) (trancheUnitsOut int64, err error) {
	if err := k.enterOp(); err != nil {
		return 0, err
	}
	defer k.exitOp()

	if controller == uuid.Nil || receiver == uuid.Nil {
		return 0, fmt.Errorf("%w: controller or receiver", ErrNullAddress)
	}
	if sharesIn <= 0 {
		return 0, fmt.Errorf("%w: redeem %d shares", ErrInvalidAmount, sharesIn)
	}
	rate, err := k.rates.Pin(nowUs)
	if err != nil {
		return 0, err
	}

	synced, err := k.preOp(nowUs)
	if err != nil {
		return 0, err
	}

	req := k.book.get(controller, requestID)
	if req == nil {
		return 0, fmt.Errorf("%w: %d on market %s", ErrInvalidRequestID, requestID, k.marketID)
	}
	if req.Canceled {
		return 0, fmt.Errorf("%w: request %d", ErrRedemptionRequestCanceled, requestID)
	}
	claimable := k.claimableShares(req, synced, nowUs)
	if sharesIn > claimable {
		return 0, fmt.Errorf("%w: %d requested, %d claimable on request %d",
			ErrInsufficientRedeemableShares, sharesIn, claimable, requestID)
	}

	valueNow := fpmath.NAVForShares(sharesIn, k.shares.TotalSupply(ledger.TrancheJunior), synced.EffJT)
	valueAtRequest := fpmath.MulDiv(req.ValueAtRequest, sharesIn, req.SharesAtRequest, fpmath.RoundDown)
	payout := fpmath.Min(valueAtRequest, valueNow)

	units := fpmath.ToTrancheUnits(payout, rate.RateWad)
	navOut := fpmath.ToNAVUnits(units, rate.RateWad)

	if err := k.shares.BurnFromEscrow(ledger.TrancheJunior, controller, sharesIn); err != nil {
		return 0, err
	}

	_, err = k.accountant.PostOpSyncAndEnforceCoverage(state.OpJTRedeem, 0, 0, 0, navOut)
	if err != nil {
		// Should be unreachable past the claimable check. Re-escrow.
		if merr := k.shares.Mint(ledger.TrancheJunior, controller, sharesIn); merr == nil {
			_ = k.shares.MoveToEscrow(ledger.TrancheJunior, controller, sharesIn)
		}
		return 0, err
	}

	if units > 0 {
		if werr := k.adapter.WithdrawAssets(ledger.TrancheJunior, units, receiver); werr != nil {
			k.accountant.PostOpSync(state.OpJTRedeem, 0, navOut, 0, 0)
			if merr := k.shares.Mint(ledger.TrancheJunior, controller, sharesIn); merr == nil {
				_ = k.shares.MoveToEscrow(ledger.TrancheJunior, controller, sharesIn)
			}
			return 0, fmt.Errorf("JT redeem on %s: %w", k.marketID, werr)
		}
	}

	req.SharesOutstanding -= sharesIn
	if req.SharesOutstanding == 0 {
		k.book.remove(controller, requestID)
	}
	return units, nil
}

// JTCancelRedeemRequest marks a live request canceled, effective instantly.
// The escrowed shares stay locked until JTClaimCancelRedeemRequest.
func (k *Kernel) JTCancelRedeemRequest(controller uuid.UUID, requestID, nowUs int64) error {
	if err := k.enterOp(); err != nil {
		return err
	}
	defer k.exitOp()

	if controller == uuid.Nil {
		return fmt.Errorf("%w: controller", ErrNullAddress)
	}
	if _, err := k.preOp(nowUs); err != nil {
		return err
	}

	req := k.book.get(controller, requestID)
	if req == nil {
		return fmt.Errorf("%w: %d on market %s", ErrInvalidRequestID, requestID, k.marketID)
	}
	if req.Canceled {
		return fmt.Errorf("%w: request %d", ErrRedemptionRequestCanceled, requestID)
	}
	req.Canceled = true
	return nil
}

// JTClaimCancelRedeemRequest returns the escrowed shares of a canceled
// request to the controller's spendable balance and closes the request.
func (k *Kernel) JTClaimCancelRedeemRequest(controller uuid.UUID, requestID, nowUs int64) (sharesReturned int64, err error) {
	if err := k.enterOp(); err != nil {
		return 0, err
	}
	defer k.exitOp()

	if controller == uuid.Nil {
		return 0, fmt.Errorf("%w: controller", ErrNullAddress)
	}
	if _, err := k.preOp(nowUs); err != nil {
		return 0, err
	}

	req := k.book.get(controller, requestID)
	if req == nil {
		return 0, fmt.Errorf("%w: %d on market %s", ErrInvalidRequestID, requestID, k.marketID)
	}
	if !req.Canceled {
		return 0, fmt.Errorf("%w: request %d", ErrRedemptionRequestNotCanceled, requestID)
	}
	if err := k.shares.ReturnFromEscrow(ledger.TrancheJunior, controller, req.SharesOutstanding); err != nil {
		return 0, err
	}
	returned := req.SharesOutstanding
	k.book.remove(controller, requestID)
	return returned, nil
}

// claimableShares computes, against a synced state, how many of a request's
// outstanding shares could be redeemed right now. Recomputed fresh on every
// call: coverage headroom moves with the market, so a request can slide
// between pending and claimable.
//
// INVARIANT R-01: pending + claimable == outstanding, always.
func (k *Kernel) claimableShares(req *RedemptionRequest, s state.SyncedState, nowUs int64) int64 {
	if req.Canceled || nowUs < req.ClaimableAtUs {
		return 0
	}
	headroomNAV := state.JTMaxRedeemFromState(s, k.accountant.Params())
	headroomShares := fpmath.SharesForNAV(headroomNAV, k.shares.TotalSupply(ledger.TrancheJunior), s.EffJT)
	return fpmath.Min(req.SharesOutstanding, headroomShares)
}

// --- Views (no state change) ---

func (k *Kernel) previewState(nowUs int64) state.SyncedState {
	return k.accountant.PreviewSync(
		k.adapter.RawNAV(ledger.TrancheSenior),
		k.adapter.RawNAV(ledger.TrancheJunior),
		nowUs,
	)
}

// JTPendingRedeemRequest returns the not-yet-claimable outstanding shares of
// a request. Zero for unknown requests.
func (k *Kernel) JTPendingRedeemRequest(controller uuid.UUID, requestID, nowUs int64) int64 {
	req := k.book.get(controller, requestID)
	if req == nil {
		return 0
	}
	return req.SharesOutstanding - k.claimableShares(req, k.previewState(nowUs), nowUs)
}

// JTClaimableRedeemRequest returns the shares of a request redeemable right
// now. Zero for unknown or canceled requests.
func (k *Kernel) JTClaimableRedeemRequest(controller uuid.UUID, requestID, nowUs int64) int64 {
	req := k.book.get(controller, requestID)
	if req == nil {
		return 0
	}
	return k.claimableShares(req, k.previewState(nowUs), nowUs)
}

// STMaxDeposit returns the largest Senior deposit, in tranche units, the
// coverage invariant admits right now. Zero while the market is in FixedTerm.
func (k *Kernel) STMaxDeposit(nowUs int64) (int64, error) {
	s := k.previewState(nowUs)
	if s.MarketState != state.MarketStatePerpetual {
		return 0, nil
	}
	headroomNAV := state.STMaxDepositFromState(s, k.accountant.Params())
	if headroomNAV == fpmath.MaxUtilization {
		return fpmath.MaxUtilization, nil
	}
	rate, err := k.quoter.Rate(nowUs)
	if err != nil {
		return 0, err
	}
	return fpmath.ToTrancheUnits(headroomNAV, rate.RateWad), nil
}

// JTMaxRedeem returns the largest Junior redemption, in shares, the coverage
// invariant admits right now.
func (k *Kernel) JTMaxRedeem(nowUs int64) int64 {
	s := k.previewState(nowUs)
	headroomNAV := state.JTMaxRedeemFromState(s, k.accountant.Params())
	return fpmath.SharesForNAV(headroomNAV, k.shares.TotalSupply(ledger.TrancheJunior), s.EffJT)
}

// SyncTrancheAccounting is the privileged keeper entry point: realize accrued
// yield and losses into the effective NAVs and settle fees, with no tranche
// operation attached.
func (k *Kernel) SyncTrancheAccounting(nowUs int64) (state.SyncedState, error) {
	if err := k.enterOp(); err != nil {
		return state.SyncedState{}, err
	}
	defer k.exitOp()
	return k.preOp(nowUs)
}

// PreviewSyncTrancheAccounting quotes the synchronized state without
// mutating anything.
func (k *Kernel) PreviewSyncTrancheAccounting(nowUs int64) state.SyncedState {
	return k.previewState(nowUs)
}

// --- Admin surface ---

func (k *Kernel) SetProtocolFeeRecipient(recipient uuid.UUID) error {
	if recipient == uuid.Nil {
		return fmt.Errorf("%w: fee recipient", ErrNullAddress)
	}
	k.feeRecipient = recipient
	return nil
}

func (k *Kernel) ProtocolFeeRecipient() uuid.UUID { return k.feeRecipient }

func (k *Kernel) SetJuniorRedemptionDelay(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%w: negative redemption delay %s", state.ErrMisconfiguration, d)
	}
	k.redemptionDelay = d
	return nil
}

// CheckInvariants runs the post-operation invariant suite. The core calls
// this after every processed event and escalates a failure to a halt.
func (k *Kernel) CheckInvariants(navTolerance int64) error {
	if err := k.accountant.CheckConservation(navTolerance); err != nil {
		return err
	}
	// Escrow must mirror the queue exactly.
	byController := make(map[uuid.UUID]int64)
	for _, req := range k.book.All() {
		byController[req.Controller] += req.SharesOutstanding
	}
	for controller, outstanding := range byController {
		if escrowed := k.shares.EscrowedOf(ledger.TrancheJunior, controller); escrowed != outstanding {
			return fmt.Errorf("escrow mismatch on %s for %s: ledger=%d queue=%d",
				k.marketID, controller, escrowed, outstanding)
		}
	}
	return nil
}
