package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"TrancheVault/internal/event"
	"TrancheVault/internal/kernel"
	"TrancheVault/internal/ledger"
	fpmath "TrancheVault/internal/math"
	"TrancheVault/internal/observability"
	"TrancheVault/internal/oracle"
	"TrancheVault/internal/state"
	"TrancheVault/internal/strategy"
	"TrancheVault/internal/ydm"
)

// navTolerance is the absolute NAV-unit tolerance for the conservation
// post-check (raw sum vs effective sum per market).
const navTolerance = int64(16)

// VaultCore is the single-threaded event processor. It owns the market
// arena: one Kernel per market, indexed by market id, plus the strategy
// adapters and rate feeds the kernels read from. All timestamps are
// versioned inputs carried on events — the core never calls time.Now()
// for domain logic.
type VaultCore struct {
	sequence int64
	hasher   *StateHasher

	markets   map[string]*marketRuntime
	marketIDs []string // sorted, for deterministic full-state digests

	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// marketRuntime bundles one market's kernel with the concrete feed and
// adapter the core drives through events.
type marketRuntime struct {
	kernel  *kernel.Kernel
	adapter *strategy.SimulatedAdapter
	rates   *oracle.FeedQuoter // nil when the market runs on the unit rate
}

// CoreOutput is one processed event with its envelope and the resulting
// market view, emitted to the persistence and projection workers.
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Result     *OpResult
	StateDelta []byte
}

// OpResult summarizes the effect of one applied event on its market.
type OpResult struct {
	Market     string
	Op         string
	Controller uuid.UUID
	Receiver   uuid.UUID
	RequestID  int64
	Shares     int64 // shares minted (deposits) or burned (redemptions)
	UnitsOut   int64 // tranche units paid out
	State      state.SyncedState
	STSupply   int64
	JTSupply   int64
	QueueLen   int
}

// MarketConfig registers one market with the core.
type MarketConfig struct {
	MarketID        string
	Params          state.Params
	Model           ydm.Model
	FeeRecipient    uuid.UUID
	RedemptionDelay time.Duration

	// RateMaxAge bounds conversion-rate staleness. Zero means the market is
	// denominated 1:1 (unit rate, no oracle feed).
	RateMaxAge time.Duration

	GenesisUs int64
}

func NewVaultCore(
	startSequence int64,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *VaultCore {
	return &VaultCore{
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		markets:           make(map[string]*marketRuntime),
		idempotency:       NewIdempotencyChecker(1_000_000, dbChecker),
		sequenceValidator: NewSequenceValidator(),
		metrics:           metrics,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
}

// RegisterMarket adds a market to the arena. Must be called before any
// event for that market is processed; registration order does not affect
// determinism (the digest iterates markets sorted by id).
func (c *VaultCore) RegisterMarket(cfg MarketConfig) error {
	if _, exists := c.markets[cfg.MarketID]; exists {
		return fmt.Errorf("market %s already registered", cfg.MarketID)
	}

	adapter := strategy.NewSimulatedAdapter(fpmath.Wad)

	var quoter oracle.Quoter = oracle.Unit
	var feed *oracle.FeedQuoter
	if cfg.RateMaxAge > 0 {
		feed = oracle.NewFeedQuoter(cfg.RateMaxAge.Microseconds())
		quoter = feed
	}

	k, err := kernel.New(kernel.Config{
		MarketID:        cfg.MarketID,
		Params:          cfg.Params,
		Model:           cfg.Model,
		Shares:          ledger.NewMemoryShareLedger(),
		Adapter:         adapter,
		Quoter:          quoter,
		FeeRecipient:    cfg.FeeRecipient,
		RedemptionDelay: cfg.RedemptionDelay,
		NowUs:           cfg.GenesisUs,
	})
	if err != nil {
		return err
	}

	c.markets[cfg.MarketID] = &marketRuntime{kernel: k, adapter: adapter, rates: feed}
	c.marketIDs = append(c.marketIDs, cfg.MarketID)
	sort.Strings(c.marketIDs)
	return nil
}

// Market returns a registered market's kernel, for recovery and tests.
func (c *VaultCore) Market(marketID string) (*kernel.Kernel, bool) {
	rt, ok := c.markets[marketID]
	if !ok {
		return nil, false
	}
	return rt.kernel, true
}

// MarketIDs returns the registered markets sorted by id.
func (c *VaultCore) MarketIDs() []string {
	out := make([]string, len(c.marketIDs))
	copy(out, c.marketIDs)
	return out
}

// Sequence returns the next global sequence the core will assign.
func (c *VaultCore) Sequence() int64 { return c.sequence }

// SetSequence initializes the global sequence (used during recovery).
func (c *VaultCore) SetSequence(seq int64) { c.sequence = seq }

// SequenceValidator exposes partition state for recovery.
func (c *VaultCore) SequenceValidator() *SequenceValidator { return c.sequenceValidator }

// WarmIdempotency preloads recent dedup keys (used during recovery).
func (c *VaultCore) WarmIdempotency(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}

// StateHash returns the current hash-chain tip.
func (c *VaultCore) StateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// RestoreHashChain reinstates the hash-chain tip (used during recovery).
func (c *VaultCore) RestoreHashChain(tip [32]byte) {
	c.hasher.SetPrevHash(tip)
}

// IdempotencyKeys returns the LRU contents oldest-first for snapshotting.
func (c *VaultCore) IdempotencyKeys() []string {
	return c.idempotency.lru.Keys()
}

// ProcessEvent is the main processing pipeline
func (c *VaultCore) ProcessEvent(evt event.Event) error {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(eventType, idempotencyKey)

	// Step 2: Sequence validation. Oracle feeds (NAV marks, rates) are
	// sampled streams: gaps tolerated, stale samples dropped silently.
	// Operation partitions are strict.
	switch e := evt.(type) {
	case *event.NAVObserved:
		feed := fmt.Sprintf("nav:%s:%s", e.Market, e.Tranche)
		if c.sequenceValidator.ValidateFeedSequence(feed, e.NAVSequence) {
			return nil
		}
	case *event.RateObserved:
		feed := fmt.Sprintf("rate:%s", e.Market)
		if c.sequenceValidator.ValidateFeedSequence(feed, e.RateSequence) {
			return nil
		}
	default:
		partition := c.getPartition(evt)
		if err := c.sequenceValidator.ValidateSequence(partition, evt.SourceSequence(), idempotencyKey, isDuplicate); err != nil {
			return fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	// If duplicate, skip processing
	if isDuplicate {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return nil
	}

	// Step 3: Dispatch to the market's kernel
	result, err := c.dispatchEvent(evt)
	if err != nil {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "rejected").Inc()
		}
		return fmt.Errorf("dispatch failed: %w", err)
	}

	// Step 4: Compute state digest and hash chain
	stateDigest := c.computeStateDigest(result.Market)
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)

	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("payload encoding failed: %w", err)
	}

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		MarketID:       evt.MarketID(),
		Timestamp:      c.getEventTimestamp(evt),
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       c.hasher.GetPrevHash(),
	}
	c.sequence++

	// Step 5: Post-checks. A broken invariant means the state is corrupt:
	// halt rather than persist garbage.
	if rt, ok := c.markets[result.Market]; ok {
		if err := rt.kernel.CheckInvariants(navTolerance); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
		}
	}

	output := CoreOutput{
		Envelope:   envelope,
		Result:     result,
		StateDelta: stateDigest,
	}

	// Step 6: Emit outputs.
	// Persist channel uses BLOCKING send (backpressure): the core stalls
	// until the persistence worker drains — no event is lost. Projection
	// channel uses NON-BLOCKING send with silent drop: projections can
	// rebuild from the event log if they fall behind.
	c.persistChan <- output
	select {
	case c.projectionChan <- output:
	default:
		// Silently dropped — projection will catch up via rebuild
	}

	// Step 7: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	c.recordMetrics(eventType, result, time.Since(start))
	return nil
}

func (c *VaultCore) recordMetrics(eventType string, result *OpResult, elapsed time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
	c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(elapsed.Seconds())
	c.metrics.CoreSequence.Set(float64(c.sequence))

	s := result.State
	c.metrics.TrancheUtilization.WithLabelValues(result.Market).Set(float64(s.UtilizationWad))
	c.metrics.TrancheRawNAV.WithLabelValues(result.Market, "ST").Set(float64(s.RawST))
	c.metrics.TrancheRawNAV.WithLabelValues(result.Market, "JT").Set(float64(s.RawJT))
	c.metrics.TrancheEffectiveNAV.WithLabelValues(result.Market, "ST").Set(float64(s.EffST))
	c.metrics.TrancheEffectiveNAV.WithLabelValues(result.Market, "JT").Set(float64(s.EffJT))
	c.metrics.MarketStateGauge.WithLabelValues(result.Market).Set(float64(s.MarketState))
	c.metrics.RedemptionQueueLen.WithLabelValues(result.Market).Set(float64(result.QueueLen))
	if s.YieldDistributed {
		c.metrics.YieldDistributed.WithLabelValues(result.Market, "ST").Add(float64(s.STYield))
		c.metrics.YieldDistributed.WithLabelValues(result.Market, "JT").Add(float64(s.JTYield))
	}
	if s.CoverageTransfer > 0 {
		c.metrics.CoverageTransfers.WithLabelValues(result.Market).Add(float64(s.CoverageTransfer))
	}
	if s.UncoveredLoss > 0 {
		c.metrics.UncoveredLosses.WithLabelValues(result.Market).Add(float64(s.UncoveredLoss))
	}
}

// getPartition determines partition key for sequence validation
func (c *VaultCore) getPartition(evt event.Event) string {
	if marketID := evt.MarketID(); marketID != nil {
		return fmt.Sprintf("market:%s", *marketID)
	}
	return "global"
}

// getEventTimestamp extracts the versioned timestamp from an event. The
// core never substitutes wall-clock time.
func (c *VaultCore) getEventTimestamp(evt event.Event) time.Time {
	switch e := evt.(type) {
	case *event.STDepositRequested:
		return time.UnixMicro(e.Timestamp)
	case *event.STRedeemRequested:
		return time.UnixMicro(e.Timestamp)
	case *event.JTDepositRequested:
		return time.UnixMicro(e.Timestamp)
	case *event.JTRedeemRequested:
		return time.UnixMicro(e.Timestamp)
	case *event.JTRedeemClaimed:
		return time.UnixMicro(e.Timestamp)
	case *event.JTRedeemCanceled:
		return time.UnixMicro(e.Timestamp)
	case *event.JTCancelClaimed:
		return time.UnixMicro(e.Timestamp)
	case *event.NAVObserved:
		return time.UnixMicro(e.NAVTimestamp)
	case *event.RateObserved:
		return time.UnixMicro(e.RateTimestamp)
	case *event.ParamUpdate:
		return time.UnixMicro(e.Timestamp)
	case *event.SyncRequested:
		return time.UnixMicro(e.Timestamp)
	default:
		panic(fmt.Sprintf("FATAL: getEventTimestamp called with unhandled event type %T — deterministic core cannot use wall-clock time", evt))
	}
}

func (c *VaultCore) runtime(marketID string) (*marketRuntime, error) {
	rt, ok := c.markets[marketID]
	if !ok {
		return nil, fmt.Errorf("unknown market: %s", marketID)
	}
	return rt, nil
}

// dispatchEvent routes an event to its market's kernel and builds the
// operation result.
func (c *VaultCore) dispatchEvent(evt event.Event) (*OpResult, error) {
	switch e := evt.(type) {
	case *event.STDepositRequested:
		rt, err := c.runtime(e.Market)
		if err != nil {
			return nil, err
		}
		minted, err := rt.kernel.STDeposit(e.Controller, e.TrancheUnits, e.Timestamp)
		if err != nil {
			return nil, c.countCoverageRejection(e.Market, "st_deposit", err)
		}
		return c.result(rt, e.Market, "st_deposit", e.Controller, uuid.Nil, 0, minted, 0), nil

	case *event.JTDepositRequested:
		rt, err := c.runtime(e.Market)
		if err != nil {
			return nil, err
		}
		minted, err := rt.kernel.JTDeposit(e.Controller, e.TrancheUnits, e.Timestamp)
		if err != nil {
			return nil, err
		}
		return c.result(rt, e.Market, "jt_deposit", e.Controller, uuid.Nil, 0, minted, 0), nil

	case *event.STRedeemRequested:
		rt, err := c.runtime(e.Market)
		if err != nil {
			return nil, err
		}
		units, err := rt.kernel.STRedeem(e.Controller, e.Shares, e.Receiver, e.Timestamp)
		if err != nil {
			return nil, err
		}
		return c.result(rt, e.Market, "st_redeem", e.Controller, e.Receiver, 0, e.Shares, units), nil

	case *event.JTRedeemRequested:
		rt, err := c.runtime(e.Market)
		if err != nil {
			return nil, err
		}
		requestID, err := rt.kernel.JTRequestRedeem(e.Controller, e.Shares, e.Timestamp)
		if err != nil {
			return nil, err
		}
		if c.metrics != nil {
			c.metrics.RedemptionsOpened.WithLabelValues(e.Market).Inc()
		}
		return c.result(rt, e.Market, "jt_request_redeem", e.Controller, uuid.Nil, requestID, e.Shares, 0), nil

	case *event.JTRedeemClaimed:
		rt, err := c.runtime(e.Market)
		if err != nil {
			return nil, err
		}
		units, err := rt.kernel.JTRedeem(e.Controller, e.RequestID, e.Shares, e.Receiver, e.Timestamp)
		if err != nil {
			return nil, c.countCoverageRejection(e.Market, "jt_redeem", err)
		}
		if c.metrics != nil {
			c.metrics.RedemptionsClaimed.WithLabelValues(e.Market).Inc()
		}
		return c.result(rt, e.Market, "jt_redeem", e.Controller, e.Receiver, e.RequestID, e.Shares, units), nil

	case *event.JTRedeemCanceled:
		rt, err := c.runtime(e.Market)
		if err != nil {
			return nil, err
		}
		if err := rt.kernel.JTCancelRedeemRequest(e.Controller, e.RequestID, e.Timestamp); err != nil {
			return nil, err
		}
		if c.metrics != nil {
			c.metrics.RedemptionsCanceled.WithLabelValues(e.Market).Inc()
		}
		return c.result(rt, e.Market, "jt_cancel_redeem", e.Controller, uuid.Nil, e.RequestID, 0, 0), nil

	case *event.JTCancelClaimed:
		rt, err := c.runtime(e.Market)
		if err != nil {
			return nil, err
		}
		returned, err := rt.kernel.JTClaimCancelRedeemRequest(e.Controller, e.RequestID, e.Timestamp)
		if err != nil {
			return nil, err
		}
		return c.result(rt, e.Market, "jt_claim_cancel", e.Controller, uuid.Nil, e.RequestID, returned, 0), nil

	case *event.NAVObserved:
		rt, err := c.runtime(e.Market)
		if err != nil {
			return nil, err
		}
		tranche, ok := ledger.ParseTranche(e.Tranche)
		if !ok {
			return nil, fmt.Errorf("unknown tranche: %s", e.Tranche)
		}
		// Mark-to-market only: the accounting realizes the move at the
		// next synchronization.
		rt.adapter.SetRawNAV(tranche, e.RawNAV)
		return c.result(rt, e.Market, "nav_observed", uuid.Nil, uuid.Nil, 0, 0, 0), nil

	case *event.RateObserved:
		rt, err := c.runtime(e.Market)
		if err != nil {
			return nil, err
		}
		if rt.rates == nil {
			return nil, fmt.Errorf("market %s has no rate feed", e.Market)
		}
		rt.rates.Push(oracle.RateSample{
			RateWad:       e.RateWad,
			UpdatedAtUs:   e.RateTimestamp,
			RoundComplete: e.RoundComplete,
		}, e.RateSequence)
		return c.result(rt, e.Market, "rate_observed", uuid.Nil, uuid.Nil, 0, 0, 0), nil

	case *event.SyncRequested:
		rt, err := c.runtime(e.Market)
		if err != nil {
			return nil, err
		}
		synced, err := rt.kernel.SyncTrancheAccounting(e.Timestamp)
		if err != nil {
			return nil, err
		}
		res := c.result(rt, e.Market, "sync", uuid.Nil, uuid.Nil, 0, 0, 0)
		res.State = synced
		return res, nil

	case *event.ParamUpdate:
		rt, err := c.runtime(e.Market)
		if err != nil {
			return nil, err
		}
		if err := c.applyParamUpdate(rt.kernel, e); err != nil {
			return nil, err
		}
		return c.result(rt, e.Market, "param_update", uuid.Nil, uuid.Nil, 0, 0, 0), nil

	default:
		return nil, fmt.Errorf("unhandled event type: %T", evt)
	}
}

func (c *VaultCore) applyParamUpdate(k *kernel.Kernel, e *event.ParamUpdate) error {
	switch e.Field {
	case event.ParamCoverage:
		return k.Accountant().SetCoverage(e.IntValue)
	case event.ParamBeta:
		return k.Accountant().SetBeta(e.IntValue)
	case event.ParamLLTV:
		return k.Accountant().SetLLTV(e.IntValue)
	case event.ParamFixedTermDuration:
		return k.Accountant().SetFixedTermDuration(time.Duration(e.IntValue) * time.Microsecond)
	case event.ParamRedemptionDelay:
		return k.SetJuniorRedemptionDelay(time.Duration(e.IntValue) * time.Microsecond)
	case event.ParamFeeRecipient:
		return k.SetProtocolFeeRecipient(e.UUIDValue)
	default:
		return fmt.Errorf("unknown param field: %s", e.Field)
	}
}

func (c *VaultCore) countCoverageRejection(market, op string, err error) error {
	if c.metrics != nil && errors.Is(err, state.ErrInsufficientCoverage) {
		c.metrics.CoverageRejections.WithLabelValues(market, op).Inc()
	}
	return err
}

func (c *VaultCore) result(rt *marketRuntime, market, op string, controller, receiver uuid.UUID, requestID, shares, unitsOut int64) *OpResult {
	shareLedger := rt.kernel.Shares()
	return &OpResult{
		Market:     market,
		Op:         op,
		Controller: controller,
		Receiver:   receiver,
		RequestID:  requestID,
		Shares:     shares,
		UnitsOut:   unitsOut,
		State:      rt.kernel.Accountant().State(),
		STSupply:   shareLedger.TotalSupply(ledger.TrancheSenior),
		JTSupply:   shareLedger.TotalSupply(ledger.TrancheJunior),
		QueueLen:   rt.kernel.Requests().Len(),
	}
}

// computeStateDigest builds canonical bytes for the affected market's state:
// accounting checkpoints, share supplies, and the redemption queue, all in
// deterministic order.
func (c *VaultCore) computeStateDigest(marketID string) []byte {
	rt, ok := c.markets[marketID]
	if !ok {
		return nil
	}

	snap := rt.kernel.Accountant().Snapshot()
	shares := rt.kernel.Shares()

	digest := make([]byte, 0, 256)
	digest = append(digest, byte(len(marketID)))
	digest = append(digest, []byte(marketID)...)
	digest = appendInt64LE(digest, snap.RawST)
	digest = appendInt64LE(digest, snap.RawJT)
	digest = appendInt64LE(digest, snap.EffST)
	digest = appendInt64LE(digest, snap.EffJT)
	digest = appendInt64LE(digest, snap.LastAccrualUs)
	digest = appendInt64LE(digest, snap.LastDistributionUs)
	digest = append(digest, byte(len(snap.ShareAccumulator)))
	digest = append(digest, []byte(snap.ShareAccumulator)...)
	digest = appendInt64LE(digest, int64(snap.MarketState))
	digest = appendInt64LE(digest, snap.FixedTermEnteredUs)
	digest = appendInt64LE(digest, snap.FeesAccruedST)
	digest = appendInt64LE(digest, snap.FeesAccruedJT)
	digest = appendInt64LE(digest, shares.TotalSupply(ledger.TrancheSenior))
	digest = appendInt64LE(digest, shares.TotalSupply(ledger.TrancheJunior))

	book := rt.kernel.Requests().Snapshot()
	digest = appendInt64LE(digest, book.NextID)
	for _, req := range book.Requests {
		digest = append(digest, byte(len(req.Controller)))
		digest = append(digest, []byte(req.Controller)...)
		digest = appendInt64LE(digest, req.ID)
		digest = appendInt64LE(digest, req.SharesOutstanding)
		digest = appendInt64LE(digest, req.ValueAtRequest)
		digest = appendInt64LE(digest, req.ClaimableAtUs)
		if req.Canceled {
			digest = append(digest, 1)
		} else {
			digest = append(digest, 0)
		}
	}

	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
