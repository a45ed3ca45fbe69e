package kernel

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// RedemptionRequest is one entry in the asynchronous Junior redemption queue.
// The shares behind it sit in ledger escrow from request until claim or
// cancel-claim, so they keep counting toward total supply (and coverage).
//
// ValueAtRequest and SharesAtRequest are frozen at request time and never
// rewritten: a partial claim of n shares is priced against the fixed ratio
// ValueAtRequest * n / SharesAtRequest, so the sum over all partial claims
// never exceeds the snapshot value.
type RedemptionRequest struct {
	Controller uuid.UUID
	ID         int64

	SharesAtRequest   int64
	SharesOutstanding int64
	ValueAtRequest    int64 // NAV units for SharesAtRequest at request time

	RequestedAtUs int64
	ClaimableAtUs int64
	Canceled      bool
}

type requestKey struct {
	Controller uuid.UUID
	ID         int64
}

// RequestBook holds the per-market redemption queue. Request IDs are
// monotonic per market and never reused.
// Not thread-safe — only accessed from the single-threaded vault core.
type RequestBook struct {
	requests map[requestKey]*RedemptionRequest
	nextID   int64
}

func NewRequestBook() *RequestBook {
	return &RequestBook{
		requests: make(map[requestKey]*RedemptionRequest),
		nextID:   1,
	}
}

func (b *RequestBook) open(controller uuid.UUID, shares, value, nowUs, claimableAtUs int64) *RedemptionRequest {
	req := &RedemptionRequest{
		Controller:        controller,
		ID:                b.nextID,
		SharesAtRequest:   shares,
		SharesOutstanding: shares,
		ValueAtRequest:    value,
		RequestedAtUs:     nowUs,
		ClaimableAtUs:     claimableAtUs,
	}
	b.nextID++
	b.requests[requestKey{controller, req.ID}] = req
	return req
}

func (b *RequestBook) get(controller uuid.UUID, id int64) *RedemptionRequest {
	return b.requests[requestKey{controller, id}]
}

func (b *RequestBook) remove(controller uuid.UUID, id int64) {
	delete(b.requests, requestKey{controller, id})
}

// Len returns the number of open requests (canceled-but-unclaimed included).
func (b *RequestBook) Len() int { return len(b.requests) }

// EscrowedShares sums outstanding shares across all open requests for a
// controller. Used by invariant checks against ledger escrow.
func (b *RequestBook) EscrowedShares(controller uuid.UUID) int64 {
	var total int64
	for key, req := range b.requests {
		if key.Controller == controller {
			total += req.SharesOutstanding
		}
	}
	return total
}

// All returns every open request ordered by ID. Deterministic iteration for
// hashing, snapshots, and the query surface.
func (b *RequestBook) All() []RedemptionRequest {
	out := make([]RedemptionRequest, 0, len(b.requests))
	for _, req := range b.requests {
		out = append(out, *req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RequestSnapshot is the serializable form of one redemption request.
type RequestSnapshot struct {
	Controller        string `json:"controller"`
	ID                int64  `json:"id"`
	SharesAtRequest   int64  `json:"shares_at_request"`
	SharesOutstanding int64  `json:"shares_outstanding"`
	ValueAtRequest    int64  `json:"value_at_request"`
	RequestedAtUs     int64  `json:"requested_at_us"`
	ClaimableAtUs     int64  `json:"claimable_at_us"`
	Canceled          bool   `json:"canceled"`
}

// BookSnapshot is the serializable redemption queue.
type BookSnapshot struct {
	NextID   int64             `json:"next_id"`
	Requests []RequestSnapshot `json:"requests"`
}

func (b *RequestBook) Snapshot() BookSnapshot {
	all := b.All()
	snap := BookSnapshot{NextID: b.nextID, Requests: make([]RequestSnapshot, 0, len(all))}
	for _, req := range all {
		snap.Requests = append(snap.Requests, RequestSnapshot{
			Controller:        req.Controller.String(),
			ID:                req.ID,
			SharesAtRequest:   req.SharesAtRequest,
			SharesOutstanding: req.SharesOutstanding,
			ValueAtRequest:    req.ValueAtRequest,
			RequestedAtUs:     req.RequestedAtUs,
			ClaimableAtUs:     req.ClaimableAtUs,
			Canceled:          req.Canceled,
		})
	}
	return snap
}

func (b *RequestBook) Restore(snap BookSnapshot) error {
	b.requests = make(map[requestKey]*RedemptionRequest, len(snap.Requests))
	b.nextID = snap.NextID
	if b.nextID < 1 {
		b.nextID = 1
	}
	for _, rs := range snap.Requests {
		controller, err := uuid.Parse(rs.Controller)
		if err != nil {
			return fmt.Errorf("restore redemption request %d: %w", rs.ID, err)
		}
		b.requests[requestKey{controller, rs.ID}] = &RedemptionRequest{
			Controller:        controller,
			ID:                rs.ID,
			SharesAtRequest:   rs.SharesAtRequest,
			SharesOutstanding: rs.SharesOutstanding,
			ValueAtRequest:    rs.ValueAtRequest,
			RequestedAtUs:     rs.RequestedAtUs,
			ClaimableAtUs:     rs.ClaimableAtUs,
			Canceled:          rs.Canceled,
		}
	}
	return nil
}
