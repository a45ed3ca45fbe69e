package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"TrancheVault/internal/kernel"
	"TrancheVault/internal/ledger"
	"TrancheVault/internal/state"
)

// SnapshotManager handles creating and loading state snapshots for recovery.
// Snapshots contain per-market tranche accounting, share balances, the
// redemption queue, sequence counters, the idempotency LRU, and the last
// state hash.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData contains the full in-memory state at a point in time.
type SnapshotData struct {
	Sequence        int64                     `json:"sequence"`
	StateHash       []byte                    `json:"state_hash"` // hash-chain tip at Sequence
	Markets         map[string]MarketSnapshot `json:"markets"`    // marketID -> full market state
	SequenceState   map[string]int64          `json:"sequence_state"`   // partition -> next expected seq
	IdempotencyKeys []string                  `json:"idempotency_keys"` // Recent keys for LRU warming
	CreatedAt       time.Time                 `json:"created_at"`
}

// MarketSnapshot is one market's serializable state: the accountant
// checkpoints, tranche share balances, and the redemption queue.
type MarketSnapshot struct {
	Accounting      state.Snapshot      `json:"accounting"`
	SharesAvailable map[string]int64    `json:"shares_available"` // "ST:<controller>" -> shares
	SharesEscrowed  map[string]int64    `json:"shares_escrowed"`
	Redemptions     kernel.BookSnapshot `json:"redemptions"`
	FeeRecipient    string              `json:"fee_recipient"`
	RedemptionDelay int64               `json:"redemption_delay_us"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// CaptureMarket serializes one market's kernel state.
func CaptureMarket(k *kernel.Kernel) (MarketSnapshot, error) {
	mem, ok := k.Shares().(*ledger.MemoryShareLedger)
	if !ok {
		return MarketSnapshot{}, fmt.Errorf("share ledger %T does not support snapshots", k.Shares())
	}
	available, escrowed := mem.Snapshot()
	return MarketSnapshot{
		Accounting:      k.Accountant().Snapshot(),
		SharesAvailable: available,
		SharesEscrowed:  escrowed,
		Redemptions:     k.Requests().Snapshot(),
		FeeRecipient:    k.ProtocolFeeRecipient().String(),
		RedemptionDelay: k.RedemptionDelay().Microseconds(),
	}, nil
}

// RestoreMarket reinstates one market's kernel state from a snapshot.
func RestoreMarket(k *kernel.Kernel, snap MarketSnapshot) error {
	if err := k.Accountant().Restore(snap.Accounting); err != nil {
		return fmt.Errorf("restore accounting: %w", err)
	}
	mem, ok := k.Shares().(*ledger.MemoryShareLedger)
	if !ok {
		return fmt.Errorf("share ledger %T does not support snapshots", k.Shares())
	}
	if err := mem.Restore(snap.SharesAvailable, snap.SharesEscrowed); err != nil {
		return fmt.Errorf("restore shares: %w", err)
	}
	if err := k.Requests().Restore(snap.Redemptions); err != nil {
		return fmt.Errorf("restore redemptions: %w", err)
	}
	recipient, err := uuid.Parse(snap.FeeRecipient)
	if err != nil {
		return fmt.Errorf("parse fee recipient: %w", err)
	}
	// A nil recipient means fees accrue unsettled; the kernel setter only
	// accepts real recipients.
	if recipient != uuid.Nil {
		if err := k.SetProtocolFeeRecipient(recipient); err != nil {
			return err
		}
	}
	return k.SetJuniorRedemptionDelay(time.Duration(snap.RedemptionDelay) * time.Microsecond)
}

// SaveSnapshot persists a snapshot to Postgres. Snapshots are taken
// periodically (e.g., every 100k events) and verified by replaying events
// from the snapshot sequence forward.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	sizeBytes := len(data)
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, sizeBytes, snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot. On warm
// restart, load the latest snapshot then replay events from
// snapshot.sequence+1.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // No snapshot — cold start
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads events from a given sequence for replay. Used for
// warm restart (replay from snapshot) and cold restart (replay all).
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, market_id, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.MarketID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty event log
	}
	return seq.Int64, nil
}
