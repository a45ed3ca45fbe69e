package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventLogWriter writes events and operation records to Postgres using
// batch inserts. Multi-row INSERT is a portable alternative to the COPY
// protocol; switch to pgx CopyFrom for production-grade throughput.
type EventLogWriter struct {
	db           *sql.DB
	batchSize    int
	flushTimeout time.Duration
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	MarketID       *string
	Payload        []byte // JSON-encoded event payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// OperationRow represents a row in event_log.operations: one applied
// tranche operation with its NAV and share effects.
type OperationRow struct {
	Sequence    int64
	MarketID    string
	Op          string
	Controller  string
	Receiver    string
	RequestID   int64
	Shares      int64
	UnitsOut    int64
	RawST       int64
	RawJT       int64
	EffST       int64
	EffJT       int64
	MarketState int32
	Timestamp   time.Time
}

func NewEventLogWriter(db *sql.DB, batchSize int, flushTimeout time.Duration) *EventLogWriter {
	return &EventLogWriter{
		db:           db,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
	}
}

// execer abstracts *sql.DB and *sql.Tx so batches can run standalone or
// inside the persistence worker's transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// WriteEventBatch writes a batch of events to event_log.events using
// multi-row INSERT. A nil tx writes directly on the pool.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, events []EventRow, tx *sql.Tx) error {
	if len(events) == 0 {
		return nil
	}
	var exec execer = w.db
	if tx != nil {
		exec = tx
	}

	// Build multi-row INSERT
	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, market_id, payload, state_hash, prev_hash, timestamp, source_sequence)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*9)

	for i, e := range events {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.MarketID,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

	_, err := exec.ExecContext(ctx, query, args...)
	return err
}

// WriteOperationBatch writes a batch of operation records to event_log.operations.
func (w *EventLogWriter) WriteOperationBatch(ctx context.Context, ops []OperationRow, tx *sql.Tx) error {
	if len(ops) == 0 {
		return nil
	}
	var exec execer = w.db
	if tx != nil {
		exec = tx
	}

	query := `INSERT INTO event_log.operations
		(sequence, market_id, op, controller, receiver, request_id, shares, units_out, raw_st, raw_jt, eff_st, eff_jt, market_state, timestamp)
		VALUES `

	values := make([]string, 0, len(ops))
	args := make([]interface{}, 0, len(ops)*14)

	for i, o := range ops {
		base := i * 14
		placeholders := make([]string, 14)
		for p := range placeholders {
			placeholders[p] = fmt.Sprintf("$%d", base+p+1)
		}
		values = append(values, "("+strings.Join(placeholders, ", ")+")")
		args = append(args,
			o.Sequence, o.MarketID, o.Op, o.Controller, o.Receiver,
			o.RequestID, o.Shares, o.UnitsOut,
			o.RawST, o.RawJT, o.EffST, o.EffJT,
			o.MarketState, o.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := exec.ExecContext(ctx, query, args...)
	return err
}

// MarshalEventPayload serializes an event payload to JSON for storage.
func MarshalEventPayload(payload interface{}) ([]byte, error) {
	return json.Marshal(payload)
}
