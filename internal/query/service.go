package query

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// QueryService provides read-only access to projection tables. Queries are
// served via gRPC and HTTP/JSON, reading from PostgreSQL projection tables.
// All responses include as_of_sequence for freshness semantics.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetMarket returns a market's projected tranche accounting.
func (qs *QueryService) GetMarket(
	ctx context.Context,
	marketID string,
) (*MarketResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var m MarketResponse
	m.MarketID = marketID
	m.AsOfSequence = asOfSeq
	err = qs.db.QueryRowContext(ctx, `
		SELECT raw_st, raw_jt, eff_st, eff_jt, utilization_wad,
		       market_state, st_supply, jt_supply, queue_length
		FROM projections.markets
		WHERE market_id = $1
	`, marketID).Scan(
		&m.RawST, &m.RawJT, &m.EffST, &m.EffJT, &m.UtilizationWad,
		&m.MarketState, &m.STSupply, &m.JTSupply, &m.QueueLength,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("unknown market: %s", marketID)
	}
	if err != nil {
		return nil, err
	}

	return &m, nil
}

// ListMarkets returns all projected markets.
func (qs *QueryService) ListMarkets(ctx context.Context) ([]MarketResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT market_id, raw_st, raw_jt, eff_st, eff_jt, utilization_wad,
		       market_state, st_supply, jt_supply, queue_length
		FROM projections.markets
		ORDER BY market_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []MarketResponse
	for rows.Next() {
		var m MarketResponse
		m.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&m.MarketID, &m.RawST, &m.RawJT, &m.EffST, &m.EffJT, &m.UtilizationWad,
			&m.MarketState, &m.STSupply, &m.JTSupply, &m.QueueLength,
		); err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}

	return markets, rows.Err()
}

// GetShareBalances returns a controller's tranche share positions across
// markets.
func (qs *QueryService) GetShareBalances(
	ctx context.Context,
	controller uuid.UUID,
	marketID *string,
) ([]ShareBalanceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT market_id, tranche, shares, escrowed
		FROM projections.share_balances
		WHERE controller = $1
	`
	args := []interface{}{controller.String()}
	if marketID != nil {
		query += " AND market_id = $2"
		args = append(args, *marketID)
	}
	query += " ORDER BY market_id, tranche"

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []ShareBalanceResponse
	for rows.Next() {
		var b ShareBalanceResponse
		b.Controller = controller
		b.AsOfSequence = asOfSeq
		if err := rows.Scan(&b.MarketID, &b.Tranche, &b.Shares, &b.Escrowed); err != nil {
			return nil, err
		}
		b.Total = b.Shares + b.Escrowed
		balances = append(balances, b)
	}

	return balances, rows.Err()
}

// GetRedemptionRequests returns Junior redemption requests for a
// controller, newest first. Supports cursor-based pagination.
func (qs *QueryService) GetRedemptionRequests(
	ctx context.Context,
	controller uuid.UUID,
	marketID *string,
	limit int,
	afterRequestID *int64,
) ([]RedemptionRequestResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT market_id, request_id, shares_outstanding, status, requested_at_us
		FROM projections.redemption_requests
		WHERE controller = $1
	`
	args := []interface{}{controller.String()}
	argIdx := 2

	if marketID != nil {
		query += fmt.Sprintf(" AND market_id = $%d", argIdx)
		args = append(args, *marketID)
		argIdx++
	}

	if afterRequestID != nil {
		query += fmt.Sprintf(" AND request_id < $%d", argIdx)
		args = append(args, *afterRequestID)
		argIdx++
	}

	query += " ORDER BY request_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []RedemptionRequestResponse
	for rows.Next() {
		var r RedemptionRequestResponse
		r.Controller = controller.String()
		r.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&r.MarketID, &r.RequestID, &r.SharesOutstanding, &r.Status, &r.RequestedAtUs,
		); err != nil {
			return nil, err
		}
		requests = append(requests, r)
	}

	return requests, rows.Err()
}

// GetOperationHistory returns applied operations for a controller with
// pagination.
func (qs *QueryService) GetOperationHistory(
	ctx context.Context,
	controller uuid.UUID,
	marketID *string,
	limit int,
	afterSequence *int64,
) ([]OperationHistoryEntry, error) {
	query := `
		SELECT sequence, market_id, op, controller, receiver, request_id, shares, units_out,
		       raw_st, raw_jt, eff_st, eff_jt, market_state,
		       EXTRACT(EPOCH FROM timestamp)::BIGINT * 1000000
		FROM event_log.operations
		WHERE controller = $1
	`
	args := []interface{}{controller.String()}
	argIdx := 2

	if marketID != nil {
		query += fmt.Sprintf(" AND market_id = $%d", argIdx)
		args = append(args, *marketID)
		argIdx++
	}

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []OperationHistoryEntry
	for rows.Next() {
		var e OperationHistoryEntry
		if err := rows.Scan(
			&e.Sequence, &e.MarketID, &e.Op, &e.Controller, &e.Receiver,
			&e.RequestID, &e.Shares, &e.UnitsOut,
			&e.RawST, &e.RawJT, &e.EffST, &e.EffJT, &e.MarketState, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// GetEvents returns raw event-log rows from a sequence onward (admin API).
func (qs *QueryService) GetEvents(
	ctx context.Context,
	fromSequence int64,
	limit int,
) ([]EventLogEntry, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, COALESCE(market_id, ''),
		       payload, state_hash, prev_hash, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []EventLogEntry
	for rows.Next() {
		var e EventLogEntry
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.MarketID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity and per-market value
// conservation in the projections.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	// Check hash chain continuity
	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence, e1.prev_hash, e2.state_hash
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		var prevHash, expectedHash []byte
		if err := rows.Scan(&seq, &prevHash, &expectedHash); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}

	// The loss waterfall moves value between tranches but never creates or
	// destroys it: raw and effective sums must agree per market.
	driftRows, err := qs.db.QueryContext(ctx, `
		SELECT market_id, (raw_st + raw_jt) - (eff_st + eff_jt) AS drift
		FROM projections.markets
		WHERE (raw_st + raw_jt) != (eff_st + eff_jt)
	`)
	if err != nil {
		return nil, err
	}
	defer driftRows.Close()

	for driftRows.Next() {
		var d MarketDrift
		if err := driftRows.Scan(&d.MarketID, &d.Drift); err != nil {
			return nil, err
		}
		report.ValueDrift = append(report.ValueDrift, d)
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.ValueDrift) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}
