package projection

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

// ProjectionOutput mirrors the data needed by projection workers.
// The orchestrator bridges between core.CoreOutput and this.
type ProjectionOutput struct {
	Sequence    int64
	EventType   string
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
	Utilization int64
	MarketState int32
	STSupply    int64
	JTSupply    int64
	QueueLen    int
	Timestamp   int64
}

// ProjectionWorker updates projection tables from processed events. The
// projection channel is non-blocking with drop: if projections fall behind,
// they can be rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.processOutput(ctx, output); err != nil {
				log.Printf("WARN: projection update failed at seq=%d: %v", output.Sequence, err)
				// Continue — projections are eventually consistent
				// and can be rebuilt from the event log
			}

			pw.lastSeq = output.Sequence
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := pw.updateMarketProjection(ctx, tx, output); err != nil {
		return fmt.Errorf("market projection: %w", err)
	}

	if err := pw.updateShareBalanceProjection(ctx, tx, output); err != nil {
		return fmt.Errorf("share balance projection: %w", err)
	}

	if output.RequestID > 0 {
		if err := pw.updateRedemptionProjection(ctx, tx, output); err != nil {
			return fmt.Errorf("redemption projection: %w", err)
		}
	}

	// Update projection watermark
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func (pw *ProjectionWorker) updateMarketProjection(ctx context.Context, tx *sql.Tx, o ProjectionOutput) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.markets
			(market_id, raw_st, raw_jt, eff_st, eff_jt, utilization_wad, market_state, st_supply, jt_supply, queue_length, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (market_id) DO UPDATE SET
			raw_st = $2, raw_jt = $3, eff_st = $4, eff_jt = $5,
			utilization_wad = $6, market_state = $7,
			st_supply = $8, jt_supply = $9, queue_length = $10,
			last_sequence = $11, updated_at = NOW()
	`, o.MarketID, o.RawST, o.RawJT, o.EffST, o.EffJT,
		o.Utilization, o.MarketState, o.STSupply, o.JTSupply, o.QueueLen, o.Sequence)
	return err
}

// updateShareBalanceProjection applies the share delta of one operation to
// the controller's projected balance row.
func (pw *ProjectionWorker) updateShareBalanceProjection(ctx context.Context, tx *sql.Tx, o ProjectionOutput) error {
	var tranche string
	var sharesDelta, escrowDelta int64

	switch o.Op {
	case "st_deposit":
		tranche, sharesDelta = "ST", o.Shares
	case "jt_deposit":
		tranche, sharesDelta = "JT", o.Shares
	case "st_redeem":
		tranche, sharesDelta = "ST", -o.Shares
	case "jt_request_redeem":
		tranche, sharesDelta, escrowDelta = "JT", -o.Shares, o.Shares
	case "jt_redeem":
		tranche, escrowDelta = "JT", -o.Shares
	case "jt_claim_cancel":
		tranche, sharesDelta, escrowDelta = "JT", o.Shares, -o.Shares
	default:
		return nil // No share movement
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.share_balances (market_id, controller, tranche, shares, escrowed, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (market_id, controller, tranche) DO UPDATE SET
			shares = projections.share_balances.shares + $4,
			escrowed = projections.share_balances.escrowed + $5,
			last_sequence = $6
	`, o.MarketID, o.Controller, tranche, sharesDelta, escrowDelta, o.Sequence)
	return err
}

func (pw *ProjectionWorker) updateRedemptionProjection(ctx context.Context, tx *sql.Tx, o ProjectionOutput) error {
	switch o.Op {
	case "jt_request_redeem":
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.redemption_requests
				(market_id, request_id, controller, shares_outstanding, status, last_sequence, requested_at_us, updated_at)
			VALUES ($1, $2, $3, $4, 'pending', $5, $6, NOW())
			ON CONFLICT (market_id, request_id) DO NOTHING
		`, o.MarketID, o.RequestID, o.Controller, o.Shares, o.Sequence, o.Timestamp)
		return err

	case "jt_redeem":
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.redemption_requests
			SET shares_outstanding = shares_outstanding - $3,
			    status = CASE WHEN shares_outstanding - $3 <= 0 THEN 'claimed' ELSE status END,
			    last_sequence = $4, updated_at = NOW()
			WHERE market_id = $1 AND request_id = $2
		`, o.MarketID, o.RequestID, o.Shares, o.Sequence)
		return err

	case "jt_cancel_redeem":
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.redemption_requests
			SET status = 'canceled', last_sequence = $3, updated_at = NOW()
			WHERE market_id = $1 AND request_id = $2
		`, o.MarketID, o.RequestID, o.Sequence)
		return err

	case "jt_claim_cancel":
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.redemption_requests
			SET shares_outstanding = 0, status = 'cancel_claimed', last_sequence = $3, updated_at = NOW()
			WHERE market_id = $1 AND request_id = $2
		`, o.MarketID, o.RequestID, o.Sequence)
		return err
	}

	return nil
}

// RebuildProjections rebuilds all projection tables from the event log.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	// Truncate all projection tables
	truncateStatements := []string{
		`TRUNCATE projections.markets`,
		`TRUNCATE projections.share_balances`,
		`TRUNCATE projections.redemption_requests`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Rebuild market rows from the latest operation per market
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.markets
			(market_id, raw_st, raw_jt, eff_st, eff_jt, utilization_wad, market_state, st_supply, jt_supply, queue_length, last_sequence, updated_at)
		SELECT DISTINCT ON (market_id)
			market_id, raw_st, raw_jt, eff_st, eff_jt,
			0, market_state, 0, 0, 0, sequence, NOW()
		FROM event_log.operations
		ORDER BY market_id, sequence DESC
	`)
	if err != nil {
		return fmt.Errorf("rebuild markets: %w", err)
	}

	// Rebuild share balances from operation history
	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.share_balances (market_id, controller, tranche, shares, escrowed, last_sequence)
		SELECT
			market_id,
			controller,
			CASE WHEN op LIKE 'st_%' THEN 'ST' ELSE 'JT' END,
			SUM(CASE op
				WHEN 'st_deposit' THEN shares
				WHEN 'jt_deposit' THEN shares
				WHEN 'st_redeem' THEN -shares
				WHEN 'jt_request_redeem' THEN -shares
				WHEN 'jt_claim_cancel' THEN shares
				ELSE 0 END),
			SUM(CASE op
				WHEN 'jt_request_redeem' THEN shares
				WHEN 'jt_redeem' THEN -shares
				WHEN 'jt_claim_cancel' THEN -shares
				ELSE 0 END),
			MAX(sequence)
		FROM event_log.operations
		WHERE op IN ('st_deposit', 'jt_deposit', 'st_redeem', 'jt_request_redeem', 'jt_redeem', 'jt_claim_cancel')
		GROUP BY market_id, controller, CASE WHEN op LIKE 'st_%' THEN 'ST' ELSE 'JT' END
	`)
	if err != nil {
		return fmt.Errorf("rebuild share balances: %w", err)
	}

	// Rebuild the redemption queue from operation history
	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.redemption_requests
			(market_id, request_id, controller, shares_outstanding, status, last_sequence, requested_at_us, updated_at)
		SELECT
			opened.market_id,
			opened.request_id,
			opened.controller,
			opened.shares - COALESCE(claimed.shares, 0),
			CASE
				WHEN canceled.request_id IS NOT NULL THEN 'canceled'
				WHEN opened.shares - COALESCE(claimed.shares, 0) <= 0 THEN 'claimed'
				ELSE 'pending'
			END,
			GREATEST(opened.sequence, COALESCE(claimed.last_seq, 0), COALESCE(canceled.sequence, 0)),
			EXTRACT(EPOCH FROM opened.timestamp)::BIGINT * 1000000,
			NOW()
		FROM event_log.operations opened
		LEFT JOIN (
			SELECT market_id, request_id, SUM(shares) AS shares, MAX(sequence) AS last_seq
			FROM event_log.operations
			WHERE op = 'jt_redeem'
			GROUP BY market_id, request_id
		) claimed ON claimed.market_id = opened.market_id AND claimed.request_id = opened.request_id
		LEFT JOIN (
			SELECT market_id, request_id, MAX(sequence) AS sequence
			FROM event_log.operations
			WHERE op = 'jt_cancel_redeem'
			GROUP BY market_id, request_id
		) canceled ON canceled.market_id = opened.market_id AND canceled.request_id = opened.request_id
		WHERE opened.op = 'jt_request_redeem'
	`)
	if err != nil {
		return fmt.Errorf("rebuild redemption requests: %w", err)
	}

	log.Println("INFO: projection rebuild complete")
	return nil
}
