package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"TrancheVault/internal/event"
)

// AdminIngestService provides manual event injection through the admin API.
// It is for operator actions and keeper triggers, not for
// high-throughput ingestion (use NATS for that).
type AdminIngestService struct {
	eventChan chan<- event.Event
}

func NewAdminIngestService(eventChan chan<- event.Event) *AdminIngestService {
	return &AdminIngestService{eventChan: eventChan}
}

// InjectNAV manually injects a NAVObserved event.
func (s *AdminIngestService) InjectNAV(
	ctx context.Context,
	marketID string,
	tranche string,
	rawNAV int64,
	navSequence int64,
) error {
	if rawNAV < 0 {
		return fmt.Errorf("raw NAV must be non-negative")
	}
	if tranche != "ST" && tranche != "JT" {
		return fmt.Errorf("unknown tranche: %s", tranche)
	}

	evt := &event.NAVObserved{
		Market:       marketID,
		Tranche:      tranche,
		RawNAV:       rawNAV,
		NAVSequence:  navSequence,
		NAVTimestamp: time.Now().UnixMicro(),
	}

	select {
	case s.eventChan <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InjectRate manually injects a RateObserved event.
func (s *AdminIngestService) InjectRate(
	ctx context.Context,
	marketID string,
	rateWad int64,
	rateSequence int64,
) error {
	if rateWad <= 0 {
		return fmt.Errorf("rate must be positive")
	}

	evt := &event.RateObserved{
		Market:        marketID,
		RateWad:       rateWad,
		RoundComplete: true,
		RateSequence:  rateSequence,
		RateTimestamp: time.Now().UnixMicro(),
	}

	select {
	case s.eventChan <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InjectSync manually injects a SyncRequested event (keeper trigger).
func (s *AdminIngestService) InjectSync(
	ctx context.Context,
	marketID string,
) error {
	evt := &event.SyncRequested{
		OpID:      uuid.New(),
		Market:    marketID,
		Sequence:  time.Now().UnixMicro(), // Admin-injected: use timestamp as sequence
		Timestamp: time.Now().UnixMicro(),
	}

	select {
	case s.eventChan <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InjectParamUpdate manually injects a ParamUpdate event.
func (s *AdminIngestService) InjectParamUpdate(
	ctx context.Context,
	marketID string,
	field event.ParamField,
	intValue int64,
	uuidValue uuid.UUID,
) error {
	evt := &event.ParamUpdate{
		Market:    marketID,
		Field:     field,
		IntValue:  intValue,
		UUIDValue: uuidValue,
		Sequence:  time.Now().UnixMicro(),
		Timestamp: time.Now().UnixMicro(),
	}

	select {
	case s.eventChan <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
