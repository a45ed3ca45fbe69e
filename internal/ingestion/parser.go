package ingestion

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"TrancheVault/internal/event"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a
// typed event.Event. The ingestion shell validates, parses, and converts raw
// events before sending them to the vault core.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "STDepositRequested":
		return parseSTDepositRequested(raw.Data)
	case "JTDepositRequested":
		return parseJTDepositRequested(raw.Data)
	case "STRedeemRequested":
		return parseSTRedeemRequested(raw.Data)
	case "JTRedeemRequested":
		return parseJTRedeemRequested(raw.Data)
	case "JTRedeemClaimed":
		return parseJTRedeemClaimed(raw.Data)
	case "JTRedeemCanceled":
		return parseJTRedeemCanceled(raw.Data)
	case "JTCancelClaimed":
		return parseJTCancelClaimed(raw.Data)
	case "NAVObserved":
		return parseNAVObserved(raw.Data)
	case "RateObserved":
		return parseRateObserved(raw.Data)
	case "ParamUpdate":
		return parseParamUpdate(raw.Data)
	case "SyncRequested":
		return parseSyncRequested(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers.

type depositJSON struct {
	OpID         string `json:"op_id"`
	Market       string `json:"market"`
	Controller   string `json:"controller"`
	TrancheUnits int64  `json:"tranche_units"`
	Sequence     int64  `json:"sequence"`
	TimestampUs  int64  `json:"timestamp_us"`
}

func parseSTDepositRequested(data []byte) (*event.STDepositRequested, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse STDepositRequested: %w", err)
	}
	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return nil, fmt.Errorf("parse op_id: %w", err)
	}
	controller, err := uuid.Parse(j.Controller)
	if err != nil {
		return nil, fmt.Errorf("parse controller: %w", err)
	}
	return &event.STDepositRequested{
		OpID:         opID,
		Market:       j.Market,
		Controller:   controller,
		TrancheUnits: j.TrancheUnits,
		Sequence:     j.Sequence,
		Timestamp:    j.TimestampUs,
	}, nil
}

func parseJTDepositRequested(data []byte) (*event.JTDepositRequested, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse JTDepositRequested: %w", err)
	}
	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return nil, fmt.Errorf("parse op_id: %w", err)
	}
	controller, err := uuid.Parse(j.Controller)
	if err != nil {
		return nil, fmt.Errorf("parse controller: %w", err)
	}
	return &event.JTDepositRequested{
		OpID:         opID,
		Market:       j.Market,
		Controller:   controller,
		TrancheUnits: j.TrancheUnits,
		Sequence:     j.Sequence,
		Timestamp:    j.TimestampUs,
	}, nil
}

type stRedeemJSON struct {
	OpID        string `json:"op_id"`
	Market      string `json:"market"`
	Controller  string `json:"controller"`
	Receiver    string `json:"receiver"`
	Shares      int64  `json:"shares"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseSTRedeemRequested(data []byte) (*event.STRedeemRequested, error) {
	var j stRedeemJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse STRedeemRequested: %w", err)
	}
	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return nil, fmt.Errorf("parse op_id: %w", err)
	}
	controller, err := uuid.Parse(j.Controller)
	if err != nil {
		return nil, fmt.Errorf("parse controller: %w", err)
	}
	receiver, err := uuid.Parse(j.Receiver)
	if err != nil {
		return nil, fmt.Errorf("parse receiver: %w", err)
	}
	return &event.STRedeemRequested{
		OpID:       opID,
		Market:     j.Market,
		Controller: controller,
		Receiver:   receiver,
		Shares:     j.Shares,
		Sequence:   j.Sequence,
		Timestamp:  j.TimestampUs,
	}, nil
}

type jtRedeemRequestJSON struct {
	OpID        string `json:"op_id"`
	Market      string `json:"market"`
	Controller  string `json:"controller"`
	Shares      int64  `json:"shares"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseJTRedeemRequested(data []byte) (*event.JTRedeemRequested, error) {
	var j jtRedeemRequestJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse JTRedeemRequested: %w", err)
	}
	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return nil, fmt.Errorf("parse op_id: %w", err)
	}
	controller, err := uuid.Parse(j.Controller)
	if err != nil {
		return nil, fmt.Errorf("parse controller: %w", err)
	}
	return &event.JTRedeemRequested{
		OpID:       opID,
		Market:     j.Market,
		Controller: controller,
		Shares:     j.Shares,
		Sequence:   j.Sequence,
		Timestamp:  j.TimestampUs,
	}, nil
}

type jtRedeemClaimJSON struct {
	OpID        string `json:"op_id"`
	Market      string `json:"market"`
	Controller  string `json:"controller"`
	Receiver    string `json:"receiver"`
	RequestID   int64  `json:"request_id"`
	Shares      int64  `json:"shares"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseJTRedeemClaimed(data []byte) (*event.JTRedeemClaimed, error) {
	var j jtRedeemClaimJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse JTRedeemClaimed: %w", err)
	}
	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return nil, fmt.Errorf("parse op_id: %w", err)
	}
	controller, err := uuid.Parse(j.Controller)
	if err != nil {
		return nil, fmt.Errorf("parse controller: %w", err)
	}
	receiver, err := uuid.Parse(j.Receiver)
	if err != nil {
		return nil, fmt.Errorf("parse receiver: %w", err)
	}
	return &event.JTRedeemClaimed{
		OpID:       opID,
		Market:     j.Market,
		Controller: controller,
		Receiver:   receiver,
		RequestID:  j.RequestID,
		Shares:     j.Shares,
		Sequence:   j.Sequence,
		Timestamp:  j.TimestampUs,
	}, nil
}

type jtRedeemCancelJSON struct {
	OpID        string `json:"op_id"`
	Market      string `json:"market"`
	Controller  string `json:"controller"`
	RequestID   int64  `json:"request_id"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseJTRedeemCanceled(data []byte) (*event.JTRedeemCanceled, error) {
	var j jtRedeemCancelJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse JTRedeemCanceled: %w", err)
	}
	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return nil, fmt.Errorf("parse op_id: %w", err)
	}
	controller, err := uuid.Parse(j.Controller)
	if err != nil {
		return nil, fmt.Errorf("parse controller: %w", err)
	}
	return &event.JTRedeemCanceled{
		OpID:       opID,
		Market:     j.Market,
		Controller: controller,
		RequestID:  j.RequestID,
		Sequence:   j.Sequence,
		Timestamp:  j.TimestampUs,
	}, nil
}

func parseJTCancelClaimed(data []byte) (*event.JTCancelClaimed, error) {
	var j jtRedeemCancelJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse JTCancelClaimed: %w", err)
	}
	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return nil, fmt.Errorf("parse op_id: %w", err)
	}
	controller, err := uuid.Parse(j.Controller)
	if err != nil {
		return nil, fmt.Errorf("parse controller: %w", err)
	}
	return &event.JTCancelClaimed{
		OpID:       opID,
		Market:     j.Market,
		Controller: controller,
		RequestID:  j.RequestID,
		Sequence:   j.Sequence,
		Timestamp:  j.TimestampUs,
	}, nil
}

type navObservedJSON struct {
	Market         string `json:"market"`
	Tranche        string `json:"tranche"`
	RawNAV         int64  `json:"raw_nav"`
	NAVSequence    int64  `json:"nav_sequence"`
	NAVTimestampUs int64  `json:"nav_timestamp_us"`
}

func parseNAVObserved(data []byte) (*event.NAVObserved, error) {
	var j navObservedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse NAVObserved: %w", err)
	}
	if j.Tranche != "ST" && j.Tranche != "JT" {
		return nil, fmt.Errorf("parse tranche: unknown tranche %q", j.Tranche)
	}
	return &event.NAVObserved{
		Market:       j.Market,
		Tranche:      j.Tranche,
		RawNAV:       j.RawNAV,
		NAVSequence:  j.NAVSequence,
		NAVTimestamp: j.NAVTimestampUs,
	}, nil
}

type rateObservedJSON struct {
	Market          string `json:"market"`
	RateWad         int64  `json:"rate_wad"`
	RoundComplete   bool   `json:"round_complete"`
	RateSequence    int64  `json:"rate_sequence"`
	RateTimestampUs int64  `json:"rate_timestamp_us"`
}

func parseRateObserved(data []byte) (*event.RateObserved, error) {
	var j rateObservedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RateObserved: %w", err)
	}
	return &event.RateObserved{
		Market:        j.Market,
		RateWad:       j.RateWad,
		RoundComplete: j.RoundComplete,
		RateSequence:  j.RateSequence,
		RateTimestamp: j.RateTimestampUs,
	}, nil
}

type paramUpdateJSON struct {
	Market      string `json:"market"`
	Field       string `json:"field"`
	IntValue    int64  `json:"int_value"`
	UUIDValue   string `json:"uuid_value,omitempty"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseParamUpdate(data []byte) (*event.ParamUpdate, error) {
	var j paramUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ParamUpdate: %w", err)
	}
	uuidValue := uuid.Nil
	if j.UUIDValue != "" {
		parsed, err := uuid.Parse(j.UUIDValue)
		if err != nil {
			return nil, fmt.Errorf("parse uuid_value: %w", err)
		}
		uuidValue = parsed
	}
	return &event.ParamUpdate{
		Market:    j.Market,
		Field:     event.ParamField(j.Field),
		IntValue:  j.IntValue,
		UUIDValue: uuidValue,
		Sequence:  j.Sequence,
		Timestamp: j.TimestampUs,
	}, nil
}

type syncRequestedJSON struct {
	OpID        string `json:"op_id"`
	Market      string `json:"market"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseSyncRequested(data []byte) (*event.SyncRequested, error) {
	var j syncRequestedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SyncRequested: %w", err)
	}
	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return nil, fmt.Errorf("parse op_id: %w", err)
	}
	return &event.SyncRequested{
		OpID:      opID,
		Market:    j.Market,
		Sequence:  j.Sequence,
		Timestamp: j.TimestampUs,
	}, nil
}
