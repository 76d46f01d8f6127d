package chain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

type (
	// Record is the storage form of an Action used by durable sinks and
	// streams. Open values (arguments, metadata, result values) are kept as
	// JSON so a decoded action hashes to the digest it was appended with.
	Record struct {
		ID           string          `json:"id"`
		ParentID     string          `json:"parent_id,omitempty"`
		Seq          uint64          `json:"seq"`
		Type         string          `json:"type"`
		PlanID       string          `json:"plan_id,omitempty"`
		IntentID     string          `json:"intent_id,omitempty"`
		SessionID    string          `json:"session_id,omitempty"`
		CapabilityID string          `json:"capability_id,omitempty"`
		FunctionName string          `json:"function_name,omitempty"`
		Arguments    json.RawMessage `json:"arguments"`
		Metadata     json.RawMessage `json:"metadata"`
		TimestampNS  int64           `json:"timestamp_ns"`
		Cost         float64         `json:"cost,omitempty"`
		DurationNS   int64           `json:"duration_ns,omitempty"`
		Hash         string          `json:"hash"`
		Result       *ResultRecord   `json:"result,omitempty"`
		ResultHash   string          `json:"result_hash,omitempty"`
	}

	// ResultRecord is the storage form of an ExecutionResult.
	ResultRecord struct {
		Success    bool            `json:"success"`
		Value      json.RawMessage `json:"value"`
		Metadata   json.RawMessage `json:"metadata"`
		Cost       float64         `json:"cost,omitempty"`
		DurationNS int64           `json:"duration_ns,omitempty"`
	}
)

var jsonNull = json.RawMessage("null")

// NewRecord returns the storage form of a.
func NewRecord(a Action) (Record, error) {
	args, err := rawJSON(a.Arguments)
	if err != nil {
		return Record{}, fmt.Errorf("encode arguments of %s: %w", a.ID, err)
	}
	meta, err := rawJSON(a.Metadata)
	if err != nil {
		return Record{}, fmt.Errorf("encode metadata of %s: %w", a.ID, err)
	}
	r := Record{
		ID:           a.ID,
		ParentID:     a.ParentID,
		Seq:          a.Seq,
		Type:         string(a.Type),
		PlanID:       a.PlanID,
		IntentID:     a.IntentID,
		SessionID:    a.SessionID,
		CapabilityID: a.CapabilityID,
		FunctionName: a.FunctionName,
		Arguments:    args,
		Metadata:     meta,
		TimestampNS:  a.Timestamp.UnixNano(),
		Cost:         a.Cost,
		DurationNS:   int64(a.Duration),
		Hash:         a.Hash,
		ResultHash:   a.ResultHash,
	}
	if a.Result != nil {
		res, err := NewResultRecord(*a.Result)
		if err != nil {
			return Record{}, fmt.Errorf("encode result of %s: %w", a.ID, err)
		}
		r.Result = &res
	}
	return r, nil
}

// NewResultRecord returns the storage form of res.
func NewResultRecord(res ExecutionResult) (ResultRecord, error) {
	value, err := rawJSON(res.Value)
	if err != nil {
		return ResultRecord{}, err
	}
	meta, err := rawJSON(res.Metadata)
	if err != nil {
		return ResultRecord{}, err
	}
	return ResultRecord{
		Success:    res.Success,
		Value:      value,
		Metadata:   meta,
		Cost:       res.Cost,
		DurationNS: int64(res.Duration),
	}, nil
}

// Action decodes the record. Numbers in open values decode as json.Number.
func (r Record) Action() (Action, error) {
	a := Action{
		ID:           r.ID,
		ParentID:     r.ParentID,
		Seq:          r.Seq,
		Type:         ActionType(r.Type),
		PlanID:       r.PlanID,
		IntentID:     r.IntentID,
		SessionID:    r.SessionID,
		CapabilityID: r.CapabilityID,
		FunctionName: r.FunctionName,
		Timestamp:    time.Unix(0, r.TimestampNS).UTC(),
		Cost:         r.Cost,
		Duration:     time.Duration(r.DurationNS),
		Hash:         r.Hash,
		ResultHash:   r.ResultHash,
	}
	if err := decodeJSON(r.Arguments, &a.Arguments); err != nil {
		return Action{}, fmt.Errorf("decode arguments of %s: %w", r.ID, err)
	}
	if err := decodeJSON(r.Metadata, &a.Metadata); err != nil {
		return Action{}, fmt.Errorf("decode metadata of %s: %w", r.ID, err)
	}
	if r.Result != nil {
		res, err := r.Result.ExecutionResult()
		if err != nil {
			return Action{}, fmt.Errorf("decode result of %s: %w", r.ID, err)
		}
		a.Result = &res
	}
	return a, nil
}

// ExecutionResult decodes the result record.
func (r ResultRecord) ExecutionResult() (ExecutionResult, error) {
	res := ExecutionResult{
		Success:  r.Success,
		Cost:     r.Cost,
		Duration: time.Duration(r.DurationNS),
	}
	if err := decodeJSON(r.Value, &res.Value); err != nil {
		return ExecutionResult{}, err
	}
	if err := decodeJSON(r.Metadata, &res.Metadata); err != nil {
		return ExecutionResult{}, err
	}
	return res, nil
}

// rawJSON encodes v the way the ledger hashes it.
func rawJSON(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(encodable(v))
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func decodeJSON(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || bytes.Equal(raw, jsonNull) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(dst)
}
