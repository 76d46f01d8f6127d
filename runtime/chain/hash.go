package chain

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// GenesisHash is the chain head of an empty ledger.
const GenesisHash = "genesis"

type (
	// digestView is the canonical projection of an action's append-time
	// content.
	digestView struct {
		ID           string     `json:"id"`
		ParentID     string     `json:"parent_id,omitempty"`
		Type         ActionType `json:"type"`
		PlanID       string     `json:"plan_id,omitempty"`
		IntentID     string     `json:"intent_id,omitempty"`
		SessionID    string     `json:"session_id,omitempty"`
		CapabilityID string     `json:"capability_id,omitempty"`
		FunctionName string     `json:"function_name,omitempty"`
		Arguments    any        `json:"arguments,omitempty"`
		Metadata     any        `json:"metadata,omitempty"`
		Cost         float64    `json:"cost,omitempty"`
		DurationNS   int64      `json:"duration_ns,omitempty"`
	}

	// resultView is the canonical projection of a finalization.
	resultView struct {
		Success    bool    `json:"success"`
		Value      any     `json:"value,omitempty"`
		Metadata   any     `json:"metadata,omitempty"`
		Cost       float64 `json:"cost,omitempty"`
		DurationNS int64   `json:"duration_ns,omitempty"`
	}
)

// contentDigest returns the sha256 of the canonical JSON encoding of the
// append-time content of a.
func contentDigest(a *Action) []byte {
	view := digestView{
		ID:           a.ID,
		ParentID:     a.ParentID,
		Type:         a.Type,
		PlanID:       a.PlanID,
		IntentID:     a.IntentID,
		SessionID:    a.SessionID,
		CapabilityID: a.CapabilityID,
		FunctionName: a.FunctionName,
		Arguments:    encodable(a.Arguments),
		Metadata:     encodable(a.Metadata),
		Cost:         a.Cost,
		DurationNS:   int64(a.Duration),
	}
	sum := sha256.Sum256(Canonical(view))
	return sum[:]
}

// resultDigest returns the sha256 of the canonical JSON encoding of a
// finalization.
func resultDigest(r *ExecutionResult) []byte {
	view := resultView{
		Success:    r.Success,
		Value:      encodable(r.Value),
		Metadata:   encodable(r.Metadata),
		Cost:       r.Cost,
		DurationNS: int64(r.Duration),
	}
	sum := sha256.Sum256(Canonical(view))
	return sum[:]
}

// link computes the chain hash of the entry at seq given the previous head.
func link(prev string, seq uint64, unixNano int64, digest []byte) string {
	h := sha256.New()
	h.Write([]byte(prev))
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], seq)
	binary.BigEndian.PutUint64(buf[8:], uint64(unixNano)) //nolint:gosec // bit pattern only
	h.Write(buf[:])
	h.Write(digest)
	return hex.EncodeToString(h.Sum(nil))
}

// seal computes the result hash of an entry.
func seal(actionHash string, digest []byte) string {
	h := sha256.New()
	h.Write([]byte(actionHash))
	h.Write(digest)
	return hex.EncodeToString(h.Sum(nil))
}

// Canonical returns the RFC 8785 canonical JSON encoding of v. Values that
// cannot be encoded as JSON are encoded through their default string
// formatting so that hashing never fails.
func Canonical(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		raw, _ = json.Marshal(fmt.Sprintf("%v", v))
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return raw
	}
	return out
}

// encodable returns v with every value that does not marshal to JSON
// replaced by its string formatting. Slices and maps are handled element by
// element so their shape survives.
func encodable(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case []any:
		if val == nil {
			return val
		}
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = encodable(e)
		}
		return out
	case map[string]any:
		if val == nil {
			return val
		}
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = encodable(e)
		}
		return out
	}
	if _, err := json.Marshal(v); err != nil {
		return fmt.Sprintf("%v", v)
	}
	return v
}
