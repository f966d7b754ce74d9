package envelope

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput = errors.New("invalid input")
)

// APIVersion is the current envelope protocol version. Decoders accept any
// version up to and including this one.
const APIVersion = 1

// Entity types carried by envelopes.
const (
	EntityItem        = "item"
	EntityParty       = "party"
	EntityTransaction = "transaction"
)

// Operation kinds. The set is extensible; unknown ops are rejected at decode.
const (
	OpCreate        = "create"
	OpUpdate        = "update"
	OpDelete        = "delete"
	OpAdjust        = "adjust"
	OpRecordPayment = "record-payment"
	OpVoid          = "void"
)

// Envelope is the atomic, idempotent unit of synchronization. OpID is the
// idempotency key: once minted it is permanently associated with exactly one
// intended effect, however many times the envelope is delivered.
type Envelope struct {
	APIVersion   int            `json:"apiVersion"`
	DeviceID     string         `json:"deviceId"`
	OpID         string         `json:"opId"`
	SentAtMillis int64          `json:"sentAtMillis"`
	EntityType   string         `json:"entityType"`
	EntityID     string         `json:"entityId,omitempty"`
	Op           string         `json:"op"`
	Body         map[string]any `json:"body,omitempty"`
}

// EffectiveEntityID returns the identifier the operation targets. Creates may
// omit entityId; the op id doubles as the assigned entity id so that a replay
// derives the same identifier.
func (e Envelope) EffectiveEntityID() string {
	if e.EntityID != "" {
		return e.EntityID
	}
	return e.OpID
}

// DecodeError reports a structurally invalid envelope. It is permanent: the
// sender must not retry the same bytes.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid envelope: %s", e.Reason)
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrInvalidInput
}

// ApplyResult is the per-envelope outcome returned by the apply engine. OK is
// true for both a fresh application and a detected replay; Replay
// distinguishes the two. Retryable classifies failures for the dispatcher.
type ApplyResult struct {
	OK        bool   `json:"ok"`
	Replay    bool   `json:"replay"`
	Message   string `json:"message,omitempty"`
	OpID      string `json:"opId"`
	Retryable bool   `json:"retryable,omitempty"`
}

// MutationEvent is a local state change that must be synchronized. Event
// sources (UI actions, the spool directory) produce these; the codec turns
// them into envelopes. OpID is optional: sources that can retry an emit
// supply a stable id so the retry resolves to the same operation instead of
// minting a second one.
type MutationEvent struct {
	OpID       string         `json:"opId,omitempty"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId,omitempty"`
	Op         string         `json:"op"`
	Body       map[string]any `json:"body,omitempty"`
}

func knownOp(entityType, op string) bool {
	switch entityType {
	case EntityItem:
		switch op {
		case OpCreate, OpUpdate, OpDelete, OpAdjust:
			return true
		}
	case EntityParty:
		switch op {
		case OpCreate, OpUpdate, OpDelete, OpRecordPayment:
			return true
		}
	case EntityTransaction:
		switch op {
		case OpCreate, OpVoid:
			return true
		}
	}
	return false
}
