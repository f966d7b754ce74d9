package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// envelopeSchema is the structural contract for envelopes on the wire.
// Required fields are never defaulted: an envelope missing any of them is
// rejected before it enters the outbox or reaches the apply engine.
const envelopeSchema = `{
	"type": "object",
	"required": ["apiVersion", "deviceId", "opId", "entityType", "op"],
	"properties": {
		"apiVersion": {"type": "integer", "minimum": 1},
		"deviceId": {"type": "string", "minLength": 1},
		"opId": {"type": "string", "minLength": 1},
		"sentAtMillis": {"type": "integer"},
		"entityType": {"type": "string", "minLength": 1},
		"entityId": {"type": "string"},
		"op": {"type": "string", "minLength": 1},
		"body": {"type": "object"}
	}
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchema))
		if err != nil {
			schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("envelope.json", doc); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = compiler.Compile("envelope.json")
	})
	return schema, schemaErr
}

// Encoder mints envelopes for a single device. The device id is set once per
// install and never reused.
type Encoder struct {
	deviceID string
	now      func() time.Time
}

func NewEncoder(deviceID string) (*Encoder, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, ErrInvalidInput
	}
	return &Encoder{deviceID: deviceID, now: time.Now}, nil
}

func (e *Encoder) DeviceID() string {
	return e.deviceID
}

// Encode wraps a mutation event in an envelope. The op id is the idempotency
// key for the operation's entire delivery lifetime; it comes from the event
// when the source supplied one and is minted fresh otherwise.
func (e *Encoder) Encode(event MutationEvent) (Envelope, error) {
	if _, err := DecodeBody(event.EntityType, event.Op, event.Body); err != nil {
		return Envelope{}, err
	}
	opID := strings.TrimSpace(event.OpID)
	if opID == "" {
		opID = uuid.NewString()
	}
	return Envelope{
		APIVersion:   APIVersion,
		DeviceID:     e.deviceID,
		OpID:         opID,
		SentAtMillis: e.now().UnixMilli(),
		EntityType:   event.EntityType,
		EntityID:     event.EntityID,
		Op:           event.Op,
		Body:         event.Body,
	}, nil
}

// Decode parses and validates envelope bytes. Structural validation runs
// first so required fields are never silently defaulted; the typed body check
// runs second so storage never sees an unvalidated payload.
func Decode(data []byte) (Envelope, error) {
	sch, err := compiledSchema()
	if err != nil {
		return Envelope{}, fmt.Errorf("compile envelope schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Envelope{}, &DecodeError{Reason: fmt.Sprintf("not valid JSON: %v", err)}
	}
	if err := sch.Validate(doc); err != nil {
		return Envelope{}, &DecodeError{Reason: err.Error()}
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, &DecodeError{Reason: err.Error()}
	}
	if env.APIVersion > APIVersion {
		return Envelope{}, &DecodeError{Reason: fmt.Sprintf("unsupported apiVersion %d", env.APIVersion)}
	}
	if _, err := DecodeBody(env.EntityType, env.Op, env.Body); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate applies the same checks as Decode to an already-parsed envelope.
func Validate(env Envelope) error {
	if env.APIVersion < 1 || env.APIVersion > APIVersion {
		return &DecodeError{Reason: fmt.Sprintf("unsupported apiVersion %d", env.APIVersion)}
	}
	if strings.TrimSpace(env.DeviceID) == "" {
		return &DecodeError{Reason: "missing deviceId"}
	}
	if strings.TrimSpace(env.OpID) == "" {
		return &DecodeError{Reason: "missing opId"}
	}
	if strings.TrimSpace(env.EntityType) == "" {
		return &DecodeError{Reason: "missing entityType"}
	}
	if strings.TrimSpace(env.Op) == "" {
		return &DecodeError{Reason: "missing op"}
	}
	if _, err := DecodeBody(env.EntityType, env.Op, env.Body); err != nil {
		return err
	}
	return nil
}

// Encode serializes an envelope for transport.
func Encode(env Envelope) ([]byte, error) {
	if err := Validate(env); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}
