package envelope

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestEncodeStampsDeviceAndFreshOpID(t *testing.T) {
	enc, err := NewEncoder("dev_1")
	if err != nil {
		t.Fatalf("new encoder failed: %v", err)
	}
	event := MutationEvent{
		EntityType: EntityItem,
		EntityID:   "item_1",
		Op:         OpAdjust,
		Body:       map[string]any{"delta": float64(-2)},
	}
	first, err := enc.Encode(event)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	second, err := enc.Encode(event)
	if err != nil {
		t.Fatalf("second encode failed: %v", err)
	}
	if first.DeviceID != "dev_1" || second.DeviceID != "dev_1" {
		t.Fatalf("expected deviceId dev_1, got %q and %q", first.DeviceID, second.DeviceID)
	}
	if first.OpID == "" || first.OpID == second.OpID {
		t.Fatalf("expected fresh opId per encode, got %q and %q", first.OpID, second.OpID)
	}
	if first.APIVersion != APIVersion {
		t.Fatalf("expected apiVersion %d, got %d", APIVersion, first.APIVersion)
	}
	if first.SentAtMillis == 0 {
		t.Fatalf("expected sentAtMillis to be stamped")
	}
}

func TestEncodeKeepsSuppliedOpID(t *testing.T) {
	enc, err := NewEncoder("dev_1")
	if err != nil {
		t.Fatalf("new encoder failed: %v", err)
	}
	event := MutationEvent{
		OpID:       "stable_op_1",
		EntityType: EntityItem,
		EntityID:   "item_1",
		Op:         OpAdjust,
		Body:       map[string]any{"delta": float64(-2)},
	}
	first, err := enc.Encode(event)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	second, err := enc.Encode(event)
	if err != nil {
		t.Fatalf("second encode failed: %v", err)
	}
	if first.OpID != "stable_op_1" || second.OpID != "stable_op_1" {
		t.Fatalf("expected supplied opId to stick, got %q and %q", first.OpID, second.OpID)
	}
}

func TestEncodeRejectsUnknownOperation(t *testing.T) {
	enc, err := NewEncoder("dev_1")
	if err != nil {
		t.Fatalf("new encoder failed: %v", err)
	}
	_, err = enc.Encode(MutationEvent{EntityType: EntityItem, Op: "merge"})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for unknown op, got %v", err)
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	env := Envelope{
		APIVersion:   APIVersion,
		DeviceID:     "dev_1",
		OpID:         "op_1",
		SentAtMillis: time.Now().UnixMilli(),
		EntityType:   EntityItem,
		EntityID:     "item_1",
		Op:           OpAdjust,
		Body:         map[string]any{"delta": float64(-2)},
	}
	data, err := Encode(env)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.OpID != env.OpID || decoded.EntityID != env.EntityID || decoded.Op != env.Op {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}

func TestDecodeRejectsMissingRequiredFields(t *testing.T) {
	cases := map[string]string{
		"missing opId":       `{"apiVersion":1,"deviceId":"dev_1","entityType":"item","op":"delete","entityId":"i1"}`,
		"missing deviceId":   `{"apiVersion":1,"opId":"op_1","entityType":"item","op":"delete","entityId":"i1"}`,
		"missing entityType": `{"apiVersion":1,"deviceId":"dev_1","opId":"op_1","op":"delete","entityId":"i1"}`,
		"missing op":         `{"apiVersion":1,"deviceId":"dev_1","opId":"op_1","entityType":"item","entityId":"i1"}`,
		"empty opId":         `{"apiVersion":1,"deviceId":"dev_1","opId":"","entityType":"item","op":"delete","entityId":"i1"}`,
		"not json":           `{"apiVersion":1,`,
	}
	for name, raw := range cases {
		if _, err := Decode([]byte(raw)); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: expected decode error, got %v", name, err)
		}
	}
}

func TestDecodeRejectsNewerAPIVersion(t *testing.T) {
	raw := `{"apiVersion":99,"deviceId":"dev_1","opId":"op_1","entityType":"item","entityId":"i1","op":"delete"}`
	if _, err := Decode([]byte(raw)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected decode error for future apiVersion, got %v", err)
	}
}

func TestDecodeBodyVariants(t *testing.T) {
	body, err := DecodeBody(EntityItem, OpCreate, map[string]any{"name": "Soap", "priceCents": float64(1500), "quantity": float64(10)})
	if err != nil {
		t.Fatalf("item create body failed: %v", err)
	}
	create, ok := body.(ItemCreateBody)
	if !ok || create.Name != "Soap" || create.PriceCents != 1500 {
		t.Fatalf("unexpected item create body: %+v", body)
	}

	if _, err := DecodeBody(EntityItem, OpCreate, map[string]any{"priceCents": float64(5)}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected missing name rejection, got %v", err)
	}
	if _, err := DecodeBody(EntityItem, OpAdjust, map[string]any{"delta": float64(0)}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected zero delta rejection, got %v", err)
	}
	if _, err := DecodeBody(EntityItem, OpAdjust, map[string]any{"delta": float64(1), "bogus": true}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected unknown field rejection, got %v", err)
	}
	if _, err := DecodeBody(EntityParty, OpRecordPayment, map[string]any{"amountCents": float64(-5)}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected negative payment rejection, got %v", err)
	}

	body, err = DecodeBody(EntityParty, OpRecordPayment, map[string]any{"amountCents": float64(500)})
	if err != nil {
		t.Fatalf("payment body failed: %v", err)
	}
	payment := body.(RecordPaymentBody)
	if payment.Direction != "in" {
		t.Fatalf("expected default direction in, got %q", payment.Direction)
	}

	body, err = DecodeBody(EntityItem, OpDelete, nil)
	if err != nil || body != nil {
		t.Fatalf("expected bodyless delete, got %+v err %v", body, err)
	}
}

func TestEnvelopeJSONFieldNames(t *testing.T) {
	env := Envelope{
		APIVersion: 1,
		DeviceID:   "dev_1",
		OpID:       "op_1",
		EntityType: EntityItem,
		Op:         OpDelete,
		EntityID:   "i1",
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	for _, key := range []string{"apiVersion", "deviceId", "opId", "entityType", "op", "entityId"} {
		if _, ok := fields[key]; !ok {
			t.Fatalf("expected wire field %q, got %v", key, fields)
		}
	}
}

func TestEffectiveEntityIDFallsBackToOpID(t *testing.T) {
	env := Envelope{OpID: "op_9"}
	if got := env.EffectiveEntityID(); got != "op_9" {
		t.Fatalf("expected opId fallback, got %q", got)
	}
	env.EntityID = "item_3"
	if got := env.EffectiveEntityID(); got != "item_3" {
		t.Fatalf("expected explicit entityId, got %q", got)
	}
}
