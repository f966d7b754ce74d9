package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Typed body variants, keyed by (entityType, op). The wire body is an opaque
// JSON object; DecodeBody resolves it to the variant for the operation and
// validates it, so malformed payloads are rejected before they reach storage.

type ItemCreateBody struct {
	Name       string `json:"name"`
	SKU        string `json:"sku,omitempty"`
	PriceCents int64  `json:"priceCents,omitempty"`
	Quantity   int64  `json:"quantity,omitempty"`
}

type ItemUpdateBody struct {
	Name       *string `json:"name,omitempty"`
	SKU        *string `json:"sku,omitempty"`
	PriceCents *int64  `json:"priceCents,omitempty"`
}

type ItemAdjustBody struct {
	Delta int64 `json:"delta"`
}

type PartyCreateBody struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

type PartyUpdateBody struct {
	Name  *string `json:"name,omitempty"`
	Phone *string `json:"phone,omitempty"`
}

// PaymentDirection: "in" settles what the party owes, "out" pays the party.
type RecordPaymentBody struct {
	AmountCents int64  `json:"amountCents"`
	Direction   string `json:"direction,omitempty"`
	Note        string `json:"note,omitempty"`
}

type TransactionLine struct {
	ItemID     string `json:"itemId"`
	Quantity   int64  `json:"quantity"`
	PriceCents int64  `json:"priceCents"`
}

type TransactionCreateBody struct {
	PartyID    string            `json:"partyId,omitempty"`
	TotalCents int64             `json:"totalCents"`
	Lines      []TransactionLine `json:"lines,omitempty"`
}

// DecodeBody resolves the opaque body for (entityType, op) into its typed
// variant and validates it. A nil return with nil error means the operation
// carries no body (delete, void).
func DecodeBody(entityType, op string, body map[string]any) (any, error) {
	if !knownOp(entityType, op) {
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown operation %s/%s", entityType, op)}
	}
	switch {
	case entityType == EntityItem && op == OpCreate:
		var b ItemCreateBody
		if err := rebindBody(body, &b); err != nil {
			return nil, err
		}
		if strings.TrimSpace(b.Name) == "" {
			return nil, &DecodeError{Reason: "item create requires name"}
		}
		if b.PriceCents < 0 || b.Quantity < 0 {
			return nil, &DecodeError{Reason: "item create requires non-negative price and quantity"}
		}
		return b, nil
	case entityType == EntityItem && op == OpUpdate:
		var b ItemUpdateBody
		if err := rebindBody(body, &b); err != nil {
			return nil, err
		}
		if b.Name == nil && b.SKU == nil && b.PriceCents == nil {
			return nil, &DecodeError{Reason: "item update requires at least one field"}
		}
		if b.Name != nil && strings.TrimSpace(*b.Name) == "" {
			return nil, &DecodeError{Reason: "item name must not be empty"}
		}
		if b.PriceCents != nil && *b.PriceCents < 0 {
			return nil, &DecodeError{Reason: "item price must be non-negative"}
		}
		return b, nil
	case entityType == EntityItem && op == OpAdjust:
		var b ItemAdjustBody
		if err := rebindBody(body, &b); err != nil {
			return nil, err
		}
		if b.Delta == 0 {
			return nil, &DecodeError{Reason: "item adjust requires non-zero delta"}
		}
		return b, nil
	case entityType == EntityParty && op == OpCreate:
		var b PartyCreateBody
		if err := rebindBody(body, &b); err != nil {
			return nil, err
		}
		if strings.TrimSpace(b.Name) == "" {
			return nil, &DecodeError{Reason: "party create requires name"}
		}
		return b, nil
	case entityType == EntityParty && op == OpUpdate:
		var b PartyUpdateBody
		if err := rebindBody(body, &b); err != nil {
			return nil, err
		}
		if b.Name == nil && b.Phone == nil {
			return nil, &DecodeError{Reason: "party update requires at least one field"}
		}
		if b.Name != nil && strings.TrimSpace(*b.Name) == "" {
			return nil, &DecodeError{Reason: "party name must not be empty"}
		}
		return b, nil
	case entityType == EntityParty && op == OpRecordPayment:
		var b RecordPaymentBody
		if err := rebindBody(body, &b); err != nil {
			return nil, err
		}
		if b.AmountCents <= 0 {
			return nil, &DecodeError{Reason: "payment requires positive amount"}
		}
		switch b.Direction {
		case "", "in", "out":
		default:
			return nil, &DecodeError{Reason: fmt.Sprintf("unknown payment direction %q", b.Direction)}
		}
		if b.Direction == "" {
			b.Direction = "in"
		}
		return b, nil
	case entityType == EntityTransaction && op == OpCreate:
		var b TransactionCreateBody
		if err := rebindBody(body, &b); err != nil {
			return nil, err
		}
		if b.TotalCents < 0 {
			return nil, &DecodeError{Reason: "transaction total must be non-negative"}
		}
		for _, line := range b.Lines {
			if strings.TrimSpace(line.ItemID) == "" || line.Quantity <= 0 {
				return nil, &DecodeError{Reason: "transaction line requires itemId and positive quantity"}
			}
		}
		return b, nil
	}
	// delete and void carry no body
	return nil, nil
}

func rebindBody(body map[string]any, dst any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return &DecodeError{Reason: fmt.Sprintf("unencodable body: %v", err)}
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &DecodeError{Reason: fmt.Sprintf("malformed body: %v", err)}
	}
	return nil
}
