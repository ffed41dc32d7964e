package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Sync payloads form a tagged union keyed by entity_type. DecodePayload is
// the single place that maps a raw document to its concrete type, so adding
// an entity type fails loudly everywhere it matters.

// SalePayload is the offline representation of a sale
type SalePayload struct {
	CustomerID     *int64               `json:"customer_id,omitempty"`
	Items          []SaleItemPayload    `json:"items"`
	Payments       []SalePaymentPayload `json:"payments"`
	LocalCreatedAt time.Time            `json:"local_created_at"`
}

// SaleItemPayload is one line of an offline sale
type SaleItemPayload struct {
	ProductID int64           `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// SalePaymentPayload is one payment of an offline sale
type SalePaymentPayload struct {
	Method string          `json:"method"`
	Amount decimal.Decimal `json:"amount"`
}

// StockMovementPayload is an offline manual stock adjustment
type StockMovementPayload struct {
	ProductID    int64  `json:"product_id"`
	MovementType string `json:"movement_type"`
	Quantity     int    `json:"quantity"`
	Reason       string `json:"reason,omitempty"`
}

// RegisterSessionPayload is an offline register session open or close event
type RegisterSessionPayload struct {
	RegisterID     int64            `json:"register_id"`
	Action         string           `json:"action"`
	OpeningAmount  decimal.Decimal  `json:"opening_amount"`
	DeclaredAmount *decimal.Decimal `json:"declared_amount,omitempty"`
	OccurredAt     time.Time        `json:"occurred_at"`
}

// Register session payload actions
const (
	SessionActionOpen  = "OPEN"
	SessionActionClose = "CLOSE"
)

// DecodePayload decodes a raw sync payload into its entity-specific type.
// Unknown entity types and malformed documents return an error wrapping
// ErrInvalidArgument.
func DecodePayload(entityType string, raw json.RawMessage) (interface{}, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidArgument)
	}

	switch entityType {
	case EntityTypeSale:
		var p SalePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: malformed sale payload: %v", ErrInvalidArgument, err)
		}
		if len(p.Items) == 0 {
			return nil, fmt.Errorf("%w: sale payload has no items", ErrInvalidArgument)
		}
		for _, it := range p.Items {
			if it.Quantity <= 0 {
				return nil, fmt.Errorf("%w: sale item quantity must be positive", ErrInvalidArgument)
			}
		}
		return &p, nil

	case EntityTypeStockMovement:
		var p StockMovementPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: malformed stock movement payload: %v", ErrInvalidArgument, err)
		}
		if p.Quantity == 0 {
			return nil, fmt.Errorf("%w: stock movement quantity must be nonzero", ErrInvalidArgument)
		}
		return &p, nil

	case EntityTypeRegisterSession:
		var p RegisterSessionPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: malformed register session payload: %v", ErrInvalidArgument, err)
		}
		if p.Action != SessionActionOpen && p.Action != SessionActionClose {
			return nil, fmt.Errorf("%w: unknown session action %q", ErrInvalidArgument, p.Action)
		}
		return &p, nil

	default:
		return nil, fmt.Errorf("%w: unknown entity type %q", ErrInvalidArgument, entityType)
	}
}
