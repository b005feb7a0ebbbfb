// Package events defines the typed payloads pushed by the backend over the
// SSE stream. Each wire event name maps to exactly one payload variant, so
// dispatch is over a closed set instead of raw strings and maps.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies a wire event name.
type Type string

const (
	// TypeConnected is the server handshake sent once per stream. It is
	// informational and never dispatched to domain handlers.
	TypeConnected Type = "connected"

	TypeCallCreated      Type = "call-created"
	TypeCallAcknowledged Type = "call-acknowledged"
	TypeCallResolved     Type = "call-resolved"

	TypeOrderCreated     Type = "order-created"
	TypeOrderUpdated     Type = "order-updated"
	TypeOrderItemUpdated Type = "order-item-updated"
)

// DomainTypes lists every event type carrying a domain payload, i.e. all
// known types except the handshake.
func DomainTypes() []Type {
	return []Type{
		TypeCallCreated,
		TypeCallAcknowledged,
		TypeCallResolved,
		TypeOrderCreated,
		TypeOrderUpdated,
		TypeOrderItemUpdated,
	}
}

// Payload is the sealed union of event payload variants.
type Payload interface {
	isPayload()
}

// Call is the payload of the waiter-call lifecycle events.
type Call struct {
	ID          string     `json:"id"`
	TableID     string     `json:"table_id"`
	TableName   string     `json:"table_name,omitempty"`
	Kind        string     `json:"kind,omitempty"` // "waiter" or "bill"
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	HandledByID string     `json:"handled_by_id,omitempty"`
	HandledAt   *time.Time `json:"handled_at,omitempty"`
}

func (Call) isPayload() {}

// Order is the payload of order-created and order-updated.
type Order struct {
	ID        string    `json:"id"`
	TableID   string    `json:"table_id"`
	Status    string    `json:"status"`
	Total     float64   `json:"total,omitempty"`
	ItemCount int       `json:"item_count,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

func (Order) isPayload() {}

// OrderItem is the payload of order-item-updated.
type OrderItem struct {
	ID       string  `json:"id"`
	OrderID  string  `json:"order_id"`
	Name     string  `json:"name"`
	Quantity int     `json:"quantity"`
	Status   string  `json:"status"`
	Price    float64 `json:"price,omitempty"`
	Note     string  `json:"note,omitempty"`
}

func (OrderItem) isPayload() {}

// Event is a decoded stream event: the server-assigned replay id (may be
// empty), the event type, and the typed payload.
type Event struct {
	ID      string
	Type    Type
	Payload Payload
}

// decoders maps each domain event name to its payload decoder.
var decoders = map[Type]func([]byte) (Payload, error){
	TypeCallCreated:      decodeCall,
	TypeCallAcknowledged: decodeCall,
	TypeCallResolved:     decodeCall,
	TypeOrderCreated:     decodeOrder,
	TypeOrderUpdated:     decodeOrder,
	TypeOrderItemUpdated: decodeOrderItem,
}

func decodeCall(data []byte) (Payload, error) {
	var c Call
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return c, nil
}

func decodeOrder(data []byte) (Payload, error) {
	var o Order
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, err
	}
	return o, nil
}

func decodeOrderItem(data []byte) (Payload, error) {
	var i OrderItem
	if err := json.Unmarshal(data, &i); err != nil {
		return nil, err
	}
	return i, nil
}

// Known reports whether name is a recognized domain event type.
func Known(name string) bool {
	_, ok := decoders[Type(name)]
	return ok
}

// Decode parses the data of a named wire event into a typed Event. Unknown
// names and malformed payloads return an error; callers drop such events.
func Decode(id, name string, data []byte) (Event, error) {
	dec, ok := decoders[Type(name)]
	if !ok {
		return Event{}, fmt.Errorf("unknown event type %q", name)
	}
	payload, err := dec(data)
	if err != nil {
		return Event{}, fmt.Errorf("decode %s payload: %w", name, err)
	}
	return Event{ID: id, Type: Type(name), Payload: payload}, nil
}
