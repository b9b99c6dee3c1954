// Package webhook fans ticket lifecycle events out to subscribed HTTP
// endpoints.
package webhook

import "time"

// Event types dispatched to subscribers.
const (
	EventTicketCreated = "ticket.created"
	EventCustomerReply = "ticket.customer_reply"
)

// Payload is the JSON body delivered to every subscriber.
type Payload struct {
	ID        string    `json:"id"`
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Headers set on every delivery.
const (
	HeaderEvent     = "X-Hivedesk-Event"
	HeaderDelivery  = "X-Hivedesk-Delivery"
	HeaderSignature = "X-Hivedesk-Signature"
)
