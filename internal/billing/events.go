// Package billing is a worked example of an aggregate, its events, and
// its read-model projector built on pkg/eventsourcing: an invoicing
// domain exercising the full commit/load/replay path. Grounded on the
// teacher's examples/order_aggregate_example.go (a runnable worked
// domain sitting alongside the library rather than inside it).
package billing

import (
	"github.com/acarpe/sequent/pkg/eventsourcing/domain"
	"github.com/acarpe/sequent/pkg/eventsourcing/serializer"
)

const (
	EventTypeInvoiceCreated       = "invoice.created"
	EventTypeInvoiceLineItemAdded = "invoice.line_item_added"
	EventTypeInvoiceFinalized     = "invoice.finalized"
	EventTypeInvoicePaid          = "invoice.paid"
	EventTypeInvoiceVoided        = "invoice.voided"
)

// InvoiceCreated opens a new draft invoice for a recipient.
type InvoiceCreated struct {
	RecipientID string      `es:"recipient_id,string"`
	IssuedOn    domain.Date `es:"issued_on,date"`
	Currency    domain.Symbol `es:"currency,symbol"`
}

func (InvoiceCreated) EventType() string { return EventTypeInvoiceCreated }

// InvoiceLineItemAdded records one billable line on a draft invoice.
type InvoiceLineItemAdded struct {
	Description string `es:"description,string"`
	AmountCents int    `es:"amount_cents,integer"`
	Quantity    int    `es:"quantity,integer"`
}

func (InvoiceLineItemAdded) EventType() string { return EventTypeInvoiceLineItemAdded }

// InvoiceFinalized closes the invoice to further line items and fixes
// its total.
type InvoiceFinalized struct {
	TotalCents int `es:"total_cents,integer"`
}

func (InvoiceFinalized) EventType() string { return EventTypeInvoiceFinalized }

// InvoicePaid records settlement of a finalized invoice.
type InvoicePaid struct {
	PaidOn    domain.DateTime `es:"paid_on,datetime"`
	Reference string          `es:"reference,string"`
}

func (InvoicePaid) EventType() string { return EventTypeInvoicePaid }

// InvoiceVoided cancels an invoice that was never paid.
type InvoiceVoided struct {
	Reason string `es:"reason,string"`
}

func (InvoiceVoided) EventType() string { return EventTypeInvoiceVoided }

// RegisterEvents registers every billing event constructor on reg, so
// the event store can deserialize them back off the wire by
// event_type alone. Call once per registry, typically right after
// serializer.NewRegistry() during process wiring.
func RegisterEvents(reg *serializer.Registry) {
	reg.Register(EventTypeInvoiceCreated, func() domain.Event { return &InvoiceCreated{} })
	reg.Register(EventTypeInvoiceLineItemAdded, func() domain.Event { return &InvoiceLineItemAdded{} })
	reg.Register(EventTypeInvoiceFinalized, func() domain.Event { return &InvoiceFinalized{} })
	reg.Register(EventTypeInvoicePaid, func() domain.Event { return &InvoicePaid{} })
	reg.Register(EventTypeInvoiceVoided, func() domain.Event { return &InvoiceVoided{} })
}
