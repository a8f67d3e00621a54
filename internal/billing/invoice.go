package billing

import (
	"errors"
	"fmt"

	"github.com/acarpe/sequent/pkg/eventsourcing/domain"
	"github.com/acarpe/sequent/pkg/eventsourcing/repository"
)

// Invoice statuses. Stored as domain.Symbol on the aggregate and
// projected onto InvoiceRecord as plain strings.
const (
	StatusDraft     = "draft"
	StatusFinalized = "finalized"
	StatusPaid      = "paid"
	StatusVoided    = "voided"
)

var (
	ErrInvoiceNotDraft       = errors.New("billing: invoice is not a draft")
	ErrInvoiceNotFinalized   = errors.New("billing: invoice is not finalized")
	ErrInvoiceAlreadySettled = errors.New("billing: invoice is already paid or voided")
	ErrNoLineItems           = errors.New("billing: invoice has no line items")
)

type lineItem struct {
	description string
	amountCents int
	quantity    int
}

// Invoice is the aggregate root for one customer invoice. It embeds
// domain.Entity for identity/sequencing/uncommitted-event bookkeeping
// and supplies its own variant-dispatch apply method, the pattern
// domain.Entity's doc comment and repository.Rehydratable describe.
type Invoice struct {
	domain.Entity

	recipientID string
	issuedOn    domain.Date
	currency    domain.Symbol
	status      domain.Symbol
	lineItems   []lineItem
	totalCents  int
}

// NewInvoice opens a draft invoice and returns it with one
// InvoiceCreated event already recorded as uncommitted.
func NewInvoice(id, recipientID string, issuedOn domain.Date, currency domain.Symbol) (*Invoice, error) {
	if recipientID == "" {
		return nil, fmt.Errorf("billing: recipient id is required")
	}
	inv := &Invoice{Entity: domain.NewEntity(id)}
	if err := inv.Entity.Apply(&InvoiceCreated{
		RecipientID: recipientID,
		IssuedOn:    issuedOn,
		Currency:    currency,
	}, inv.apply); err != nil {
		return nil, err
	}
	return inv, nil
}

// NewEmptyInvoice is a zero-value Invoice with no business-constructor
// side effects, ready for LoadFromHistory to populate. It must never
// be used directly to represent a new invoice, use NewInvoice for
// that.
func NewEmptyInvoice() *Invoice { return &Invoice{} }

// InvoiceFactory is the repository.Factory for Invoice: pass it to
// AggregateRepository.LoadAggregate/EnsureExists.
func InvoiceFactory() repository.Rehydratable { return NewEmptyInvoice() }

// AddLineItem appends a billable line to a draft invoice.
func (i *Invoice) AddLineItem(description string, amountCents, quantity int) error {
	if i.status.String() != StatusDraft {
		return ErrInvoiceNotDraft
	}
	if quantity <= 0 {
		return fmt.Errorf("billing: line item quantity must be positive, got %d", quantity)
	}
	return i.Entity.Apply(&InvoiceLineItemAdded{
		Description: description,
		AmountCents: amountCents,
		Quantity:    quantity,
	}, i.apply)
}

// Finalize fixes the invoice's total and closes it to further line
// items. Requires at least one line item.
func (i *Invoice) Finalize() error {
	if i.status.String() != StatusDraft {
		return ErrInvoiceNotDraft
	}
	if len(i.lineItems) == 0 {
		return ErrNoLineItems
	}
	total := 0
	for _, li := range i.lineItems {
		total += li.amountCents * li.quantity
	}
	return i.Entity.Apply(&InvoiceFinalized{TotalCents: total}, i.apply)
}

// RecordPayment settles a finalized invoice.
func (i *Invoice) RecordPayment(paidOn domain.DateTime, reference string) error {
	if i.status.String() != StatusFinalized {
		return ErrInvoiceNotFinalized
	}
	return i.Entity.Apply(&InvoicePaid{PaidOn: paidOn, Reference: reference}, i.apply)
}

// Void cancels a draft or finalized invoice. A paid or already-voided
// invoice cannot be voided.
func (i *Invoice) Void(reason string) error {
	switch i.status.String() {
	case StatusPaid, StatusVoided:
		return ErrInvoiceAlreadySettled
	}
	return i.Entity.Apply(&InvoiceVoided{Reason: reason}, i.apply)
}

// RecipientID, Status and TotalCents expose read-only state for
// callers that hold an Invoice without going through the projector.
func (i *Invoice) RecipientID() string { return i.recipientID }
func (i *Invoice) Status() string      { return i.status.String() }
func (i *Invoice) TotalCents() int     { return i.totalCents }

// LoadFromHistory rehydrates the aggregate by folding env through
// apply, satisfying repository.Rehydratable.
func (i *Invoice) LoadFromHistory(events []domain.Envelope) error {
	return i.Entity.LoadFromHistory("Invoice", events, i.apply)
}

func (i *Invoice) apply(env domain.Envelope) error {
	switch p := env.Payload.(type) {
	case *InvoiceCreated:
		i.recipientID = p.RecipientID
		i.issuedOn = p.IssuedOn
		i.currency = p.Currency
		i.status = domain.NewSymbol(StatusDraft)
	case *InvoiceLineItemAdded:
		i.lineItems = append(i.lineItems, lineItem{
			description: p.Description,
			amountCents: p.AmountCents,
			quantity:    p.Quantity,
		})
	case *InvoiceFinalized:
		i.totalCents = p.TotalCents
		i.status = domain.NewSymbol(StatusFinalized)
	case *InvoicePaid:
		i.status = domain.NewSymbol(StatusPaid)
	case *InvoiceVoided:
		i.status = domain.NewSymbol(StatusVoided)
	default:
		return &domain.MissingHandlerError{AggregateType: "Invoice", EventType: env.EventType}
	}
	return nil
}
