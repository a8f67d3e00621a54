package billing

import (
	"context"

	"github.com/acarpe/sequent/pkg/eventsourcing/domain"
	"github.com/acarpe/sequent/pkg/eventsourcing/eventstore"
	"github.com/acarpe/sequent/pkg/eventsourcing/replay"
)

// InvoiceRecordClass names the record class InvoiceProjector writes
// to, and the table ReplaySession.Commit flushes it to.
const InvoiceRecordClass = "InvoiceRecord"

// InvoiceRecordIndexes declares the composite index InvoiceProjector
// relies on for by-recipient lookups.
var InvoiceRecordIndexes = replay.IndexSpec{
	InvoiceRecordClass: [][]string{{"recipient_id"}},
}

// InvoiceProjector maintains InvoiceRecord rows in a ReplaySession by
// handling every invoice.* event. Register it on an EventStore for
// live projection, or drive it from ReplayEvents to rebuild from
// scratch.
type InvoiceProjector struct {
	Session *replay.ReplaySession
}

// NewInvoiceProjector returns a projector backed by a fresh session
// configured with InvoiceRecordIndexes.
func NewInvoiceProjector() *InvoiceProjector {
	return &InvoiceProjector{Session: replay.New(InvoiceRecordIndexes)}
}

// Register subscribes the projector to every event type it handles.
func (p *InvoiceProjector) Register(store eventstore.EventStore) {
	store.RegisterHandler(EventTypeInvoiceCreated, domain.HandlerFunc(p.HandleMessage))
	store.RegisterHandler(EventTypeInvoiceLineItemAdded, domain.HandlerFunc(p.HandleMessage))
	store.RegisterHandler(EventTypeInvoiceFinalized, domain.HandlerFunc(p.HandleMessage))
	store.RegisterHandler(EventTypeInvoicePaid, domain.HandlerFunc(p.HandleMessage))
	store.RegisterHandler(EventTypeInvoiceVoided, domain.HandlerFunc(p.HandleMessage))
}

// HandleMessage implements domain.Handler.
func (p *InvoiceProjector) HandleMessage(env domain.Envelope) error {
	switch payload := env.Payload.(type) {
	case *InvoiceCreated:
		p.Session.CreateRecord(InvoiceRecordClass, map[string]interface{}{
			"aggregate_id":    env.AggregateID,
			"recipient_id":    payload.RecipientID,
			"issued_on":       payload.IssuedOn.String(),
			"currency":        payload.Currency.String(),
			"status":          StatusDraft,
			"total_cents":     0,
			"sequence_number": env.SequenceNumber,
			"created_at":      env.CreatedAt,
		}, nil)
	case *InvoiceLineItemAdded:
		// Line items live on the aggregate, not the read model; the
		// record only ever shows the finalized total.
		return p.Session.UpdateRecord(InvoiceRecordClass, env,
			map[string]interface{}{"aggregate_id": env.AggregateID},
			replay.UpdateOptions{}, nil)
	case *InvoiceFinalized:
		return p.Session.UpdateRecord(InvoiceRecordClass, env,
			map[string]interface{}{"aggregate_id": env.AggregateID},
			replay.UpdateOptions{}, func(rec *replay.Record) {
				rec.Set("status", StatusFinalized)
				rec.Set("total_cents", payload.TotalCents)
			})
	case *InvoicePaid:
		return p.Session.UpdateRecord(InvoiceRecordClass, env,
			map[string]interface{}{"aggregate_id": env.AggregateID},
			replay.UpdateOptions{}, func(rec *replay.Record) {
				rec.Set("status", StatusPaid)
				rec.Set("payment_reference", payload.Reference)
			})
	case *InvoiceVoided:
		return p.Session.UpdateRecord(InvoiceRecordClass, env,
			map[string]interface{}{"aggregate_id": env.AggregateID},
			replay.UpdateOptions{}, func(rec *replay.Record) {
				rec.Set("status", StatusVoided)
			})
	}
	return nil
}

// sliceSupplier adapts a slice of already-loaded rows to
// eventstore.ReplaySupplier, letting callers rebuild InvoiceProjector
// from a query result without round-tripping through the live log.
type sliceSupplier struct {
	ordering eventstore.Ordering
	rows     []eventstore.RawEventRow
}

func (s sliceSupplier) Ordering() eventstore.Ordering { return s.ordering }

func (s sliceSupplier) Rows(ctx context.Context) (<-chan eventstore.RawEventRow, <-chan error) {
	out := make(chan eventstore.RawEventRow, len(s.rows))
	errs := make(chan error, 1)
	for _, row := range s.rows {
		out <- row
	}
	close(out)
	close(errs)
	return out, errs
}

// NewReplaySupplier wraps rows, ordered per-aggregate, as an
// eventstore.ReplaySupplier.
func NewReplaySupplier(rows []eventstore.RawEventRow) eventstore.ReplaySupplier {
	return sliceSupplier{ordering: eventstore.PerAggregateOrder, rows: rows}
}
