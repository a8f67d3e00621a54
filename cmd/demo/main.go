// Command demo wires the event-sourcing core together with the
// billing example domain and drives a handful of invoices through it,
// exercising commit, identity-map reload, and live projection end to
// end. Grounded on the teacher's pkg.NewApp + fx.Invoke entrypoint
// shape (pkg/app.go), narrowed from a cobra CLI to a single run since
// this core has no user-facing commands of its own.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/acarpe/sequent/internal/billing"
	"github.com/acarpe/sequent/pkg/eventsourcing/config"
	"github.com/acarpe/sequent/pkg/eventsourcing/domain"
	"github.com/acarpe/sequent/pkg/eventsourcing/eventstore"
	"github.com/acarpe/sequent/pkg/eventsourcing/repository"
	"go.uber.org/fx"
	"golang.org/x/sync/errgroup"
)

func main() {
	app := fx.New(
		config.Module,
		fx.Invoke(run),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		log.Fatalf("demo: start: %v", err)
	}
	defer app.Stop(ctx)
}

// run opens several invoices concurrently, one goroutine per
// customer, then reloads them and queries the projector to show the
// identity map and projector paths. Each goroutine owns its own repository, so
// concurrent writes only ever race across distinct aggregates, which
// the event store's per-aggregate unique index already serializes.
func run(store eventstore.EventStore, cfg *config.Configuration) error {
	billing.RegisterEvents(cfg.Registry)
	projector := billing.NewInvoiceProjector()
	projector.Register(store)

	ctx := context.Background()
	customers := []string{"cust-1", "cust-2", "cust-3"}

	g, gCtx := errgroup.WithContext(ctx)
	for i, customer := range customers {
		customer := customer
		invoiceID := fmt.Sprintf("inv-%d", i+1)
		g.Go(func() error {
			return openAndFinalize(gCtx, store, invoiceID, customer)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("demo: opening invoices: %w", err)
	}

	for i := range customers {
		invoiceID := fmt.Sprintf("inv-%d", i+1)
		repo := repository.New(store)
		loaded, err := repo.LoadAggregate(ctx, invoiceID, billing.InvoiceFactory)
		if err != nil {
			return fmt.Errorf("demo: reload %s: %w", invoiceID, err)
		}
		inv := loaded.(*billing.Invoice)
		fmt.Printf("invoice %s: recipient=%s status=%s total_cents=%d\n",
			invoiceID, inv.RecipientID(), inv.Status(), inv.TotalCents())
	}

	records := projector.Session.FindRecords(billing.InvoiceRecordClass, map[string]interface{}{"status": billing.StatusFinalized})
	fmt.Printf("projector has %d finalized invoice records\n", len(records))

	return nil
}

func openAndFinalize(ctx context.Context, store eventstore.EventStore, invoiceID, customer string) error {
	inv, err := billing.NewInvoice(invoiceID, customer, domain.NewDate(2026, time.July, 31), domain.NewSymbol("USD"))
	if err != nil {
		return err
	}
	if err := inv.AddLineItem("consulting", 15000, 3); err != nil {
		return err
	}
	if err := inv.Finalize(); err != nil {
		return err
	}

	repo := repository.New(store)
	if err := repo.AddAggregate(inv); err != nil {
		return err
	}
	_, err = repo.Commit(ctx, eventstore.Command{
		Type:    "OpenAndFinalizeInvoice",
		Payload: map[string]string{"invoice_id": invoiceID, "customer_id": customer},
	})
	return err
}
