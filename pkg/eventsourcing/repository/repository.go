// Package repository implements the per-command identity map: the
// unit of work that loads, tracks, and commits aggregates within a
// single logical request. Grounded on the teacher's
// eventsourcing/application.SimpleUnitOfWork (id→entity tracking map,
// mutex-guarded, collect-then-persist-then-clear commit shape),
// adapted to an id→aggregate identity map that also answers
// load_aggregate with type checking, per spec component C.
package repository

import (
	"context"
	"reflect"
	"sync"

	"github.com/acarpe/sequent/pkg/eventsourcing/domain"
	"github.com/acarpe/sequent/pkg/eventsourcing/eventstore"
)

// Rehydratable is an aggregate that can rebuild itself from a raw
// event history. Concrete aggregates implement it by delegating to
// domain.Entity.LoadFromHistory with their own variant-dispatch apply
// function; see internal/billing.Invoice.LoadFromHistory.
type Rehydratable interface {
	domain.AggregateRoot
	LoadFromHistory(events []domain.Envelope) error
}

// Factory allocates a fresh, empty instance of one aggregate type ,
// the "allocate without constructor" rehydration path (spec §9):
// Factory must never run business-constructor side effects (it must
// not emit a creation event), only LoadFromHistory may populate state.
type Factory func() Rehydratable

// AggregateRepository is the identity map bound to one command scope.
// Create a new instance per command; do not share one across
// concurrent commands.
type AggregateRepository struct {
	store eventstore.EventStore

	mu    sync.Mutex
	byID  map[string]domain.AggregateRoot
	order []string
}

// New returns an empty repository backed by store.
func New(store eventstore.EventStore) *AggregateRepository {
	return &AggregateRepository{
		store: store,
		byID:  make(map[string]domain.AggregateRoot),
	}
}

// AddAggregate inserts a into the identity map. Adding a second,
// distinct object under an id already present is a NonUniqueAggregateId
// error; re-adding the same object is a no-op.
func (r *AggregateRepository) AddAggregate(a domain.AggregateRoot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := a.ID()
	if existing, ok := r.byID[id]; ok {
		if !sameObject(existing, a) {
			return &domain.NonUniqueAggregateIdError{AggregateID: id}
		}
		return nil
	}
	r.byID[id] = a
	r.order = append(r.order, id)
	return nil
}

// LoadAggregate returns the aggregate tracked under id, loading it
// from the event store on first access within this command. A second
// call with the same id returns the exact same in-memory object
// (spec Testable Property 4). factory must build the same concrete
// type on every call within one repository's lifetime, it determines
// both what gets constructed on a cold load and what a cached entry is
// checked against.
func (r *AggregateRepository) LoadAggregate(ctx context.Context, id string, factory Factory) (domain.AggregateRoot, error) {
	r.mu.Lock()
	existing, ok := r.byID[id]
	r.mu.Unlock()

	if ok {
		want := reflect.TypeOf(factory())
		if reflect.TypeOf(existing) != want {
			return nil, &domain.TypeMismatchError{
				AggregateID: id,
				Expected:    want.String(),
				Actual:      reflect.TypeOf(existing).String(),
			}
		}
		return existing, nil
	}

	events, err := r.store.LoadEvents(ctx, id)
	if err != nil {
		return nil, err
	}

	agg := factory()
	if err := agg.LoadFromHistory(events); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byID[id]; ok {
		// Another goroutine/call populated it first within this scope; keep the winner.
		return existing, nil
	}
	r.byID[id] = agg
	r.order = append(r.order, id)
	return agg, nil
}

// EnsureExists reports whether id can be loaded as the type factory
// builds, without otherwise using the result.
func (r *AggregateRepository) EnsureExists(ctx context.Context, id string, factory Factory) error {
	_, err := r.LoadAggregate(ctx, id, factory)
	return err
}

// Commit gathers uncommitted_events from every tracked aggregate in
// insertion order, submits them to the event store as one command,
// clears each aggregate's uncommitted events, and drains the identity
// map. The clear and drain happen on success and on a *domain.HandlerError
// (the events are already persisted); on any other error the identity
// map and the aggregates' uncommitted events are left as they were.
// After a drain the repository holds nothing, a caller that needs to
// keep working within the same command must re-add or re-load aggregates.
func (r *AggregateRepository) Commit(ctx context.Context, cmd eventstore.Command) ([]domain.Envelope, error) {
	r.mu.Lock()
	order := append([]string(nil), r.order...)
	aggregates := make([]domain.AggregateRoot, 0, len(order))
	var events []domain.Envelope
	for _, id := range order {
		a := r.byID[id]
		aggregates = append(aggregates, a)
		events = append(events, a.UncommittedEvents()...)
	}
	r.mu.Unlock()

	if len(events) == 0 {
		r.drain()
		return nil, nil
	}

	committed, err := r.store.CommitEvents(ctx, cmd, events)
	if err != nil {
		if _, persisted := err.(*domain.HandlerError); persisted {
			// The write log already holds these events; only the
			// post-commit fan-out failed. Clear/drain so the tracked
			// aggregates don't re-report events the log already has.
			for _, a := range aggregates {
				a.ClearEvents()
			}
			r.drain()
		}
		return nil, err
	}

	for _, a := range aggregates {
		a.ClearEvents()
	}
	r.drain()
	return committed, nil
}

func (r *AggregateRepository) drain() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = make(map[string]domain.AggregateRoot)
	r.order = nil
}

// sameObject compares aggregates by identity (pointer equality for the
// common pointer-backed case), not by value, two distinct objects
// that happen to hold equal state are still a NonUniqueAggregateId.
func sameObject(a, b domain.AggregateRoot) bool {
	av, bv := reflect.ValueOf(a), reflect.ValueOf(b)
	if av.Kind() == reflect.Ptr && bv.Kind() == reflect.Ptr {
		return av.Pointer() == bv.Pointer()
	}
	return a == b
}
