package config

import (
	"sync/atomic"

	"github.com/acarpe/sequent/pkg/eventsourcing/domain"
	"github.com/acarpe/sequent/pkg/eventsourcing/eventstore"
	"github.com/acarpe/sequent/pkg/eventsourcing/repository"
	"github.com/acarpe/sequent/pkg/eventsourcing/serializer"
)

// Configuration is the process-wide singleton described in spec
// component G: the event store, the repository factory, the
// serializer registry, and the default logger, published atomically
// so concurrent readers never observe a half-updated instance (spec
// §5). Grounded on the teacher's fx.Provide wiring
// (pkg/infrastructure/fx.go), which assembles the same set of
// collaborators through dependency injection; here the equivalent
// wiring publishes through an atomic.Pointer instead of relying on fx
// to rebuild the whole container on change.
type Configuration struct {
	EventStore eventstore.EventStore
	Registry   *serializer.Registry
	Logger     domain.Logger
}

// NewRepository returns a fresh per-command identity map bound to this
// configuration's event store, call once per incoming command.
func (c *Configuration) NewRepository() *repository.AggregateRepository {
	return repository.New(c.EventStore)
}

var current atomic.Pointer[Configuration]

// Configure atomically publishes cfg as the process-wide
// configuration. Safe to call at any time, including while other
// goroutines are mid-command: a reader calling Current sees either
// fully the old or fully the new configuration, never a mix.
func Configure(cfg *Configuration) {
	current.Store(cfg)
}

// Current returns the active Configuration, or nil if Configure has
// never been called. Business code should call this once per command
// and thread the result through rather than re-reading it mid-command.
func Current() *Configuration {
	return current.Load()
}
