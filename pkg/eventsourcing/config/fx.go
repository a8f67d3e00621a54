package config

import (
	"context"

	"github.com/acarpe/sequent/pkg/eventsourcing/domain"
	"github.com/acarpe/sequent/pkg/eventsourcing/eventstore"
	"github.com/acarpe/sequent/pkg/eventsourcing/serializer"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// Module provides every collaborator Configuration needs and installs
// the lifecycle hooks that open and close the database connection.
// Grounded on the teacher's InfrastructureModule (pkg/infrastructure/fx.go):
// same fx.Provide/fx.Invoke shape, narrowed to this core's collaborators.
var Module = fx.Options(
	fx.Provide(
		LoadSettings,
		databaseProvider,
		loggerProvider,
		registryProvider,
		eventStoreProvider,
		configurationProvider,
	),
	fx.Invoke(
		registerDatabaseLifecycle,
		publishConfiguration,
	),
)

func databaseProvider(settings *Settings) (*gorm.DB, error) {
	return NewDatabase(settings.Database)
}

func loggerProvider(settings *Settings) domain.Logger {
	return NewLogger(settings.Logging)
}

// registryProvider returns an empty registry; business applications
// extend it with fx.Decorate or by calling Register directly on the
// value returned from Current().Registry before handling traffic.
func registryProvider() *serializer.Registry {
	return serializer.NewRegistry()
}

func eventStoreProvider(db *gorm.DB, registry *serializer.Registry, logger domain.Logger) (eventstore.EventStore, error) {
	return eventstore.NewGormEventStore(db, registry, logger)
}

func configurationProvider(store eventstore.EventStore, registry *serializer.Registry, logger domain.Logger) *Configuration {
	return &Configuration{EventStore: store, Registry: registry, Logger: logger}
}

// publishConfiguration performs the atomic pointer swap Configure
// describes, once fx has assembled the full graph.
func publishConfiguration(cfg *Configuration) {
	Configure(cfg)
}

func registerDatabaseLifecycle(lc fx.Lifecycle, db *gorm.DB, logger domain.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			if err := sqlDB.PingContext(ctx); err != nil {
				logger.Error("database ping failed", "error", err)
				return err
			}
			logger.Info("database connection established")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		},
	})
}
