package di

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/config"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/database"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/modules/alerts"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/modules/catalyst"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/modules/delivery"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/modules/market"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/modules/subscriptions"
)

// InitializeDatabases opens both databases and applies their schemas
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{log: log}

	// 1. tickerpulse.db - everything the alerting flow must not lose
	coreDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "tickerpulse.db"),
		Profile: database.ProfileStandard,
		Name:    database.NameCore,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize core database: %w", err)
	}
	container.CoreDB = coreDB

	// 2. cache.db - persistent cache tier, safe to delete
	cacheDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "cache.db"),
		Profile: database.ProfileCache,
		Name:    database.NameCache,
	})
	if err != nil {
		coreDB.Close()
		return nil, fmt.Errorf("failed to initialize cache database: %w", err)
	}
	container.CacheDB = cacheDB

	for _, db := range []*database.DB{coreDB, cacheDB} {
		if err := db.Migrate(); err != nil {
			coreDB.Close()
			cacheDB.Close()
			return nil, fmt.Errorf("failed to migrate %s database: %w", db.Name(), err)
		}
	}

	log.Info().Str("data_dir", cfg.DataDir).Msg("Databases initialized")
	return container, nil
}

// InitializeRepositories creates the repositories over the core database
func InitializeRepositories(container *Container, log zerolog.Logger) error {
	if container == nil || container.CoreDB == nil {
		return fmt.Errorf("core database not initialized")
	}
	conn := container.CoreDB.Conn()

	container.MarketRepo = market.NewRepository(conn, log)
	container.CatalystRepo = catalyst.NewRepository(conn)
	container.AlertRepo = alerts.NewRepository(conn, log)
	container.SubscriptionRepo = subscriptions.NewRepository(conn, log)
	container.DeliveryRepo = delivery.NewRepository(conn, log)

	log.Debug().Msg("Repositories initialized")
	return nil
}
