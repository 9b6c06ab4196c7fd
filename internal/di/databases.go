package di

import (
	"fmt"

	"github.com/aristath/riskdesk/internal/config"
	"github.com/aristath/riskdesk/internal/database"
	"github.com/rs/zerolog"
)

// InitializeDatabases opens and migrates the four databases
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{Config: cfg}

	specs := []struct {
		name    string
		profile database.DatabaseProfile
		target  **database.DB
	}{
		// Holdings and alert history cannot be recomputed
		{"portfolio", database.ProfileDurable, &container.PortfolioDB},
		{"history", database.ProfileStandard, &container.HistoryDB},
		// Risk results and provider responses can always be rebuilt
		{"cache", database.ProfileCache, &container.CacheDB},
		{"client_data", database.ProfileCache, &container.ClientDataDB},
	}

	for _, spec := range specs {
		db, err := database.New(database.Config{
			Path:    cfg.DatabasePath(spec.name),
			Profile: spec.profile,
			Name:    spec.name,
			Driver:  cfg.DBDriver,
		})
		if err != nil {
			container.Close()
			return nil, fmt.Errorf("failed to initialize %s database: %w", spec.name, err)
		}
		*spec.target = db

		if err := db.Migrate(); err != nil {
			container.Close()
			return nil, fmt.Errorf("failed to migrate %s database: %w", spec.name, err)
		}
		log.Debug().Str("database", spec.name).Str("profile", string(spec.profile)).Msg("Database ready")
	}

	log.Info().Int("databases", len(specs)).Msg("Databases initialized")
	return container, nil
}
