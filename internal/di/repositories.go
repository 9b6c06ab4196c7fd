package di

import (
	"github.com/aristath/riskdesk/internal/clientdata"
	"github.com/aristath/riskdesk/internal/modules/alerts"
	"github.com/aristath/riskdesk/internal/modules/portfolio"
	"github.com/aristath/riskdesk/internal/modules/prices"
	"github.com/aristath/riskdesk/internal/work"
	"github.com/rs/zerolog"
)

// InitializeRepositories creates the data access layer over the open databases
func InitializeRepositories(container *Container, log zerolog.Logger) {
	clock := container.Clock

	container.ClientData = clientdata.NewRepository(container.ClientDataDB.Conn(), clock)
	container.History = prices.NewHistoryRepository(container.HistoryDB.Conn(), clock, log)
	container.Positions = portfolio.NewPositionRepository(container.PortfolioDB.Conn(), clock, log)
	container.AlertRules = alerts.NewRepository(container.PortfolioDB.Conn(), clock, log)
	container.Runs = work.NewRunStore(container.CacheDB.Conn(), clock)

	log.Debug().Msg("Repositories initialized")
}
