package portfolio

import (
	"context"
	"fmt"

	"github.com/aristath/riskdesk/internal/domain"
	"github.com/aristath/riskdesk/internal/modules/metrics"
	"github.com/aristath/riskdesk/internal/modules/riskcache"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// PositionRepositoryInterface is the persistence contract the service depends on
type PositionRepositoryInterface interface {
	CreatePortfolio(ctx context.Context, p Portfolio) (*Portfolio, error)
	GetPortfolio(ctx context.Context, id string) (*Portfolio, error)
	ListPortfolioIDs(ctx context.Context) ([]string, error)
	GetPositions(ctx context.Context, portfolioID string) ([]Position, error)
	PortfoliosHolding(ctx context.Context, ticker string) ([]string, error)
	ReplacePositions(ctx context.Context, portfolioID string, positions []Position) error
}

// Invalidator marks cached results for a subject stale
type Invalidator interface {
	Invalidate(ctx context.Context, subjectType, subjectID string) (int64, error)
}

// PortfolioService exposes the holdings the risk computations value.
//
// Changing positions invalidates the portfolio's cached risk so the next scan recomputes it.
type PortfolioService struct {
	positionRepo PositionRepositoryInterface
	invalidator  Invalidator
	log          zerolog.Logger
}

// NewPortfolioService creates a new portfolio service. invalidator may be nil.
func NewPortfolioService(positionRepo PositionRepositoryInterface, invalidator Invalidator, log zerolog.Logger) *PortfolioService {
	return &PortfolioService{
		positionRepo: positionRepo,
		invalidator:  invalidator,
		log:          log.With().Str("service", "portfolio").Logger(),
	}
}

// Get returns a portfolio with its positions
func (s *PortfolioService) Get(ctx context.Context, id string) (*Portfolio, []Position, error) {
	p, err := s.positionRepo.GetPortfolio(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	positions, err := s.positionRepo.GetPositions(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return p, positions, nil
}

// Exists reports whether the portfolio is known
func (s *PortfolioService) Exists(ctx context.Context, id string) error {
	_, err := s.positionRepo.GetPortfolio(ctx, id)
	return err
}

// IDs lists all portfolio ids
func (s *PortfolioService) IDs(ctx context.Context) ([]string, error) {
	return s.positionRepo.ListPortfolioIDs(ctx)
}

// Holdings returns the positions of a portfolio in valuation form
func (s *PortfolioService) Holdings(ctx context.Context, id string) ([]metrics.Holding, error) {
	if _, err := s.positionRepo.GetPortfolio(ctx, id); err != nil {
		return nil, err
	}
	positions, err := s.positionRepo.GetPositions(ctx, id)
	if err != nil {
		return nil, err
	}

	holdings := make([]metrics.Holding, 0, len(positions))
	for _, p := range positions {
		holdings = append(holdings, metrics.Holding{Ticker: p.Ticker, Quantity: p.Quantity})
	}
	return holdings, nil
}

// Save creates or updates a portfolio and replaces its positions
func (s *PortfolioService) Save(ctx context.Context, p Portfolio, positions []Position) (*Portfolio, error) {
	seen := make(map[string]bool, len(positions))
	for i := range positions {
		ticker := domain.NormalizeTicker(positions[i].Ticker)
		if ticker == "" {
			return nil, fmt.Errorf("%w: position %d: ticker is required", ErrInvalidPosition, i)
		}
		if positions[i].Quantity.LessThan(decimal.Zero) {
			return nil, fmt.Errorf("%w: %s: quantity must not be negative", ErrInvalidPosition, ticker)
		}
		if seen[ticker] {
			return nil, fmt.Errorf("%w: %s: duplicate ticker", ErrInvalidPosition, ticker)
		}
		seen[ticker] = true
		positions[i].Ticker = ticker
	}

	saved, err := s.positionRepo.CreatePortfolio(ctx, p)
	if err != nil {
		return nil, err
	}
	if err := s.positionRepo.ReplacePositions(ctx, saved.ID, positions); err != nil {
		return nil, err
	}

	s.invalidate(ctx, saved.ID)
	return saved, nil
}

// InvalidateHolders marks cached risk stale for every portfolio holding ticker
func (s *PortfolioService) InvalidateHolders(ctx context.Context, ticker string) error {
	ids, err := s.positionRepo.PortfoliosHolding(ctx, ticker)
	if err != nil {
		return err
	}
	for _, id := range ids {
		s.invalidate(ctx, id)
	}
	return nil
}

func (s *PortfolioService) invalidate(ctx context.Context, id string) {
	if s.invalidator == nil {
		return
	}
	if _, err := s.invalidator.Invalidate(ctx, riskcache.SubjectPortfolio, id); err != nil {
		s.log.Warn().Err(err).Str("portfolio_id", id).Msg("Failed to invalidate cached portfolio risk")
	}
}
