package portfolio

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/riskdesk/internal/database"
	"github.com/aristath/riskdesk/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned for an unknown portfolio id
var ErrNotFound = errors.New("portfolio not found")

// ErrInvalidPosition wraps rejected position input
var ErrInvalidPosition = errors.New("invalid position")

// Portfolio is a named set of positions
type Portfolio struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	BaseCurrency string    `json:"base_currency"`
	CreatedAt    time.Time `json:"created_at"`
}

// Position is a holding in one ticker. Quantities are exact decimals.
type Position struct {
	PortfolioID string          `json:"portfolio_id"`
	Ticker      string          `json:"ticker"`
	Quantity    decimal.Decimal `json:"quantity"`
	CostBasis   decimal.Decimal `json:"cost_basis"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// PositionRepository handles portfolio and position persistence in portfolio.db
type PositionRepository struct {
	db    *sql.DB
	clock domain.Clock
	log   zerolog.Logger
}

// NewPositionRepository creates a new position repository
func NewPositionRepository(db *sql.DB, clock domain.Clock, log zerolog.Logger) *PositionRepository {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &PositionRepository{
		db:    db,
		clock: clock,
		log:   log.With().Str("repo", "position").Logger(),
	}
}

// CreatePortfolio inserts a portfolio, or renames it when the id already exists
func (r *PositionRepository) CreatePortfolio(ctx context.Context, p Portfolio) (*Portfolio, error) {
	if p.ID == "" {
		return nil, fmt.Errorf("portfolio id is required")
	}
	if p.BaseCurrency == "" {
		p.BaseCurrency = "USD"
	}

	now := r.clock.Now().Unix()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO portfolios (id, name, base_currency, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, base_currency = excluded.base_currency
	`, p.ID, p.Name, p.BaseCurrency, now)
	if err != nil {
		return nil, fmt.Errorf("failed to save portfolio %s: %w", p.ID, err)
	}
	return r.GetPortfolio(ctx, p.ID)
}

// GetPortfolio returns the portfolio or ErrNotFound
func (r *PositionRepository) GetPortfolio(ctx context.Context, id string) (*Portfolio, error) {
	var p Portfolio
	var created int64
	err := r.db.QueryRowContext(ctx,
		"SELECT id, name, base_currency, created_at FROM portfolios WHERE id = ?", id,
	).Scan(&p.ID, &p.Name, &p.BaseCurrency, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get portfolio %s: %w", id, err)
	}
	p.CreatedAt = time.Unix(created, 0).UTC()
	return &p, nil
}

// ListPortfolioIDs returns every portfolio id, sorted
func (r *PositionRepository) ListPortfolioIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id FROM portfolios ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list portfolios: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan portfolio id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetPositions returns the positions of a portfolio ordered by ticker
func (r *PositionRepository) GetPositions(ctx context.Context, portfolioID string) ([]Position, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT portfolio_id, ticker, quantity, cost_basis, updated_at
		FROM positions
		WHERE portfolio_id = ?
		ORDER BY ticker
	`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}
	return positions, nil
}

// PortfoliosHolding returns ids of portfolios with a position in ticker
func (r *PositionRepository) PortfoliosHolding(ctx context.Context, ticker string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT DISTINCT portfolio_id FROM positions WHERE ticker = ? ORDER BY portfolio_id",
		domain.NormalizeTicker(ticker))
	if err != nil {
		return nil, fmt.Errorf("failed to query holders of %s: %w", ticker, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReplacePositions swaps the full position set of a portfolio in one transaction.
// Zero quantities are dropped.
func (r *PositionRepository) ReplacePositions(ctx context.Context, portfolioID string, positions []Position) error {
	now := r.clock.Now().Unix()

	err := database.WithTransaction(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM positions WHERE portfolio_id = ?", portfolioID); err != nil {
			return fmt.Errorf("failed to clear positions: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO positions (portfolio_id, ticker, quantity, cost_basis, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(portfolio_id, ticker) DO UPDATE SET
				quantity = excluded.quantity,
				cost_basis = excluded.cost_basis,
				updated_at = excluded.updated_at
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, pos := range positions {
			if pos.Quantity.IsZero() {
				continue
			}
			ticker := domain.NormalizeTicker(pos.Ticker)
			if _, err := stmt.ExecContext(ctx, portfolioID, ticker, pos.Quantity.String(), pos.CostBasis.String(), now); err != nil {
				return fmt.Errorf("failed to insert position %s: %w", ticker, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.log.Info().
		Str("portfolio_id", portfolioID).
		Int("count", len(positions)).
		Msg("Replaced positions")
	return nil
}

func scanPosition(rows *sql.Rows) (Position, error) {
	var pos Position
	var quantity, costBasis string
	var updated int64
	if err := rows.Scan(&pos.PortfolioID, &pos.Ticker, &quantity, &costBasis, &updated); err != nil {
		return pos, fmt.Errorf("failed to scan position: %w", err)
	}

	var err error
	if pos.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return pos, fmt.Errorf("invalid quantity %q for %s: %w", quantity, pos.Ticker, err)
	}
	if pos.CostBasis, err = decimal.NewFromString(costBasis); err != nil {
		return pos, fmt.Errorf("invalid cost basis %q for %s: %w", costBasis, pos.Ticker, err)
	}
	pos.UpdatedAt = time.Unix(updated, 0).UTC()
	return pos, nil
}
