package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"pipeline_forecast_backend/internal/pipeline/domain"
	"pipeline_forecast_backend/internal/pipeline/ports"
	"pipeline_forecast_backend/platform/apperr"
)

const (
	opportunityNotFoundMessage = "opportunity not found"
	stageChangedMessage        = "opportunity stage changed concurrently"
)

// Repository is the Postgres implementation of the pipeline ports.
type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var (
	_ ports.OpportunityStore   = (*Repository)(nil)
	_ ports.QuotaProvider      = (*Repository)(nil)
	_ ports.PredictionProvider = (*Repository)(nil)
)

const opportunityColumns = `id, name, stage, amount::text, expected_close_period, owner_id, territory_id, probability, probability_overridden, updated_at`

func (r *Repository) List(ctx context.Context, filter ports.Filter) ([]domain.Opportunity, error) {
	whereClauses := []string{"1=1"}
	args := []interface{}{}
	argIdx := 1

	if filter.OwnerID != nil {
		whereClauses = append(whereClauses, fmt.Sprintf("owner_id = $%d", argIdx))
		args = append(args, *filter.OwnerID)
		argIdx++
	}
	if filter.TerritoryID != nil {
		whereClauses = append(whereClauses, fmt.Sprintf("territory_id = $%d", argIdx))
		args = append(args, *filter.TerritoryID)
		argIdx++
	}
	if filter.Period != nil {
		whereClauses = append(whereClauses, fmt.Sprintf("expected_close_period = $%d", argIdx))
		args = append(args, string(*filter.Period))
		argIdx++
	}
	if filter.OpenOnly {
		whereClauses = append(whereClauses, fmt.Sprintf("stage NOT IN ($%d, $%d)", argIdx, argIdx+1))
		args = append(args, string(domain.StageClosedWon), string(domain.StageClosedLost))
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM opportunities
		WHERE %s
		ORDER BY id
	`, opportunityColumns, strings.Join(whereClauses, " AND "))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storeError("list opportunities", err)
	}
	defer rows.Close()

	items := make([]domain.Opportunity, 0)
	for rows.Next() {
		opp, err := scanOpportunity(rows)
		if err != nil {
			return nil, storeError("scan opportunity", err)
		}
		items = append(items, opp)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list opportunities", err)
	}
	return items, nil
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (domain.Opportunity, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+opportunityColumns+` FROM opportunities WHERE id = $1`, id)
	opp, err := scanOpportunity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Opportunity{}, apperr.NotFound(opportunityNotFoundMessage)
	}
	if err != nil {
		return domain.Opportunity{}, storeError("get opportunity", err)
	}
	return opp, nil
}

// Create inserts a new opportunity.
func (r *Repository) Create(ctx context.Context, opp domain.Opportunity) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO opportunities (id, name, stage, amount, expected_close_period, owner_id, territory_id, probability, probability_overridden, created_at, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10, $10)
	`, opp.ID, opp.Name, string(opp.Stage), opp.Amount.String(), string(opp.Period), opp.OwnerID, opp.TerritoryID, opp.Probability, opp.ProbabilityOverridden, opp.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperr.Conflict("opportunity already exists")
		}
		return storeError("create opportunity", err)
	}
	return nil
}

func (r *Repository) SaveTransition(ctx context.Context, next domain.Opportunity, expected domain.Stage) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE opportunities
		SET stage = $2, probability = $3, probability_overridden = $4, updated_at = $5
		WHERE id = $1 AND stage = $6
	`, next.ID, string(next.Stage), next.Probability, next.ProbabilityOverridden, next.UpdatedAt, string(expected))
	if err != nil {
		return storeError("save transition", err)
	}
	if result.RowsAffected() == 0 {
		if _, err := r.Get(ctx, next.ID); err != nil {
			return err
		}
		return apperr.Conflict(stageChangedMessage).WithCode(domain.CodeInvalidTransition)
	}
	return nil
}

func (r *Repository) Quota(ctx context.Context, scope ports.QuotaScope, id uuid.UUID, period domain.Period) (decimal.Decimal, bool, error) {
	var raw string
	err := r.pool.QueryRow(ctx, `
		SELECT amount::text FROM sales_quotas
		WHERE scope = $1 AND subject_id = $2 AND period = $3
	`, string(scope), id, string(period)).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, storeError("get quota", err)
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("parse quota amount %q: %w", raw, err)
	}
	return amount, true, nil
}

// AdjustmentFactor reads the multiplier an external predictor last wrote for
// the territory and period.
func (r *Repository) AdjustmentFactor(ctx context.Context, pc ports.PredictionContext) (decimal.Decimal, bool, error) {
	var raw string
	err := r.pool.QueryRow(ctx, `
		SELECT factor::text FROM forecast_adjustments
		WHERE territory_id = $1 AND period = $2
	`, pc.TerritoryID, string(pc.Period)).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, storeError("get adjustment factor", err)
	}
	factor, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("parse adjustment factor %q: %w", raw, err)
	}
	return factor, true, nil
}

func scanOpportunity(row pgx.Row) (domain.Opportunity, error) {
	var (
		opp       domain.Opportunity
		stage     string
		amount    string
		period    string
		updatedAt time.Time
	)
	if err := row.Scan(
		&opp.ID,
		&opp.Name,
		&stage,
		&amount,
		&period,
		&opp.OwnerID,
		&opp.TerritoryID,
		&opp.Probability,
		&opp.ProbabilityOverridden,
		&updatedAt,
	); err != nil {
		return domain.Opportunity{}, err
	}

	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return domain.Opportunity{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	opp.Stage = domain.Stage(stage)
	opp.Amount = parsed
	opp.Period = domain.Period(period)
	opp.UpdatedAt = updatedAt.UTC()
	return opp, nil
}

// storeError classifies a database failure. Errors reported by Postgres
// itself are internal; anything else means the store could not be reached.
func storeError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return apperr.Wrap(apperr.KindInternal, "database error", err).WithOp(op)
	}
	return apperr.Unavailable("opportunity store unavailable", err).WithOp(op)
}
