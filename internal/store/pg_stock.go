package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yangtao121/Bambu-consumables-management/internal/model"
)

type PgStockRepository struct {
	pool *pgxpool.Pool
}

func NewPgStockRepository(pool *pgxpool.Pool) *PgStockRepository {
	return &PgStockRepository{pool: pool}
}

const stockColumns = `id, material, color, brand, roll_weight_grams, remaining_grams, is_archived, archived_at, created_at, updated_at`

func (r *PgStockRepository) Create(ctx context.Context, s *model.MaterialStock) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO material_stocks (id, material, color, brand, roll_weight_grams, remaining_grams, is_archived, archived_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.ID, s.Material, s.Color, s.Brand, s.RollWeightGrams, s.RemainingGrams, s.IsArchived, s.ArchivedAt, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r *PgStockRepository) Get(ctx context.Context, id string) (*model.MaterialStock, error) {
	return r.scanOne(ctx, `SELECT `+stockColumns+` FROM material_stocks WHERE id = $1`, id)
}

func (r *PgStockRepository) GetByKey(ctx context.Context, key model.StockKey) (*model.MaterialStock, error) {
	return r.scanOne(ctx, `
		SELECT `+stockColumns+` FROM material_stocks
		WHERE material = $1 AND color = $2 AND brand = $3 AND NOT is_archived`,
		key.Material, key.Color, key.Brand)
}

func (r *PgStockRepository) scanOne(ctx context.Context, query string, args ...any) (*model.MaterialStock, error) {
	row := r.pool.QueryRow(ctx, query, args...)
	var s model.MaterialStock
	if err := row.Scan(&s.ID, &s.Material, &s.Color, &s.Brand, &s.RollWeightGrams, &s.RemainingGrams, &s.IsArchived, &s.ArchivedAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (r *PgStockRepository) List(ctx context.Context) ([]model.MaterialStock, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+stockColumns+` FROM material_stocks ORDER BY material, color, brand`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.MaterialStock
	for rows.Next() {
		var s model.MaterialStock
		if err := rows.Scan(&s.ID, &s.Material, &s.Color, &s.Brand, &s.RollWeightGrams, &s.RemainingGrams, &s.IsArchived, &s.ArchivedAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// AdjustRemaining applies deltaGrams atomically, clamping the result
// at zero so the ledger's effective delta always matches the row's
// actual change (the non-negative-balance invariant). The row is
// locked only for this statement: it runs on the pool, outside any
// caller transaction.
func (r *PgStockRepository) AdjustRemaining(ctx context.Context, id string, deltaGrams float64) (float64, error) {
	var before, after float64
	err := r.pool.QueryRow(ctx, `
		WITH prev AS (
			SELECT remaining_grams FROM material_stocks WHERE id = $1 FOR UPDATE
		)
		UPDATE material_stocks
		SET remaining_grams = GREATEST(prev.remaining_grams + $2, 0), updated_at = now()
		FROM prev
		WHERE material_stocks.id = $1
		RETURNING prev.remaining_grams, material_stocks.remaining_grams`,
		id, deltaGrams).Scan(&before, &after)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return after - before, nil
}
