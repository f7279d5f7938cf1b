package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yangtao121/Bambu-consumables-management/internal/model"
)

type PgConsumptionRepository struct {
	pool *pgxpool.Pool
}

func NewPgConsumptionRepository(pool *pgxpool.Pool) *PgConsumptionRepository {
	return &PgConsumptionRepository{pool: pool}
}

func (r *PgConsumptionRepository) Insert(ctx context.Context, c *model.ConsumptionRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO consumption_records (id, job_id, stock_id, tray_id, segment_idx, grams, grams_requested, grams_effective, source, confidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.ID, c.JobID, c.StockID, c.TrayID, c.SegmentIdx, c.Grams, c.GramsRequested, c.GramsEffective, c.Source, c.Confidence, c.CreatedAt)
	return err
}

func (r *PgConsumptionRepository) ListByJob(ctx context.Context, jobID string) ([]model.ConsumptionRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, job_id, stock_id, tray_id, segment_idx, grams, grams_requested, grams_effective, source, confidence, created_at, voided_at, void_reason
		FROM consumption_records WHERE job_id = $1 ORDER BY created_at`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ConsumptionRecord
	for rows.Next() {
		var c model.ConsumptionRecord
		if err := rows.Scan(&c.ID, &c.JobID, &c.StockID, &c.TrayID, &c.SegmentIdx, &c.Grams, &c.GramsRequested, &c.GramsEffective, &c.Source, &c.Confidence, &c.CreatedAt, &c.VoidedAt, &c.VoidReason); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PgConsumptionRepository) ListByStock(ctx context.Context, stockID string) ([]model.ConsumptionRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, job_id, stock_id, tray_id, segment_idx, grams, grams_requested, grams_effective, source, confidence, created_at, voided_at, void_reason
		FROM consumption_records WHERE stock_id = $1 AND voided_at IS NULL ORDER BY created_at`, stockID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ConsumptionRecord
	for rows.Next() {
		var c model.ConsumptionRecord
		if err := rows.Scan(&c.ID, &c.JobID, &c.StockID, &c.TrayID, &c.SegmentIdx, &c.Grams, &c.GramsRequested, &c.GramsEffective, &c.Source, &c.Confidence, &c.CreatedAt, &c.VoidedAt, &c.VoidReason); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PgConsumptionRepository) Void(ctx context.Context, id, reason string, voidedAt time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE consumption_records SET voided_at = $2, void_reason = $3
		WHERE id = $1 AND voided_at IS NULL`, id, voidedAt, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
