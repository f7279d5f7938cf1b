package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/yangtao121/Bambu-consumables-management/internal/model"
)

type PgLedgerRepository struct {
	pool *pgxpool.Pool
}

func NewPgLedgerRepository(pool *pgxpool.Pool) *PgLedgerRepository {
	return &PgLedgerRepository{pool: pool}
}

const ledgerColumns = `id, stock_id, job_id, delta_grams, kind, rolls_count, price_per_roll, price_total, has_tray, tray_delta, reason, created_at, voided_at, void_reason, reversal_of_id`

func (r *PgLedgerRepository) Insert(ctx context.Context, l *model.MaterialLedger) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO material_ledger (stock_id, job_id, delta_grams, kind, rolls_count, price_per_roll, price_total, has_tray, tray_delta, reason, created_at, reversal_of_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		l.StockID, l.JobID, l.DeltaGrams, l.Kind,
		l.Pricing.RollsCount, decimalPtrToNumeric(l.Pricing.PricePerRoll), decimalPtrToNumeric(l.Pricing.PriceTotal),
		l.HasTray, l.TrayDelta, l.Reason, l.CreatedAt, l.ReversalOfID).Scan(&id)
	if err != nil {
		return 0, err
	}
	l.ID = id
	return id, nil
}

func (r *PgLedgerRepository) Get(ctx context.Context, id int64) (*model.MaterialLedger, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+ledgerColumns+` FROM material_ledger WHERE id = $1`, id)
	l, err := scanLedgerRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return l, err
}

func (r *PgLedgerRepository) FindReversalOf(ctx context.Context, originalID int64) (*model.MaterialLedger, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+ledgerColumns+` FROM material_ledger WHERE reversal_of_id = $1`, originalID)
	l, err := scanLedgerRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return l, err
}

func (r *PgLedgerRepository) Void(ctx context.Context, id int64, reason string, voidedAt time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE material_ledger SET voided_at = $2, void_reason = $3
		WHERE id = $1 AND voided_at IS NULL`, id, voidedAt, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PgLedgerRepository) ListByStock(ctx context.Context, stockID string) ([]model.MaterialLedger, error) {
	return r.list(ctx, `SELECT `+ledgerColumns+` FROM material_ledger WHERE stock_id = $1 ORDER BY created_at`, stockID)
}

func (r *PgLedgerRepository) ListByJob(ctx context.Context, jobID string) ([]model.MaterialLedger, error) {
	return r.list(ctx, `SELECT `+ledgerColumns+` FROM material_ledger WHERE job_id = $1 ORDER BY created_at`, jobID)
}

func (r *PgLedgerRepository) SumTrayDelta(ctx context.Context) (int, error) {
	var total int
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(tray_delta), 0) FROM material_ledger WHERE voided_at IS NULL`).Scan(&total)
	return total, err
}

func (r *PgLedgerRepository) list(ctx context.Context, query string, args ...any) ([]model.MaterialLedger, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.MaterialLedger
	for rows.Next() {
		l, err := scanLedgerRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func scanLedgerRow(row pgx.Row) (*model.MaterialLedger, error) {
	var l model.MaterialLedger
	var pricePerRoll, priceTotal numericString
	if err := row.Scan(&l.ID, &l.StockID, &l.JobID, &l.DeltaGrams, &l.Kind,
		&l.Pricing.RollsCount, &pricePerRoll, &priceTotal,
		&l.HasTray, &l.TrayDelta, &l.Reason, &l.CreatedAt, &l.VoidedAt, &l.VoidReason, &l.ReversalOfID); err != nil {
		return nil, err
	}
	l.Pricing.PricePerRoll = pricePerRoll.decimal()
	l.Pricing.PriceTotal = priceTotal.decimal()
	return &l, nil
}

// numericString scans a nullable Postgres numeric column into a
// shopspring/decimal without pulling in pgtype's numeric codec.
type numericString struct {
	valid bool
	s     string
}

func (n *numericString) Scan(src any) error {
	if src == nil {
		return nil
	}
	switch v := src.(type) {
	case string:
		n.s, n.valid = v, true
	case []byte:
		n.s, n.valid = string(v), true
	default:
		return errors.New("store: unsupported numeric scan type")
	}
	return nil
}

func (n *numericString) decimal() *decimal.Decimal {
	if n == nil || !n.valid {
		return nil
	}
	d, err := decimal.NewFromString(n.s)
	if err != nil {
		return nil
	}
	return &d
}

func decimalPtrToNumeric(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
