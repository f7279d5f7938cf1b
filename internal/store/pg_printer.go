package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yangtao121/Bambu-consumables-management/internal/model"
)

type PgPrinterRepository struct {
	pool *pgxpool.Pool
}

func NewPgPrinterRepository(pool *pgxpool.Pool) *PgPrinterRepository {
	return &PgPrinterRepository{pool: pool}
}

func (r *PgPrinterRepository) Create(ctx context.Context, p *model.Printer) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO printers (id, ip, serial, access_code_encrypted, status, last_seen_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.IP, p.Serial, p.AccessCodeEncrypted, p.Status, p.LastSeen, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r *PgPrinterRepository) Get(ctx context.Context, id string) (*model.Printer, error) {
	return r.scanOne(ctx, `
		SELECT id, ip, serial, access_code_encrypted, status, last_seen_at, created_at, updated_at
		FROM printers WHERE id = $1`, id)
}

func (r *PgPrinterRepository) GetBySerial(ctx context.Context, serial string) (*model.Printer, error) {
	return r.scanOne(ctx, `
		SELECT id, ip, serial, access_code_encrypted, status, last_seen_at, created_at, updated_at
		FROM printers WHERE serial = $1`, serial)
}

func (r *PgPrinterRepository) scanOne(ctx context.Context, query string, args ...any) (*model.Printer, error) {
	row := r.pool.QueryRow(ctx, query, args...)
	var p model.Printer
	var lastSeen *time.Time
	if err := row.Scan(&p.ID, &p.IP, &p.Serial, &p.AccessCodeEncrypted, &p.Status, &lastSeen, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if lastSeen != nil {
		p.LastSeen = *lastSeen
	}
	return &p, nil
}

func (r *PgPrinterRepository) List(ctx context.Context) ([]model.Printer, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, ip, serial, access_code_encrypted, status, last_seen_at, created_at, updated_at
		FROM printers ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Printer
	for rows.Next() {
		var p model.Printer
		var lastSeen *time.Time
		if err := rows.Scan(&p.ID, &p.IP, &p.Serial, &p.AccessCodeEncrypted, &p.Status, &lastSeen, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if lastSeen != nil {
			p.LastSeen = *lastSeen
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PgPrinterRepository) UpdateStatus(ctx context.Context, id string, status model.PrinterStatus, lastSeen time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE printers SET status = $2, last_seen_at = $3, updated_at = now() WHERE id = $1`,
		id, status, lastSeen)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
