package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yangtao121/Bambu-consumables-management/internal/model"
)

type PgJobRepository struct {
	pool *pgxpool.Pool
}

func NewPgJobRepository(pool *pgxpool.Pool) *PgJobRepository {
	return &PgJobRepository{pool: pool}
}

const jobColumns = `id, printer_id, job_key, file_name, status, started_at, ended_at, snapshot, created_at, updated_at`

func (r *PgJobRepository) Create(ctx context.Context, j *model.PrintJob) error {
	snapshot, err := json.Marshal(j.Snapshot)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO print_jobs (id, printer_id, job_key, file_name, status, started_at, ended_at, snapshot, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		j.ID, j.PrinterID, j.JobKey, j.FileName, j.Status, j.StartedAt, j.EndedAt, snapshot, j.CreatedAt, j.UpdatedAt)
	return err
}

func (r *PgJobRepository) Get(ctx context.Context, id string) (*model.PrintJob, error) {
	return r.scanOne(ctx, `SELECT `+jobColumns+` FROM print_jobs WHERE id = $1`, id)
}

func (r *PgJobRepository) GetByJobKey(ctx context.Context, printerID, jobKey string) (*model.PrintJob, error) {
	return r.scanOne(ctx, `SELECT `+jobColumns+` FROM print_jobs WHERE printer_id = $1 AND job_key = $2`, printerID, jobKey)
}

func (r *PgJobRepository) GetOpenStub(ctx context.Context, printerID string) (*model.PrintJob, error) {
	return r.scanOne(ctx, `
		SELECT `+jobColumns+` FROM print_jobs
		WHERE printer_id = $1 AND job_key IS NULL AND status = 'running'
		ORDER BY created_at DESC LIMIT 1`, printerID)
}

func (r *PgJobRepository) scanOne(ctx context.Context, query string, args ...any) (*model.PrintJob, error) {
	row := r.pool.QueryRow(ctx, query, args...)
	j, err := scanJobRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

func scanJobRow(row pgx.Row) (*model.PrintJob, error) {
	var j model.PrintJob
	var snapshot []byte
	if err := row.Scan(&j.ID, &j.PrinterID, &j.JobKey, &j.FileName, &j.Status, &j.StartedAt, &j.EndedAt, &snapshot, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(snapshot, &j.Snapshot); err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *PgJobRepository) Update(ctx context.Context, j *model.PrintJob) error {
	snapshot, err := json.Marshal(j.Snapshot)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE print_jobs SET
			job_key = $2, file_name = $3, status = $4, started_at = $5,
			ended_at = $6, snapshot = $7, updated_at = now()
		WHERE id = $1`,
		j.ID, j.JobKey, j.FileName, j.Status, j.StartedAt, j.EndedAt, snapshot)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PgJobRepository) ListRunningByPrinter(ctx context.Context, printerID string) ([]model.PrintJob, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM print_jobs
		WHERE printer_id = $1 AND status = 'running'
		ORDER BY created_at`, printerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PrintJob
	for rows.Next() {
		j, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}
