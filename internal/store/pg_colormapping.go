package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yangtao121/Bambu-consumables-management/internal/model"
)

type PgColorMappingRepository struct {
	pool *pgxpool.Pool
}

func NewPgColorMappingRepository(pool *pgxpool.Pool) *PgColorMappingRepository {
	return &PgColorMappingRepository{pool: pool}
}

func (r *PgColorMappingRepository) Get(ctx context.Context, colorHex string) (*model.AmsColorMapping, error) {
	var m model.AmsColorMapping
	err := r.pool.QueryRow(ctx, `SELECT id, color_hex, color_name FROM ams_color_mappings WHERE color_hex = $1`, colorHex).
		Scan(&m.ID, &m.ColorHex, &m.ColorName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *PgColorMappingRepository) Create(ctx context.Context, m *model.AmsColorMapping) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO ams_color_mappings (id, color_hex, color_name) VALUES ($1, $2, $3)`,
		m.ID, m.ColorHex, m.ColorName)
	return err
}

func (r *PgColorMappingRepository) List(ctx context.Context) ([]model.AmsColorMapping, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, color_hex, color_name FROM ams_color_mappings ORDER BY color_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AmsColorMapping
	for rows.Next() {
		var m model.AmsColorMapping
		if err := rows.Scan(&m.ID, &m.ColorHex, &m.ColorName); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
