package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yangtao121/Bambu-consumables-management/internal/model"
)

type PgRawEventRepository struct {
	pool *pgxpool.Pool
}

func NewPgRawEventRepository(pool *pgxpool.Pool) *PgRawEventRepository {
	return &PgRawEventRepository{pool: pool}
}

func (r *PgRawEventRepository) InsertIfNew(ctx context.Context, ev *model.RawEvent) (int64, bool, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return 0, false, err
	}

	var id int64
	err = r.pool.QueryRow(ctx, `
		INSERT INTO raw_events (printer_id, topic, payload, content_hash, received_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (printer_id, content_hash) DO NOTHING
		RETURNING id`,
		ev.PrinterID, ev.Topic, payload, ev.ContentHash, ev.ReceivedAt).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, err
	}

	err = r.pool.QueryRow(ctx, `
		SELECT id FROM raw_events WHERE printer_id = $1 AND content_hash = $2`,
		ev.PrinterID, ev.ContentHash).Scan(&id)
	if err != nil {
		return 0, false, err
	}
	return id, false, nil
}

type PgNormalizedEventRepository struct {
	pool *pgxpool.Pool
}

func NewPgNormalizedEventRepository(pool *pgxpool.Pool) *PgNormalizedEventRepository {
	return &PgNormalizedEventRepository{pool: pool}
}

func (r *PgNormalizedEventRepository) InsertIfNew(ctx context.Context, ev *model.NormalizedEvent) (bool, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return false, err
	}

	var id int64
	err = r.pool.QueryRow(ctx, `
		INSERT INTO normalized_events (event_id, printer_id, raw_event_id, event_type, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING id`,
		ev.EventID, ev.PrinterID, ev.RawEventID, ev.Type, payload, ev.OccurredAt).Scan(&id)
	if err == nil {
		ev.ID = id
		return true, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return false, err
}

func (r *PgNormalizedEventRepository) ListBatch(ctx context.Context, afterID int64, limit int) ([]model.NormalizedEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, event_id, printer_id, raw_event_id, event_type, payload, occurred_at
		FROM normalized_events
		WHERE id > $1
		ORDER BY id
		LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.NormalizedEvent
	for rows.Next() {
		var ev model.NormalizedEvent
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.EventID, &ev.PrinterID, &ev.RawEventID, &ev.Type, &payload, &ev.OccurredAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
