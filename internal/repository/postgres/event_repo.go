package postgres

/*
Файл event_repo.go - PostgreSQL-реализация хранилища событий фидов.
Уникальность (source, ts) обеспечивается ограничением в схеме и вставкой
ON CONFLICT DO NOTHING, поэтому окна между "проверкой" и "вставкой" нет.
*/

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xela07ax/threatecho/internal/domain"
	"github.com/xela07ax/threatecho/internal/infra"
	"github.com/xela07ax/threatecho/internal/repository"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS events (
	id         BIGSERIAL PRIMARY KEY,
	source     TEXT        NOT NULL,
	ts         TIMESTAMPTZ NOT NULL,
	payload    JSONB       NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT events_source_ts_key UNIQUE (source, ts)
);
CREATE INDEX IF NOT EXISTS events_ts_id_idx ON events (ts, id);`

type EventRepo struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewEventRepo создает пул соединений. Доступность базы проверяется через Ping в main.
func NewEventRepo(ctx context.Context, cfg infra.DatabaseConfig, logger *zap.Logger) (*EventRepo, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	return &EventRepo{pool: pool, logger: logger.With(zap.String("mod", "postgres"))}, nil
}

// Ping проверяет доступность базы при старте
func (r *EventRepo) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *EventRepo) Close() {
	r.pool.Close()
}

// InitSchema идемпотентно создает таблицу и индексы.
func (r *EventRepo) InitSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("postgres: init schema: %w", err)
	}
	return nil
}

func (r *EventRepo) WithTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	// После Commit откат - no-op, поэтому defer безопасен на любом пути выхода.
	defer func() { _ = tx.Rollback(context.Background()) }()

	if err := fn(&eventTx{tx: tx, logger: r.logger}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

type eventTx struct {
	tx     pgx.Tx
	logger *zap.Logger
}

func (t *eventTx) InsertIfAbsent(ctx context.Context, events []domain.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	b := &pgx.Batch{}
	for _, e := range events {
		payload, err := domain.EncodePayload(e.Payload)
		if err != nil {
			return 0, fmt.Errorf("postgres: encode payload: %w", err)
		}
		b.Queue(`INSERT INTO events (source, ts, payload) VALUES ($1, $2, $3)
			ON CONFLICT (source, ts) DO NOTHING`,
			string(e.Source), e.Timestamp.UTC(), payload)
	}

	br := t.tx.SendBatch(ctx, b)
	inserted := 0
	for range events {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return inserted, fmt.Errorf("postgres: insert event: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return inserted, fmt.Errorf("postgres: close batch: %w", err)
	}
	return inserted, nil
}

func (t *eventTx) Exists(ctx context.Context, source domain.Source, ts time.Time) (bool, error) {
	var ok bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM events WHERE source = $1 AND ts = $2)`,
		string(source), ts.UTC()).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("postgres: exists: %w", err)
	}
	return ok, nil
}

func (t *eventTx) CountEvents(ctx context.Context) (int, error) {
	var n int
	if err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count events: %w", err)
	}
	return n, nil
}

func (t *eventTx) OldestIDs(ctx context.Context, limit int) ([]int64, error) {
	rows, err := t.tx.Query(ctx, `SELECT id FROM events ORDER BY ts ASC, id ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: query oldest ids: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0, limit)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan event id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return ids, nil
}

// OldestEvents читает только известные источники. Строку с битым payload
// пропускаем с предупреждением: ее со временем вытеснит retention.
func (t *eventTx) OldestEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, source, ts, payload FROM events
		WHERE source = ANY($2)
		ORDER BY ts ASC, id ASC LIMIT $1`, limit, knownSources())
	if err != nil {
		return nil, fmt.Errorf("postgres: query oldest events: %w", err)
	}
	defer rows.Close()

	// Пустой слайс вместо nil, чтобы в JSON был [] а не null
	events := make([]domain.Event, 0, limit)
	for rows.Next() {
		var (
			id  int64
			src string
			ts  time.Time
			raw []byte
		)
		if err := rows.Scan(&id, &src, &ts, &raw); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		e, err := decodeEvent(id, src, ts, raw)
		if err != nil {
			t.logger.Warn("skipping undecodable event", zap.Int64("event_id", id), zap.Error(err))
			continue
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return events, nil
}

func decodeEvent(id int64, src string, ts time.Time, raw []byte) (domain.Event, error) {
	e := domain.Event{ID: id, Source: domain.Source(src), Timestamp: ts}
	p, err := domain.DecodePayload(e.Source, raw)
	if err != nil {
		return domain.Event{}, err
	}
	e.Payload = p
	return e, nil
}

func knownSources() []string {
	known := domain.KnownSources()
	out := make([]string, 0, len(known))
	for _, s := range known {
		out = append(out, string(s))
	}
	return out
}

func (t *eventTx) DeleteByIDs(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ct, err := t.tx.Exec(ctx, `DELETE FROM events WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete events: %w", err)
	}
	return int(ct.RowsAffected()), nil
}
