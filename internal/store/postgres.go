package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/vaheed/novaspace/pkg/types"
)

type postgresStore struct {
	db *sql.DB
}

// NewPostgres opens dsn with the pgx driver and applies pending migrations.
func NewPostgres(ctx context.Context, dsn string) (*postgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(1 * time.Hour)

	st := &postgresStore{db: db}
	if err := st.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (p *postgresStore) init(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (id TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return err
	}
	for _, m := range migrations {
		applied, err := p.isApplied(ctx, m.ID)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := p.applyMigration(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (p *postgresStore) Close(ctx context.Context) error {
	return p.db.Close()
}

func (p *postgresStore) Health(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func handleSQLError(err error) error {
	if err == nil {
		return nil
	}
	// pgx driver returns plain errors; string matching keeps deps small.
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	msg := err.Error()
	if containsAny(msg, "unique constraint", "duplicate key") {
		return ErrConflict
	}
	return err
}

func containsAny(msg string, tokens ...string) bool {
	for _, t := range tokens {
		if t != "" && strings.Contains(msg, t) {
			return true
		}
	}
	return false
}

func (p *postgresStore) SaveStatuses(ctx context.Context, statuses []types.SpaceStatus) error {
	if len(statuses) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, st := range statuses {
		st.UpdatedAt = stamp(st.UpdatedAt)
		payload, err := json.Marshal(st)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO space_status (name, phase, ready, payload, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (name) DO UPDATE SET phase=EXCLUDED.phase, ready=EXCLUDED.ready, payload=EXCLUDED.payload, updated_at=EXCLUDED.updated_at
		`, st.Name, string(st.Phase), st.Ready, payload, st.UpdatedAt); err != nil {
			_ = tx.Rollback()
			return handleSQLError(err)
		}
	}
	return tx.Commit()
}

func (p *postgresStore) GetStatus(ctx context.Context, name string) (types.SpaceStatus, error) {
	var raw []byte
	if err := p.db.QueryRowContext(ctx, `SELECT payload FROM space_status WHERE name=$1`, name).Scan(&raw); err != nil {
		return types.SpaceStatus{}, handleSQLError(err)
	}
	var st types.SpaceStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return types.SpaceStatus{}, err
	}
	return st, nil
}

func (p *postgresStore) ListStatuses(ctx context.Context) ([]types.SpaceStatus, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT payload FROM space_status ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.SpaceStatus
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var st types.SpaceStatus
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (p *postgresStore) AddEvents(ctx context.Context, evts []types.Event) error {
	for _, e := range evts {
		id, err := types.ParseID(e.ID)
		if err != nil {
			id = types.NewID()
			e.ID = id.String()
		}
		e.TS = stamp(e.TS)
		payload, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, `
			INSERT INTO space_events (id, space, type, payload, ts)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING
		`, id, e.Space, e.Type, payload, e.TS); err != nil {
			return fmt.Errorf("insert event: %w", handleSQLError(err))
		}
	}
	return nil
}

func (p *postgresStore) ListEvents(ctx context.Context, space string, limit int) ([]types.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT payload FROM space_events WHERE space=$1 ORDER BY ts DESC, id LIMIT $2`, space, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []types.Event{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var e types.Event
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type migration struct {
	ID  string
	SQL string
}

var migrations = []migration{
	{
		ID: "0001_init",
		SQL: `
CREATE TABLE IF NOT EXISTS space_status (
	name TEXT PRIMARY KEY,
	phase TEXT NOT NULL,
	ready BOOLEAN NOT NULL DEFAULT FALSE,
	payload JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS space_events (
	id UUID PRIMARY KEY,
	space TEXT NOT NULL,
	type TEXT NOT NULL,
	payload JSONB NOT NULL,
	ts TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS space_events_space_ts ON space_events (space, ts DESC);
`,
	},
}

func (p *postgresStore) isApplied(ctx context.Context, id string) (bool, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_migrations WHERE id=$1`, id).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (p *postgresStore) applyMigration(ctx context.Context, m migration) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("migration %s: %w", m.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (id, applied_at) VALUES ($1, $2)`, m.ID, time.Now().UTC()); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("migration %s: %w", m.ID, err)
	}
	return tx.Commit()
}
