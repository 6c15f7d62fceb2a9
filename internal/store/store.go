package store

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/vaheed/novaspace/pkg/types"
)

// Store keeps the latest status of every address space and its event history.
type Store interface {
	Close(ctx context.Context) error
	Health(ctx context.Context) error

	// SaveStatuses upserts the statuses by space name.
	SaveStatuses(ctx context.Context, statuses []types.SpaceStatus) error
	GetStatus(ctx context.Context, name string) (types.SpaceStatus, error)
	// ListStatuses returns every known status ordered by name.
	ListStatuses(ctx context.Context) ([]types.SpaceStatus, error)

	// AddEvents appends events; an event id that is already stored is ignored.
	AddEvents(ctx context.Context, evts []types.Event) error
	// ListEvents returns the newest events of a space first, at most limit.
	ListEvents(ctx context.Context, space string, limit int) ([]types.Event, error)
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Record stores the outcome of one cycle.
func Record(ctx context.Context, s Store, statuses []types.SpaceStatus, evts []types.Event) error {
	if err := s.SaveStatuses(ctx, statuses); err != nil {
		return err
	}
	return s.AddEvents(ctx, evts)
}

// EnvOrMemory returns a PostgreSQL store when DATABASE_URL is set and an
// in-memory store otherwise.
func EnvOrMemory(ctx context.Context) (Store, func(), error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		m := NewMemory()
		return m, func() {}, nil
	}
	p, err := NewPostgres(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return p, func() { _ = p.Close(context.Background()) }, nil
}

// stamp fills a zero time with now.
func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
