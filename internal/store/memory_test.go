package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vaheed/novaspace/pkg/types"
)

func TestMemoryStatuses(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if _, err := m.GetStatus(ctx, "b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := m.SaveStatuses(ctx, []types.SpaceStatus{
		{Name: "b", Phase: types.PhaseProvisioning},
		{Name: "a", Phase: types.PhaseReady, Ready: true},
	}); err != nil {
		t.Fatal(err)
	}
	if err := m.SaveStatuses(ctx, []types.SpaceStatus{{Name: "b", Phase: types.PhaseReady, Ready: true}}); err != nil {
		t.Fatal(err)
	}
	got, err := m.GetStatus(ctx, "b")
	if err != nil || got.Phase != types.PhaseReady {
		t.Fatalf("status %#v %v", got, err)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatalf("expected UpdatedAt to be stamped")
	}
	all, _ := m.ListStatuses(ctx)
	if len(all) != 2 || all[0].Name != "a" || all[1].Name != "b" {
		t.Fatalf("unexpected list %#v", all)
	}
}

func TestMemoryEventsNewestFirstAndDeduplicated(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()
	evts := []types.Event{
		{ID: "1", Space: "a", To: types.PhasePending, TS: now},
		{ID: "2", Space: "a", To: types.PhaseProvisioning, TS: now.Add(time.Second)},
		{ID: "3", Space: "other", To: types.PhasePending, TS: now},
	}
	if err := Record(ctx, m, nil, evts); err != nil {
		t.Fatal(err)
	}
	if err := m.AddEvents(ctx, evts[:1]); err != nil {
		t.Fatal(err)
	}
	list, _ := m.ListEvents(ctx, "a", 0)
	if len(list) != 2 || list[0].ID != "2" || list[1].ID != "1" {
		t.Fatalf("unexpected events %#v", list)
	}
	list, _ = m.ListEvents(ctx, "a", 1)
	if len(list) != 1 || list[0].ID != "2" {
		t.Fatalf("limit not applied: %#v", list)
	}
	if list, _ := m.ListEvents(ctx, "missing", 5); len(list) != 0 {
		t.Fatalf("expected no events, got %#v", list)
	}
}

func TestEnvOrMemoryWithoutDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	s, closeFn, err := EnvOrMemory(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()
	if _, ok := s.(*Memory); !ok {
		t.Fatalf("expected memory store, got %T", s)
	}
}
