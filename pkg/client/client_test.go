package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	httpapi "github.com/vaheed/novaspace/internal/http"
	"github.com/vaheed/novaspace/internal/reconcile"
	"github.com/vaheed/novaspace/internal/store"
	"github.com/vaheed/novaspace/pkg/types"
)

type loopStub struct{ triggered int }

func (l *loopStub) Trigger()                       { l.triggered++ }
func (l *loopStub) Last() (reconcile.Result, bool) { return reconcile.Result{}, false }

func TestClientAgainstAPI(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	_ = st.SaveStatuses(ctx, []types.SpaceStatus{{Name: "myspace", Phase: types.PhaseReady, Ready: true}})
	_ = st.AddEvents(ctx, []types.Event{{ID: "1", Space: "myspace", To: types.PhaseReady}})
	loop := &loopStub{}
	key := []byte("k")
	ts := httptest.NewServer(httpapi.NewServer(st, loop, httpapi.Options{RequireAuth: true, SigningKey: key}).Router())
	defer ts.Close()

	admin, _ := httpapi.AuthConfig{Key: key}.Sign("ops-bot", httpapi.RoleAdmin)
	c := New(ts.URL+"/", admin)

	list, err := c.ListAddressSpaces(ctx, types.PhaseReady)
	if err != nil || len(list) != 1 {
		t.Fatalf("list %#v %v", list, err)
	}
	st1, err := c.GetAddressSpace(ctx, "myspace")
	if err != nil || !st1.Ready {
		t.Fatalf("get %#v %v", st1, err)
	}
	evts, err := c.Events(ctx, "myspace", 10)
	if err != nil || len(evts) != 1 {
		t.Fatalf("events %#v %v", evts, err)
	}
	if err := c.Reconcile(ctx); err != nil || loop.triggered != 1 {
		t.Fatalf("reconcile err=%v triggered=%d", err, loop.triggered)
	}

	_, err = c.GetAddressSpace(ctx, "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound || apiErr.Code != httpapi.CodeNotFound {
		t.Fatalf("expected not found API error, got %v", err)
	}

	anon := New(ts.URL, "")
	if err := anon.Reconcile(ctx); !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}
