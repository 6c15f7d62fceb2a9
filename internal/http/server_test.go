package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/vaheed/novaspace/internal/lib/httperr"
	"github.com/vaheed/novaspace/internal/reconcile"
	"github.com/vaheed/novaspace/internal/store"
	"github.com/vaheed/novaspace/pkg/types"
)

type fakeLoop struct {
	triggers atomic.Int32
	last     *reconcile.Result
}

func (f *fakeLoop) Trigger() { f.triggers.Add(1) }

func (f *fakeLoop) Last() (reconcile.Result, bool) {
	if f.last == nil {
		return reconcile.Result{}, false
	}
	return *f.last, true
}

func newTestServer(t *testing.T, opts Options) (*httptest.Server, *store.Memory, *fakeLoop) {
	t.Helper()
	st := store.NewMemory()
	loop := &fakeLoop{}
	ts := httptest.NewServer(NewServer(st, loop, opts).Router())
	t.Cleanup(ts.Close)
	return ts, st, loop
}

func do(t *testing.T, method, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func TestHealthReadyEndpoints(t *testing.T) {
	ts, _, _ := newTestServer(t, Options{})
	for _, p := range []string{"/healthz", "/readyz"} {
		resp := do(t, http.MethodGet, ts.URL+p, "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status for %s: %s", p, resp.Status)
		}
		_ = resp.Body.Close()
	}
}

func TestAddressSpaceStatusRoutes(t *testing.T) {
	ts, st, _ := newTestServer(t, Options{})
	ctx := context.Background()
	_ = st.SaveStatuses(ctx, []types.SpaceStatus{
		{Name: "a", Phase: types.PhaseReady, Ready: true},
		{Name: "b", Phase: types.PhaseProvisioning},
	})
	_ = st.AddEvents(ctx, []types.Event{
		{ID: "1", Space: "a", To: types.PhaseProvisioning},
		{ID: "2", Space: "a", From: types.PhaseProvisioning, To: types.PhaseReady},
	})

	resp := do(t, http.MethodGet, ts.URL+"/api/v1/addressspaces?phase=Ready", "")
	var list []types.SpaceStatus
	_ = json.NewDecoder(resp.Body).Decode(&list)
	_ = resp.Body.Close()
	if len(list) != 1 || list[0].Name != "a" {
		t.Fatalf("unexpected list %#v", list)
	}

	resp = do(t, http.MethodGet, ts.URL+"/api/v1/addressspaces/b", "")
	var one types.SpaceStatus
	_ = json.NewDecoder(resp.Body).Decode(&one)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || one.Phase != types.PhaseProvisioning {
		t.Fatalf("get b: %s %#v", resp.Status, one)
	}

	resp = do(t, http.MethodGet, ts.URL+"/api/v1/addressspaces/missing", "")
	var perr httperr.Payload
	_ = json.NewDecoder(resp.Body).Decode(&perr)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound || perr.Code != CodeNotFound {
		t.Fatalf("missing: %s %#v", resp.Status, perr)
	}

	resp = do(t, http.MethodGet, ts.URL+"/api/v1/addressspaces/a/events?limit=1", "")
	var evts []types.Event
	_ = json.NewDecoder(resp.Body).Decode(&evts)
	_ = resp.Body.Close()
	if len(evts) != 1 || evts[0].ID != "2" {
		t.Fatalf("unexpected events %#v", evts)
	}

	resp = do(t, http.MethodGet, ts.URL+"/api/v1/addressspaces/a/events?limit=zero", "")
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit: %s", resp.Status)
	}
}

func TestLastCycle(t *testing.T) {
	ts, _, loop := newTestServer(t, Options{})
	resp := do(t, http.MethodGet, ts.URL+"/api/v1/cycles/last", "")
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 before any cycle, got %s", resp.Status)
	}
	loop.last = &reconcile.Result{CycleID: "c1", Created: []string{"a"}}
	resp = do(t, http.MethodGet, ts.URL+"/api/v1/cycles/last", "")
	var res reconcile.Result
	_ = json.NewDecoder(resp.Body).Decode(&res)
	_ = resp.Body.Close()
	if res.CycleID != "c1" || len(res.Created) != 1 {
		t.Fatalf("unexpected result %#v", res)
	}
}

func TestTriggerWithoutAuth(t *testing.T) {
	ts, _, loop := newTestServer(t, Options{})
	resp := do(t, http.MethodPost, ts.URL+"/api/v1/reconcile", "")
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted || loop.triggers.Load() != 1 {
		t.Fatalf("trigger: %s triggers=%d", resp.Status, loop.triggers.Load())
	}
}

func TestTriggerRequiresAdmin(t *testing.T) {
	key := []byte("test-key")
	ts, _, loop := newTestServer(t, Options{RequireAuth: true, SigningKey: key})
	auth := AuthConfig{Key: key}
	admin, _ := auth.Sign("alice", RoleAdmin)
	reader, _ := auth.Sign("bob", RoleReadOnly)
	forged, _ := AuthConfig{Key: []byte("other")}.Sign("mallory", RoleAdmin)

	cases := []struct {
		token string
		want  int
	}{
		{"", http.StatusUnauthorized},
		{forged, http.StatusUnauthorized},
		{reader, http.StatusForbidden},
		{admin, http.StatusAccepted},
	}
	for _, c := range cases {
		resp := do(t, http.MethodPost, ts.URL+"/api/v1/reconcile", c.token)
		_ = resp.Body.Close()
		if resp.StatusCode != c.want {
			t.Fatalf("token %q: got %s want %d", c.token, resp.Status, c.want)
		}
	}
	if loop.triggers.Load() != 1 {
		t.Fatalf("expected exactly one trigger, got %d", loop.triggers.Load())
	}

	resp := do(t, http.MethodGet, ts.URL+"/api/v1/addressspaces", reader)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reader list: %s", resp.Status)
	}
}

func TestRateLimit(t *testing.T) {
	ts, _, _ := newTestServer(t, Options{RequestsPerMinute: 2})
	var last int
	for i := 0; i < 3; i++ {
		resp := do(t, http.MethodGet, ts.URL+"/api/v1/addressspaces", "")
		_ = resp.Body.Close()
		last = resp.StatusCode
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on third request, got %d", last)
	}
}
