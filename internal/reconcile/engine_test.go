package reconcile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/vaheed/novaspace/internal/certs"
	"github.com/vaheed/novaspace/internal/cluster"
	"github.com/vaheed/novaspace/internal/kube"
	"github.com/vaheed/novaspace/pkg/types"
)

const wildcardNS = "novaspace-system"

func newTestEngine(t *testing.T, k kube.Interface, secrets kube.SecretStore, opts Options) *Engine {
	t.Helper()
	if opts.Controller == "" {
		opts.Controller = "test"
	}
	reg := certs.DefaultRegistry(secrets, certs.Options{Controller: opts.Controller, WildcardNamespace: wildcardNS, WildcardSecret: "wildcardcert"})
	return NewEngine(k, reg, opts)
}

func seedWildcard(m *kube.Memory) {
	m.SeedSecret(wildcardNS, "wildcardcert", map[string][]byte{
		corev1.TLSPrivateKeyKey: []byte("mykey"),
		corev1.TLSCertKey:       []byte("myvalue"),
	})
}

func addressSpace(name, provider, secret string) types.AddressSpace {
	s := types.AddressSpace{Name: name, Type: "standard", Plan: "small"}
	ep := types.EndpointSpec{Name: "messaging", Service: "messaging", ServicePort: "amqps"}
	if provider != "" {
		ep.Cert = &types.CertSpec{Provider: provider, SecretName: secret}
	}
	s.Endpoints = []types.EndpointSpec{ep}
	return s
}

func mustReconcile(t *testing.T, e *Engine, desired ...types.AddressSpace) Result {
	t.Helper()
	res, err := e.Reconcile(context.Background(), desired)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	return res
}

func TestScenarioWildcardSpaceBecomesReady(t *testing.T) {
	ctx := context.Background()
	m := kube.NewMemory("test", nil)
	seedWildcard(m)
	e := newTestEngine(t, m, m, Options{})
	desired := addressSpace("myspace", certs.ProviderWildcard, "mycerts")

	res := mustReconcile(t, e, desired)
	if !m.HasNamespace("myspace") {
		t.Fatalf("namespace myspace not created")
	}
	objs := strings.Join(m.Objects("myspace"), ",")
	for _, want := range []string{"Deployment/broker", "Deployment/router", "Service/messaging", "RoleBinding/" + kube.DefaultAccessPolicyName} {
		if !strings.Contains(objs, want) {
			t.Fatalf("missing %s in %s", want, objs)
		}
	}
	secret, err := m.GetSecret(ctx, "myspace", "mycerts")
	if err != nil {
		t.Fatalf("get secret: %v", err)
	}
	if string(secret["tls.key"]) != "mykey" || string(secret["tls.crt"]) != "myvalue" {
		t.Fatalf("unexpected secret data %q", secret)
	}
	st := res.Spaces["myspace"]
	if st.Ready || st.Phase != types.PhaseProvisioning {
		t.Fatalf("space must wait for deployments, got %+v", st)
	}
	if len(res.Created) != 1 || res.Created[0] != "myspace" {
		t.Fatalf("created = %v", res.Created)
	}
	if len(res.Events) != 1 || res.Events[0].To != types.PhaseProvisioning {
		t.Fatalf("events = %+v", res.Events)
	}

	m.MarkDeploymentsReady("myspace")
	res = mustReconcile(t, e, desired)
	st = res.Spaces["myspace"]
	if !st.Ready || st.Phase != types.PhaseReady {
		t.Fatalf("space should be ready, got %+v", st)
	}
	if len(st.Endpoints) != 1 || !st.Endpoints[0].CertReady || !st.Endpoints[0].ServiceReady {
		t.Fatalf("endpoint status %+v", st.Endpoints)
	}
}

func TestScenarioRemovedSpaceIsDeleted(t *testing.T) {
	m := kube.NewMemory("test", nil)
	seedWildcard(m)
	e := newTestEngine(t, m, m, Options{})
	mustReconcile(t, e, addressSpace("myspace", certs.ProviderWildcard, "mycerts"))

	res := mustReconcile(t, e)
	if m.HasNamespace("myspace") || len(m.Objects("myspace")) != 0 {
		t.Fatalf("namespace myspace and its objects should be gone, have %v", m.Objects("myspace"))
	}
	if len(res.Deleted) != 1 || res.Spaces["myspace"].Phase != types.PhaseDeleting {
		t.Fatalf("deleted=%v status=%+v", res.Deleted, res.Spaces["myspace"])
	}
	res = mustReconcile(t, e)
	if res.Spaces["myspace"].Phase != types.PhaseGone {
		t.Fatalf("expected Gone, got %+v", res.Spaces["myspace"])
	}
	res = mustReconcile(t, e)
	if _, ok := res.Spaces["myspace"]; ok {
		t.Fatalf("gone space reported twice: %+v", res.Spaces)
	}
}

func TestSecondCycleIssuesNoWrites(t *testing.T) {
	m := kube.NewMemory("test", nil)
	m.ReadyOnCreate = true
	seedWildcard(m)
	e := newTestEngine(t, m, m, Options{})
	desired := []types.AddressSpace{
		addressSpace("a", certs.ProviderWildcard, "certs"),
		addressSpace("b", certs.ProviderSelfSigned, "certs"),
		addressSpace("c", "", ""),
	}
	first := mustReconcile(t, e, desired...)
	for _, name := range []string{"a", "b", "c"} {
		if !first.Ready(name) {
			t.Fatalf("%s not ready after first cycle: %+v", name, first.Spaces[name])
		}
	}
	b1, _ := m.GetSecret(context.Background(), "b", "certs")
	creates, deletes := m.Creates(), m.Deletes()

	second := mustReconcile(t, e, desired...)
	if m.Creates() != creates || m.Deletes() != deletes {
		t.Fatalf("converged cycle wrote: creates %d->%d deletes %d->%d", creates, m.Creates(), deletes, m.Deletes())
	}
	if len(second.Created) != 0 || len(second.Deleted) != 0 || len(second.Events) != 0 {
		t.Fatalf("unexpected activity %+v", second)
	}
	b2, _ := m.GetSecret(context.Background(), "b", "certs")
	if string(b1["tls.crt"]) != string(b2["tls.crt"]) {
		t.Fatalf("self-signed certificate was regenerated")
	}
}

// opLog wraps the in-memory client and records namespace operations in order.
type opLog struct {
	*kube.Memory
	mu  sync.Mutex
	ops []string
}

func (o *opLog) add(op string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ops = append(o.ops, op)
}

func (o *opLog) CreateNamespace(ctx context.Context, id, ns string) (*corev1.Namespace, error) {
	o.add("create " + ns)
	return o.Memory.CreateNamespace(ctx, id, ns)
}

func (o *opLog) DeleteNamespace(ctx context.Context, ns string) error {
	o.add("delete " + ns)
	return o.Memory.DeleteNamespace(ctx, ns)
}

func (o *opLog) index(op string) int {
	for i, v := range o.ops {
		if v == op {
			return i
		}
	}
	return -1
}

func TestRenameCreatesBeforeDeleting(t *testing.T) {
	m := kube.NewMemory("test", nil)
	log := &opLog{Memory: m}
	e := newTestEngine(t, log, m, Options{Workers: 1})

	mustReconcile(t, e, addressSpace("a", "", ""))
	res := mustReconcile(t, e, addressSpace("b", "", ""))

	if c, d := log.index("create b"), log.index("delete a"); c < 0 || d < 0 || c > d {
		t.Fatalf("create must precede delete, ops=%v", log.ops)
	}
	if m.HasNamespace("a") || !m.HasNamespace("b") {
		t.Fatalf("expected only namespace b")
	}
	if len(res.Deleted) != 1 || res.Deleted[0] != "a" || res.Spaces["a"].Phase != types.PhaseDeleting {
		t.Fatalf("unexpected result %+v", res)
	}

	res = mustReconcile(t, e, addressSpace("b", "", ""))
	if res.Spaces["a"].Phase != types.PhaseGone {
		t.Fatalf("a should be reported gone, got %+v", res.Spaces["a"])
	}
	res = mustReconcile(t, e, addressSpace("b", "", ""))
	if _, ok := res.Spaces["a"]; ok {
		t.Fatalf("gone spaces are reported once")
	}
}

func TestRenameIntoSameNamespaceAdopts(t *testing.T) {
	ctx := context.Background()
	m := kube.NewMemory("test", nil)
	e := newTestEngine(t, m, m, Options{})
	old := addressSpace("old", "", "")
	old.Annotations = map[string]string{types.AnnotationNamespace: "shared"}
	renamed := addressSpace("new", "", "")
	renamed.Annotations = map[string]string{types.AnnotationNamespace: "shared"}

	mustReconcile(t, e, old)
	res := mustReconcile(t, e, renamed)
	if len(res.Deleted) != 0 || !m.HasNamespace("shared") {
		t.Fatalf("shared namespace must survive the rename: %+v", res)
	}
	clusters, err := m.ListClusters(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(clusters) != 1 || clusters[0].ID != "new" || !clusters[0].Has("Deployment", "broker") {
		t.Fatalf("objects not adopted: %+v", clusters)
	}
}

func TestRenameIntoSameNamespacePrunesLeftovers(t *testing.T) {
	ctx := context.Background()
	m := kube.NewMemory("test", nil)
	m.ReadyOnCreate = true
	e := newTestEngine(t, m, m, Options{})
	alpha := addressSpace("alpha", "", "")
	alpha.Annotations = map[string]string{types.AnnotationNamespace: "shared"}
	beta := addressSpace("beta", "", "")
	beta.Type = "brokered"
	beta.Annotations = map[string]string{types.AnnotationNamespace: "shared"}

	mustReconcile(t, e, alpha)
	res := mustReconcile(t, e, beta)
	if len(res.Deleted) != 0 || !m.HasNamespace("shared") {
		t.Fatalf("shared namespace must survive: %+v", res)
	}
	objs := strings.Join(m.Objects("shared"), ",")
	for _, gone := range []string{"Deployment/router", "Deployment/console", "Service/console"} {
		if strings.Contains(objs, gone) {
			t.Fatalf("%s left behind in %s", gone, objs)
		}
	}
	if !strings.Contains(objs, "Deployment/broker") {
		t.Fatalf("broker missing from %s", objs)
	}
	if st := res.Spaces["alpha"]; st.Phase != types.PhaseDeleting || st.Namespace != "shared" {
		t.Fatalf("alpha status %+v", st)
	}
	if !res.Ready("beta") {
		t.Fatalf("beta should be ready: %+v", res.Spaces["beta"])
	}
	clusters, err := m.ListClusters(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(clusters) != 1 || clusters[0].ID != "beta" || len(clusters[0].Stale) != 0 {
		t.Fatalf("clusters = %+v", clusters)
	}

	res = mustReconcile(t, e, beta)
	if res.Spaces["alpha"].Phase != types.PhaseGone {
		t.Fatalf("alpha should be gone, got %+v", res.Spaces["alpha"])
	}
}

func TestRemovedSpaceKeepsItsName(t *testing.T) {
	m := kube.NewMemory("test", nil)
	m.ReadyOnCreate = true
	e := newTestEngine(t, m, m, Options{})

	res := mustReconcile(t, e, addressSpace("My_Space", "", ""))
	if !res.Ready("My_Space") || !m.HasNamespace("my-space") {
		t.Fatalf("My_Space should be ready in my-space: %+v", res.Spaces)
	}

	var events []types.Event
	res = mustReconcile(t, e)
	events = append(events, res.Events...)
	if _, ok := res.Spaces["my-space"]; ok || len(res.Spaces) != 1 {
		t.Fatalf("deletion reported under the wrong key: %+v", res.Spaces)
	}
	if st := res.Spaces["My_Space"]; st.Phase != types.PhaseDeleting {
		t.Fatalf("My_Space status %+v", st)
	}
	if len(res.Deleted) != 1 || res.Deleted[0] != "my-space" {
		t.Fatalf("deleted = %v", res.Deleted)
	}

	res = mustReconcile(t, e)
	events = append(events, res.Events...)
	if st := res.Spaces["My_Space"]; st.Phase != types.PhaseGone || len(res.Spaces) != 1 {
		t.Fatalf("expected only My_Space gone, got %+v", res.Spaces)
	}
	if len(events) != 2 {
		t.Fatalf("events = %+v", events)
	}
	for _, ev := range events {
		if ev.Space != "My_Space" || !types.CanTransition(ev.From, ev.To) {
			t.Fatalf("unexpected event %+v", ev)
		}
	}
}

func TestFailedCreateIsNotReportedCreated(t *testing.T) {
	ctx := context.Background()
	m := kube.NewMemory("test", nil)
	m.ReadyOnCreate = true
	e := newTestEngine(t, m, m, Options{})
	mustReconcile(t, e, addressSpace("a", "", ""))

	if err := m.DeleteNamespace(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	m.FailCreate = func(kind string, _ client.Object) error {
		if kind == "Deployment" {
			return errors.New("quota exceeded")
		}
		return nil
	}
	res := mustReconcile(t, e, addressSpace("a", "", ""))
	if st := res.Spaces["a"]; st.Phase != types.PhaseProvisioning || st.Ready {
		t.Fatalf("status %+v", st)
	}
	if len(res.Created) != 0 {
		t.Fatalf("failed create reported as created: %v", res.Created)
	}
}

func TestPartialDeleteIsRetried(t *testing.T) {
	m := kube.NewMemory("test", nil)
	e := newTestEngine(t, m, m, Options{})
	mustReconcile(t, e, addressSpace("a", "", ""))

	m.FailDelete = func(kind string, _ client.Object) error {
		if kind == "Service" {
			return errors.New("apiserver unavailable")
		}
		return nil
	}
	res := mustReconcile(t, e)
	st := res.Spaces["a"]
	if st.Phase != types.PhaseDeleting || !strings.Contains(st.Message, "apiserver unavailable") {
		t.Fatalf("unexpected status %+v", st)
	}
	if !m.HasNamespace("a") || len(res.Deleted) != 0 {
		t.Fatalf("namespace must be kept while objects remain")
	}

	m.FailDelete = nil
	res = mustReconcile(t, e)
	if m.HasNamespace("a") || len(res.Deleted) != 1 {
		t.Fatalf("retry did not finish deletion: %+v", res)
	}
}

func TestItemTimeoutIsolatesSlowSpace(t *testing.T) {
	m := kube.NewMemory("test", nil)
	m.ReadyOnCreate = true
	m.Latency["slow"] = time.Second
	e := newTestEngine(t, m, m, Options{ItemTimeout: 50 * time.Millisecond, CycleTimeout: 5 * time.Second})

	res := mustReconcile(t, e, addressSpace("fast", "", ""), addressSpace("slow", "", ""))
	if !res.Ready("fast") {
		t.Fatalf("fast space should be ready: %+v", res.Spaces["fast"])
	}
	slow := res.Spaces["slow"]
	if slow.Ready || slow.Phase != types.PhasePending || !strings.Contains(slow.Message, "deadline") {
		t.Fatalf("slow space should time out: %+v", slow)
	}
}

func TestConfigErrorDoesNotBlockOtherSpaces(t *testing.T) {
	m := kube.NewMemory("test", nil)
	m.ReadyOnCreate = true
	// no wildcard secret seeded
	e := newTestEngine(t, m, m, Options{})

	res := mustReconcile(t, e, addressSpace("a", certs.ProviderWildcard, "certs"), addressSpace("b", "", ""))
	a := res.Spaces["a"]
	if a.Ready || !a.ConfigError || a.Phase != types.PhaseProvisioning {
		t.Fatalf("a should be blocked by configuration: %+v", a)
	}
	if len(m.Objects("a")) == 0 {
		t.Fatalf("cluster objects for a should still exist")
	}
	if !res.Ready("b") {
		t.Fatalf("b should be ready: %+v", res.Spaces["b"])
	}
}

func TestUnknownTemplateIsConfigError(t *testing.T) {
	m := kube.NewMemory("test", nil)
	e := newTestEngine(t, m, m, Options{})
	s := addressSpace("a", "", "")
	s.Type = "exotic"
	st := mustReconcile(t, e, s).Spaces["a"]
	if !st.ConfigError || st.Phase != types.PhasePending {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestDuplicateInstanceIDsRejected(t *testing.T) {
	m := kube.NewMemory("test", nil)
	e := newTestEngine(t, m, m, Options{})
	res := mustReconcile(t, e, addressSpace("My Space", "", ""), addressSpace("my-space", "", ""))
	if res.Spaces["My Space"].ConfigError {
		t.Fatalf("first space should be accepted")
	}
	if st := res.Spaces["my-space"]; !st.ConfigError || !strings.Contains(st.Message, "My Space") {
		t.Fatalf("second space should be rejected: %+v", st)
	}
	if !m.HasNamespace("my-space") {
		t.Fatalf("accepted space not created")
	}
}

func TestMissingObjectIsRecreated(t *testing.T) {
	ctx := context.Background()
	m := kube.NewMemory("test", nil)
	e := newTestEngine(t, m, m, Options{})
	mustReconcile(t, e, addressSpace("a", "", ""))

	clusters, _ := m.ListClusters(ctx)
	for _, r := range clusters[0].Resources {
		if r.Key() == "Deployment/router" {
			if err := m.Delete(ctx, r.Object); err != nil {
				t.Fatal(err)
			}
		}
	}
	before := m.Creates()
	mustReconcile(t, e, addressSpace("a", "", ""))
	if m.Creates()-before != 1 {
		t.Fatalf("expected exactly one create, got %d", m.Creates()-before)
	}
	if !strings.Contains(strings.Join(m.Objects("a"), ","), "Deployment/router") {
		t.Fatalf("router not recreated")
	}
}

func TestConcurrentCycleRejected(t *testing.T) {
	m := kube.NewMemory("test", nil)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	m.FailCreate = func(string, client.Object) error {
		once.Do(func() {
			close(started)
			<-release
		})
		return nil
	}
	e := newTestEngine(t, m, m, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := e.Reconcile(context.Background(), []types.AddressSpace{addressSpace("a", "", "")})
		done <- err
	}()
	<-started
	if _, err := e.Reconcile(context.Background(), nil); !errors.Is(err, ErrCycleInProgress) {
		t.Fatalf("expected ErrCycleInProgress, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}
}

// gauge wraps the in-memory client and tracks concurrent namespace creations.
type gauge struct {
	*kube.Memory
	cur, max atomic.Int32
}

func (g *gauge) CreateNamespace(ctx context.Context, id, ns string) (*corev1.Namespace, error) {
	n := g.cur.Add(1)
	defer g.cur.Add(-1)
	for {
		m := g.max.Load()
		if n <= m || g.max.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return g.Memory.CreateNamespace(ctx, id, ns)
}

func TestWorkerPoolIsBounded(t *testing.T) {
	m := kube.NewMemory("test", nil)
	g := &gauge{Memory: m}
	e := newTestEngine(t, g, m, Options{Workers: 2})
	var desired []types.AddressSpace
	for _, n := range []string{"a", "b", "c", "d", "e", "f"} {
		desired = append(desired, addressSpace(n, "", ""))
	}
	mustReconcile(t, e, desired...)
	if got := g.max.Load(); got < 1 || got > 2 {
		t.Fatalf("max concurrency = %d, want 1..2", got)
	}
}

// conflicting reports two clusters on one namespace.
type conflicting struct{ *kube.Memory }

func (conflicting) ListClusters(context.Context) ([]cluster.DestinationCluster, error) {
	return []cluster.DestinationCluster{
		cluster.NewDestinationCluster("a", "shared", false, nil),
		cluster.NewDestinationCluster("b", "shared", false, nil),
	}, nil
}

func TestInvalidStateAbortsCycle(t *testing.T) {
	m := kube.NewMemory("test", nil)
	e := newTestEngine(t, conflicting{m}, m, Options{})
	_, err := e.Reconcile(context.Background(), []types.AddressSpace{addressSpace("c", "", "")})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if m.Creates() != 0 {
		t.Fatalf("aborted cycle must not write")
	}
}
