package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vaheed/novaspace/internal/certs"
	"github.com/vaheed/novaspace/internal/cluster"
	"github.com/vaheed/novaspace/internal/kube"
	"github.com/vaheed/novaspace/internal/logging"
	"github.com/vaheed/novaspace/internal/metrics"
	"github.com/vaheed/novaspace/pkg/types"
)

var (
	// ErrCycleInProgress is returned when Reconcile is called while a cycle runs.
	ErrCycleInProgress = errors.New("reconcile cycle already in progress")
	// ErrInvalidState aborts a cycle whose cluster listing breaks the ownership invariants.
	ErrInvalidState = errors.New("invalid cluster state")
)

var tracer = otel.Tracer("github.com/vaheed/novaspace/internal/reconcile")

// Options tunes an Engine. Zero values fall back to defaults.
type Options struct {
	// Controller scopes owned objects to this controller instance.
	Controller string
	// Template is used for spaces whose type names no template.
	Template     string
	Workers      int
	ItemTimeout  time.Duration
	CycleTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Template == "" {
		o.Template = "standard"
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.ItemTimeout <= 0 {
		o.ItemTimeout = 30 * time.Second
	}
	if o.CycleTimeout <= 0 {
		o.CycleTimeout = 5 * time.Minute
	}
	return o
}

// Engine converges live destination clusters towards the desired address spaces.
// Only one cycle runs at a time; concurrent callers get ErrCycleInProgress.
type Engine struct {
	kube  kube.Interface
	certs *certs.Registry
	opts  Options
	now   func() time.Time

	cycle sync.Mutex
	// phases holds the last reported phase per status key and names maps
	// instance ids to the space name they were last reported under. Only
	// touched while cycle is held.
	phases map[string]types.Phase
	names  map[string]string
}

// NewEngine wires an engine. reg may be nil when no endpoint requests certificates.
func NewEngine(k kube.Interface, reg *certs.Registry, opts Options) *Engine {
	if reg == nil {
		reg = certs.NewRegistry()
	}
	return &Engine{
		kube:   k,
		certs:  reg,
		opts:   opts.withDefaults(),
		now:    time.Now,
		phases: map[string]types.Phase{},
		names:  map[string]string{},
	}
}

// Reconcile runs one cycle against desired. Per-space failures are reported in
// the result and never abort the cycle; listing failures and ErrInvalidState do.
// A cycle that runs past its deadline returns the partial result with an error.
func (e *Engine) Reconcile(ctx context.Context, desired []types.AddressSpace) (Result, error) {
	if !e.cycle.TryLock() {
		metrics.CyclesTotal.WithLabelValues("busy").Inc()
		return Result{}, ErrCycleInProgress
	}
	defer e.cycle.Unlock()

	out := &collector{res: Result{CycleID: types.NewID().String(), Started: e.now(), Spaces: map[string]types.SpaceStatus{}}}
	ctx, cancel := context.WithTimeout(ctx, e.opts.CycleTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "reconcile.cycle")
	defer span.End()
	span.SetAttributes(attribute.String("cycle.id", out.res.CycleID), attribute.Int("spaces.desired", len(desired)))
	log := logging.FromContext(ctx).With(zap.String("cycle", out.res.CycleID))
	ctx = logging.IntoContext(ctx, log)

	err := e.run(ctx, desired, out)
	res := out.result(e.now())
	metrics.ReconcileSeconds.Observe(res.Finished.Sub(res.Started).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.CyclesTotal.WithLabelValues("error").Inc()
		log.Warn("reconcile_cycle_failed", zap.Error(err))
		return res, err
	}
	metrics.CyclesTotal.WithLabelValues("ok").Inc()
	log.Info("reconcile_cycle_done",
		zap.Int("spaces", len(res.Spaces)),
		zap.Strings("created", res.Created),
		zap.Strings("deleted", res.Deleted),
		zap.Duration("took", res.Finished.Sub(res.Started)))
	return res, nil
}

func (e *Engine) run(ctx context.Context, desired []types.AddressSpace, out *collector) error {
	clusters, err := e.kube.ListClusters(ctx)
	if err != nil {
		return fmt.Errorf("list clusters: %w", err)
	}
	byNamespace, err := indexClusters(clusters)
	if err != nil {
		return err
	}

	plan := planCycle(desired, byNamespace)
	names := make(map[string]string, len(plan.work))
	for _, w := range plan.work {
		names[cluster.InstanceID(w.space)] = w.space.Name
	}

	// Creations and updates of every desired space finish before any deletion starts.
	e.forEach(ctx, len(plan.work), func(ctx context.Context, i int) {
		w := plan.work[i]
		if w.current != nil {
			out.record(e.updateSpace(ctx, w.space, *w.current), e.now())
			return
		}
		st, created := e.createSpace(ctx, w.space)
		if created {
			out.created(cluster.InstanceID(w.space))
		}
		out.record(st, e.now())
	})
	for _, st := range plan.rejected {
		out.record(st, e.now())
	}

	if plan.creates > 0 {
		// Relist so objects adopted by the creations above are not deleted.
		clusters, err = e.kube.ListClusters(ctx)
		if err == nil {
			byNamespace, err = indexClusters(clusters)
		}
		if err != nil {
			for id, name := range e.names {
				if _, ok := names[id]; !ok {
					names[id] = name
				}
			}
			e.names = names
			e.finish(out, false)
			return fmt.Errorf("list clusters after create: %w", err)
		}
	}

	orphans := findOrphans(plan, byNamespace)
	orphanNames := make([]string, len(orphans))
	for i, c := range orphans {
		orphanNames[i] = e.nameOf(c.ID)
		names[c.ID] = orphanNames[i]
	}
	stale := findStale(plan, byNamespace)
	for i, g := range stale {
		if _, known := names[g.id]; !known {
			stale[i].name = e.nameOf(g.id)
			names[g.id] = stale[i].name
		}
	}
	e.names = names

	e.forEach(ctx, len(orphans), func(ctx context.Context, i int) {
		st, deleted := e.deleteCluster(ctx, orphans[i], orphanNames[i])
		if deleted {
			out.deleted(orphans[i].ID)
		}
		out.record(st, e.now())
	})
	e.forEach(ctx, len(stale), func(ctx context.Context, i int) {
		if st, report := e.pruneStale(ctx, stale[i]); report {
			out.record(st, e.now())
		}
	})

	e.finish(out, true)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("cycle deadline: %w", err)
	}
	return nil
}

// nameOf returns the space name an instance id was last reported under,
// falling back to the id for clusters this process has not seen before.
func (e *Engine) nameOf(id string) string {
	if name, ok := e.names[id]; ok {
		return name
	}
	return id
}

// forEach runs fn for 0..n-1 on at most Workers goroutines. Every call gets
// its own item deadline derived from the cycle context.
func (e *Engine) forEach(ctx context.Context, n int, fn func(context.Context, int)) {
	var g errgroup.Group
	g.SetLimit(e.opts.Workers)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			itemCtx, cancel := context.WithTimeout(ctx, e.opts.ItemTimeout)
			defer cancel()
			fn(itemCtx, i)
			return nil
		})
	}
	_ = g.Wait()
}

// finish emits transition events and refreshes the phase gauge. On a complete
// cycle, spaces reported last time but absent now move on to Deleting, or to
// Gone when they were already deleting; on an aborted one their previous
// phase is carried over untouched.
func (e *Engine) finish(out *collector, complete bool) {
	out.mu.Lock()
	defer out.mu.Unlock()
	res := &out.res
	next := map[string]types.Phase{}
	for key, prev := range e.phases {
		if _, ok := res.Spaces[key]; ok {
			continue
		}
		if !complete {
			next[key] = prev
			continue
		}
		phase := types.PhaseGone
		if prev != types.PhaseDeleting {
			phase = types.PhaseDeleting
		}
		res.Spaces[key] = types.SpaceStatus{Name: key, Phase: phase, Message: "no longer present", CycleID: res.CycleID, UpdatedAt: e.now()}
	}

	keys := make([]string, 0, len(res.Spaces))
	for key := range res.Spaces {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	counts := map[types.Phase]int{}
	for _, key := range keys {
		st := res.Spaces[key]
		counts[st.Phase]++
		prev := e.phases[key]
		if st.Phase != types.PhaseGone {
			next[key] = st.Phase
		}
		if prev == st.Phase {
			continue
		}
		if !types.CanTransition(prev, st.Phase) {
			logging.L.Warn("phase_transition_unexpected", zap.String("space", key), zap.String("from", string(prev)), zap.String("to", string(st.Phase)))
		}
		res.Events = append(res.Events, types.Event{
			ID:      types.NewID().String(),
			Space:   key,
			Type:    EventPhaseChanged,
			From:    prev,
			To:      st.Phase,
			Message: st.Message,
			Payload: map[string]any{"cycle": res.CycleID, "namespace": st.Namespace, "ready": st.Ready},
			TS:      st.UpdatedAt,
		})
	}
	e.phases = next
	for _, p := range []types.Phase{types.PhasePending, types.PhaseProvisioning, types.PhaseReady, types.PhaseDeleting, types.PhaseGone} {
		metrics.SpacesByPhase.WithLabelValues(string(p)).Set(float64(counts[p]))
	}
}

// indexClusters keys clusters by namespace and rejects listings in which
// two clusters claim one namespace or a cluster has no id.
func indexClusters(clusters []cluster.DestinationCluster) (map[string]cluster.DestinationCluster, error) {
	out := make(map[string]cluster.DestinationCluster, len(clusters))
	for _, c := range clusters {
		if c.ID == "" || c.Namespace == "" {
			return nil, fmt.Errorf("%w: cluster %q in namespace %q", ErrInvalidState, c.ID, c.Namespace)
		}
		if prev, dup := out[c.Namespace]; dup {
			return nil, fmt.Errorf("%w: namespace %s claimed by %s and %s", ErrInvalidState, c.Namespace, prev.ID, c.ID)
		}
		out[c.Namespace] = c
	}
	return out, nil
}
