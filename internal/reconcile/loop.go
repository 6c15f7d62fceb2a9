package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vaheed/novaspace/internal/logging"
	"github.com/vaheed/novaspace/pkg/types"
)

// Source supplies the desired address spaces for a cycle.
type Source interface {
	List(ctx context.Context) ([]types.AddressSpace, error)
}

// Sink receives the outcome of every completed cycle.
type Sink interface {
	Record(ctx context.Context, res Result) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, res Result) error

func (f SinkFunc) Record(ctx context.Context, res Result) error { return f(ctx, res) }

// Loop drives the engine on a resync interval and on demand. Triggers that
// arrive while a cycle runs are coalesced into a single follow-up cycle.
type Loop struct {
	engine   *Engine
	source   Source
	sinks    []Sink
	interval time.Duration
	trigger  chan struct{}

	mu   sync.RWMutex
	last *Result
}

func NewLoop(engine *Engine, source Source, interval time.Duration, sinks ...Sink) *Loop {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Loop{
		engine:   engine,
		source:   source,
		sinks:    sinks,
		interval: interval,
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger requests a cycle as soon as possible. It never blocks.
func (l *Loop) Trigger() {
	select {
	case l.trigger <- struct{}{}:
	default:
	}
}

// NeedLeaderElection keeps a single replica acting on the cluster.
func (l *Loop) NeedLeaderElection() bool { return true }

// Start runs a cycle immediately and then on every tick or trigger until ctx is done.
func (l *Loop) Start(ctx context.Context) error {
	logging.L.Info("reconcile_loop_start", zap.Duration("interval", l.interval))
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	l.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			logging.L.Info("reconcile_loop_stop")
			return nil
		case <-ticker.C:
		case <-l.trigger:
		}
		l.runLogged(ctx)
	}
}

func (l *Loop) runLogged(ctx context.Context) {
	if _, err := l.RunOnce(ctx); err != nil && !errors.Is(err, ErrCycleInProgress) && ctx.Err() == nil {
		logging.L.Error("reconcile_loop_error", zap.Error(err))
	}
}

// RunOnce lists the desired state, runs one cycle and hands the result to every sink.
// Sink failures are logged and do not fail the cycle.
func (l *Loop) RunOnce(ctx context.Context) (Result, error) {
	desired, err := l.source.List(ctx)
	if err != nil {
		return Result{}, err
	}
	res, err := l.engine.Reconcile(ctx, desired)
	if err != nil && len(res.Spaces) == 0 {
		// nothing was observed: busy, listing failed or invalid state
		return res, err
	}
	l.mu.Lock()
	l.last = &res
	l.mu.Unlock()
	for _, s := range l.sinks {
		if serr := s.Record(ctx, res); serr != nil {
			logging.L.Warn("reconcile_sink_error", zap.String("cycle", res.CycleID), zap.Error(serr))
		}
	}
	return res, err
}

// Last returns the most recent recorded cycle.
func (l *Loop) Last() (Result, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.last == nil {
		return Result{}, false
	}
	return *l.last, true
}
