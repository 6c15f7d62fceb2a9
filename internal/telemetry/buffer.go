package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vaheed/novaspace/internal/logging"
	"github.com/vaheed/novaspace/internal/metrics"
	"github.com/vaheed/novaspace/pkg/types"
)

const keyPrefix = "novaspace:"

// Options configures a RedisBuffer.
type Options struct {
	// RedisAddr is the Redis server; empty turns the buffer into a no-op.
	RedisAddr string
	// SinkURL receives one POST per buffered item.
	SinkURL  string
	MaxItems int
	Interval time.Duration
	Client   *http.Client
}

// RedisBuffer queues phase events in Redis lists and pushes them to an HTTP
// sink in batches, so events survive controller restarts and sink outages.
type RedisBuffer struct {
	rdb  *redis.Client
	http *http.Client
	sink string
	max  int
	tick time.Duration
	noop bool
}

func NewRedisBuffer(opts Options) *RedisBuffer {
	if opts.MaxItems <= 0 {
		opts.MaxItems = 100
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 5 * time.Second}
	}
	b := &RedisBuffer{http: opts.Client, sink: opts.SinkURL, max: opts.MaxItems, tick: opts.Interval}
	// Without Redis or a sink there is nothing to buffer into or flush to.
	if opts.RedisAddr == "" || opts.SinkURL == "" {
		b.noop = true
		return b
	}
	b.rdb = redis.NewClient(&redis.Options{Addr: opts.RedisAddr})
	return b
}

// Enabled reports whether events are actually buffered.
func (b *RedisBuffer) Enabled() bool { return !b.noop }

func (b *RedisBuffer) Enqueue(ctx context.Context, kind string, payload any) error {
	if b.noop {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := b.rdb.RPush(ctx, keyPrefix+kind, raw).Err(); err != nil {
		return fmt.Errorf("redis push %s: %w", kind, err)
	}
	return nil
}

// PublishEvents buffers phase events for delivery.
func (b *RedisBuffer) PublishEvents(ctx context.Context, evts []types.Event) error {
	for _, e := range evts {
		if err := b.Enqueue(ctx, "events", e); err != nil {
			return err
		}
		if !b.noop {
			metrics.EventsPublishedTotal.Inc()
		}
	}
	return nil
}

// NeedLeaderElection lets followers keep their buffer untouched.
func (b *RedisBuffer) NeedLeaderElection() bool { return true }

// Start flushes on every tick until ctx is done.
func (b *RedisBuffer) Start(ctx context.Context) error {
	if b.noop {
		<-ctx.Done()
		return nil
	}
	defer b.rdb.Close()
	t := time.NewTicker(b.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := b.Flush(ctx, "events"); err != nil {
				logging.L.Warn("telemetry_flush_failed", zap.Error(err))
			}
		}
	}
}

// Flush pushes up to MaxItems buffered items of kind to the sink. An item the
// sink refuses is put back at the head of the list and flushing stops.
func (b *RedisBuffer) Flush(ctx context.Context, kind string) (int, error) {
	if b.noop {
		return 0, nil
	}
	key := keyPrefix + kind
	sent := 0
	for i := 0; i < b.max; i++ {
		raw, err := b.rdb.LPop(ctx, key).Bytes()
		if err == redis.Nil {
			return sent, nil
		}
		if err != nil {
			return sent, err
		}
		if err := b.post(ctx, raw); err != nil {
			if perr := b.rdb.LPush(ctx, key, raw).Err(); perr != nil {
				logging.L.Error("telemetry_requeue_failed", zap.Error(perr))
			}
			return sent, err
		}
		sent++
	}
	return sent, nil
}

func (b *RedisBuffer) post(ctx context.Context, raw []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.sink, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sink returned %s", resp.Status)
	}
	return nil
}
