// Package scrape decides when to refresh metrics from a source, shares one
// refresh between concurrent scrapes, and serves cached exposition text.
package scrape

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/srcds-exporter/srcds-exporter/internal/model"
	"github.com/srcds-exporter/srcds-exporter/internal/render"
	"github.com/srcds-exporter/srcds-exporter/pkg/errors"
)

// Source produces the raw measurements for one refresh.
type Source interface {
	Fetch(ctx context.Context) ([]model.Metric, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]model.Metric, error)

// Fetch calls f.
func (f SourceFunc) Fetch(ctx context.Context) ([]model.Metric, error) { return f(ctx) }

// FailurePolicy selects what is served after a failed refresh.
type FailurePolicy string

const (
	// PolicyStale re-renders the last good metrics with the up gauge at 0.
	PolicyStale FailurePolicy = "stale"
	// PolicyError serves only the up gauge at 0.
	PolicyError FailurePolicy = "error"
)

// State is the refresh state of a coordinator.
type State int

const (
	Idle State = iota
	Refreshing
	Served
)

func (s State) String() string {
	switch s {
	case Refreshing:
		return "refreshing"
	case Served:
		return "served"
	default:
		return "idle"
	}
}

// Options configures a Coordinator.
type Options struct {
	// Target identifies the backend in logs, errors and observer events.
	Target string

	TTL            time.Duration
	FailureTTL     time.Duration
	RefreshTimeout time.Duration
	MaxWait        time.Duration
	FailurePolicy  FailurePolicy

	Logger   *zap.Logger
	Observer Observer

	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// DefaultOptions returns the default coordinator options.
func DefaultOptions() Options {
	return Options{
		TTL:            5 * time.Second,
		FailureTTL:     5 * time.Second,
		RefreshTimeout: 8 * time.Second,
		MaxWait:        10 * time.Second,
		FailurePolicy:  PolicyStale,
	}
}

// Result is the answer to one Get.
type Result struct {
	Text       string
	Stale      bool
	CapturedAt time.Time
}

type cacheEntry struct {
	snapshot  *model.Snapshot
	text      string
	expiresAt time.Time
	stale     bool
	noData    bool
	err       error
}

const refreshKey = "refresh"

// Coordinator caches the rendered metrics of one source.
type Coordinator struct {
	source   Source
	renderer *render.Renderer
	opts     Options
	logger   *zap.Logger
	observer Observer
	now      func() time.Time

	group singleflight.Group
	// running is closed when the last source call returns. It is only
	// touched from inside the single-flight group.
	running chan struct{}

	// srcMu guards the source lifetime. Close waits for a running source
	// call to return before closing the source.
	srcMu   sync.Mutex
	busy    bool
	closing bool
	closed  bool

	mu       sync.RWMutex
	entry    *cacheEntry
	lastGood *model.Snapshot
	state    State
}

// NewCoordinator creates a coordinator for source. Zero durations in opts
// fall back to DefaultOptions.
func NewCoordinator(source Source, renderer *render.Renderer, opts Options) (*Coordinator, error) {
	if source == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "source is required")
	}
	if renderer == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "renderer is required")
	}

	defaults := DefaultOptions()
	if opts.TTL <= 0 {
		opts.TTL = defaults.TTL
	}
	if opts.FailureTTL <= 0 {
		opts.FailureTTL = opts.TTL
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = defaults.RefreshTimeout
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = defaults.MaxWait
	}
	switch opts.FailurePolicy {
	case "":
		opts.FailurePolicy = defaults.FailurePolicy
	case PolicyStale, PolicyError:
	default:
		return nil, errors.NewError(errors.ErrCodeInvalidConfig,
			fmt.Sprintf("unknown failure policy %q", opts.FailurePolicy))
	}

	c := &Coordinator{
		source:   source,
		renderer: renderer,
		opts:     opts,
		logger:   opts.Logger,
		observer: opts.Observer,
		now:      opts.Now,
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.With(zap.String("target", opts.Target))
	if c.observer == nil {
		c.observer = nopObserver{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// Target returns the target the coordinator serves.
func (c *Coordinator) Target() string { return c.opts.Target }

// State returns the current refresh state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.state == Served && c.entry != nil && !c.now().Before(c.entry.expiresAt) {
		return Idle
	}
	return c.state
}

// Get returns the exposition text, refreshing it first when the cached
// entry is missing or expired. Concurrent callers share one refresh. Get
// waits at most MaxWait; cancelling ctx stops the wait but never the refresh.
func (c *Coordinator) Get(ctx context.Context) (Result, error) {
	c.mu.RLock()
	entry := c.entry
	c.mu.RUnlock()

	if entry != nil && c.now().Before(entry.expiresAt) {
		if entry.stale {
			c.observer.CacheResult(c.opts.Target, CacheStale)
		} else {
			c.observer.CacheResult(c.opts.Target, CacheHit)
		}
		return c.result(entry)
	}

	ch := c.group.DoChan(refreshKey, func() (interface{}, error) {
		return c.refresh(), nil
	})

	waitCtx, cancel := context.WithTimeout(ctx, c.opts.MaxWait)
	defer cancel()

	select {
	case res := <-ch:
		if res.Shared {
			c.observer.CacheResult(c.opts.Target, CacheShared)
		} else {
			c.observer.CacheResult(c.opts.Target, CacheMiss)
		}
		return c.result(res.Val.(*cacheEntry))
	case <-waitCtx.Done():
		return c.waitExpired(waitCtx.Err())
	}
}

func (c *Coordinator) waitExpired(cause error) (Result, error) {
	c.mu.RLock()
	entry := c.entry
	c.mu.RUnlock()

	if entry == nil || entry.noData {
		return Result{}, errors.Wrap(errors.ErrCodeRefreshTimeout, "no data while refresh is in progress", cause).
			WithComponent("scrape").
			WithTarget(c.opts.Target)
	}

	c.observer.CacheResult(c.opts.Target, CacheStale)
	return Result{
		Text:       entry.text,
		Stale:      true,
		CapturedAt: entry.snapshot.CapturedAt(),
	}, nil
}

func (c *Coordinator) result(entry *cacheEntry) (Result, error) {
	if entry.noData {
		return Result{}, errors.Wrap(errors.ErrCodeNoDataAvailable, "no successful collection yet", entry.err).
			WithComponent("scrape").
			WithTarget(c.opts.Target)
	}
	return Result{
		Text:       entry.text,
		Stale:      entry.stale,
		CapturedAt: entry.snapshot.CapturedAt(),
	}, nil
}

// refresh runs inside the single-flight group.
func (c *Coordinator) refresh() *cacheEntry {
	c.mu.Lock()
	if c.entry != nil && c.now().Before(c.entry.expiresAt) {
		entry := c.entry
		c.mu.Unlock()
		return entry
	}
	c.state = Refreshing
	lastGood := c.lastGood
	c.mu.Unlock()

	start := time.Now()
	metrics, err := c.fetch()
	duration := time.Since(start)

	entry := c.buildEntry(metrics, err, lastGood)

	c.mu.Lock()
	c.entry = entry
	if entry.err == nil {
		c.lastGood = entry.snapshot
	}
	c.state = Served
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("Refresh failed",
			zap.Error(err),
			zap.Duration("duration", duration),
			zap.Bool("stale", entry.stale),
			zap.Bool("no_data", entry.noData))
	} else {
		c.logger.Debug("Refresh completed",
			zap.Int("metrics", entry.snapshot.Len()),
			zap.Duration("duration", duration))
	}
	c.observer.RefreshCompleted(c.opts.Target, duration, err)
	return entry
}

type fetchResult struct {
	metrics  []model.Metric
	err      error
	panicked bool
}

// fetch calls the source with a hard timeout on a context detached from
// every caller. A source that ignores its context is abandoned at the
// deadline; its late result is discarded, and the source is not called
// again until that call returns.
func (c *Coordinator) fetch() ([]model.Metric, error) {
	if c.running != nil {
		select {
		case <-c.running:
			c.running = nil
		default:
			return nil, c.fetchError("previous fetch is still running",
				errors.NewError(errors.ErrCodeRefreshTimeout,
					fmt.Sprintf("source has not returned within %s", c.opts.RefreshTimeout)))
		}
	}

	if !c.acquire() {
		return nil, errors.NewError(errors.ErrCodeFetchFailure, "coordinator is closed").
			WithComponent("scrape").
			WithTarget(c.opts.Target)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RefreshTimeout)
	defer cancel()

	running := make(chan struct{})
	c.running = running
	done := make(chan fetchResult, 1)
	go func() {
		var res fetchResult
		var pc panics.Catcher
		pc.Try(func() {
			res.metrics, res.err = c.source.Fetch(ctx)
		})
		if r := pc.Recovered(); r != nil {
			res = fetchResult{err: r.AsError(), panicked: true}
		}
		c.release()
		close(running)
		done <- res
	}()

	select {
	case res := <-done:
		switch {
		case res.panicked:
			return nil, c.fetchError("source panicked", res.err)
		case res.err != nil:
			return res.metrics, c.fetchError("fetch failed", res.err)
		}
		return res.metrics, nil
	case <-ctx.Done():
		return nil, c.fetchError(fmt.Sprintf("refresh exceeded %s", c.opts.RefreshTimeout), ctx.Err())
	}
}

func (c *Coordinator) fetchError(message string, cause error) error {
	return errors.Wrap(errors.ErrCodeFetchFailure, message, cause).
		WithComponent("scrape").
		WithTarget(c.opts.Target)
}

func (c *Coordinator) buildEntry(metrics []model.Metric, fetchErr error, lastGood *model.Snapshot) *cacheEntry {
	capturedAt := c.now()

	if fetchErr == nil || len(metrics) > 0 {
		snap, dropped := model.NewSnapshot(metrics, capturedAt, fetchErr)
		if len(dropped) > 0 {
			for _, err := range dropped {
				c.logger.Debug("Dropped invalid metric", zap.Error(err))
			}
			c.logger.Warn("Source returned invalid metrics", zap.Int("dropped", len(dropped)))
			c.observer.InvalidMetrics(c.opts.Target, len(dropped))
		}

		ttl := c.opts.TTL
		if fetchErr != nil {
			ttl = c.opts.FailureTTL
		}
		return &cacheEntry{
			snapshot:  snap,
			text:      c.renderer.Render(snap),
			expiresAt: capturedAt.Add(ttl),
			err:       fetchErr,
		}
	}

	expiresAt := capturedAt.Add(c.opts.FailureTTL)
	if lastGood == nil {
		return &cacheEntry{
			snapshot:  model.ErrorSnapshot(capturedAt, fetchErr),
			expiresAt: expiresAt,
			noData:    true,
			err:       fetchErr,
		}
	}

	var snap *model.Snapshot
	stale := false
	switch c.opts.FailurePolicy {
	case PolicyError:
		snap = model.ErrorSnapshot(capturedAt, fetchErr)
	default:
		snap = lastGood.WithError(fetchErr)
		stale = true
	}
	return &cacheEntry{
		snapshot:  snap,
		text:      c.renderer.Render(snap),
		expiresAt: expiresAt,
		stale:     stale,
		err:       fetchErr,
	}
}

// Close releases the source when it holds resources. While a source call
// is running the close is deferred until that call returns. Fetches after
// Close fail without touching the source.
func (c *Coordinator) Close() error {
	c.srcMu.Lock()
	defer c.srcMu.Unlock()

	if c.closed || c.closing {
		return nil
	}
	if c.busy {
		c.closing = true
		return nil
	}
	c.closed = true
	return c.closeSource()
}

// acquire marks the source busy, or reports false once it is closed.
func (c *Coordinator) acquire() bool {
	c.srcMu.Lock()
	defer c.srcMu.Unlock()

	if c.closed || c.closing {
		return false
	}
	c.busy = true
	return true
}

func (c *Coordinator) release() {
	c.srcMu.Lock()
	defer c.srcMu.Unlock()

	c.busy = false
	if !c.closing {
		return
	}
	c.closing = false
	c.closed = true
	if err := c.closeSource(); err != nil {
		c.logger.Warn("Failed to close source", zap.Error(err))
	}
}

func (c *Coordinator) closeSource() error {
	if closer, ok := c.source.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
