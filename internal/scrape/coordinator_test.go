package scrape

import (
	"context"
	stderr "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/srcds-exporter/srcds-exporter/internal/model"
	"github.com/srcds-exporter/srcds-exporter/internal/render"
	"github.com/srcds-exporter/srcds-exporter/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingSource counts calls and delegates to fn.
type countingSource struct {
	calls atomic.Int32
	fn    func(ctx context.Context, call int32) ([]model.Metric, error)
}

func (s *countingSource) Fetch(ctx context.Context) ([]model.Metric, error) {
	n := s.calls.Add(1)
	return s.fn(ctx, n)
}

type recordingObserver struct {
	mu      sync.Mutex
	results []CacheResult
	refresh []error
	invalid int
}

func (o *recordingObserver) CacheResult(_ string, r CacheResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, r)
}

func (o *recordingObserver) RefreshCompleted(_ string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.refresh = append(o.refresh, err)
}

func (o *recordingObserver) InvalidMetrics(_ string, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.invalid += n
}

func gauge(name string, v float64) model.Metric {
	return model.Metric{Name: name, Kind: model.KindGauge, Value: v}
}

func newTestCoordinator(t *testing.T, src Source, opts Options) *Coordinator {
	t.Helper()
	opts.Logger = zaptest.NewLogger(t)
	if opts.Target == "" {
		opts.Target = "127.0.0.1:27015"
	}
	c, err := NewCoordinator(src, render.New(render.Options{Namespace: "srcds"}), opts)
	require.NoError(t, err)
	return c
}

func TestNewCoordinator_Validation(t *testing.T) {
	t.Parallel()

	r := render.New(render.Options{})
	_, err := NewCoordinator(nil, r, Options{})
	assert.True(t, stderr.Is(err, errors.NewError(errors.ErrCodeInvalidConfig, "")))

	src := SourceFunc(func(context.Context) ([]model.Metric, error) { return nil, nil })
	_, err = NewCoordinator(src, nil, Options{})
	assert.Error(t, err)

	_, err = NewCoordinator(src, r, Options{FailurePolicy: "retry"})
	assert.Error(t, err)

	c, err := NewCoordinator(src, r, Options{TTL: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, c.opts.FailureTTL)
	assert.Equal(t, PolicyStale, c.opts.FailurePolicy)
	assert.Equal(t, Idle, c.State())
}

func TestCoordinator_SingleFlight(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	src := &countingSource{fn: func(context.Context, int32) ([]model.Metric, error) {
		once.Do(func() { close(started) })
		<-release
		return []model.Metric{gauge("srcds_fps", 64)}, nil
	}}
	obs := &recordingObserver{}
	c := newTestCoordinator(t, src, Options{TTL: time.Minute, Observer: obs})

	const callers = 50
	texts := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.Get(context.Background())
			assert.NoError(t, err)
			texts[i] = res.Text
		}(i)
	}

	<-started
	assert.Equal(t, Refreshing, c.State())
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), src.calls.Load())
	for _, text := range texts {
		assert.Equal(t, texts[0], text)
	}
	assert.Contains(t, texts[0], "srcds_fps 64\n")
	assert.Equal(t, Served, c.State())
	assert.Len(t, obs.refresh, 1)
}

func TestCoordinator_TTL(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	var value atomic.Int64
	value.Store(42)
	src := &countingSource{fn: func(context.Context, int32) ([]model.Metric, error) {
		return []model.Metric{{Name: "jobs_processed", Kind: model.KindCounter, Value: float64(value.Load())}}, nil
	}}
	obs := &recordingObserver{}
	c := newTestCoordinator(t, src, Options{TTL: 5 * time.Second, Now: clock.Now, Observer: obs})

	res, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Contains(t, res.Text, "jobs_processed 42\n")
	assert.False(t, res.Stale)
	assert.Equal(t, clock.Now(), res.CapturedAt)

	value.Store(43)
	clock.Advance(4 * time.Second)
	res, err = c.Get(context.Background())
	require.NoError(t, err)
	assert.Contains(t, res.Text, "jobs_processed 42\n")
	assert.Equal(t, int32(1), src.calls.Load())

	clock.Advance(2 * time.Second)
	assert.Equal(t, Idle, c.State())
	res, err = c.Get(context.Background())
	require.NoError(t, err)
	assert.Contains(t, res.Text, "jobs_processed 43\n")
	assert.Equal(t, int32(2), src.calls.Load())

	assert.Equal(t, []CacheResult{CacheMiss, CacheHit, CacheMiss}, obs.results)
}

func TestCoordinator_FirstFailureHasNoData(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	src := &countingSource{fn: func(_ context.Context, call int32) ([]model.Metric, error) {
		if call == 1 {
			return nil, errors.NewError(errors.ErrCodeConnectionRefused, "connection refused")
		}
		return []model.Metric{gauge("srcds_fps", 64)}, nil
	}}
	c := newTestCoordinator(t, src, Options{TTL: 5 * time.Second, FailureTTL: 3 * time.Second, Now: clock.Now})

	_, err := c.Get(context.Background())
	require.Error(t, err)
	assert.True(t, stderr.Is(err, errors.ErrNoDataAvailable))
	assert.True(t, stderr.Is(err, errors.ErrFetchFailure))
	assert.Equal(t, 503, errors.HTTPStatusOf(err))

	clock.Advance(2 * time.Second)
	_, err = c.Get(context.Background())
	assert.True(t, stderr.Is(err, errors.ErrNoDataAvailable))
	assert.Equal(t, int32(1), src.calls.Load(), "no refetch before FailureTTL")

	clock.Advance(2 * time.Second)
	res, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Contains(t, res.Text, "srcds_fps 64\n")
	assert.Contains(t, res.Text, "srcds_up 1\n")
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestCoordinator_FailurePolicies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		policy    FailurePolicy
		wantStale bool
		wantFPS   bool
	}{
		{PolicyStale, true, true},
		{PolicyError, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			clock := newFakeClock()
			src := &countingSource{fn: func(_ context.Context, call int32) ([]model.Metric, error) {
				if call == 1 {
					return []model.Metric{gauge("srcds_fps", 64)}, nil
				}
				return nil, stderr.New("rcon: i/o timeout")
			}}
			c := newTestCoordinator(t, src, Options{TTL: time.Second, FailurePolicy: tt.policy, Now: clock.Now})

			first, err := c.Get(context.Background())
			require.NoError(t, err)

			clock.Advance(2 * time.Second)
			res, err := c.Get(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.wantStale, res.Stale)
			assert.Contains(t, res.Text, "srcds_up 0\n")
			if tt.wantFPS {
				assert.Contains(t, res.Text, "srcds_fps 64\n")
				assert.Equal(t, first.CapturedAt, res.CapturedAt)
			} else {
				assert.NotContains(t, res.Text, "srcds_fps")
			}

			// The failure entry is cached for FailureTTL.
			again, err := c.Get(context.Background())
			require.NoError(t, err)
			assert.Equal(t, res.Text, again.Text)
			assert.Equal(t, int32(2), src.calls.Load())
		})
	}
}

func TestCoordinator_PartialFailure(t *testing.T) {
	t.Parallel()

	src := &countingSource{fn: func(context.Context, int32) ([]model.Metric, error) {
		return []model.Metric{gauge("srcds_status_players", 3)}, stderr.New("stats command failed")
	}}
	c := newTestCoordinator(t, src, Options{})

	res, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Stale)
	assert.Contains(t, res.Text, "srcds_status_players 3\n")
	assert.Contains(t, res.Text, "srcds_up 0\n")
}

func TestCoordinator_MaxWait(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	src := &countingSource{fn: func(_ context.Context, call int32) ([]model.Metric, error) {
		if call > 1 {
			<-release
		}
		return []model.Metric{gauge("srcds_fps", float64(call))}, nil
	}}
	obs := &recordingObserver{}
	c := newTestCoordinator(t, src, Options{
		TTL:            time.Second,
		MaxWait:        20 * time.Millisecond,
		RefreshTimeout: time.Minute,
		Now:            clock.Now,
		Observer:       obs,
	})

	_, err := c.Get(context.Background())
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	res, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.Contains(t, res.Text, "srcds_fps 1\n")
	assert.Equal(t, CacheStale, obs.results[len(obs.results)-1])
}

func TestCoordinator_MaxWaitWithoutData(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	src := &countingSource{fn: func(context.Context, int32) ([]model.Metric, error) {
		<-release
		return nil, nil
	}}
	c := newTestCoordinator(t, src, Options{MaxWait: 20 * time.Millisecond, RefreshTimeout: time.Minute})

	_, err := c.Get(context.Background())
	require.Error(t, err)
	assert.True(t, stderr.Is(err, errors.ErrRefreshTimeout))
	assert.True(t, stderr.Is(err, context.DeadlineExceeded))
}

func TestCoordinator_CallerCancelDoesNotCancelRefresh(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var refreshCtxErr atomic.Value
	src := &countingSource{fn: func(ctx context.Context, _ int32) ([]model.Metric, error) {
		<-release
		refreshCtxErr.Store(ctx.Err() != nil)
		return []model.Metric{gauge("srcds_fps", 64)}, nil
	}}
	c := newTestCoordinator(t, src, Options{TTL: time.Minute, RefreshTimeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx)
		done <- err
	}()

	require.Eventually(t, func() bool { return c.State() == Refreshing }, time.Second, time.Millisecond)
	cancel()

	err := <-done
	assert.True(t, stderr.Is(err, errors.ErrRefreshTimeout))
	assert.True(t, stderr.Is(err, context.Canceled))

	close(release)
	require.Eventually(t, func() bool { return c.State() == Served }, time.Second, time.Millisecond)
	assert.Equal(t, false, refreshCtxErr.Load())

	res, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Contains(t, res.Text, "srcds_fps 64\n")
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestCoordinator_RefreshTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	src := &countingSource{fn: func(context.Context, int32) ([]model.Metric, error) {
		<-release
		return []model.Metric{gauge("srcds_fps", 64)}, nil
	}}
	c := newTestCoordinator(t, src, Options{RefreshTimeout: 20 * time.Millisecond, MaxWait: time.Second})

	start := time.Now()
	_, err := c.Get(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, stderr.Is(err, errors.ErrNoDataAvailable))
	assert.True(t, stderr.Is(err, context.DeadlineExceeded))
}

func TestCoordinator_HungSourceIsNotCalledAgain(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	release := make(chan struct{})
	var inFlight, peak atomic.Int32
	src := &countingSource{fn: func(context.Context, int32) ([]model.Metric, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		return []model.Metric{gauge("srcds_fps", 64)}, nil
	}}
	c := newTestCoordinator(t, src, Options{
		TTL:            time.Millisecond,
		FailureTTL:     time.Millisecond,
		RefreshTimeout: 20 * time.Millisecond,
		MaxWait:        time.Second,
		Now:            clock.Now,
	})

	for i := 0; i < 4; i++ {
		_, err := c.Get(context.Background())
		require.Error(t, err)
		assert.True(t, stderr.Is(err, errors.ErrNoDataAvailable))
		clock.Advance(5 * time.Millisecond)
	}
	assert.Equal(t, int32(1), src.calls.Load())

	_, err := c.Get(context.Background())
	assert.True(t, stderr.Is(err, errors.ErrRefreshTimeout), "err = %v", err)

	close(release)
	var res Result
	require.Eventually(t, func() bool {
		clock.Advance(5 * time.Millisecond)
		res, err = c.Get(context.Background())
		return err == nil
	}, time.Second, time.Millisecond)
	assert.Contains(t, res.Text, "srcds_fps 64\n")
	assert.Equal(t, int32(2), src.calls.Load())
	assert.Equal(t, int32(1), peak.Load())
}

func TestCoordinator_PanicIsContained(t *testing.T) {
	t.Parallel()

	obs := &recordingObserver{}
	src := &countingSource{fn: func(context.Context, int32) ([]model.Metric, error) {
		panic("parser exploded")
	}}
	c := newTestCoordinator(t, src, Options{Observer: obs})

	_, err := c.Get(context.Background())
	require.Error(t, err)
	assert.True(t, stderr.Is(err, errors.ErrNoDataAvailable))
	assert.True(t, stderr.Is(err, errors.ErrFetchFailure))
	assert.Contains(t, err.Error(), "parser exploded")

	require.Len(t, obs.refresh, 1)
	assert.Error(t, obs.refresh[0])
}

func TestCoordinator_InvalidMetricsAreDroppedAndCounted(t *testing.T) {
	t.Parallel()

	obs := &recordingObserver{}
	src := &countingSource{fn: func(context.Context, int32) ([]model.Metric, error) {
		return []model.Metric{
			gauge("srcds_fps", 64),
			gauge("bad name", 1),
			gauge("srcds_fps", 65),
		}, nil
	}}
	c := newTestCoordinator(t, src, Options{Observer: obs})

	res, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Contains(t, res.Text, "srcds_fps 64\n")
	assert.NotContains(t, res.Text, "bad name")
	assert.Contains(t, res.Text, "srcds_up 1\n")
	assert.Equal(t, 2, obs.invalid)
}

func TestMultiObserver(t *testing.T) {
	t.Parallel()

	a, b := &recordingObserver{}, &recordingObserver{}
	m := MultiObserver{a, b}
	m.CacheResult("t", CacheHit)
	m.RefreshCompleted("t", time.Second, nil)
	m.InvalidMetrics("t", 3)

	for _, o := range []*recordingObserver{a, b} {
		assert.Equal(t, []CacheResult{CacheHit}, o.results)
		assert.Len(t, o.refresh, 1)
		assert.Equal(t, 3, o.invalid)
	}
}
