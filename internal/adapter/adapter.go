package adapter

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/srcds-exporter/srcds-exporter/internal/api"
	"github.com/srcds-exporter/srcds-exporter/internal/circuit"
	"github.com/srcds-exporter/srcds-exporter/internal/config"
	"github.com/srcds-exporter/srcds-exporter/internal/health"
	"github.com/srcds-exporter/srcds-exporter/internal/metrics"
	"github.com/srcds-exporter/srcds-exporter/internal/rcon"
	"github.com/srcds-exporter/srcds-exporter/internal/render"
	"github.com/srcds-exporter/srcds-exporter/internal/scrape"
	"github.com/srcds-exporter/srcds-exporter/internal/srcds"
	"github.com/srcds-exporter/srcds-exporter/internal/storage/dump"
	s3store "github.com/srcds-exporter/srcds-exporter/internal/storage/s3"
)

// Adapter wires the configured transport, sources, coordinators and HTTP
// server together.
type Adapter struct {
	config *config.Configuration
	logger *zap.Logger

	renderer *render.Renderer
	metrics  *metrics.Collector
	health   *health.Tracker
	breakers *circuit.Manager

	// exactly one of single and pool is set
	single *scrape.Coordinator
	pool   *scrape.Pool

	// live counts pooled coordinators per target; several passwords may
	// share one target.
	liveMu sync.Mutex
	live   map[string]int

	server *api.Server

	newQuerier querierFunc

	stopOnce sync.Once
}

type querierFunc func(ctx context.Context, target, password string) (srcds.Querier, error)

// New creates a new exporter adapter instance
func New(ctx context.Context, cfg *config.Configuration, logger *zap.Logger) (*Adapter, error) {
	return newAdapter(ctx, cfg, logger, nil)
}

func newAdapter(ctx context.Context, cfg *config.Configuration, logger *zap.Logger, newQuerier querierFunc) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &Adapter{
		config:   cfg,
		logger:   logger,
		renderer: render.New(render.Options{Namespace: srcds.Namespace}),
		live:     make(map[string]int),
	}
	a.newQuerier = newQuerier
	if a.newQuerier == nil {
		a.newQuerier = a.querier
	}

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:     cfg.Monitoring.Metrics.Enabled,
		Path:        cfg.Monitoring.Metrics.Path,
		Namespace:   cfg.Monitoring.Metrics.Namespace,
		Labels:      cfg.Monitoring.Metrics.CustomLabels,
		GoCollector: cfg.Monitoring.Metrics.GoCollector,
	})
	if err != nil {
		return nil, err
	}
	a.metrics = collector

	breakerCfg := cfg.Network.CircuitBreaker
	breakerCfg.OnStateChange = a.breakerStateChanged
	a.breakers = circuit.NewManager(breakerCfg)

	trackerCfg := health.TrackerConfig{
		ErrorThreshold:       cfg.Monitoring.Health.ErrorThreshold,
		UnavailableThreshold: cfg.Monitoring.Health.UnavailableThreshold,
	}
	if cfg.Network.CircuitEnabled {
		trackerCfg.Breakers = a.breakers.GetStats
	}
	a.health = health.NewTracker(trackerCfg)
	a.health.OnStateChange(health.LogStateChanges(logger.Named("health")))

	if err := a.init(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Adapter) init(ctx context.Context) error {
	opts := api.Options{
		Health:          a.health,
		SelfMetrics:     a.metrics.Handler(),
		SelfMetricsPath: a.metrics.Path(),
		Logger:          a.logger.Named("api"),
	}

	switch a.config.EffectiveMode() {
	case config.ModeSingle:
		target := a.config.TargetAddress()
		coordinator, err := a.newCoordinator(ctx, target, a.config.Target.Password)
		if err != nil {
			return err
		}
		a.single = coordinator
		opts.Single = coordinator
	default:
		pool, err := scrape.NewPool(a.config.Cache.MaxTargets, a.logger.Named("pool"))
		if err != nil {
			return err
		}
		pool.OnEvict(a.forget)
		a.pool = pool
		opts.Resolve = a.resolve
	}

	server, err := api.NewServer(api.ServerConfig{
		Address:      a.config.ListenAddress(),
		ReadTimeout:  a.config.Server.ReadTimeout,
		WriteTimeout: a.config.Server.WriteTimeout,
		IdleTimeout:  a.config.Server.IdleTimeout,
	}, opts)
	if err != nil {
		return err
	}
	a.server = server
	return nil
}

// Run serves HTTP until ctx is cancelled or the listener fails, then shuts
// the server down and releases every source.
func (a *Adapter) Run(ctx context.Context) error {
	a.logger.Info("Starting srcds exporter",
		zap.String("listen", a.config.ListenAddress()),
		zap.String("mode", a.config.EffectiveMode()),
		zap.String("transport", a.config.Target.Transport),
		zap.Duration("ttl", a.config.Cache.TTL),
		zap.String("failure_policy", a.config.Cache.FailurePolicy))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(a.server.Start)
	g.Go(func() error {
		<-gctx.Done()
		return a.Stop(context.Background())
	})

	return g.Wait()
}

// Stop gracefully stops the server and closes every source.
func (a *Adapter) Stop(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		a.logger.Info("Stopping srcds exporter")

		shutdownCtx, cancel := context.WithTimeout(ctx, a.config.Server.ShutdownTimeout)
		defer cancel()
		if serr := a.server.Shutdown(shutdownCtx); serr != nil {
			err = fmt.Errorf("failed to shut down HTTP server: %w", serr)
		}

		if a.single != nil {
			if cerr := a.single.Close(); cerr != nil {
				a.logger.Warn("Failed to close source", zap.Error(cerr))
			}
		}
		if a.pool != nil {
			a.pool.Purge()
		}
	})
	return err
}

// Handler exposes the HTTP handler for tests and embedding.
func (a *Adapter) Handler() http.Handler {
	return a.server.Handler()
}

// resolve returns the coordinator for a target named in a scrape request.
// Each target and password pair gets its own coordinator.
func (a *Adapter) resolve(target, password string) (api.Scraper, error) {
	coordinator, err := a.pool.Get(target+"\x00"+password, func() (*scrape.Coordinator, error) {
		c, err := a.newCoordinator(context.Background(), target, password)
		if err != nil {
			return nil, err
		}
		a.liveMu.Lock()
		a.live[target]++
		a.liveMu.Unlock()
		return c, nil
	})
	a.metrics.SetPoolSize(a.pool.Len())
	if err != nil {
		return nil, err
	}
	return coordinator, nil
}

func (a *Adapter) newCoordinator(ctx context.Context, target, password string) (*scrape.Coordinator, error) {
	querier, err := a.newQuerier(ctx, target, password)
	if err != nil {
		return nil, err
	}

	var source scrape.Source = srcds.NewSource(querier, target, a.logger.Named("srcds"))
	if a.config.Network.CircuitEnabled {
		source = a.breakers.GetBreaker(target).Guard(source)
	}

	return scrape.NewCoordinator(source, a.renderer, scrape.Options{
		Target:         target,
		TTL:            a.config.Cache.TTL,
		FailureTTL:     a.config.Cache.FailureTTL,
		RefreshTimeout: a.config.Cache.RefreshTimeout,
		MaxWait:        a.config.Cache.MaxWait,
		FailurePolicy:  scrape.FailurePolicy(a.config.Cache.FailurePolicy),
		Logger:         a.logger.Named("scrape").With(zap.String("target", target)),
		Observer:       scrape.MultiObserver{a.metrics, a.health},
	})
}

// querier opens the configured transport for target.
func (a *Adapter) querier(ctx context.Context, target, password string) (srcds.Querier, error) {
	switch a.config.Target.Transport {
	case config.TransportDump:
		reader, err := dump.NewReader(a.config.Target.Dump.Directory)
		if err != nil {
			return nil, err
		}
		return reader, nil
	case config.TransportS3:
		s3cfg := a.config.Target.S3
		reader, err := s3store.NewReader(ctx, &s3cfg, a.logger.Named("s3"))
		if err != nil {
			return nil, err
		}
		if err := a.metrics.Register(reader.Collector(a.metrics.Namespace())); err != nil {
			return nil, err
		}
		return reader, nil
	default:
		client, err := rcon.NewClient(rcon.Config{
			Address:           target,
			Password:          password,
			DialTimeout:       a.config.Network.Timeouts.Connect,
			CommandTimeout:    a.config.Network.Timeouts.Command,
			ReconnectAttempts: a.config.Network.Retry.ReconnectAttempts,
		}, a.logger.Named("rcon"))
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

// forget drops per-target state once the last coordinator for the evicted
// coordinator's target is gone.
func (a *Adapter) forget(c *scrape.Coordinator) {
	target := c.Target()

	a.liveMu.Lock()
	a.live[target]--
	remaining := a.live[target]
	if remaining <= 0 {
		delete(a.live, target)
	}
	a.liveMu.Unlock()

	if remaining > 0 {
		a.logger.Debug("Evicted coordinator", zap.String("target", target), zap.Int("remaining", remaining))
		return
	}
	a.metrics.ForgetTarget(target)
	a.health.Remove(target)
	a.breakers.RemoveBreaker(target)
	a.logger.Debug("Evicted target", zap.String("target", target))
}

func (a *Adapter) breakerStateChanged(target string, from, to circuit.State) {
	a.metrics.BreakerStateChanged(target, from, to)
	a.logger.Info("Circuit breaker state changed",
		zap.String("target", target),
		zap.Stringer("from", from),
		zap.Stringer("to", to))
}
