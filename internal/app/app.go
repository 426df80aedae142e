// Package app composes the full request-processing pipeline from a
// loaded config: matcher/script host, upstream registry, cache,
// router, UDP listener, and optional admin surface. Mirrors the
// teacher's internal/app composition root (NewAPIApp wiring a tasks
// client and an api.Server) at one level up — this App wires the
// DNS-specific stack instead of an HTTP API and task queue.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dcompassd/dcompass/internal/admin"
	"github.com/dcompassd/dcompass/internal/cache"
	"github.com/dcompassd/dcompass/internal/config"
	"github.com/dcompassd/dcompass/internal/metrics"
	"github.com/dcompassd/dcompass/internal/router"
	"github.com/dcompassd/dcompass/internal/script"
	"github.com/dcompassd/dcompass/internal/server"
	"github.com/dcompassd/dcompass/internal/upstream"
)

// App owns every long-lived component created at startup and torn
// down at shutdown (§3: "upstreams, the cache, matchers, and the init
// table are created at server start and destroyed at shutdown").
type App struct {
	cfg      *config.Config
	registry *upstream.Registry
	host     *script.Host
	srv      *server.Server
	adminSrv *admin.Server
	adminAdr string
	sweeper  *cache.RefreshSweeper
}

// New builds every component but does not start the listener: script
// compile/init failures and upstream build failures (cyclic graphs,
// unknown tags) are ScriptInitError/CyclicError/UnknownTagError,
// surfaced here so the CLI can map them to exit code 1 (§6, §7).
func New(cfg *config.Config) (*App, error) {
	specs, err := buildSpecs(cfg.Upstreams)
	if err != nil {
		return nil, err
	}

	cacheOpts := cache.Options{
		Capacity:    cfg.Cache.Capacity,
		NegativeTTL: time.Duration(cfg.Cache.NegativeTTL) * time.Second,
		Logger:      slog.Default(),
	}

	registry, err := upstream.Build(specs, cacheOpts)
	if err != nil {
		return nil, fmt.Errorf("app: build upstream registry: %w", err)
	}

	host, err := script.Compile(cfg.Script)
	if err != nil {
		registry.Close()
		return nil, err
	}
	if _, err := host.Init(); err != nil {
		registry.Close()
		return nil, err
	}
	host.Bind(registry)

	r := router.New(host, slog.Default())
	srv := server.New(cfg.Address, r, slog.Default())

	a := &App{cfg: cfg, registry: registry, host: host, srv: srv}

	if cfg.Admin.Address != "" {
		a.adminAdr = cfg.Admin.Address
		a.adminSrv = admin.NewServer(admin.RateLimit{
			RequestsPerSecond: cfg.Admin.RequestsPerSecond,
			BurstSize:         cfg.Admin.BurstSize,
		}, metrics.Registry(), registry)
	}

	if cfg.Cache.RedisAddr != "" {
		sweeper, err := buildSweeper(registry, specs, cfg.Cache.RedisAddr)
		if err != nil {
			registry.Close()
			return nil, fmt.Errorf("app: build refresh sweeper: %w", err)
		}
		a.sweeper = sweeper
	}

	return a, nil
}

func buildSpecs(upstreams map[string]config.Upstream) ([]upstream.Spec, error) {
	specs := make([]upstream.Spec, 0, len(upstreams))
	for tag, up := range upstreams {
		switch {
		case up.UDP != nil:
			specs = append(specs, upstream.Spec{
				Tag:  tag,
				Kind: upstream.KindUDP,
				UDP: upstream.UDPConfig{
					Addr:    up.UDP.Addr,
					Timeout: config.Seconds(up.UDP.Timeout),
				},
			})
		case up.TLS != nil:
			sendSNI := up.TLS.SNI == nil || *up.TLS.SNI
			specs = append(specs, upstream.Spec{
				Tag:  tag,
				Kind: upstream.KindTLS,
				TLS: upstream.TLSConfig{
					Addr:     up.TLS.Addr,
					SNIName:  up.TLS.Domain,
					SendSNI:  sendSNI,
					MaxReuse: up.TLS.MaxReuse,
					Timeout:  config.Seconds(up.TLS.Timeout),
				},
			})
		case up.HTTPS != nil:
			specs = append(specs, upstream.Spec{
				Tag:  tag,
				Kind: upstream.KindHTTPS,
				HTTPS: upstream.HTTPSConfig{
					URI:       up.HTTPS.URI,
					Addr:      up.HTTPS.Addr,
					Proxy:     up.HTTPS.Proxy,
					RateLimit: up.HTTPS.RateLimit,
					Timeout:   config.Seconds(up.HTTPS.Timeout),
				},
			})
		case up.Hybrid != nil:
			specs = append(specs, upstream.Spec{
				Tag:            tag,
				Kind:           upstream.KindHybrid,
				HybridChildren: up.Hybrid,
			})
		default:
			return nil, fmt.Errorf("app: upstream %q has no method configured", tag)
		}
	}
	return specs, nil
}

func buildSweeper(registry *upstream.Registry, specs []upstream.Spec, redisAddr string) (*cache.RefreshSweeper, error) {
	var caches []*cache.Cache
	for _, spec := range specs {
		if spec.Kind == upstream.KindHybrid {
			continue
		}
		c, err := registry.EnsurePersistentCache(spec.Tag)
		if err != nil {
			return nil, err
		}
		caches = append(caches, c)
	}
	return cache.NewRefreshSweeper(caches, cache.Persistent, cache.SweeperOptions{
		RedisAddr: redisAddr,
		Logger:    slog.Default(),
	})
}

// Run starts the UDP listener, the optional admin HTTP server, and
// the optional cache sweeper, blocking until ctx is cancelled or one
// of them fails. It then shuts the UDP listener down and closes the
// upstream registry (cancelling cache refreshes) before returning; the
// sweeper stops with ctx, and the admin HTTP server is not stopped.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 3)

	go func() { errCh <- a.srv.Run(ctx) }()

	if a.adminSrv != nil {
		go func() {
			if err := a.adminSrv.Run(a.adminAdr); err != nil {
				errCh <- fmt.Errorf("app: admin server: %w", err)
			}
		}()
	}

	if a.sweeper != nil {
		go func() { errCh <- a.sweeper.Run(ctx) }()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("listener shutdown", "error", err)
	}
	if err := a.registry.Close(); err != nil {
		slog.Warn("upstream registry close", "error", err)
	}

	return runErr
}
