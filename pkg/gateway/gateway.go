// Package gateway assembles the proxy, admin and xDS servers around a
// configuration provider and keeps them in sync with it.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jxskiss/errors"
	"github.com/jxskiss/gopkg/v2/zlog"
	"github.com/spf13/cast"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jxskiss/mygw/pkg/admin"
	"github.com/jxskiss/mygw/pkg/api"
	"github.com/jxskiss/mygw/pkg/balancer"
	"github.com/jxskiss/mygw/pkg/config"
	"github.com/jxskiss/mygw/pkg/events"
	"github.com/jxskiss/mygw/pkg/health"
	"github.com/jxskiss/mygw/pkg/metrics"
	"github.com/jxskiss/mygw/pkg/myxds"
	"github.com/jxskiss/mygw/pkg/provider"
	"github.com/jxskiss/mygw/pkg/proxy"
	"github.com/jxskiss/mygw/pkg/route"
	"github.com/jxskiss/mygw/pkg/upstream"
)

type Option func(*Gateway)

func WithLogger(log *zap.SugaredLogger) Option {
	return func(g *Gateway) { g.log = log }
}

// WithTransport sets the transport used to reach upstream members.
func WithTransport(rt http.RoundTripper) Option {
	return func(g *Gateway) { g.transport = rt }
}

// WithProbe replaces the active health probe.
func WithProbe(probe upstream.ProbeFunc) Option {
	return func(g *Gateway) { g.probe = probe }
}

// WithSink adds an extra event sink.
func WithSink(sink events.Sink) Option {
	return func(g *Gateway) { g.extra = append(g.extra, sink) }
}

type Gateway struct {
	log  *zap.SugaredLogger
	cfg  *config.Configuration
	prov provider.Provider

	transport http.RoundTripper
	probe     upstream.ProbeFunc
	extra     []events.Sink
	sink      events.Sink

	routes    *route.Store
	resolver  *upstream.Resolver
	balancers *balancer.Group
	recorder  *events.Recorder
	metrics   *metrics.Sink
	checker   *health.Checker
	pipeline  *proxy.Pipeline
	admin     *admin.Server
	xds       *myxds.Server

	reloadMu sync.Mutex
	seq      atomic.Uint64
	state    *atomic.Pointer[api.State]
}

func New(cfg *config.Configuration, prov provider.Provider, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		log:       zlog.Named("gateway").Sugar(),
		cfg:       cfg,
		prov:      prov,
		routes:    route.NewStore(),
		balancers: balancer.NewGroup(),
		recorder:  events.NewRecorder(cfg.EventHistory, events.RouteMatched, events.MemberSelected),
		metrics:   metrics.New(),
		state:     atomic.NewPointer(&api.State{}),
	}
	for _, o := range opts {
		o(g)
	}

	resolverOpts := []upstream.Option{upstream.WithEvents(g)}
	if g.probe != nil {
		resolverOpts = append(resolverOpts, upstream.WithProbe(g.probe))
	}
	g.resolver = upstream.NewResolver(resolverOpts...)

	sinks := []events.Sink{events.NewLogSink(nil), g.recorder, g.metrics}
	if cfg.XdsAddr != "" {
		port, err := listenPort(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		g.xds = myxds.NewServer(g.routes, g.resolver,
			myxds.WithNodeCluster(cfg.XdsNodeCluster),
			myxds.WithProxyPort(port))
		sinks = append(sinks, g.xds)
	}
	g.sink = events.Combine(append(sinks, g.extra...)...)

	pipelineOpts := []proxy.Option{
		proxy.WithEvents(g),
		proxy.WithMaxReplayBytes(cfg.MaxReplayBytes),
	}
	if g.transport != nil {
		pipelineOpts = append(pipelineOpts, proxy.WithTransport(g.transport))
	}
	g.pipeline = proxy.NewPipeline(g.routes, g.resolver, g.balancers, pipelineOpts...)
	g.checker = health.NewChecker(g.routes, g.resolver)
	g.admin = admin.NewServer(g.routes, g.checker,
		admin.WithRecorder(g.recorder),
		admin.WithMetrics(g.metrics.Handler()),
		admin.WithReload(g.Reload),
		admin.WithAuthSecret(cfg.AdminSecret))
	return g, nil
}

func listenPort(addr string) (uint32, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, errors.WithMessagef(err, "invalid listen address %q", addr)
	}
	return cast.ToUint32(port), nil
}

// Emit fans out e to all sinks.
func (g *Gateway) Emit(e *events.Event) {
	g.sink.Emit(e)
}

func (g *Gateway) Handler() http.Handler        { return g.pipeline }
func (g *Gateway) AdminHandler() http.Handler   { return g.admin.Handler() }
func (g *Gateway) Routes() *route.Store         { return g.routes }
func (g *Gateway) Resolver() *upstream.Resolver { return g.resolver }
func (g *Gateway) Recorder() *events.Recorder   { return g.recorder }
func (g *Gateway) Checker() *health.Checker     { return g.checker }

// Reload reads the provider, validates the whole state and only then
// swaps it in. A rejected state leaves the running one untouched.
func (g *Gateway) Reload(ctx context.Context) (string, error) {
	g.reloadMu.Lock()
	defer g.reloadMu.Unlock()

	current := g.routes.Load().Version()
	version, err := g.reload(ctx)
	if err != nil {
		g.Emit(&events.Event{
			Kind:    events.ConfigRejected,
			Version: current,
			Error:   err.Error(),
		})
		return "", err
	}
	g.Emit(&events.Event{Kind: events.ConfigReloaded, Version: version})
	return version, nil
}

func (g *Gateway) reload(ctx context.Context) (string, error) {
	state, err := provider.ReadState(ctx, g.prov)
	if err != nil {
		return "", err
	}
	if err = state.Normalize(g.cfg.Defaults); err != nil {
		return "", err
	}
	version := fmt.Sprintf("v%d", g.seq.Load()+1)
	table, err := route.Compile(state, version)
	if err != nil {
		return "", err
	}

	// The resolver is the first live component changed, ApplyClusters
	// either fails without side effects or applies every cluster.
	if err = g.resolver.ApplyClusters(state.Clusters); err != nil {
		return "", err
	}
	keep := make([]string, 0, len(state.Clusters))
	for _, c := range state.Clusters {
		keep = append(keep, c.Name)
	}
	g.seq.Inc()
	g.routes.Swap(table)
	g.state.Store(state)
	if removed := g.resolver.Prune(keep); len(removed) > 0 {
		g.balancers.Remove(removed...)
	}

	if g.xds != nil {
		if err = g.xds.Publish(ctx, state.Clusters); err != nil {
			g.log.Errorf("failed publish xds snapshot: %v", err)
		}
	}
	return version, nil
}

// RefreshEndpoints asks the provider for the members of every cluster
// using provider discovery.
func (g *Gateway) RefreshEndpoints(ctx context.Context) error {
	g.reloadMu.Lock()
	defer g.reloadMu.Unlock()

	state := g.state.Load()
	var errs []error
	for _, c := range state.Clusters {
		if c.Discovery != api.DiscoveryProvider {
			continue
		}
		endpoints, err := g.prov.DiscoverEndpoints(ctx, c.Name)
		if err == nil {
			err = g.resolver.UpdateEndpoints(c.Name, endpoints)
		}
		if err != nil {
			g.log.Warnf("failed refresh endpoints of cluster %s: %v", c.Name, err)
			errs = append(errs, err)
		}
	}
	if g.xds != nil {
		if err := g.xds.Publish(ctx, state.Clusters); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.WithMessagef(errs[0], "%d errors refreshing endpoints", len(errs))
	}
	return nil
}

// Run loads the initial state and serves until ctx is canceled, then
// shuts the listeners down gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	defer g.resolver.Close()

	// Watch before loading so no change after the initial load is missed.
	configCh := g.prov.WatchConfig(ctx)
	endpointsCh := g.prov.WatchEndpoints(ctx)
	if _, err := g.Reload(ctx); err != nil {
		return errors.WithMessage(err, "initial load")
	}

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return g.serveHTTP(ctx, "proxy", g.cfg.ListenAddr, g.pipeline) })
	grp.Go(func() error { return g.serveHTTP(ctx, "admin", g.cfg.AdminAddr, g.admin.Handler()) })
	if g.xds != nil {
		grp.Go(func() error { return g.xds.Run(ctx, g.cfg.XdsAddr) })
	}
	grp.Go(func() error {
		g.watch(ctx, configCh, endpointsCh)
		return nil
	})
	return grp.Wait()
}

func (g *Gateway) serveHTTP(ctx context.Context, name, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(g.log.Desugar()),
	}
	errc := make(chan error, 1)
	go func() {
		g.log.Infof("%s server listening: %v", name, addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return errors.WithMessagef(err, "%s server", name)
	case <-ctx.Done():
	}

	timeout := g.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	g.log.Infof("shutting down %s server", name)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.WithMessagef(err, "%s server shutdown", name)
	}
	return nil
}

func (g *Gateway) watch(ctx context.Context, configCh, endpointsCh <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-configCh:
			if !ok {
				configCh = nil
				continue
			}
			if _, err := g.Reload(ctx); err != nil {
				g.log.Errorf("reload failed: %v", err)
			}
		case _, ok := <-endpointsCh:
			if !ok {
				endpointsCh = nil
				continue
			}
			_ = g.RefreshEndpoints(ctx)
		}
	}
}
