package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	resource "github.com/envoyproxy/go-control-plane/pkg/resource/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jxskiss/mygw/pkg/api"
	"github.com/jxskiss/mygw/pkg/config"
	"github.com/jxskiss/mygw/pkg/events"
	"github.com/jxskiss/mygw/pkg/provider"
	"github.com/jxskiss/mygw/pkg/upstream"
)

func testConfig() *config.Configuration {
	return &config.Configuration{
		ListenAddr:      "127.0.0.1:0",
		AdminAddr:       "127.0.0.1:0",
		XdsNodeCluster:  "infra.mygw.test",
		MaxReplayBytes:  config.DefaultMaxReplayBytes,
		ShutdownTimeout: time.Second,
		EventHistory:    100,
	}
}

func okProbe(ctx context.Context, m *upstream.Member, hc api.HealthCheck) error { return nil }

func backend(t *testing.T, name string) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, name+" "+r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func hostOf(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func testState(clusterAddr string) *api.State {
	return &api.State{
		Clusters: []*api.Cluster{
			{Name: "echo", Endpoints: []*api.Endpoint{{Addr: clusterAddr}}},
			{Name: "spare", Endpoints: []*api.Endpoint{{Addr: "127.0.0.1:1"}}},
		},
		Services: []*api.Service{{
			Name:    "echo",
			Cluster: "echo",
			Routes: []*api.Route{
				{ID: "echo-item", Methods: []string{"get"}, Path: "/echo/{id}", Rewrite: "/items/{id}"},
			},
		}},
	}
}

func newTestGateway(t *testing.T, cfg *config.Configuration, state *api.State) (*Gateway, *provider.StaticProvider) {
	t.Helper()
	prov := provider.NewStaticProvider(state)
	g, err := New(cfg, prov, WithProbe(okProbe))
	require.NoError(t, err)
	t.Cleanup(g.resolver.Close)
	return g, prov
}

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
	return w.Code, w.Body.String()
}

func TestReloadAndServe(t *testing.T) {
	srv := backend(t, "a")
	g, _ := newTestGateway(t, testConfig(), testState(hostOf(srv)))

	version, err := g.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v1", version)
	assert.Equal(t, []string{"echo", "spare"}, g.Resolver().Clusters())

	code, body := get(t, g.Handler(), "/echo/42")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "a /items/42", body)

	code, _ = get(t, g.Handler(), "/nope")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = get(t, g.AdminHandler(), "/ready")
	assert.Equal(t, http.StatusOK, code)

	reloaded := g.Recorder().Recent(0, events.ConfigReloaded)
	require.Len(t, reloaded, 1)
	assert.Equal(t, "v1", reloaded[0].Version)
}

func TestReloadRejectedKeepsState(t *testing.T) {
	srv := backend(t, "a")
	g, prov := newTestGateway(t, testConfig(), testState(hostOf(srv)))
	_, err := g.Reload(context.Background())
	require.NoError(t, err)

	bad := testState(hostOf(srv))
	bad.Clusters[0].Endpoints = append(bad.Clusters[0].Endpoints, &api.Endpoint{Addr: "127.0.0.1:2"})
	bad.Clusters = append(bad.Clusters, &api.Cluster{Name: "extra", Endpoints: []*api.Endpoint{{Addr: "127.0.0.1:3"}}})
	bad.Services[0].Routes = append(bad.Services[0].Routes,
		&api.Route{ID: "dup", Methods: []string{"GET"}, Path: "/echo/{x}"})
	prov.Update(bad)

	_, err = g.Reload(context.Background())
	require.Error(t, err)
	assert.Equal(t, "v1", g.Routes().Load().Version())
	assert.Equal(t, []string{"echo", "spare"}, g.Resolver().Clusters())
	snap, err := g.Resolver().Resolve("echo")
	require.NoError(t, err)
	require.Len(t, snap.Members, 1)
	assert.Equal(t, hostOf(srv), snap.Members[0].Addr)
	code, _ := get(t, g.Handler(), "/echo/1")
	assert.Equal(t, http.StatusOK, code)

	rejected := g.Recorder().Recent(0, events.ConfigRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, "v1", rejected[0].Version)
	assert.Contains(t, rejected[0].Error, "conflicts")

	// unknown cluster is rejected as well
	bad = testState(hostOf(srv))
	bad.Services[0].Cluster = "missing"
	prov.Update(bad)
	_, err = g.Reload(context.Background())
	assert.ErrorIs(t, err, api.ErrInvalidState)

	// the next valid state gets the next version
	prov.Update(testState(hostOf(srv)))
	version, err := g.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v2", version)
}

func TestReloadPrunesClusters(t *testing.T) {
	srv := backend(t, "a")
	g, prov := newTestGateway(t, testConfig(), testState(hostOf(srv)))
	_, err := g.Reload(context.Background())
	require.NoError(t, err)

	next := testState(hostOf(srv))
	next.Clusters = next.Clusters[:1]
	prov.Update(next)
	_, err = g.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"echo"}, g.Resolver().Clusters())
}

func TestRefreshEndpoints(t *testing.T) {
	a, b := backend(t, "a"), backend(t, "b")
	state := testState(hostOf(a))
	state.Clusters[0].Discovery = api.DiscoveryProvider
	state.Clusters[0].Endpoints = nil
	g, prov := newTestGateway(t, testConfig(), state)
	prov.SetEndpoints("echo", []*api.Endpoint{{Addr: hostOf(a)}})

	_, err := g.Reload(context.Background())
	require.NoError(t, err)
	snap, err := g.Resolver().Resolve("echo")
	require.NoError(t, err)
	require.Len(t, snap.Members, 1)

	prov.SetEndpoints("echo", []*api.Endpoint{{Addr: hostOf(a)}, {Addr: hostOf(b)}})
	require.NoError(t, g.RefreshEndpoints(context.Background()))
	snap, err = g.Resolver().Resolve("echo")
	require.NoError(t, err)
	assert.Len(t, snap.Members, 2)

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		code, body := get(t, g.Handler(), "/echo/1")
		require.Equal(t, http.StatusOK, code)
		seen[body]++
	}
	assert.Equal(t, map[string]int{"a /items/1": 2, "b /items/1": 2}, seen)
}

func TestPublishesXdsSnapshot(t *testing.T) {
	srv := backend(t, "a")
	cfg := testConfig()
	cfg.ListenAddr = "127.0.0.1:8080"
	cfg.XdsAddr = "127.0.0.1:0"
	g, _ := newTestGateway(t, cfg, testState(hostOf(srv)))

	_, err := g.Reload(context.Background())
	require.NoError(t, err)
	snap, err := g.xds.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "v1.1", snap.GetVersion(resource.RouteType))
	assert.Len(t, snap.GetResources(resource.ClusterType), 1)
}

func TestRunWatchesProvider(t *testing.T) {
	srv := backend(t, "a")
	g, prov := newTestGateway(t, testConfig(), testState(hostOf(srv)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	require.Eventually(t, func() bool {
		return g.Routes().Load().Version() == "v1"
	}, time.Second, 5*time.Millisecond)

	prov.Update(testState(hostOf(srv)))
	assert.Eventually(t, func() bool {
		return g.Routes().Load().Version() == "v2"
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("gateway did not stop")
	}
}

func TestRunFailsOnInvalidInitialState(t *testing.T) {
	state := testState("not-an-address")
	g, _ := newTestGateway(t, testConfig(), state)
	err := g.Run(context.Background())
	assert.ErrorIs(t, err, api.ErrInvalidState)
}
