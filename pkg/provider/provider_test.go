package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jxskiss/mygw/pkg/api"
	"github.com/jxskiss/mygw/pkg/route"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	file := filepath.Join(dir, name)
	require.Nil(t, os.MkdirAll(filepath.Dir(file), 0o755))
	require.Nil(t, os.WriteFile(file, []byte(content), 0o644))
}

func setupFileProvider(t *testing.T) string {
	dir := t.TempDir()
	writeFile(t, dir, "cluster_index.yaml", "clusters: [users, orders]\n")
	writeFile(t, dir, "clusters/users.yaml", `
policy: least_conn
endpoints:
  - addr: 127.0.0.1:8001
    weight: 2
directives:
  - failure_threshold 3;
`)
	writeFile(t, dir, "clusters/orders.yaml", `
name: orders
discovery: provider
`)
	writeFile(t, dir, "endpoints/orders.yaml", `
endpoints:
  - addr: 127.0.0.1:8003
  - addr: 127.0.0.1:8004
    weight: 3
`)
	writeFile(t, dir, "service_index.yaml", "services: [users]\n")
	writeFile(t, dir, "services/users.yaml", `
cluster: users
routes:
  - path: /api/users/{id}
    methods: [GET]
`)
	return dir
}

func TestFileProvider(t *testing.T) {
	dir := setupFileProvider(t)
	prov := NewFileProvider(dir, time.Second)
	ctx := context.Background()

	state, err := ReadState(ctx, prov)
	require.Nil(t, err)
	require.Len(t, state.Clusters, 2)
	require.Len(t, state.Services, 1)

	users := state.Cluster("users")
	require.NotNil(t, users)
	assert.Equal(t, api.PolicyLeastConn, users.Policy)
	assert.Len(t, users.Endpoints, 1)
	assert.Equal(t, "users", state.Services[0].Name)

	orders := state.Cluster("orders")
	require.Len(t, orders.Endpoints, 2)
	assert.Equal(t, 3, orders.Endpoints[1].Weight)

	require.Nil(t, state.Normalize(api.Defaults{}))
	assert.Equal(t, 3, users.CircuitBreaker.FailureThreshold)
	assert.Equal(t, "users-0", state.Routes()[0].ID)
}

func TestFileProviderMissingFiles(t *testing.T) {
	dir := setupFileProvider(t)
	require.Nil(t, os.Remove(filepath.Join(dir, "endpoints/orders.yaml")))
	prov := NewFileProvider(dir, time.Second)

	eps, err := prov.DiscoverEndpoints(context.Background(), "orders")
	assert.Nil(t, err)
	assert.Len(t, eps, 0)

	require.Nil(t, os.Remove(filepath.Join(dir, "services/users.yaml")))
	_, err = ReadState(context.Background(), prov)
	assert.NotNil(t, err)

	writeFile(t, dir, "services/users.yaml", "routes: [")
	_, err = ReadState(context.Background(), prov)
	assert.NotNil(t, err)
}

func TestFileProviderWatch(t *testing.T) {
	dir := setupFileProvider(t)
	prov := NewFileProvider(dir, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	configCh := prov.WatchConfig(ctx)
	endpointsCh := prov.WatchEndpoints(ctx)

	writeFile(t, dir, "endpoints/orders.yaml", "endpoints:\n  - addr: 127.0.0.1:8005\n")
	select {
	case <-endpointsCh:
	case <-time.After(2 * time.Second):
		t.Fatal("endpoints change not notified")
	}
	select {
	case <-configCh:
		t.Fatal("unexpected config notification")
	default:
	}

	writeFile(t, dir, "clusters/payments.yaml", "name: payments\n")
	select {
	case <-configCh:
	case <-time.After(2 * time.Second):
		t.Fatal("config change not notified")
	}
}

func TestFingerprint(t *testing.T) {
	dir := t.TempDir()
	mtime := time.Unix(1700000000, 0)
	touch := func(names ...string) {
		t.Helper()
		for _, name := range append(names, ".", "clusters") {
			require.Nil(t, os.Chtimes(filepath.Join(dir, name), mtime, mtime))
		}
	}
	writeFile(t, dir, "clusters/ab.yaml", "a: 1\n")
	writeFile(t, dir, "clusters/cd.yaml", "c: 123\n")
	touch("clusters/ab.yaml", "clusters/cd.yaml")
	paths := []string{dir}
	fp := fingerprint(paths)
	assert.Equal(t, fp, fingerprint(paths))

	// same characters, size and mtime under another name
	require.Nil(t, os.Rename(filepath.Join(dir, "clusters/ab.yaml"), filepath.Join(dir, "clusters/ba.yaml")))
	touch("clusters/ba.yaml")
	renamed := fingerprint(paths)
	assert.NotEqual(t, fp, renamed)

	// sizes swapped between two files
	writeFile(t, dir, "clusters/ba.yaml", "c: 123\n")
	writeFile(t, dir, "clusters/cd.yaml", "a: 1\n")
	touch("clusters/ba.yaml", "clusters/cd.yaml")
	assert.NotEqual(t, renamed, fingerprint(paths))
}

func TestStaticProvider(t *testing.T) {
	state := &api.State{
		Clusters: []*api.Cluster{
			{Name: "users", Endpoints: []*api.Endpoint{{Addr: "127.0.0.1:8001"}}},
			{Name: "orders", Discovery: api.DiscoveryProvider},
		},
		Services: []*api.Service{
			{Name: "users", Cluster: "users", Routes: []*api.Route{{Path: "/users", Methods: []string{"get"}}}},
		},
	}
	prov := NewStaticProvider(state)
	ctx := context.Background()
	configCh := prov.WatchConfig(ctx)
	endpointsCh := prov.WatchEndpoints(ctx)

	prov.SetEndpoints("orders", []*api.Endpoint{{Addr: "127.0.0.1:8003"}})
	assert.Len(t, endpointsCh, 1)

	got, err := ReadState(ctx, prov)
	require.Nil(t, err)
	require.Nil(t, got.Normalize(api.Defaults{}))
	assert.Len(t, got.Cluster("orders").Endpoints, 1)

	// normalizing the returned copy leaves the provider state untouched
	assert.Equal(t, "", state.Clusters[0].Policy)
	assert.Equal(t, 0, state.Clusters[0].Endpoints[0].Weight)
	assert.Equal(t, "", state.Services[0].Routes[0].ID)
	assert.Equal(t, []string{"get"}, state.Services[0].Routes[0].Methods)

	prov.Update(&api.State{})
	prov.Update(&api.State{})
	assert.Len(t, configCh, 1)
	got, err = ReadState(ctx, prov)
	require.Nil(t, err)
	assert.Len(t, got.Clusters, 0)
}

func TestSampleConfiguration(t *testing.T) {
	prov := NewFileProvider(filepath.Join("..", "..", "conf", "provider"), time.Second)
	state, err := ReadState(context.Background(), prov)
	require.Nil(t, err)
	require.Nil(t, state.Normalize(api.Defaults{}))

	table, err := route.Compile(state, "v1")
	require.Nil(t, err)
	assert.Equal(t, []string{"orders", "users"}, table.Clusters())
	assert.Len(t, state.Cluster("orders").Endpoints, 2)
}
