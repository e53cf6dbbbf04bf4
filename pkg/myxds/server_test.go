package myxds

import (
	"context"
	"net"
	"testing"
	"time"

	cluster "github.com/envoyproxy/go-control-plane/envoy/config/cluster/v3"
	core "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	endpoint "github.com/envoyproxy/go-control-plane/envoy/config/endpoint/v3"
	envoyroute "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	resource "github.com/envoyproxy/go-control-plane/pkg/resource/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jxskiss/mygw/pkg/api"
	"github.com/jxskiss/mygw/pkg/events"
	"github.com/jxskiss/mygw/pkg/route"
	"github.com/jxskiss/mygw/pkg/upstream"
)

func testClusters() []*api.Cluster {
	return []*api.Cluster{
		{
			Name:           "users",
			Policy:         api.PolicyLeastConn,
			CircuitBreaker: api.CircuitBreaker{FailureThreshold: 5, Cooldown: api.Duration(10 * time.Second)},
			Endpoints: []*api.Endpoint{
				{Addr: "10.0.0.1:8001", Weight: 1},
				{Addr: "10.0.0.2:8001", Weight: 3},
			},
		},
		{
			Name:      "files",
			Policy:    api.PolicyFirst,
			Endpoints: []*api.Endpoint{{Addr: "10.0.1.1:80"}, {Addr: "10.0.1.2:80"}},
		},
		{
			Name:      "orphan",
			Policy:    api.PolicyRoundRobin,
			Endpoints: []*api.Endpoint{{Addr: "10.0.2.1:80"}},
		},
	}
}

func newTestServer(t *testing.T) (*Server, []*api.Cluster) {
	t.Helper()
	resolver := upstream.NewResolver()
	t.Cleanup(resolver.Close)
	clusters := testClusters()
	for _, c := range clusters {
		require.NoError(t, resolver.ApplyCluster(c))
	}

	retries := 2
	table := route.NewTable("v3")
	require.NoError(t, table.Register(&route.Route{
		ID:       "get-user",
		Methods:  []string{"GET", "HEAD"},
		Template: route.MustParseTemplate("/users/{id}"),
		Cluster:  "users",
		Rewrite:  route.MustParseTemplate("/v2/users/{id}"),
		Timeout:  3 * time.Second,
		Retry: api.RetryPolicy{
			MaxRetries:     &retries,
			InitialBackoff: api.Duration(50 * time.Millisecond),
		},
	}))
	require.NoError(t, table.Register(&route.Route{
		ID:       "files",
		Template: route.MustParseTemplate("/files/{path...}"),
		Headers:  map[string]string{"X-Env": "*"},
		Cluster:  "files",
	}))
	store := route.NewStore()
	store.Swap(table)

	return NewServer(store, resolver, WithProxyPort(10080), WithNodeCluster("test")), clusters
}

func TestPublishSnapshot(t *testing.T) {
	s, clusters := newTestServer(t)
	require.NoError(t, s.Publish(context.Background(), clusters))

	snap, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "v3.1", snap.GetVersion(resource.ClusterType))

	envoyClusters := snap.GetResources(resource.ClusterType)
	require.Len(t, envoyClusters, 2, "unreferenced clusters are not pushed")
	users := envoyClusters["users"].(*cluster.Cluster)
	assert.Equal(t, cluster.Cluster_LEAST_REQUEST, users.LbPolicy)
	assert.Equal(t, uint32(5), users.OutlierDetection.Consecutive_5Xx.GetValue())
	assert.Nil(t, envoyClusters["files"].(*cluster.Cluster).OutlierDetection)

	rc := snap.GetResources(resource.RouteType)[RouteConfigName].(*envoyroute.RouteConfiguration)
	routes := rc.VirtualHosts[0].Routes
	require.Len(t, routes, 2)

	getUser := routes[0]
	assert.Equal(t, "get-user", getUser.Name)
	assert.Equal(t, "^/users/([^/]+)/?$", getUser.Match.GetSafeRegex().Regex)
	assert.Equal(t, "^(GET|HEAD)$", getUser.Match.Headers[0].GetStringMatch().GetSafeRegex().Regex)
	action := getUser.GetRoute()
	assert.Equal(t, "users", action.GetCluster())
	assert.Equal(t, 3*time.Second, action.Timeout.AsDuration())
	assert.Equal(t, `/v2/users/\1`, action.RegexRewrite.Substitution)
	assert.Equal(t, uint32(2), action.RetryPolicy.NumRetries.GetValue())
	assert.Equal(t, 50*time.Millisecond, action.RetryPolicy.RetryBackOff.BaseInterval.AsDuration())

	files := routes[1]
	assert.Equal(t, "x-env", files.Match.Headers[0].Name)
	assert.True(t, files.Match.Headers[0].GetPresentMatch())
	assert.Nil(t, files.GetRoute().RetryPolicy)

	cla := snap.GetResources(resource.EndpointType)["users"].(*endpoint.ClusterLoadAssignment)
	require.Len(t, cla.Endpoints, 1)
	lbes := cla.Endpoints[0].LbEndpoints
	require.Len(t, lbes, 2)
	assert.Equal(t, uint32(3), lbes[1].LoadBalancingWeight.GetValue())
	assert.Equal(t, core.HealthStatus_UNKNOWN, lbes[1].HealthStatus)
	assert.Equal(t, "10.0.0.2", lbes[1].GetEndpoint().Address.GetSocketAddress().Address)

	first := snap.GetResources(resource.EndpointType)["files"].(*endpoint.ClusterLoadAssignment)
	require.Len(t, first.Endpoints, 2)
	assert.Equal(t, uint32(1), first.Endpoints[1].Priority)
}

func TestRepublishOnHealthChange(t *testing.T) {
	s, clusters := newTestServer(t)
	require.NoError(t, s.Publish(context.Background(), clusters))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, lis) }()

	s.Emit(&events.Event{Kind: events.RequestCompleted})
	s.Emit(&events.Event{Kind: events.HealthChanged, Cluster: "users", Member: "10.0.0.1:8001"})
	assert.Eventually(t, func() bool {
		snap, err := s.Snapshot()
		return err == nil && snap.GetVersion(resource.ListenerType) == "v3.2"
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
