package admin

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jxskiss/errors"
	"github.com/jxskiss/gopkg/v2/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jxskiss/mygw/pkg/api"
	"github.com/jxskiss/mygw/pkg/events"
	"github.com/jxskiss/mygw/pkg/health"
	"github.com/jxskiss/mygw/pkg/route"
	"github.com/jxskiss/mygw/pkg/upstream"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *events.Recorder) {
	t.Helper()
	resolver := upstream.NewResolver()
	t.Cleanup(resolver.Close)
	require.NoError(t, resolver.ApplyCluster(&api.Cluster{
		Name:           "users",
		Policy:         api.PolicyRoundRobin,
		CircuitBreaker: api.CircuitBreaker{FailureThreshold: 5, Cooldown: api.Duration(time.Second)},
		Endpoints:      []*api.Endpoint{{Addr: "10.0.0.1:80"}},
	}))

	store := route.NewStore()
	table := route.NewTable("v7")
	require.NoError(t, table.Register(&route.Route{
		ID:       "get-user",
		Methods:  []string{"GET"},
		Template: route.MustParseTemplate("/users/{id}"),
		Cluster:  "users",
		Rewrite:  route.MustParseTemplate("/v2/users/{id}"),
		Timeout:  3 * time.Second,
	}))
	store.Swap(table)

	rec := events.NewRecorder(10)
	opts = append([]Option{WithRecorder(rec)}, opts...)
	return NewServer(store, health.NewChecker(store, resolver), opts...), rec
}

func do(t *testing.T, s *Server, method, path string, out any) int {
	t.Helper()
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(method, path, nil))
	if out != nil {
		body, err := io.ReadAll(w.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, out), string(body))
	}
	return w.Code
}

func TestHealthAndReady(t *testing.T) {
	s, _ := newTestServer(t)
	assert.Equal(t, http.StatusOK, do(t, s, "GET", "/health", nil))

	var rep health.Report
	assert.Equal(t, http.StatusOK, do(t, s, "GET", "/ready", &rep))
	assert.True(t, rep.Ready)
	assert.Equal(t, "v7", rep.Version)
}

func TestRoutes(t *testing.T) {
	s, _ := newTestServer(t)
	var out struct {
		Version string      `json:"version"`
		Routes  []routeView `json:"routes"`
	}
	require.Equal(t, http.StatusOK, do(t, s, "GET", "/routes", &out))
	assert.Equal(t, "v7", out.Version)
	require.Len(t, out.Routes, 1)
	assert.Equal(t, "/users/{id}", out.Routes[0].Path)
	assert.Equal(t, "/v2/users/{id}", out.Routes[0].Rewrite)
	assert.Equal(t, "3s", out.Routes[0].Timeout)
}

func TestClusters(t *testing.T) {
	s, _ := newTestServer(t)
	var out struct {
		Clusters []health.ClusterReport `json:"clusters"`
	}
	require.Equal(t, http.StatusOK, do(t, s, "GET", "/clusters", &out))
	require.Len(t, out.Clusters, 1)
	assert.Equal(t, "users", out.Clusters[0].Name)
	assert.True(t, out.Clusters[0].Referenced)

	var one health.ClusterReport
	require.Equal(t, http.StatusOK, do(t, s, "GET", "/clusters/users", &one))
	assert.Equal(t, "10.0.0.1:80", one.Members[0].Addr)

	assert.Equal(t, http.StatusNotFound, do(t, s, "GET", "/clusters/nope", nil))
}

func TestEvents(t *testing.T) {
	s, rec := newTestServer(t)
	rec.Emit(&events.Event{Kind: events.ConfigReloaded, Version: "v1"})
	rec.Emit(&events.Event{Kind: events.RequestCompleted, Status: 200})
	rec.Emit(&events.Event{Kind: events.ConfigReloaded, Version: "v2"})

	var out struct {
		Events []events.Event `json:"events"`
	}
	require.Equal(t, http.StatusOK, do(t, s, "GET", "/events?limit=2", &out))
	require.Len(t, out.Events, 2)
	assert.Equal(t, "v2", out.Events[0].Version)
	assert.Equal(t, events.RequestCompleted, out.Events[1].Kind)

	require.Equal(t, http.StatusOK, do(t, s, "GET", "/events?kind=config_reloaded", &out))
	require.Len(t, out.Events, 2)
	assert.Equal(t, "v1", out.Events[1].Version)
}

func TestReload(t *testing.T) {
	s, _ := newTestServer(t)
	assert.Equal(t, http.StatusNotImplemented, do(t, s, "POST", "/reload", nil))

	fail := true
	s, _ = newTestServer(t, WithReload(func(ctx context.Context) (string, error) {
		if fail {
			return "", errors.New("route a conflicts with b")
		}
		return "v8", nil
	}))
	var out map[string]string
	assert.Equal(t, http.StatusUnprocessableEntity, do(t, s, "POST", "/reload", &out))
	assert.Contains(t, out["error"], "conflicts")

	fail = false
	assert.Equal(t, http.StatusOK, do(t, s, "POST", "/reload", &out))
	assert.Equal(t, "v8", out["version"])
}

func TestMetricsAndRecovery(t *testing.T) {
	s, _ := newTestServer(t, WithMetrics(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))
	assert.Equal(t, http.StatusInternalServerError, do(t, s, "GET", "/metrics", nil))
}

func TestAuthSecret(t *testing.T) {
	const secret = "admin-secret-for-tests"
	s, _ := newTestServer(t, WithAuthSecret(secret))

	call := func(path, token string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		s.Handler().ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, call("/health", ""))
	assert.Equal(t, http.StatusOK, call("/ready", ""))
	assert.Equal(t, http.StatusUnauthorized, call("/routes", ""))
	assert.Equal(t, http.StatusUnauthorized, call("/routes", "garbage"))

	token, err := GenerateToken(secret, "tester", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, call("/routes", token))
	assert.Equal(t, http.StatusOK, call("/clusters/users", token))

	other, err := GenerateToken("another-secret", "tester", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, call("/routes", other))

	defaulted, err := GenerateToken(secret, "tester", -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, call("/routes", defaulted), "non-positive ttl uses the default")

	_, err = GenerateToken("", "tester", time.Minute)
	assert.Error(t, err)
}
