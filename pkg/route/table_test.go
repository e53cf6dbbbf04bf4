package route

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/jxskiss/gopkg/v2/fastrand"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jxskiss/mygw/pkg/api"
)

func newRoute(id, path string, priority int, methods ...string) *Route {
	return &Route{
		ID:       id,
		Methods:  methods,
		Template: MustParseTemplate(path),
		Priority: priority,
		Cluster:  "c-" + id,
	}
}

func lookupID(t *testing.T, table *Table, method, path string) string {
	t.Helper()
	m, err := table.Lookup(method, path, http.Header{})
	if err != nil {
		return ""
	}
	return m.Route.ID
}

func TestLookupSpecificity(t *testing.T) {
	table := NewTable("1")
	require.NoError(t, table.Register(newRoute("catchall", "/api/{rest...}", 0)))
	require.NoError(t, table.Register(newRoute("param", "/api/users/{id}", 0)))
	require.NoError(t, table.Register(newRoute("static", "/api/users/me", 0)))

	assert.Equal(t, "static", lookupID(t, table, "GET", "/api/users/me"))
	assert.Equal(t, "param", lookupID(t, table, "GET", "/api/users/42"))
	assert.Equal(t, "catchall", lookupID(t, table, "GET", "/api/users/42/posts"))
	assert.Equal(t, "catchall", lookupID(t, table, "GET", "/api/x"))

	_, err := table.Lookup("GET", "/other", nil)
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestLookupDeterministicAcrossRegistrationOrder(t *testing.T) {
	routes := func() []*Route {
		return []*Route{
			newRoute("r1", "/a/{x...}", 0),
			newRoute("r2", "/a/{x}", 0, "GET"),
			newRoute("r3", "/a/{x}", 0, "POST"),
			newRoute("r4", "/a/b", 1),
			newRoute("r5", "/a/b", 5, "GET"),
			newRoute("r6", "/{x}/c", 0),
			newRoute("r7", "/", 0),
		}
	}
	requests := [][2]string{
		{"GET", "/a/b"}, {"POST", "/a/b"}, {"GET", "/a/z"}, {"POST", "/a/z"},
		{"PUT", "/a/z"}, {"GET", "/a/c"}, {"GET", "/z/c"}, {"GET", "/"}, {"GET", "/a/b/c"},
	}

	base := NewTable("base")
	for _, r := range routes() {
		require.NoError(t, base.Register(r))
	}
	expected := make([]string, len(requests))
	for i, req := range requests {
		expected[i] = lookupID(t, base, req[0], req[1])
	}
	assert.Equal(t, []string{"r5", "r4", "r2", "r3", "r1", "r2", "r6", "r7", "r1"}, expected)

	for round := 0; round < 50; round++ {
		rs := routes()
		fastrand.Shuffle(len(rs), func(i, j int) { rs[i], rs[j] = rs[j], rs[i] })
		table := NewTable(fmt.Sprint(round))
		for _, r := range rs {
			require.NoError(t, table.Register(r))
		}
		for i, req := range requests {
			assert.Equal(t, expected[i], lookupID(t, table, req[0], req[1]), "%v", req)
		}
	}
}

func TestRegisterConflicts(t *testing.T) {
	for _, tc := range []struct {
		name     string
		a, b     *Route
		conflict bool
	}{
		{"same template any method", newRoute("a", "/x/{id}", 0), newRoute("b", "/x/{other}", 3), true},
		{"overlapping methods", newRoute("a", "/x", 0, "GET", "POST"), newRoute("b", "/x", 1, "post"), true},
		{"disjoint methods", newRoute("a", "/x", 0, "GET"), newRoute("b", "/x", 0, "POST"), false},
		{"any and explicit equal priority", newRoute("a", "/x", 0), newRoute("b", "/x", 0, "GET"), true},
		{"any and explicit ranked by priority", newRoute("a", "/x", 0), newRoute("b", "/x", 1, "GET"), false},
		{"different templates", newRoute("a", "/x/{id}", 0), newRoute("b", "/x/y", 0), false},
		{"duplicate id", newRoute("a", "/x", 0), newRoute("a", "/y", 0), true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			table := NewTable("")
			require.NoError(t, table.Register(tc.a))
			err := table.Register(tc.b)
			if !tc.conflict {
				assert.NoError(t, err)
				return
			}
			var conflict *ConflictError
			require.ErrorAs(t, err, &conflict)
			assert.Equal(t, "b", conflict.Route)
			assert.Equal(t, 1, table.Len())
		})
	}
}

func TestLookupPriorityAndHeaders(t *testing.T) {
	table := NewTable("")
	canary := newRoute("canary", "/svc", 10)
	canary.Headers = map[string]string{"X-Canary": "1"}
	tagged := newRoute("tagged", "/svc", 5, "GET")
	tagged.Headers = map[string]string{"X-Tag": "*"}
	require.NoError(t, table.Register(canary))
	require.NoError(t, table.Register(tagged))
	require.NoError(t, table.Register(newRoute("plain", "/svc", 0, "POST")))

	h := http.Header{}
	h.Set("x-canary", "1")
	m, err := table.Lookup("GET", "/svc", h)
	require.NoError(t, err)
	assert.Equal(t, "canary", m.Route.ID)

	h = http.Header{}
	h.Set("X-Tag", "anything")
	m, err = table.Lookup("GET", "/svc", h)
	require.NoError(t, err)
	assert.Equal(t, "tagged", m.Route.ID)

	_, err = table.Lookup("GET", "/svc", http.Header{})
	assert.ErrorIs(t, err, ErrNoMatch)

	m, err = table.Lookup("POST", "/svc", http.Header{})
	require.NoError(t, err)
	assert.Equal(t, "plain", m.Route.ID)
}

func TestMatchUpstreamPath(t *testing.T) {
	state := &api.State{
		Clusters: []*api.Cluster{{Name: "users"}},
		Services: []*api.Service{{
			Name:    "users",
			Cluster: "users",
			Routes: []*api.Route{
				{ID: "get-user", Path: "/api/users/{id}", Rewrite: "/v2/users/{id}"},
				{ID: "list", Path: "/api/users"},
			},
		}},
	}
	require.NoError(t, state.Normalize(api.Defaults{}))
	table, err := Compile(state, "v1")
	require.NoError(t, err)
	assert.Equal(t, []string{"users"}, table.Clusters())

	m, err := table.Lookup("GET", "/api/users/9", nil)
	require.NoError(t, err)
	assert.Equal(t, "/v2/users/9", m.UpstreamPath("/api/users/9"))

	m, err = table.Lookup("GET", "/api/users", nil)
	require.NoError(t, err)
	assert.Equal(t, "/api/users", m.UpstreamPath("/api/users"))
}

func TestCompileRejectsUnknownRewritePlaceholder(t *testing.T) {
	_, err := NewRoute(&api.Route{ID: "r", Path: "/a/{id}", Rewrite: "/b/{name}"})
	assert.Error(t, err)
}

func TestStoreConcurrentSwap(t *testing.T) {
	build := func(version string) *Table {
		table := NewTable(version)
		r := newRoute("r-"+version, "/v/{x...}", 0)
		r.Cluster = version
		_ = table.Register(r)
		return table
	}
	store := NewStore()
	store.Swap(build("old"))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest("GET", "/v/a/b", nil)
			for {
				select {
				case <-stop:
					return
				default:
				}
				m, err := store.Dispatch(req)
				if !assert.NoError(t, err) {
					return
				}
				// route id and cluster always come from the same table
				assert.Equal(t, "r-"+m.Route.Cluster, m.Route.ID)
			}
		}()
	}
	for i := 0; i < 200; i++ {
		store.Swap(build(fmt.Sprint(i)))
	}
	close(stop)
	wg.Wait()
}
