package route

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/jxskiss/errors"
	"github.com/jxskiss/gopkg/v2/set"

	"github.com/jxskiss/mygw/pkg/api"
)

var ErrNoMatch = errors.New("no route matched")

// Route is a compiled, immutable routing rule.
type Route struct {
	ID       string
	Methods  []string // empty means any method
	Template *Template
	Headers  map[string]string
	Priority int
	Cluster  string
	Rewrite  *Template
	Timeout  time.Duration
	Retry    api.RetryPolicy

	seq int
}

func (r *Route) anyMethod() bool { return len(r.Methods) == 0 }

func (r *Route) allowMethod(method string) bool {
	if r.anyMethod() {
		return true
	}
	for _, m := range r.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// A header predicate value "*" only requires the header to be present.
func (r *Route) matchHeaders(header http.Header) bool {
	for name, want := range r.Headers {
		values := header.Values(name)
		if len(values) == 0 {
			return false
		}
		if want == "*" {
			continue
		}
		found := false
		for _, v := range values {
			if v == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ConflictError is returned when a route can never be told apart from
// an already registered one.
type ConflictError struct {
	Route    string
	Existing string
	Template string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("route %s conflicts with %s on %s: %s", e.Route, e.Existing, e.Template, e.Reason)
}

// Match is the result of a successful lookup.
type Match struct {
	Route  *Route
	Params map[string]string
}

// UpstreamPath returns the path to send upstream, the rewrite template
// expanded with the extracted params if the route has one.
func (m *Match) UpstreamPath(path string) string {
	if m.Route.Rewrite == nil {
		return path
	}
	return m.Route.Rewrite.Expand(m.Params)
}

// Table is an ordered route collection. A table is mutated only while it
// is being built, once published by a Store it must be treated as read-only.
type Table struct {
	version string
	routes  []*Route
	byKey   map[string][]*Route
	byID    map[string]*Route
}

func NewTable(version string) *Table {
	return &Table{
		version: version,
		byKey:   make(map[string][]*Route),
		byID:    make(map[string]*Route),
	}
}

func (t *Table) Version() string { return t.version }

// Routes returns the routes in lookup order.
func (t *Table) Routes() []*Route {
	out := make([]*Route, len(t.routes))
	copy(out, t.routes)
	return out
}

func (t *Table) Len() int { return len(t.routes) }

func (t *Table) Get(id string) *Route { return t.byID[id] }

// Clusters returns the distinct cluster names referenced by the routes.
func (t *Table) Clusters() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range t.routes {
		if !seen[r.Cluster] {
			seen[r.Cluster] = true
			out = append(out, r.Cluster)
		}
	}
	sort.Strings(out)
	return out
}

// Register adds r to the table, it returns a *ConflictError if r is
// ambiguous with a registered route.
func (t *Table) Register(r *Route) error {
	if r.ID == "" || r.Template == nil {
		return errors.New("route id and template are required")
	}
	if t.byID[r.ID] != nil {
		return &ConflictError{Route: r.ID, Existing: r.ID, Template: r.Template.String(), Reason: "duplicate route id"}
	}
	for i, m := range r.Methods {
		r.Methods[i] = strings.ToUpper(m)
	}
	key := r.Template.Key()
	for _, other := range t.byKey[key] {
		if reason := conflictReason(r, other); reason != "" {
			return &ConflictError{
				Route:    r.ID,
				Existing: other.ID,
				Template: key,
				Reason:   reason,
			}
		}
	}

	r.seq = len(t.routes)
	idx := sort.Search(len(t.routes), func(i int) bool {
		return less(r, t.routes[i])
	})
	t.routes = append(t.routes, nil)
	copy(t.routes[idx+1:], t.routes[idx:])
	t.routes[idx] = r
	t.byKey[key] = append(t.byKey[key], r)
	t.byID[r.ID] = r
	return nil
}

func conflictReason(a, b *Route) string {
	switch {
	case a.anyMethod() && b.anyMethod():
		return "both accept any method"
	case a.anyMethod() || b.anyMethod():
		if a.Priority == b.Priority {
			return "any-method route with equal priority"
		}
		return ""
	}
	for _, m := range a.Methods {
		if b.allowMethod(m) {
			return "overlapping method " + m
		}
	}
	return ""
}

// less orders routes by specificity, then priority, then registration.
func less(a, b *Route) bool {
	if c := compareSpecificity(a.Template, b.Template); c != 0 {
		return c > 0
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.seq < b.seq
}

// Lookup returns the most specific route accepting the request.
// It does not modify the table and is safe for concurrent use.
func (t *Table) Lookup(method, path string, header http.Header) (*Match, error) {
	for _, r := range t.routes {
		if !r.allowMethod(method) {
			continue
		}
		params, ok := r.Template.Match(path)
		if !ok {
			continue
		}
		if !r.matchHeaders(header) {
			continue
		}
		return &Match{Route: r, Params: params}, nil
	}
	return nil, ErrNoMatch
}

// Compile builds a table from a normalized state.
func Compile(state *api.State, version string) (*Table, error) {
	table := NewTable(version)
	for _, def := range state.Routes() {
		r, err := NewRoute(def)
		if err != nil {
			return nil, err
		}
		if err = table.Register(r); err != nil {
			return nil, err
		}
	}
	return table, nil
}

func NewRoute(def *api.Route) (*Route, error) {
	tmpl, err := ParseTemplate(def.Path)
	if err != nil {
		return nil, errors.WithMessagef(err, "route %s", def.ID)
	}
	r := &Route{
		ID:       def.ID,
		Methods:  append([]string(nil), def.Methods...),
		Template: tmpl,
		Headers:  def.Headers,
		Priority: def.Priority,
		Cluster:  def.Cluster,
		Timeout:  def.Timeout.Std(),
		Retry:    def.Retry,
	}
	if def.Rewrite != "" {
		r.Rewrite, err = ParseTemplate(def.Rewrite)
		if err != nil {
			return nil, errors.WithMessagef(err, "route %s: rewrite", def.ID)
		}
		names := set.New[string](tmpl.Names()...)
		for _, n := range r.Rewrite.Names() {
			if !names.Contains(n) {
				return nil, errors.Errorf("route %s: rewrite placeholder %q not in path", def.ID, n)
			}
		}
	}
	return r, nil
}
