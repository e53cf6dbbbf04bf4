package upstream

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jxskiss/errors"
	"github.com/jxskiss/gopkg/v2/zlog"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/jxskiss/mygw/pkg/api"
	"github.com/jxskiss/mygw/pkg/circuit"
	"github.com/jxskiss/mygw/pkg/events"
)

var ErrUnknownCluster = errors.New("unknown cluster")

// Outcome is a passive health signal observed on the request path.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
)

type Option func(*Resolver)

func WithLogger(log *zap.SugaredLogger) Option {
	return func(r *Resolver) { r.log = log }
}

func WithEvents(sink events.Sink) Option {
	return func(r *Resolver) { r.events = sink }
}

// WithProbe replaces the HTTP health probe.
func WithProbe(probe ProbeFunc) Option {
	return func(r *Resolver) { r.probe = probe }
}

// WithClock sets the clock used by member circuit breakers.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// Resolver owns the member sets of all clusters. Each update publishes
// a new Snapshot, readers never wait for writers or health checks.
type Resolver struct {
	log    *zap.SugaredLogger
	events events.Sink
	probe  ProbeFunc
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex // serializes cluster add and remove
	clusters *atomic.Pointer[map[string]*clusterState]
}

func NewResolver(opts ...Option) *Resolver {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Resolver{
		log:      zlog.Named("resolver").Sugar(),
		events:   events.Discard,
		probe:    httpProbe,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		clusters: atomic.NewPointer(&map[string]*clusterState{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve returns the current member snapshot of a cluster.
func (r *Resolver) Resolve(name string) (*Snapshot, error) {
	cs := (*r.clusters.Load())[name]
	if cs == nil {
		return nil, errors.WithMessagef(ErrUnknownCluster, "cluster %s", name)
	}
	return cs.snap.Load(), nil
}

// Clusters returns the names of all known clusters, sorted.
func (r *Resolver) Clusters() []string {
	m := *r.clusters.Load()
	out := make([]string, 0, len(m))
	for name := range m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ApplyCluster adds the cluster or updates its settings and members.
// Members whose address is unchanged keep their health, breaker and
// in-flight counter. The endpoints are validated before anything is
// changed, an error leaves the resolver untouched.
func (r *Resolver) ApplyCluster(c *api.Cluster) error {
	return r.ApplyClusters([]*api.Cluster{c})
}

// ApplyClusters is ApplyCluster for several clusters, either all of
// them are applied or none.
func (r *Resolver) ApplyClusters(clusters []*api.Cluster) error {
	for _, c := range clusters {
		if err := api.ValidateEndpoints(c.Name, c.Endpoints); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range clusters {
		r.applyLocked(c)
	}
	return nil
}

func (r *Resolver) applyLocked(c *api.Cluster) {
	old := *r.clusters.Load()
	cs := old[c.Name]
	if cs == nil {
		cs = r.newClusterState(c.Name)
		next := make(map[string]*clusterState, len(old)+1)
		for k, v := range old {
			next[k] = v
		}
		next[c.Name] = cs
		cs.update(c)
		r.clusters.Store(&next)
		return
	}
	cs.update(c)
}

// UpdateEndpoints replaces the member list of a known cluster,
// keeping its other settings.
func (r *Resolver) UpdateEndpoints(name string, endpoints []*api.Endpoint) error {
	if err := api.ValidateEndpoints(name, endpoints); err != nil {
		return err
	}
	cs := (*r.clusters.Load())[name]
	if cs == nil {
		return errors.WithMessagef(ErrUnknownCluster, "cluster %s", name)
	}
	cs.mu.Lock()
	cfg := cs.cfg
	cs.mu.Unlock()
	cfg.Endpoints = endpoints
	cs.update(&cfg)
	return nil
}

// Prune removes the clusters not in keep and stops their health checks.
// Requests holding a snapshot of a pruned cluster can still finish.
func (r *Resolver) Prune(keep []string) []string {
	want := make(map[string]bool, len(keep))
	for _, name := range keep {
		want[name] = true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	old := *r.clusters.Load()
	next := make(map[string]*clusterState, len(old))
	var removed []string
	for name, cs := range old {
		if want[name] {
			next[name] = cs
			continue
		}
		cs.stop()
		removed = append(removed, name)
	}
	if len(removed) > 0 {
		r.clusters.Store(&next)
		sort.Strings(removed)
		r.log.Infof("pruned clusters: %v", removed)
	}
	return removed
}

// ReportHealth feeds a passive health signal. Passive signals only
// count for clusters with active health checking, otherwise the member
// breaker alone handles request failures.
func (r *Resolver) ReportHealth(m *Member, outcome Outcome) {
	cs := (*r.clusters.Load())[m.Cluster]
	if cs == nil {
		return
	}
	cs.record(m, outcome == OutcomeSuccess, false)
}

// Close stops all health checks.
func (r *Resolver) Close() {
	r.cancel()
}

type clusterState struct {
	r    *Resolver
	name string

	mu      sync.Mutex
	cfg     api.Cluster
	version uint64
	tracks  map[string]*memberTrack
	order   []string

	snap *atomic.Pointer[Snapshot]
}

type memberTrack struct {
	member    *Member
	health    Health
	successes int
	failures  int
	cancel    context.CancelFunc
}

func (r *Resolver) newClusterState(name string) *clusterState {
	return &clusterState{
		r:      r,
		name:   name,
		tracks: make(map[string]*memberTrack),
		snap:   atomic.NewPointer(&Snapshot{Cluster: name}),
	}
}

func (cs *clusterState) update(c *api.Cluster) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	prev := cs.cfg
	cs.cfg = *c
	cs.cfg.Endpoints = nil
	hcChanged := prev.HealthCheck != c.HealthCheck
	cbChanged := prev.CircuitBreaker != c.CircuitBreaker

	next := make(map[string]*memberTrack, len(c.Endpoints))
	order := make([]string, 0, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		weight := ep.Weight
		if weight <= 0 {
			weight = 1
		}
		tr := cs.tracks[ep.Addr]
		switch {
		case tr == nil:
			tr = &memberTrack{member: cs.newMember(ep.Addr, weight)}
			cs.startCheck(tr)
		case cbChanged || tr.member.Weight != weight:
			tr.stopCheck()
			tr.member = cs.newMember(ep.Addr, weight)
			cs.startCheck(tr)
		case hcChanged:
			tr.stopCheck()
			cs.startCheck(tr)
		}
		next[ep.Addr] = tr
		order = append(order, ep.Addr)
	}
	for addr, tr := range cs.tracks {
		if next[addr] == nil {
			tr.stopCheck()
		}
	}
	cs.tracks = next
	cs.order = order
	cs.publish()
}

func (cs *clusterState) newMember(addr string, weight int) *Member {
	cb := circuit.New(circuit.Config{
		FailureThreshold: cs.cfg.CircuitBreaker.FailureThreshold,
		Cooldown:         cs.cfg.CircuitBreaker.Cooldown.Std(),
	}, circuit.WithClock(cs.r.now), circuit.OnStateChange(func(from, to circuit.State) {
		kind := events.CircuitClosed
		switch to {
		case circuit.Open:
			kind = events.CircuitOpened
		case circuit.HalfOpen:
			kind = events.CircuitHalfOpen
		}
		cs.r.events.Emit(&events.Event{
			Kind:    kind,
			Cluster: cs.name,
			Member:  addr,
			From:    from.String(),
			To:      to.String(),
		})
	}))
	return newMember(cs.name, addr, weight, cb)
}

// publish must be called with cs.mu held.
func (cs *clusterState) publish() {
	cs.version++
	snap := &Snapshot{
		Cluster: cs.name,
		Policy:  cs.cfg.Policy,
		Version: cs.version,
		Members: make([]MemberState, 0, len(cs.order)),
	}
	for _, addr := range cs.order {
		tr := cs.tracks[addr]
		snap.Members = append(snap.Members, MemberState{Member: tr.member, Health: tr.health})
	}
	cs.snap.Store(snap)
}

func (cs *clusterState) record(m *Member, ok bool, active bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	tr := cs.tracks[m.Addr]
	if tr == nil || tr.member != m {
		return
	}
	hc := cs.cfg.HealthCheck
	if !active && !hc.Enabled() {
		return
	}
	from := tr.health
	if ok {
		tr.successes++
		tr.failures = 0
		if tr.health != Healthy && tr.successes >= hc.HealthyThreshold {
			tr.health = Healthy
		}
	} else {
		tr.failures++
		tr.successes = 0
		if tr.health != Unhealthy && tr.failures >= hc.UnhealthyThreshold {
			tr.health = Unhealthy
		}
	}
	if tr.health != from {
		cs.publish()
		cs.r.events.Emit(&events.Event{
			Kind:    events.HealthChanged,
			Cluster: cs.name,
			Member:  m.Addr,
			From:    from.String(),
			To:      tr.health.String(),
		})
	}
}

func (cs *clusterState) stop() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, tr := range cs.tracks {
		tr.stopCheck()
	}
}

func (tr *memberTrack) stopCheck() {
	if tr.cancel != nil {
		tr.cancel()
		tr.cancel = nil
	}
}
