package api

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jxskiss/errors"
	"github.com/jxskiss/gopkg/v2/set"
	"github.com/spf13/cast"
)

var ErrInvalidState = errors.New("invalid gateway state")

// State is the complete declarative definition the gateway is built from.
type State struct {
	Clusters []*Cluster `json:"clusters" yaml:"clusters"`
	Services []*Service `json:"services" yaml:"services"`
}

// Defaults are applied to every cluster and route leaving a field unset.
type Defaults struct {
	Policy         string         `json:"policy" yaml:"policy"`
	Timeout        Duration       `json:"timeout" yaml:"timeout"`
	Retry          RetryPolicy    `json:"retry" yaml:"retry"`
	HealthCheck    HealthCheck    `json:"health_check" yaml:"health_check"`
	CircuitBreaker CircuitBreaker `json:"circuit_breaker" yaml:"circuit_breaker"`
}

func BuiltinDefaults() Defaults {
	return Defaults{
		Policy:  PolicyRoundRobin,
		Timeout: Duration(30 * time.Second),
		Retry: RetryPolicy{
			MaxRetries:     intPtr(2),
			InitialBackoff: Duration(50 * time.Millisecond),
			MaxBackoff:     Duration(time.Second),
			Multiplier:     2,
		},
		HealthCheck: HealthCheck{
			Interval:           Duration(10 * time.Second),
			Timeout:            Duration(2 * time.Second),
			UnhealthyThreshold: 3,
			HealthyThreshold:   2,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 5,
			Cooldown:         Duration(10 * time.Second),
		},
	}
}

// Merge fills zero fields of d from other.
func (d Defaults) Merge(other Defaults) Defaults {
	if d.Policy == "" {
		d.Policy = other.Policy
	}
	if d.Timeout == 0 {
		d.Timeout = other.Timeout
	}
	d.Retry = d.Retry.merge(other.Retry)
	d.HealthCheck = d.HealthCheck.merge(other.HealthCheck)
	d.CircuitBreaker = d.CircuitBreaker.merge(other.CircuitBreaker)
	return d
}

func (p RetryPolicy) merge(other RetryPolicy) RetryPolicy {
	if p.MaxRetries == nil && other.MaxRetries != nil {
		p.MaxRetries = intPtr(*other.MaxRetries)
	}
	if p.TryTimeout == 0 {
		p.TryTimeout = other.TryTimeout
	}
	if p.InitialBackoff == 0 {
		p.InitialBackoff = other.InitialBackoff
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = other.MaxBackoff
	}
	if p.Multiplier == 0 {
		p.Multiplier = other.Multiplier
	}
	return p
}

func (h HealthCheck) merge(other HealthCheck) HealthCheck {
	if h.Path == "" {
		h.Path = other.Path
	}
	if h.Interval == 0 {
		h.Interval = other.Interval
	}
	if h.Timeout == 0 {
		h.Timeout = other.Timeout
	}
	if h.UnhealthyThreshold == 0 {
		h.UnhealthyThreshold = other.UnhealthyThreshold
	}
	if h.HealthyThreshold == 0 {
		h.HealthyThreshold = other.HealthyThreshold
	}
	return h
}

func (c CircuitBreaker) merge(other CircuitBreaker) CircuitBreaker {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = other.FailureThreshold
	}
	if c.Cooldown == 0 {
		c.Cooldown = other.Cooldown
	}
	return c
}

// Normalize applies directives and defaults in place and validates the
// result. A state which fails Normalize must not be used.
func (s *State) Normalize(defaults Defaults) error {
	defaults = defaults.Merge(BuiltinDefaults())

	clusterNames := set.New[string]()
	for _, c := range s.Clusters {
		if c == nil || c.Name == "" {
			return errors.WithMessage(ErrInvalidState, "cluster without name")
		}
		if clusterNames.Contains(c.Name) {
			return errors.WithMessagef(ErrInvalidState, "duplicate cluster %s", c.Name)
		}
		clusterNames.Add(c.Name)
		if err := c.applyDirectives(); err != nil {
			return err
		}
		if err := c.normalize(defaults); err != nil {
			return err
		}
	}

	serviceNames := set.New[string]()
	routeIDs := set.New[string]()
	for _, svc := range s.Services {
		if svc == nil || svc.Name == "" {
			return errors.WithMessage(ErrInvalidState, "service without name")
		}
		if serviceNames.Contains(svc.Name) {
			return errors.WithMessagef(ErrInvalidState, "duplicate service %s", svc.Name)
		}
		serviceNames.Add(svc.Name)
		for i, r := range svc.Routes {
			if r == nil {
				return errors.WithMessagef(ErrInvalidState, "service %s: nil route", svc.Name)
			}
			if r.ID == "" {
				r.ID = fmt.Sprintf("%s-%d", svc.Name, i)
			}
			if routeIDs.Contains(r.ID) {
				return errors.WithMessagef(ErrInvalidState, "duplicate route id %s", r.ID)
			}
			routeIDs.Add(r.ID)
			if r.Cluster == "" {
				r.Cluster = svc.Cluster
			}
			if !clusterNames.Contains(r.Cluster) {
				return errors.WithMessagef(ErrInvalidState, "route %s: cluster %q not exists", r.ID, r.Cluster)
			}
			if err := r.applyDirectives(RouteDirective, r.Directives); err != nil {
				return err
			}
			if err := r.inherit(svc); err != nil {
				return err
			}
			if err := r.normalize(defaults); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Cluster) normalize(defaults Defaults) error {
	if c.Policy == "" {
		c.Policy = defaults.Policy
	}
	switch c.Policy {
	case PolicyRoundRobin, PolicyLeastConn, PolicyRandomWeighted, PolicyFirst:
	default:
		return errors.WithMessagef(ErrInvalidState, "cluster %s: unknown policy %q", c.Name, c.Policy)
	}
	switch c.Discovery {
	case "":
		c.Discovery = DiscoveryStatic
	case DiscoveryStatic, DiscoveryProvider:
	default:
		return errors.WithMessagef(ErrInvalidState, "cluster %s: unknown discovery %q", c.Name, c.Discovery)
	}
	c.HealthCheck = c.HealthCheck.merge(defaults.HealthCheck)
	c.CircuitBreaker = c.CircuitBreaker.merge(defaults.CircuitBreaker)
	if c.HealthCheck.Path != "" && !strings.HasPrefix(c.HealthCheck.Path, "/") {
		return errors.WithMessagef(ErrInvalidState, "cluster %s: health check path must start with /", c.Name)
	}
	if c.CircuitBreaker.FailureThreshold < 1 || c.HealthCheck.UnhealthyThreshold < 1 || c.HealthCheck.HealthyThreshold < 1 {
		return errors.WithMessagef(ErrInvalidState, "cluster %s: thresholds must be positive", c.Name)
	}
	return ValidateEndpoints(c.Name, c.Endpoints)
}

// ValidateEndpoints checks member addresses and fills the default weight.
func ValidateEndpoints(cluster string, endpoints []*Endpoint) error {
	addrs := set.New[string]()
	for _, ep := range endpoints {
		if ep == nil {
			return errors.WithMessagef(ErrInvalidState, "cluster %s: nil endpoint", cluster)
		}
		host, port, err := net.SplitHostPort(ep.Addr)
		if err != nil || host == "" {
			return errors.WithMessagef(ErrInvalidState, "cluster %s: invalid endpoint address %q", cluster, ep.Addr)
		}
		if p, err := cast.ToIntE(port); err != nil || p <= 0 || p > 65535 {
			return errors.WithMessagef(ErrInvalidState, "cluster %s: invalid endpoint port %q", cluster, ep.Addr)
		}
		if addrs.Contains(ep.Addr) {
			return errors.WithMessagef(ErrInvalidState, "cluster %s: duplicate endpoint %s", cluster, ep.Addr)
		}
		addrs.Add(ep.Addr)
		if ep.Weight < 0 {
			return errors.WithMessagef(ErrInvalidState, "cluster %s: negative weight for %s", cluster, ep.Addr)
		}
		if ep.Weight == 0 {
			ep.Weight = 1
		}
	}
	return nil
}

// inherit fills the fields r leaves unset from the service directives.
func (r *Route) inherit(svc *Service) error {
	if len(svc.Directives) == 0 {
		return nil
	}
	base := &Route{ID: r.ID}
	if err := base.applyDirectives(ServiceDirective, svc.Directives); err != nil {
		return err
	}
	if r.Timeout == 0 {
		r.Timeout = base.Timeout
	}
	r.Retry = r.Retry.merge(base.Retry)
	for k, v := range base.Headers {
		if r.Headers == nil {
			r.Headers = make(map[string]string)
		}
		if _, ok := r.Headers[k]; !ok {
			r.Headers[k] = v
		}
	}
	return nil
}

func (r *Route) normalize(defaults Defaults) error {
	if !strings.HasPrefix(r.Path, "/") {
		return errors.WithMessagef(ErrInvalidState, "route %s: path must start with /", r.ID)
	}
	if r.Rewrite != "" && !strings.HasPrefix(r.Rewrite, "/") {
		return errors.WithMessagef(ErrInvalidState, "route %s: rewrite must start with /", r.ID)
	}
	for i, m := range r.Methods {
		r.Methods[i] = strings.ToUpper(m)
	}
	if r.Timeout == 0 {
		r.Timeout = defaults.Timeout
	}
	r.Retry = r.Retry.merge(defaults.Retry)
	if r.Retry.Retries() < 0 {
		return errors.WithMessagef(ErrInvalidState, "route %s: negative retries", r.ID)
	}
	if r.Retry.Multiplier < 1 {
		return errors.WithMessagef(ErrInvalidState, "route %s: backoff multiplier must be >= 1", r.ID)
	}
	return nil
}

// Routes returns all routes of all services in definition order.
func (s *State) Routes() []*Route {
	var out []*Route
	for _, svc := range s.Services {
		out = append(out, svc.Routes...)
	}
	return out
}

func (s *State) Cluster(name string) *Cluster {
	for _, c := range s.Clusters {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func intPtr(n int) *int { return &n }
