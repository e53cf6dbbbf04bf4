package api

import (
	"github.com/jxskiss/errors"
	"github.com/spf13/cast"
)

const (
	PolicyRoundRobin     = "round_robin"
	PolicyLeastConn      = "least_conn"
	PolicyRandomWeighted = "random_weighted"
	PolicyFirst          = "first"
)

const (
	DiscoveryStatic   = "static"
	DiscoveryProvider = "provider"
)

type Cluster struct {
	Name   string `json:"name" yaml:"name"`
	Policy string `json:"policy" yaml:"policy"`

	// Discovery is either "static" (use Endpoints) or "provider"
	// (ask the provider for the member list and refresh it on change).
	Discovery string      `json:"discovery" yaml:"discovery"`
	Endpoints []*Endpoint `json:"endpoints" yaml:"endpoints"`

	HealthCheck    HealthCheck    `json:"health_check" yaml:"health_check"`
	CircuitBreaker CircuitBreaker `json:"circuit_breaker" yaml:"circuit_breaker"`

	Directives []Directive `json:"directives,omitempty" yaml:"directives"`
}

// HealthCheck configures active probing, an empty Path disables it and
// leaves only passive health signals.
type HealthCheck struct {
	Path               string   `json:"path,omitempty" yaml:"path"`
	Interval           Duration `json:"interval" yaml:"interval"`
	Timeout            Duration `json:"timeout" yaml:"timeout"`
	UnhealthyThreshold int      `json:"unhealthy_threshold" yaml:"unhealthy_threshold"`
	HealthyThreshold   int      `json:"healthy_threshold" yaml:"healthy_threshold"`
}

func (h HealthCheck) Enabled() bool {
	return h.Path != "" && h.Interval > 0
}

type CircuitBreaker struct {
	FailureThreshold int      `json:"failure_threshold" yaml:"failure_threshold"`
	Cooldown         Duration `json:"cooldown" yaml:"cooldown"`
}

func (c *Cluster) applyDirectives() error {
	for i := range c.Directives {
		d := &c.Directives[i]
		if err := d.Validate(ClusterDirective); err != nil {
			return errors.WithMessagef(err, "cluster %s", c.Name)
		}
		arg := d.Args()[0]
		var err error
		switch d.Name() {
		case "lb_policy":
			c.Policy = arg
		case "failure_threshold":
			c.CircuitBreaker.FailureThreshold, err = cast.ToIntE(arg)
		case "cooldown":
			err = c.CircuitBreaker.Cooldown.set(arg)
		case "health_check":
			c.HealthCheck.Path = arg
		case "health_interval":
			err = c.HealthCheck.Interval.set(arg)
		case "unhealthy_threshold":
			c.HealthCheck.UnhealthyThreshold, err = cast.ToIntE(arg)
		case "healthy_threshold":
			c.HealthCheck.HealthyThreshold, err = cast.ToIntE(arg)
		}
		if err != nil {
			return errors.WithMessagef(err, "cluster %s: directive %q", c.Name, d.String())
		}
	}
	return nil
}
