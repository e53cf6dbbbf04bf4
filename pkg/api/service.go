package api

import (
	"strings"

	"github.com/jxskiss/errors"
	"github.com/spf13/cast"
)

// Service groups routes which target the same cluster by default.
// Service level directives are inherited by every route.
type Service struct {
	Name       string      `json:"name" yaml:"name"`
	Cluster    string      `json:"cluster" yaml:"cluster"`
	Directives []Directive `json:"directives,omitempty" yaml:"directives"`
	Routes     []*Route    `json:"routes" yaml:"routes"`
}

type Route struct {
	ID       string            `json:"id" yaml:"id"`
	Methods  []string          `json:"methods,omitempty" yaml:"methods"`
	Path     string            `json:"path" yaml:"path"`
	Headers  map[string]string `json:"headers,omitempty" yaml:"headers"`
	Priority int               `json:"priority" yaml:"priority"`

	// Cluster overrides the service cluster when not empty.
	Cluster string `json:"cluster" yaml:"cluster"`

	// Rewrite is an upstream path template, placeholders are filled
	// with the parameters extracted from Path.
	Rewrite string `json:"rewrite,omitempty" yaml:"rewrite"`

	Timeout Duration    `json:"timeout" yaml:"timeout"`
	Retry   RetryPolicy `json:"retry" yaml:"retry"`

	Directives []Directive `json:"directives,omitempty" yaml:"directives"`
}

type RetryPolicy struct {
	// MaxRetries is a pointer to tell an explicit zero from unset.
	MaxRetries     *int     `json:"max_retries" yaml:"max_retries"`
	TryTimeout     Duration `json:"try_timeout" yaml:"try_timeout"`
	InitialBackoff Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     Duration `json:"max_backoff" yaml:"max_backoff"`
	Multiplier     float64  `json:"multiplier" yaml:"multiplier"`
}

func (r *Route) applyDirectives(cate DirectiveCategory, directives []Directive) error {
	for i := range directives {
		d := &directives[i]
		if err := d.Validate(cate); err != nil {
			return errors.WithMessagef(err, "route %s", r.ID)
		}
		args := d.Args()
		var err error
		switch d.Name() {
		case "timeout":
			err = r.Timeout.set(args[0])
		case "try_timeout":
			err = r.Retry.TryTimeout.set(args[0])
		case "retries":
			var n int
			n, err = cast.ToIntE(args[0])
			r.Retry.MaxRetries = &n
		case "backoff":
			err = r.Retry.InitialBackoff.set(args[0])
			if err == nil {
				err = r.Retry.MaxBackoff.set(args[1])
			}
		case "priority":
			r.Priority, err = cast.ToIntE(args[0])
		case "rewrite":
			r.Rewrite = args[0]
		case "methods":
			r.Methods = nil
			for _, m := range args {
				r.Methods = append(r.Methods, strings.ToUpper(m))
			}
		case "header":
			if r.Headers == nil {
				r.Headers = make(map[string]string)
			}
			r.Headers[args[0]] = args[1]
		}
		if err != nil {
			return errors.WithMessagef(err, "route %s: directive %q", r.ID, d.String())
		}
	}
	return nil
}

// Retries returns MaxRetries, zero if unset.
func (p RetryPolicy) Retries() int {
	if p.MaxRetries == nil {
		return 0
	}
	return *p.MaxRetries
}
