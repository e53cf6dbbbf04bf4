package api

import (
	"strings"

	"github.com/jxskiss/errors"
	"github.com/jxskiss/gopkg/v2/json"
	"gopkg.in/yaml.v3"
)

type DirectiveCategory int

const (
	InvalidDirective DirectiveCategory = iota
	ClusterDirective
	ServiceDirective
	RouteDirective
)

var ErrInvalidDirective = errors.New("directive is invalid")

// Directive is a nginx-style one line option, e.g. "timeout 3s;".
type Directive struct {
	full string
	name string
	args []string
}

// knownDirectives maps a directive name to the categories it is allowed in
// and the number of arguments it takes, -1 means one or more.
var knownDirectives = map[string]struct {
	cates []DirectiveCategory
	nargs int
}{
	"timeout":             {[]DirectiveCategory{ServiceDirective, RouteDirective}, 1},
	"try_timeout":         {[]DirectiveCategory{ServiceDirective, RouteDirective}, 1},
	"retries":             {[]DirectiveCategory{ServiceDirective, RouteDirective}, 1},
	"backoff":             {[]DirectiveCategory{ServiceDirective, RouteDirective}, 2},
	"priority":            {[]DirectiveCategory{RouteDirective}, 1},
	"rewrite":             {[]DirectiveCategory{RouteDirective}, 1},
	"methods":             {[]DirectiveCategory{RouteDirective}, -1},
	"header":              {[]DirectiveCategory{ServiceDirective, RouteDirective}, 2},
	"lb_policy":           {[]DirectiveCategory{ClusterDirective}, 1},
	"failure_threshold":   {[]DirectiveCategory{ClusterDirective}, 1},
	"cooldown":            {[]DirectiveCategory{ClusterDirective}, 1},
	"health_check":        {[]DirectiveCategory{ClusterDirective}, 1},
	"health_interval":     {[]DirectiveCategory{ClusterDirective}, 1},
	"unhealthy_threshold": {[]DirectiveCategory{ClusterDirective}, 1},
	"healthy_threshold":   {[]DirectiveCategory{ClusterDirective}, 1},
}

func NewDirective(s string) (Directive, error) {
	var d Directive
	err := d.parse(s)
	return d, err
}

func MustDirective(s string) Directive {
	d, err := NewDirective(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d *Directive) Validate(cate DirectiveCategory) error {
	known, ok := knownDirectives[d.name]
	if !ok {
		return errors.WithMessagef(ErrInvalidDirective, "unknown directive %q", d.name)
	}
	allowed := false
	for _, c := range known.cates {
		if c == cate {
			allowed = true
			break
		}
	}
	if !allowed {
		return errors.WithMessagef(ErrInvalidDirective, "directive %q not allowed here", d.name)
	}
	if known.nargs < 0 && len(d.args) == 0 ||
		known.nargs >= 0 && len(d.args) != known.nargs {
		return errors.WithMessagef(ErrInvalidDirective, "directive %q: wrong number of arguments", d.full)
	}
	return nil
}

func (d *Directive) parse(s string) error {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ";")
	s = strings.TrimSpace(s)
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ErrInvalidDirective
	}

	d.full = s
	d.name = fields[0]
	d.args = fields[1:]
	return nil
}

func (d Directive) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.full)
}

func (d *Directive) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d Directive) MarshalYAML() (interface{}, error) {
	return d.full, nil
}

func (d *Directive) UnmarshalYAML(value *yaml.Node) error {
	var s string
	err := value.Decode(&s)
	if err == nil {
		err = d.parse(s)
	}
	return err
}

func (d *Directive) Name() string {
	return d.name
}

func (d *Directive) Args() []string {
	return d.args
}

func (d *Directive) ArgString() string {
	return strings.Join(d.args, " ")
}

func (d *Directive) String() string {
	return d.full
}
