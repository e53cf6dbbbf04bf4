package route

import (
	"regexp"
	"strings"

	"github.com/jxskiss/errors"
)

var ErrInvalidTemplate = errors.New("invalid path template")

type segmentKind uint8

// Kinds are ordered by specificity.
const (
	segCatchAll segmentKind = iota + 1
	segParam
	segStatic
)

type segment struct {
	kind  segmentKind
	value string // literal text or placeholder name
}

// Template is a compiled path template like "/users/{id}/files/{path...}".
//
// "{name}" matches exactly one non-empty segment, "{name...}" must be
// the last segment and matches one or more remaining segments.
// Empty segments are not significant, neither in templates nor paths:
// "/a//b/" is the same as "/a/b".
type Template struct {
	raw  string
	segs []segment
}

func ParseTemplate(s string) (*Template, error) {
	if !strings.HasPrefix(s, "/") {
		return nil, errors.WithMessagef(ErrInvalidTemplate, "%q must start with /", s)
	}
	parts := splitPath(s)
	t := &Template{raw: s, segs: make([]segment, 0, len(parts))}
	names := make(map[string]bool)
	for i, p := range parts {
		if !strings.HasPrefix(p, "{") {
			if strings.ContainsAny(p, "{}") {
				return nil, errors.WithMessagef(ErrInvalidTemplate, "%q: bad segment %q", s, p)
			}
			t.segs = append(t.segs, segment{kind: segStatic, value: p})
			continue
		}
		if !strings.HasSuffix(p, "}") {
			return nil, errors.WithMessagef(ErrInvalidTemplate, "%q: unclosed placeholder %q", s, p)
		}
		name := p[1 : len(p)-1]
		kind := segParam
		if strings.HasSuffix(name, "...") {
			if i != len(parts)-1 {
				return nil, errors.WithMessagef(ErrInvalidTemplate, "%q: catch-all must be the last segment", s)
			}
			name = strings.TrimSuffix(name, "...")
			kind = segCatchAll
		}
		if name == "" || strings.ContainsAny(name, "{}") {
			return nil, errors.WithMessagef(ErrInvalidTemplate, "%q: bad placeholder %q", s, p)
		}
		if names[name] {
			return nil, errors.WithMessagef(ErrInvalidTemplate, "%q: duplicate placeholder %q", s, name)
		}
		names[name] = true
		t.segs = append(t.segs, segment{kind: kind, value: name})
	}
	return t, nil
}

func MustParseTemplate(s string) *Template {
	t, err := ParseTemplate(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Template) String() string { return t.raw }

// Key returns the canonical form of t, templates which differ only in
// placeholder names have the same key.
func (t *Template) Key() string {
	var b strings.Builder
	for _, seg := range t.segs {
		b.WriteByte('/')
		switch seg.kind {
		case segStatic:
			b.WriteString(seg.value)
		case segParam:
			b.WriteString("{}")
		case segCatchAll:
			b.WriteString("{...}")
		}
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}

// Names returns the placeholder names in order.
func (t *Template) Names() []string {
	var out []string
	for _, seg := range t.segs {
		if seg.kind != segStatic {
			out = append(out, seg.value)
		}
	}
	return out
}

// Match reports whether path matches t and returns the extracted
// placeholder values.
func (t *Template) Match(path string) (map[string]string, bool) {
	parts := splitPath(path)
	var params map[string]string
	for i, seg := range t.segs {
		if i >= len(parts) {
			return nil, false
		}
		switch seg.kind {
		case segStatic:
			if parts[i] != seg.value {
				return nil, false
			}
		case segParam:
			if params == nil {
				params = make(map[string]string, len(t.segs))
			}
			params[seg.value] = parts[i]
		case segCatchAll:
			rest := strings.Join(parts[i:], "/")
			if params == nil {
				params = make(map[string]string, len(t.segs))
			}
			params[seg.value] = rest
			return params, true
		}
	}
	if len(parts) != len(t.segs) {
		return nil, false
	}
	return params, true
}

// Expand fills the placeholders of t with params.
func (t *Template) Expand(params map[string]string) string {
	if len(t.segs) == 0 {
		return "/"
	}
	var b strings.Builder
	for _, seg := range t.segs {
		b.WriteByte('/')
		if seg.kind == segStatic {
			b.WriteString(seg.value)
		} else {
			b.WriteString(params[seg.value])
		}
	}
	return b.String()
}

// Regexp returns an RE2 pattern matching the same paths as t.
// Each placeholder is a capture group, numbered in the order of Names.
func (t *Template) Regexp() string {
	var b strings.Builder
	b.WriteByte('^')
	for _, seg := range t.segs {
		b.WriteByte('/')
		switch seg.kind {
		case segStatic:
			b.WriteString(regexp.QuoteMeta(seg.value))
		case segParam:
			b.WriteString("([^/]+)")
		case segCatchAll:
			b.WriteString("(.+?)")
		}
	}
	b.WriteString("/?$")
	return b.String()
}

// compareSpecificity returns a positive number if a is more specific
// than b, negative if less, zero if they rank equally.
func compareSpecificity(a, b *Template) int {
	n := len(a.segs)
	if len(b.segs) < n {
		n = len(b.segs)
	}
	for i := 0; i < n; i++ {
		if d := int(a.segs[i].kind) - int(b.segs[i].kind); d != 0 {
			return d
		}
	}
	return len(a.segs) - len(b.segs)
}

// splitPath returns the non-empty segments of path.
func splitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
