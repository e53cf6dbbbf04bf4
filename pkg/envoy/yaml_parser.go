package envoy

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/jxskiss/errors"
	"github.com/jxskiss/gopkg/v2/easy"
	"gopkg.in/yaml.v3"

	"github.com/jxskiss/mygw/pkg/config"
)

// YAMLParser renders YAML templates containing "!@@ " commands.
//
//	"!@@ cmd": arg     as a map key, the map returned by cmd(arg) is merged
//	                   into the enclosing map
//	key: "!@@ cmd"     as a value, replaced by cmd()
//	- "!@@ cmd"        as a slice element, replaced by cmd(), a slice
//	                   result is spliced into the enclosing slice
//
// Command results are solved again, so commands may produce commands.
type YAMLParser struct {
	cfg *config.Configuration
}

// Parse executes s as a text/template with data and decodes the output.
func (p *YAMLParser) Parse(s string, data any) (any, error) {
	var buf bytes.Buffer
	tmpl, err := template.New("").Parse(s)
	if err != nil {
		return nil, errors.WithMessagef(err, "parse template %q", abbrev(s))
	}
	if err = tmpl.Execute(&buf, data); err != nil {
		return nil, errors.WithMessagef(err, "execute template %q", abbrev(s))
	}
	var out any
	if err = yaml.Unmarshal(bytes.TrimSpace(buf.Bytes()), &out); err != nil {
		return nil, errors.WithMessage(err, "decode yaml")
	}
	return out, nil
}

// Solve replaces the commands found in data, path names data's position
// in error messages.
func (p *YAMLParser) Solve(path string, data any) (any, error) {
	switch x := data.(type) {
	case map[string]any:
		return p.solveMap(path, x)
	case []any:
		return p.solveSlice(path, x)
	}
	return data, nil
}

func (p *YAMLParser) solveMap(path string, m map[string]any) (map[string]any, error) {
	var cmdKeys []string
	for k, v := range m {
		if _, ok := p.isCommand(k); ok {
			cmdKeys = append(cmdKeys, k)
			continue
		}
		var err error
		if cmd, ok := p.isCommand(v); ok {
			m[k], err = p.expand(keyPath(path, k), cmd, nil)
		} else {
			m[k], err = p.Solve(keyPath(path, k), v)
		}
		if err != nil {
			return nil, err
		}
	}

	for _, k := range cmdKeys {
		arg := m[k]
		delete(m, k)
		cmd, _ := p.isCommand(k)
		result, err := p.expand(keyPath(path, k), cmd, arg)
		if err != nil {
			return nil, err
		}
		if result == nil {
			continue
		}
		sub, ok := result.(map[string]any)
		if !ok {
			return nil, errors.Errorf("%s: command %s returned %T, want a map", keyPath(path, k), cmd, result)
		}
		easy.MergeMapsTo(m, sub)
	}
	return m, nil
}

func (p *YAMLParser) solveSlice(path string, s []any) ([]any, error) {
	out := make([]any, 0, len(s))
	for i, v := range s {
		elemPath := fmt.Sprintf("%s[%d]", path, i)
		cmd, ok := p.isCommand(v)
		if !ok {
			solved, err := p.Solve(elemPath, v)
			if err != nil {
				return nil, err
			}
			out = append(out, solved)
			continue
		}
		result, err := p.expand(elemPath, cmd, nil)
		if err != nil {
			return nil, err
		}
		switch x := result.(type) {
		case nil:
		case []any:
			out = append(out, x...)
		default:
			out = append(out, x)
		}
	}
	return out, nil
}

func (p *YAMLParser) expand(path, cmd string, arg any) (any, error) {
	result, err := p.runCommand(cmd, arg)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: command %s", path, cmd)
	}
	return p.Solve(path, result)
}

func keyPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + strings.TrimPrefix(key, cmdPrefix)
}

func abbrev(s string) string {
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > 100 {
		return string(r[:97]) + "..."
	}
	return s
}
