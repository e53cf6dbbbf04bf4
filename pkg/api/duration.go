package api

import (
	"time"

	"github.com/jxskiss/gopkg/v2/json"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// Duration accepts both Go duration strings ("1.5s") and integer
// milliseconds in configuration files.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) set(v any) error {
	if n, ok := v.(int); ok {
		*d = Duration(time.Duration(n) * time.Millisecond)
		return nil
	}
	x, err := cast.ToDurationE(v)
	if err != nil {
		return err
	}
	*d = Duration(x)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if f, ok := v.(float64); ok {
		v = int(f)
	}
	return d.set(v)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var v any
	if err := value.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}
