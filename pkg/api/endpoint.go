package api

// Endpoint is one upstream member of a cluster, Addr is "host:port".
type Endpoint struct {
	Addr     string            `json:"addr" yaml:"addr"`
	Weight   int               `json:"weight,omitempty" yaml:"weight"`
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata"`
}
