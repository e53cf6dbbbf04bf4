package envoy

import (
	"net"
	"os"
	"strings"

	"github.com/jxskiss/errors"
	"github.com/spf13/cast"
)

const cmdPrefix = "!@@ "

func (p *YAMLParser) isCommand(a any) (string, bool) {
	s, ok := a.(string)
	if ok && strings.HasPrefix(s, cmdPrefix) {
		return strings.TrimSpace(s[len(cmdPrefix):]), true
	}
	return "", false
}

func (p *YAMLParser) runCommand(cmd string, arg any) (any, error) {
	switch cmd {
	case "envoy_node":
		return p.cmdEnvoyNode(arg)
	case "envoy_admin":
		return p.cmdEnvoyAdmin(arg)
	case "address":
		return p.cmdAddress(arg)
	case "xds_cluster":
		return p.cmdXdsCluster(arg)
	}
	return nil, errors.Errorf("unknown command %q with arg %v", cmd, arg)
}

func (p *YAMLParser) cmdEnvoyNode(arg any) (any, error) {
	nodeID := p.cfg.Envoy.NodeID
	if nodeID == "" {
		nodeID, _ = os.Hostname()
	}
	tmpl := `
node:
  cluster: "{{ .Cluster }}"
  id: "{{ .ID }}"
`
	return p.Parse(tmpl, map[string]string{
		"Cluster": p.cfg.XdsNodeCluster,
		"ID":      nodeID,
	})
}

func (p *YAMLParser) cmdEnvoyAdmin(arg any) (any, error) {
	tmpl := `
admin:
  address:
    socket_address:
      address: "127.0.0.1"
      port_value: {{ .Envoy.AdminPort }}
`
	return p.Parse(tmpl, p.cfg)
}

// cmdAddress accepts "unix:/path", "host:port" and ":port".
func (p *YAMLParser) cmdAddress(arg any) (any, error) {
	s, ok := arg.(string)
	if !ok {
		return nil, errors.Errorf("address arg must be string, got %v", arg)
	}
	if strings.HasPrefix(s, "unix:") {
		return map[string]any{
			"address": map[string]any{
				"pipe": map[string]any{
					"path": s[len("unix:"):],
				},
			},
		}, nil
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return nil, errors.WithMessagef(err, "invalid address %q", s)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return map[string]any{
		"address": map[string]any{
			"socket_address": map[string]any{
				"address":    host,
				"port_value": cast.ToInt(port),
			},
		},
	}, nil
}

// cmdXdsCluster renders the static cluster of the ADS servers, or of the
// local xds proxy socket when one is configured.
func (p *YAMLParser) cmdXdsCluster(arg any) (any, error) {
	addrs := p.cfg.Envoy.XdsServers
	clusterType := "STRICT_DNS"
	if p.cfg.Envoy.ProxySocket != "" {
		addrs = []string{"unix:" + p.cfg.Envoy.ProxySocket}
		clusterType = "STATIC"
	}
	tmpl := `
name: ` + XdsClusterName + `
type: {{ .Type }}
connect_timeout: 1s
typed_extension_protocol_options:
  envoy.extensions.upstreams.http.v3.HttpProtocolOptions:
    "@type": type.googleapis.com/envoy.extensions.upstreams.http.v3.HttpProtocolOptions
    explicit_http_config:
      http2_protocol_options:
        connection_keepalive:
          interval: 30s
          timeout: 5s
load_assignment:
  cluster_name: ` + XdsClusterName + `
  endpoints:
    - lb_endpoints:
      {{- range .Addrs }}
        - endpoint:
            "!@@ address": "{{ . }}"
      {{- end }}
`
	return p.Parse(tmpl, map[string]any{
		"Type":  clusterType,
		"Addrs": addrs,
	})
}
