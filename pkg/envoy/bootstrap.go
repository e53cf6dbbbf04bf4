// Package envoy bootstraps Envoy sidecars which take their routes,
// clusters and members from the gateway's ADS server.
package envoy

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/jxskiss/errors"
	"github.com/jxskiss/gopkg/v2/easy"
	"gopkg.in/yaml.v3"

	"github.com/jxskiss/mygw/pkg/config"
)

const XdsClusterName = "mygw_xds"

const bootstrapTpl = `
"!@@ envoy_node": {}
"!@@ envoy_admin": {}

dynamic_resources:
  ads_config:
    api_type: GRPC
    transport_api_version: V3
    set_node_on_first_message_only: true
    grpc_services:
      - envoy_grpc:
          cluster_name: ` + XdsClusterName + `
  lds_config:
    resource_api_version: V3
    ads: {}
  cds_config:
    resource_api_version: V3
    ads: {}

static_resources:
  clusters:
    - "!@@ xds_cluster"
`

const generatedHeader = "# This file is auto generated, do not edit.\n\n"

type Generator struct {
	cfg    *config.Configuration
	parser *YAMLParser
}

func NewGenerator(cfg *config.Configuration) *Generator {
	return &Generator{
		cfg:    cfg,
		parser: &YAMLParser{cfg: cfg},
	}
}

func (g *Generator) BootstrapFile() string {
	return filepath.Join(g.cfg.OutputPath(), "envoy-bootstrap.yaml")
}

// Render returns the bootstrap configuration as YAML.
func (g *Generator) Render() ([]byte, error) {
	if len(g.cfg.Envoy.XdsServers) == 0 {
		return nil, errors.New("no xds server configured")
	}
	data, err := g.parser.Parse(bootstrapTpl, nil)
	if err != nil {
		return nil, errors.WithMessage(err, "parse bootstrap yaml")
	}
	data, err = g.parser.Solve("bootstrap", data)
	if err != nil {
		return nil, errors.WithMessage(err, "solve commands in bootstrap yaml")
	}

	var buf bytes.Buffer
	buf.WriteString(generatedHeader)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err = enc.Encode(data); err != nil {
		return nil, errors.WithMessage(err, "encoding bootstrap yaml")
	}
	return buf.Bytes(), nil
}

// Generate writes the bootstrap file to the output directory.
func (g *Generator) Generate() error {
	out, err := g.Render()
	if err != nil {
		return err
	}
	file := g.BootstrapFile()
	if err = os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return errors.AddStack(err)
	}
	if err = easy.WriteFile(file, out, 0644); err != nil {
		return errors.WithMessagef(err, "writing yaml file %s", file)
	}
	return nil
}
