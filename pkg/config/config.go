package config

import (
	"path/filepath"
	"time"

	"github.com/jxskiss/errors"
	"github.com/jxskiss/gopkg/v2/confr"
	"github.com/jxskiss/gopkg/v2/easy"
	"github.com/jxskiss/gopkg/v2/zlog"

	"github.com/jxskiss/mygw/pkg/api"
)

const DefaultMaxReplayBytes = 1 << 20

type Configuration struct {
	ListenAddr string `yaml:"listenAddr" env:"MYGW_LISTEN_ADDR" default:":8080"`
	AdminAddr  string `yaml:"adminAddr" env:"MYGW_ADMIN_ADDR" default:"127.0.0.1:9901"`

	// AdminSecret signs the bearer tokens required by the admin API,
	// empty leaves the admin API open.
	AdminSecret string `yaml:"adminSecret" env:"MYGW_ADMIN_SECRET"`

	// XdsAddr enables the ADS server for Envoy sidecars when not empty.
	XdsAddr string `yaml:"xdsAddr" env:"MYGW_XDS_ADDR"`

	// XdsNodeCluster is the Envoy node cluster the snapshots are published for.
	XdsNodeCluster string `yaml:"xdsNodeCluster" env:"MYGW_XDS_NODE_CLUSTER" default:"infra.mygw.default"`

	// ProviderDir is resolved against the configuration directory unless absolute.
	ProviderDir    string        `yaml:"providerDir" env:"MYGW_PROVIDER_DIR" default:"provider"`
	ReloadInterval time.Duration `yaml:"reloadInterval" default:"5s"`

	LogLevel string `yaml:"logLevel" env:"MYGW_LOG_LEVEL" default:"info"`
	Dev      bool   `yaml:"dev" env:"MYGW_DEV"`

	MaxReplayBytes  int64         `yaml:"maxReplayBytes" default:"1048576"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" default:"10s"`
	EventHistory    int           `yaml:"eventHistory" default:"1000"`

	Defaults api.Defaults `yaml:"defaults"`

	// Envoy configures sidecars bootstrapped by "mygw xds bootstrap".
	Envoy Envoy `yaml:"envoy"`

	confDir string
}

type Envoy struct {
	NodeID    string `yaml:"nodeId" env:"ENVOY_NODE_ID"`
	AdminPort int    `yaml:"adminPort" env:"ENVOY_ADMIN_PORT" default:"9000"`
	LogLevel  string `yaml:"logLevel" default:"info"`

	// ProxySocket makes Envoy dial the xDS servers through a local
	// unix socket proxy.
	ProxySocket string `yaml:"proxySocket"`

	// XdsServers defaults to XdsAddr.
	XdsServers []string `yaml:"xdsServers"`
}

func ReadConfig(confDir string) (*Configuration, error) {
	confFile := filepath.Join(confDir, "mygw.yaml")
	cfg := &Configuration{}
	err := confr.New(&confr.Config{}).Load(cfg, confFile)
	if err != nil {
		return nil, errors.WithMessage(err, "failed read configuration")
	}
	cfg.confDir = confDir
	if !filepath.IsAbs(cfg.ProviderDir) {
		cfg.ProviderDir = filepath.Join(confDir, cfg.ProviderDir)
	}
	if len(cfg.Envoy.XdsServers) == 0 && cfg.XdsAddr != "" {
		cfg.Envoy.XdsServers = []string{cfg.XdsAddr}
	}
	if cfg.MaxReplayBytes <= 0 {
		cfg.MaxReplayBytes = DefaultMaxReplayBytes
	}
	logged := *cfg
	if logged.AdminSecret != "" {
		logged.AdminSecret = "******"
	}
	zlog.Infof("mygw configuration: %v", easy.JSON(logged))
	return cfg, nil
}

func (cfg *Configuration) ConfDir() string {
	return cfg.confDir
}

func (cfg *Configuration) OutputPath() string {
	return filepath.Join(cfg.confDir, "generated")
}
