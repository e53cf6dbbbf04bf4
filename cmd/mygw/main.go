package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jxskiss/gopkg/v2/zlog"
	"github.com/jxskiss/mcli"

	"github.com/jxskiss/mygw/pkg/config"
	"github.com/jxskiss/mygw/pkg/gateway"
	"github.com/jxskiss/mygw/pkg/provider"
	"github.com/jxskiss/mygw/pkg/route"
)

func main() {
	defer zlog.Sync()

	app := mcli.NewApp()
	app.Add("serve", cmdServe, "Run the gateway")
	app.Add("validate", cmdValidate, "Validate configuration and routes")
	app.Add("dump", cmdDump, "Dump gateway state from the admin interface")
	app.Add("admin token", cmdAdminToken, "Print a bearer token for the admin interface")
	app.Add("xds bootstrap", cmdXdsBootstrap, "Generate envoy bootstrap config for the xds server")
	app.Add("xds proxy", cmdXdsProxy, "Run local xDS proxy")
	app.Add("envoy run", cmdEnvoyRun, "Run envoy bootstrapped from the xds server")
	app.Add("envoy hot-restart", cmdEnvoyHotRestart, "Run envoy under a hot restarter, SIGHUP restarts envoy")
	app.Run()
}

type commonArgs struct {
	ConfDir  string `cli:"-c, --conf-dir, configuration directory" default:"./conf"`
	Dev      bool   `cli:"--dev, use development logger"`
	LogLevel string `cli:"-l, --log-level, override the configured log level"`
}

func readConfig(args commonArgs) *config.Configuration {
	cfg, err := config.ReadConfig(args.ConfDir)
	if err != nil {
		zlog.Fatalf("failed read config: %v", err)
	}
	if args.Dev {
		cfg.Dev = true
	}
	if args.LogLevel != "" {
		cfg.LogLevel = args.LogLevel
	}
	setupLogger(cfg)
	return cfg
}

func setupLogger(cfg *config.Configuration) {
	if cfg.Dev {
		zlog.SetDevelopment()
		return
	}
	zlog.SetupGlobals(&zlog.Config{
		Level:  cfg.LogLevel,
		Format: "json",
	})
}

func cmdServe(ctx *mcli.Context) {
	var args commonArgs
	ctx.Parse(&args)
	cfg := readConfig(args)

	prov := provider.NewFileProvider(cfg.ProviderDir, cfg.ReloadInterval)
	gw, err := gateway.New(cfg, prov)
	if err != nil {
		zlog.Fatalf("failed create gateway: %v", err)
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err = gw.Run(runCtx); err != nil {
		zlog.Fatalf("gateway stopped: %v", err)
	}
	zlog.Infof("gateway stopped")
}

func cmdValidate(ctx *mcli.Context) {
	var args commonArgs
	ctx.Parse(&args)
	cfg := readConfig(args)

	prov := provider.NewFileProvider(cfg.ProviderDir, 0)
	state, err := provider.ReadState(context.Background(), prov)
	if err != nil {
		zlog.Fatalf("failed read provider: %v", err)
	}
	if err = state.Normalize(cfg.Defaults); err != nil {
		zlog.Fatalf("invalid configuration: %v", err)
	}
	table, err := route.Compile(state, "validate")
	if err != nil {
		zlog.Fatalf("invalid routes: %v", err)
	}
	for _, r := range table.Routes() {
		zlog.Infof("route %-24s %-12s %-32s -> %s", r.ID, methods(r), r.Template, r.Cluster)
	}
	zlog.Infof("configuration is valid: %d clusters, %d services, %d routes",
		len(state.Clusters), len(state.Services), table.Len())
}

func methods(r *route.Route) string {
	if len(r.Methods) == 0 {
		return "*"
	}
	return strings.Join(r.Methods, ",")
}
