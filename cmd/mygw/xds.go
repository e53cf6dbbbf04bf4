package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jxskiss/gopkg/v2/zlog"
	"github.com/jxskiss/mcli"

	"github.com/jxskiss/mygw/pkg/envoy"
)

func cmdXdsBootstrap(ctx *mcli.Context) {
	var args struct {
		ConfDir  string `cli:"-c, --conf-dir, configuration directory" default:"./conf"`
		Dev      bool   `cli:"--dev, use development logger"`
		LogLevel string `cli:"-l, --log-level, override the configured log level"`
		NodeID   string `cli:"-n, --node-id, envoy node id, defaults to the host name"`
	}
	ctx.Parse(&args)
	cfg := readConfig(commonArgs{args.ConfDir, args.Dev, args.LogLevel})
	if args.NodeID != "" {
		cfg.Envoy.NodeID = args.NodeID
	}

	gen := envoy.NewGenerator(cfg)
	if err := gen.Generate(); err != nil {
		zlog.Fatalf("failed generate bootstrap config: %v", err)
	}
	zlog.Infof("envoy bootstrap config written to %s", gen.BootstrapFile())
}

func cmdXdsProxy(ctx *mcli.Context) {
	var args struct {
		UnixSocket string   `cli:"-U, --unix-socket, Unix-socket to listen on" default:"/tmp/mygw-xdsproxy.sock"`
		XdsServers []string `cli:"#R, -x, --xds-server, XDS server to proxy connection to"`
	}
	ctx.Parse(&args)
	zlog.SetDevelopment()

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	proxy := envoy.NewXdsProxy(args.UnixSocket, args.XdsServers)
	if err := proxy.Run(runCtx); err != nil {
		zlog.Fatalf("xds proxy failed: %v", err)
	}
}

func cmdEnvoyRun(ctx *mcli.Context) {
	var args struct {
		ConfDir       string `cli:"-c, --conf-dir, configuration directory" default:"./conf"`
		Dev           bool   `cli:"--dev, use development logger"`
		LogLevel      string `cli:"-l, --log-level, override the configured log level"`
		EnvoyLogLevel string `cli:"--envoy-log-level, set envoy log-level"`
	}
	ctx.Parse(&args)
	cfg := readConfig(commonArgs{args.ConfDir, args.Dev, args.LogLevel})
	if args.EnvoyLogLevel != "" {
		cfg.Envoy.LogLevel = args.EnvoyLogLevel
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	exit, err := envoy.Run(runCtx, cfg)
	if err != nil {
		zlog.Fatalf("failed run envoy: %v", err)
	}
	<-exit
}

func cmdEnvoyHotRestart(ctx *mcli.Context) {
	var args struct {
		ConfDir  string        `cli:"-c, --conf-dir, configuration directory" default:"./conf"`
		BinPath  string        `cli:"--bin-path, mygw binary to run children with, defaults to the current executable"`
		TermWait time.Duration `cli:"--term-wait, time to wait children to exit before killing them" default:"30s"`
	}
	ctx.Parse(&args)
	zlog.SetDevelopment()

	binPath := args.BinPath
	if binPath == "" {
		exe, err := os.Executable()
		if err != nil {
			zlog.Fatalf("failed get executable path: %v", err)
		}
		binPath = exe
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(signals)

	hr := envoy.NewHotRestarter([]string{binPath, "envoy", "run", "-c", args.ConfDir})
	hr.TermWait = args.TermWait
	if err := hr.Run(context.Background(), signals); err != nil {
		zlog.Fatalf("hot restarter failed: %v", err)
	}
}
