package envoy

import (
	"context"
	"os"
	"os/exec"

	"github.com/jxskiss/errors"
	"github.com/jxskiss/gopkg/v2/zlog"

	"github.com/jxskiss/mygw/pkg/config"
)

// Run generates the bootstrap file and starts envoy with it. When a proxy
// socket is configured the xds proxy runs in the background until ctx
// is canceled. The returned channel is closed when envoy exits.
func Run(ctx context.Context, cfg *config.Configuration) (chan struct{}, error) {
	zlog.Infof("generating envoy bootstrap config")
	gen := NewGenerator(cfg)
	if err := gen.Generate(); err != nil {
		return nil, errors.WithMessage(err, "generate bootstrap config")
	}

	if socket := cfg.Envoy.ProxySocket; socket != "" {
		proxy := NewXdsProxy(socket, cfg.Envoy.XdsServers)
		go func() {
			if err := proxy.Run(ctx); err != nil {
				zlog.Errorf("xds proxy stopped: %v", err)
			}
		}()
	}

	cmdArgs := []string{"-c", gen.BootstrapFile()}
	if cfg.Envoy.LogLevel != "" {
		cmdArgs = append(cmdArgs, "-l", cfg.Envoy.LogLevel)
	}
	if epoch := os.Getenv(RestartEpochEnv); epoch != "" {
		cmdArgs = append(cmdArgs, "--restart-epoch", epoch)
	}
	command := exec.CommandContext(ctx, "envoy", cmdArgs...)
	command.Stdout = os.Stdout
	command.Stderr = os.Stderr

	zlog.Infof("starting envoy server: %v", command.String())
	if err := command.Start(); err != nil {
		return nil, errors.WithMessage(err, "start envoy")
	}

	exit := make(chan struct{})
	go func() {
		if err := command.Wait(); err != nil {
			zlog.Warnf("envoy exited: %v", err)
		}
		close(exit)
	}()
	return exit, nil
}
