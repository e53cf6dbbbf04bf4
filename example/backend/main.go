// Command backend runs echo servers for trying the gateway locally.
//
//	backend -p 8001,8002,8003
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jxskiss/errors"
	"github.com/jxskiss/gopkg/v2/easy"
	"github.com/jxskiss/gopkg/v2/zlog"
	"github.com/jxskiss/mcli"
	"golang.org/x/sync/errgroup"
)

func main() {
	zlog.SetDevelopment()
	defer zlog.Sync()

	var args struct {
		Ports string `cli:"#R, -p, --ports, ports to listen on separated by comma"`
		Host  string `cli:"--host, interface to listen on" default:"127.0.0.1"`
	}
	mcli.Parse(&args)
	ports := easy.ParseInts[int](strings.Split(args.Ports, ","), 10)
	if len(ports) == 0 {
		zlog.Fatal("invalid argument -p")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	for _, port := range ports {
		addr := net.JoinHostPort(args.Host, strconv.Itoa(port))
		srv := &http.Server{Addr: addr, Handler: newHandler(port)}
		group.Go(func() error {
			zlog.Infof("backend listening on %s", addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	if err := group.Wait(); err != nil {
		zlog.Fatalf("backend stopped: %v", err)
	}
}
