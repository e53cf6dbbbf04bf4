package envoy

import (
	"context"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/jxskiss/errors"
	"github.com/jxskiss/gopkg/v2/fastrand"
	"github.com/jxskiss/gopkg/v2/zlog"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const DefaultIdleTimeout = 5 * time.Minute

// XdsProxy accepts Envoy's xDS connections on a unix socket and pipes
// them to one of the xDS servers, rotating over the servers.
type XdsProxy struct {
	unixSocket string
	xdsAddrs   []string
	xdsIdx     atomic.Uint32

	// IdleTimeout closes the proxy after no connection was active for
	// that long, zero disables it.
	IdleTimeout time.Duration

	mtime atomic.Int64
	conns atomic.Int64
	wg    sync.WaitGroup

	log *zap.SugaredLogger
}

func NewXdsProxy(unixSocket string, xdsAddrs []string) *XdsProxy {
	addrs := append([]string(nil), xdsAddrs...)
	fastrand.Shuffle(len(addrs), func(i, j int) {
		addrs[i], addrs[j] = addrs[j], addrs[i]
	})
	return &XdsProxy{
		unixSocket:  unixSocket,
		xdsAddrs:    addrs,
		IdleTimeout: DefaultIdleTimeout,
		log:         zlog.Named("xdsProxy").Sugar(),
	}
}

// Run serves until ctx is canceled or the proxy is idle for too long.
func (p *XdsProxy) Run(ctx context.Context) error {
	if len(p.xdsAddrs) == 0 {
		return errors.New("no xds server to proxy to")
	}
	if err := os.RemoveAll(p.unixSocket); err != nil {
		return errors.WithMessagef(err, "cannot remove existing socket file %q", p.unixSocket)
	}
	lis, err := net.Listen("unix", p.unixSocket)
	if err != nil {
		return errors.WithMessage(err, "cannot listen unix socket")
	}
	return p.Serve(ctx, lis)
}

func (p *XdsProxy) Serve(ctx context.Context, lis net.Listener) error {
	defer p.wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	p.touch()
	if p.IdleTimeout > 0 {
		go p.closeIdle(ctx, cancel)
	}

	p.log.Infof("proxy started on %v, waiting connections", lis.Addr())
	for {
		envoyConn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return errors.WithMessage(err, "failed accepting connection")
		}
		p.touch()
		p.conns.Inc()
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.touch()
			defer p.conns.Dec()
			defer envoyConn.Close()
			p.pipe(ctx, envoyConn)
		}()
	}
}

func (p *XdsProxy) pipe(ctx context.Context, envoyConn net.Conn) {
	xdsAddr := p.nextXdsAddress()
	var d net.Dialer
	xdsConn, err := d.DialContext(ctx, "tcp", xdsAddr)
	if err != nil {
		p.log.Errorf("cannot dial xds server: addr= %v, err= %v", xdsAddr, err)
		return
	}
	defer xdsConn.Close()
	p.log.Infof("connected to xds server: addr= %v", xdsAddr)

	closer := make(chan struct{}, 2)
	go proxyCopy(closer, xdsConn, envoyConn)
	go proxyCopy(closer, envoyConn, xdsConn)
	select {
	case <-closer:
	case <-ctx.Done():
	}
	p.log.Infof("proxy connection complete")
}

func proxyCopy(closer chan struct{}, dst io.Writer, src io.Reader) {
	_, _ = io.Copy(dst, src)
	closer <- struct{}{}
}

func (p *XdsProxy) nextXdsAddress() string {
	if len(p.xdsAddrs) == 1 {
		return p.xdsAddrs[0]
	}
	next := p.xdsIdx.Inc() % uint32(len(p.xdsAddrs))
	return p.xdsAddrs[next]
}

func (p *XdsProxy) touch() {
	p.mtime.Store(time.Now().UnixNano())
}

func (p *XdsProxy) closeIdle(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(p.IdleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		idle := time.Since(time.Unix(0, p.mtime.Load()))
		if p.conns.Load() == 0 && idle > p.IdleTimeout {
			p.log.Infof("proxy is inactive, closing it")
			cancel()
			return
		}
	}
}
