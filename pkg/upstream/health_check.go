package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jxskiss/errors"

	"github.com/jxskiss/mygw/pkg/api"
)

// ProbeFunc checks one member, a nil error means healthy.
type ProbeFunc func(ctx context.Context, m *Member, hc api.HealthCheck) error

var probeClient = &http.Client{
	Transport: &http.Transport{
		DisableKeepAlives: true,
	},
	CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

func httpProbe(ctx context.Context, m *Member, hc api.HealthCheck) error {
	url := fmt.Sprintf("http://%s%s", m.Addr, hc.Path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.AddStack(err)
	}
	req.Header.Set("User-Agent", "mygw-health-check")
	resp, err := probeClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 400 {
		return errors.Errorf("health check status %d", resp.StatusCode)
	}
	return nil
}

// startCheck must be called with cs.mu held.
func (cs *clusterState) startCheck(tr *memberTrack) {
	hc := cs.cfg.HealthCheck
	if !hc.Enabled() {
		return
	}
	ctx, cancel := context.WithCancel(cs.r.ctx)
	tr.cancel = cancel
	go cs.checkLoop(ctx, tr.member, hc)
}

func (cs *clusterState) checkLoop(ctx context.Context, m *Member, hc api.HealthCheck) {
	timeout := hc.Timeout.Std()
	if timeout <= 0 || timeout > hc.Interval.Std() {
		timeout = hc.Interval.Std()
	}
	ticker := time.NewTicker(hc.Interval.Std())
	defer ticker.Stop()
	for {
		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		err := cs.r.probe(probeCtx, m, hc)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			cs.r.log.Debugf("health check failed: cluster= %s, member= %s, err= %v", cs.name, m.Addr, err)
		}
		cs.record(m, err == nil, true)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
