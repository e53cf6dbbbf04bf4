// Package resilience runs upstream attempts with per-member circuit
// breakers, retries with backoff and an overall deadline.
package resilience

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/jxskiss/errors"
	"github.com/jxskiss/gopkg/v2/zlog"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/jxskiss/mygw/pkg/balancer"
	"github.com/jxskiss/mygw/pkg/circuit"
	"github.com/jxskiss/mygw/pkg/events"
	"github.com/jxskiss/mygw/pkg/upstream"
)

type Resolver interface {
	Resolve(cluster string) (*upstream.Snapshot, error)
	ReportHealth(m *upstream.Member, outcome upstream.Outcome)
}

type Selector interface {
	Select(snap *upstream.Snapshot, exclude map[string]bool) (*upstream.Member, error)
}

// AttemptFunc sends one attempt to m. It must honor ctx.
type AttemptFunc func(ctx context.Context, m *upstream.Member, attempt int) (*http.Response, error)

// Call describes one inbound request.
type Call struct {
	RequestID string
	Route     string
	Cluster   string
	Policy    Policy

	// Replayable tells whether the request may be sent more than once.
	Replayable bool
}

// Result is never nil, Response is set on success.
// Closing Response.Body releases the member.
type Result struct {
	Response *http.Response
	Member   *upstream.Member
	Attempts int
}

type Executor struct {
	resolver Resolver
	selector Selector
	events   events.Sink
	log      *zap.SugaredLogger
}

func NewExecutor(resolver Resolver, selector Selector, sink events.Sink) *Executor {
	if sink == nil {
		sink = events.Discard
	}
	return &Executor{
		resolver: resolver,
		selector: selector,
		events:   sink,
		log:      zlog.Named("resilience").Sugar(),
	}
}

// Execute runs attempts until one gives a final response, the retries
// are used up, or ctx is done. The overall deadline is ctx's deadline.
func (e *Executor) Execute(ctx context.Context, call *Call, attempt AttemptFunc) (*Result, error) {
	res := &Result{}
	maxRetries := call.Policy.MaxRetries
	if !call.Replayable {
		maxRetries = 0
	}
	exclude := make(map[string]bool)
	var lastErr error
	retries := 0

	for {
		if err := ctxError(ctx); err != nil {
			return res, err
		}
		snap, err := e.resolver.Resolve(call.Cluster)
		if err != nil {
			return res, err
		}
		m, err := e.selector.Select(snap, exclude)
		if err != nil {
			if lastErr != nil {
				return res, &RetryExhaustedError{Attempts: res.Attempts, Last: lastErr}
			}
			if errors.Is(err, balancer.ErrNoHealthyUpstream) && allBreakersOpen(snap) {
				return res, errors.WithMessagef(ErrCircuitOpen, "cluster %s", call.Cluster)
			}
			return res, errors.WithMessagef(err, "cluster %s", call.Cluster)
		}
		// The breaker may have opened after selection, move on to
		// another member without using a retry.
		permit, err := m.Breaker.Acquire()
		if err != nil {
			m.Release()
			exclude[m.Addr] = true
			continue
		}

		res.Attempts++
		res.Member = m
		e.events.Emit(&events.Event{
			Kind:      events.MemberSelected,
			RequestID: call.RequestID,
			Route:     call.Route,
			Cluster:   call.Cluster,
			Member:    m.Addr,
			Attempt:   res.Attempts,
		})

		resp, err := e.try(ctx, call, m, permit, res.Attempts, attempt)
		if err == nil && !(IsRetryableStatus(resp.StatusCode) && maxRetries > 0) {
			res.Response = resp
			return res, nil
		}
		if err != nil {
			if ctxErr := ctxError(ctx); ctxErr != nil {
				return res, ctxErr
			}
			lastErr = &UpstreamError{Member: m.Addr, Err: err}
		} else {
			lastErr = &UpstreamError{Member: m.Addr, Status: resp.StatusCode}
			resp.Body.Close()
		}
		exclude[m.Addr] = true

		if retries >= maxRetries {
			if retries == 0 {
				return res, lastErr
			}
			return res, &RetryExhaustedError{Attempts: res.Attempts, Last: lastErr}
		}
		retries++
		e.events.Emit(&events.Event{
			Kind:      events.RetryAttempted,
			RequestID: call.RequestID,
			Route:     call.Route,
			Cluster:   call.Cluster,
			Member:    m.Addr,
			Attempt:   res.Attempts + 1,
			Status:    UpstreamStatus(lastErr),
			Error:     lastErr.Error(),
		})
		if err = sleep(ctx, call.Policy.Backoff(retries)); err != nil {
			return res, err
		}
	}
}

// try runs one attempt, accounting the outcome to the member breaker
// and passive health. On success the returned body releases the member
// and the attempt context when closed.
func (e *Executor) try(ctx context.Context, call *Call, m *upstream.Member, permit circuit.Permit, n int, attempt AttemptFunc) (*http.Response, error) {
	tryCtx, cancel := context.WithCancel(ctx)
	var timedOut atomic.Bool
	var timer *time.Timer
	if call.Policy.TryTimeout > 0 {
		timer = time.AfterFunc(call.Policy.TryTimeout, func() {
			timedOut.Store(true)
			cancel()
		})
	}
	stopTimer := func() bool {
		return timer == nil || timer.Stop()
	}

	resp, err := attempt(tryCtx, m, n)
	stopped := stopTimer()
	if err == nil && !stopped && timedOut.Load() {
		// the timer fired as the headers arrived
		resp.Body.Close()
		err = ErrTryTimeout
	}
	if err != nil {
		cancel()
		m.Release()
		if timedOut.Load() {
			err = ErrTryTimeout
		}
		if ctx.Err() != nil {
			permit.Cancel()
			return nil, err
		}
		permit.Failure()
		e.resolver.ReportHealth(m, upstream.OutcomeFailure)
		return nil, err
	}

	if IsFailureStatus(resp.StatusCode) {
		permit.Failure()
		e.resolver.ReportHealth(m, upstream.OutcomeFailure)
	} else {
		permit.Success()
		e.resolver.ReportHealth(m, upstream.OutcomeSuccess)
	}
	resp.Body = &releaseBody{ReadCloser: resp.Body, release: func() {
		cancel()
		m.Release()
	}}
	return resp, nil
}

type releaseBody struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (b *releaseBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}

func allBreakersOpen(snap *upstream.Snapshot) bool {
	open := 0
	for _, ms := range snap.Members {
		if ms.Health == upstream.Unhealthy {
			continue
		}
		if ms.Breaker.Ready() {
			return false
		}
		open++
	}
	return open > 0
}

func ctxError(ctx context.Context) error {
	switch ctx.Err() {
	case nil:
		return nil
	case context.DeadlineExceeded:
		return ErrDeadlineExceeded
	}
	return ErrClientCanceled
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctxError(ctx)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctxError(ctx)
	case <-timer.C:
		return nil
	}
}
