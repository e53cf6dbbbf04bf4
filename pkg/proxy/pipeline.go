// Package proxy implements the request pipeline: dispatch, member
// selection with retries and breakers, and streaming the response back.
package proxy

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/google/uuid"
	"github.com/jxskiss/errors"
	"github.com/jxskiss/gopkg/v2/zlog"
	"go.uber.org/zap"

	"github.com/jxskiss/mygw/pkg/events"
	"github.com/jxskiss/mygw/pkg/resilience"
	"github.com/jxskiss/mygw/pkg/route"
	"github.com/jxskiss/mygw/pkg/upstream"
)

const HeaderRequestID = "X-Request-Id"

const DefaultMaxReplayBytes = 1 << 20

type Option func(*Pipeline)

func WithLogger(log *zap.SugaredLogger) Option {
	return func(p *Pipeline) { p.log = log }
}

func WithEvents(sink events.Sink) Option {
	return func(p *Pipeline) { p.events = sink }
}

// WithTransport sets the transport used to reach upstream members.
func WithTransport(rt http.RoundTripper) Option {
	return func(p *Pipeline) { p.transport = rt }
}

// WithMaxReplayBytes sets the largest request body buffered for retries,
// larger bodies are sent once.
func WithMaxReplayBytes(n int64) Option {
	return func(p *Pipeline) { p.maxReplayBytes = n }
}

// Pipeline is the gateway's inbound http.Handler.
type Pipeline struct {
	routes   *route.Store
	executor *resilience.Executor

	log            *zap.SugaredLogger
	events         events.Sink
	transport      http.RoundTripper
	maxReplayBytes int64

	proxy *httputil.ReverseProxy
}

func NewPipeline(routes *route.Store, resolver resilience.Resolver, selector resilience.Selector, opts ...Option) *Pipeline {
	p := &Pipeline{
		routes:         routes,
		log:            zlog.Named("proxy").Sugar(),
		events:         events.Discard,
		transport:      NewTransport(),
		maxReplayBytes: DefaultMaxReplayBytes,
	}
	for _, o := range opts {
		o(p)
	}
	p.executor = resilience.NewExecutor(resolver, selector, p.events)
	p.proxy = &httputil.ReverseProxy{
		Rewrite:        p.rewrite,
		Transport:      &resilientTransport{p: p},
		ModifyResponse: p.modifyResponse,
		ErrorHandler:   p.handleError,
		ErrorLog:       zap.NewStdLog(p.log.Desugar()),
	}
	return p
}

// NewTransport returns the default transport for upstream connections.
func NewTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          1024,
		MaxIdleConnsPerHost:   64,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// exchange follows one inbound request through the pipeline.
type exchange struct {
	id         string
	start      time.Time
	match      *route.Match
	replayable bool

	attempts int
	member   *upstream.Member
	status   int
	err      error
}

type exchangeKey struct{}

func exchangeFrom(ctx context.Context) *exchange {
	ex, _ := ctx.Value(exchangeKey{}).(*exchange)
	return ex
}

func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ex := &exchange{
		id:    r.Header.Get(HeaderRequestID),
		start: time.Now(),
	}
	if ex.id == "" {
		ex.id = uuid.NewString()
	}
	sw := &statusWriter{ResponseWriter: w}
	defer func() {
		if rec := recover(); rec != nil {
			// the response was aborted while streaming
			if ex.err == nil {
				ex.err = errors.Errorf("response aborted: %v", rec)
			}
			p.complete(r, sw, ex)
			panic(rec)
		}
		p.complete(r, sw, ex)
	}()

	match, err := p.routes.Dispatch(r)
	if err != nil {
		p.fail(sw, ex, err)
		return
	}
	ex.match = match
	rt := match.Route
	p.events.Emit(&events.Event{
		Kind:      events.RouteMatched,
		RequestID: ex.id,
		Method:    r.Method,
		Path:      r.URL.Path,
		Route:     rt.ID,
		Cluster:   rt.Cluster,
	})

	if err = p.prepareBody(r, ex); err != nil {
		p.fail(sw, ex, err)
		return
	}

	ctx := r.Context()
	if rt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rt.Timeout)
		defer cancel()
	}
	ctx = context.WithValue(ctx, exchangeKey{}, ex)
	p.proxy.ServeHTTP(sw, r.WithContext(ctx))
}

// prepareBody buffers small request bodies so that they can be sent
// again on retry.
func (p *Pipeline) prepareBody(r *http.Request, ex *exchange) error {
	if r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0 {
		ex.replayable = true
		return nil
	}
	if r.ContentLength < 0 || r.ContentLength > p.maxReplayBytes {
		return nil
	}
	buf, err := io.ReadAll(io.LimitReader(r.Body, r.ContentLength))
	_ = r.Body.Close()
	if err != nil {
		return errors.WithMessagef(errBadRequest, "read request body: %v", err)
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(buf)), nil
	}
	ex.replayable = true
	return nil
}

func (p *Pipeline) rewrite(pr *httputil.ProxyRequest) {
	ex := exchangeFrom(pr.In.Context())
	pr.Out.URL.Scheme = "http"
	pr.Out.URL.Path = ex.match.UpstreamPath(pr.In.URL.Path)
	pr.Out.URL.RawPath = ""
	pr.Out.Host = ""
	pr.SetXForwarded()
	pr.Out.Header.Set(HeaderRequestID, ex.id)
}

func (p *Pipeline) modifyResponse(resp *http.Response) error {
	if resp.Request == nil {
		return nil
	}
	if ex := exchangeFrom(resp.Request.Context()); ex != nil {
		resp.Header.Set(HeaderRequestID, ex.id)
	}
	return nil
}

func (p *Pipeline) handleError(w http.ResponseWriter, r *http.Request, err error) {
	ex := exchangeFrom(r.Context())
	if ex == nil {
		ex = &exchange{id: r.Header.Get(HeaderRequestID)}
	}
	p.fail(w, ex, err)
}

func (p *Pipeline) fail(w http.ResponseWriter, ex *exchange, err error) {
	ex.err = err
	status, code := classify(err)
	if status == StatusClientClosedRequest {
		ex.status = status
		return
	}
	detail := ErrorDetail{
		Code:           code,
		Message:        err.Error(),
		RequestID:      ex.id,
		UpstreamStatus: resilience.UpstreamStatus(err),
	}
	if ex.match != nil {
		detail.Route = ex.match.Route.ID
	}
	writeError(w, status, detail)
}

func (p *Pipeline) complete(r *http.Request, sw *statusWriter, ex *exchange) {
	status := sw.status
	if ex.status != 0 {
		status = ex.status
	}
	e := &events.Event{
		Kind:      events.RequestCompleted,
		RequestID: ex.id,
		Method:    r.Method,
		Path:      r.URL.Path,
		Status:    status,
		Attempt:   ex.attempts,
		Duration:  time.Since(ex.start),
	}
	if ex.match != nil {
		e.Route = ex.match.Route.ID
		e.Cluster = ex.match.Route.Cluster
	}
	if ex.member != nil {
		e.Member = ex.member.Addr
	}
	if ex.err != nil {
		e.Error = ex.err.Error()
	}
	p.events.Emit(e)
}

// resilientTransport runs each outbound request through the executor,
// selecting a member for every attempt.
type resilientTransport struct {
	p *Pipeline
}

func (t *resilientTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ex := exchangeFrom(req.Context())
	rt := ex.match.Route
	call := &resilience.Call{
		RequestID:  ex.id,
		Route:      rt.ID,
		Cluster:    rt.Cluster,
		Policy:     resilience.PolicyFrom(rt.Retry),
		Replayable: ex.replayable,
	}
	res, err := t.p.executor.Execute(req.Context(), call, func(ctx context.Context, m *upstream.Member, attempt int) (*http.Response, error) {
		out := req.Clone(ctx)
		out.URL.Host = m.Addr
		if attempt > 1 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			out.Body = body
		}
		return t.p.transport.RoundTrip(out)
	})
	ex.attempts = res.Attempts
	ex.member = res.Member
	if err != nil {
		return nil, err
	}
	return res.Response, nil
}
