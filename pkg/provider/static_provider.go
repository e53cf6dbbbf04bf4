package provider

import (
	"context"
	"sync"

	"github.com/jxskiss/mygw/pkg/api"
)

// StaticProvider serves an in-memory state, Update and SetEndpoints
// notify the watchers.
type StaticProvider struct {
	mu        sync.Mutex
	state     *api.State
	endpoints map[string][]*api.Endpoint
	configCh  []chan struct{}
	epCh      []chan struct{}
}

func NewStaticProvider(state *api.State) *StaticProvider {
	if state == nil {
		state = &api.State{}
	}
	return &StaticProvider{
		state:     state,
		endpoints: make(map[string][]*api.Endpoint),
	}
}

func (p *StaticProvider) Update(state *api.State) {
	p.mu.Lock()
	p.state = state
	watchers := p.configCh
	p.mu.Unlock()
	for _, ch := range watchers {
		notify(ch)
	}
}

func (p *StaticProvider) SetEndpoints(cluster string, endpoints []*api.Endpoint) {
	p.mu.Lock()
	p.endpoints[cluster] = endpoints
	watchers := p.epCh
	p.mu.Unlock()
	for _, ch := range watchers {
		notify(ch)
	}
}

// Clusters and services are deep copied, normalizing the returned
// state must not modify the provider's own copy.

func (p *StaticProvider) ListClusters(ctx context.Context) ([]*api.Cluster, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return copyClusters(p.state.Clusters), nil
}

func (p *StaticProvider) ListServices(ctx context.Context) ([]*api.Service, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return copyServices(p.state.Services), nil
}

func (p *StaticProvider) DiscoverEndpoints(ctx context.Context, cluster string) ([]*api.Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return copyEndpoints(p.endpoints[cluster]), nil
}

func (p *StaticProvider) WatchConfig(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	p.mu.Lock()
	p.configCh = append(p.configCh, ch)
	p.mu.Unlock()
	return ch
}

func (p *StaticProvider) WatchEndpoints(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	p.mu.Lock()
	p.epCh = append(p.epCh, ch)
	p.mu.Unlock()
	return ch
}

func copyClusters(clusters []*api.Cluster) []*api.Cluster {
	out := make([]*api.Cluster, 0, len(clusters))
	for _, c := range clusters {
		x := *c
		x.Endpoints = copyEndpoints(c.Endpoints)
		x.Directives = append([]api.Directive(nil), c.Directives...)
		out = append(out, &x)
	}
	return out
}

func copyServices(services []*api.Service) []*api.Service {
	out := make([]*api.Service, 0, len(services))
	for _, svc := range services {
		x := *svc
		x.Directives = append([]api.Directive(nil), svc.Directives...)
		x.Routes = make([]*api.Route, 0, len(svc.Routes))
		for _, r := range svc.Routes {
			y := *r
			y.Methods = append([]string(nil), r.Methods...)
			y.Directives = append([]api.Directive(nil), r.Directives...)
			if r.Headers != nil {
				y.Headers = make(map[string]string, len(r.Headers))
				for k, v := range r.Headers {
					y.Headers[k] = v
				}
			}
			x.Routes = append(x.Routes, &y)
		}
		out = append(out, &x)
	}
	return out
}

func copyEndpoints(endpoints []*api.Endpoint) []*api.Endpoint {
	if endpoints == nil {
		return nil
	}
	out := make([]*api.Endpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		x := *ep
		out = append(out, &x)
	}
	return out
}
