package provider

import (
	"context"

	"github.com/jxskiss/errors"

	"github.com/jxskiss/mygw/pkg/api"
)

type Provider interface {
	ListClusters(ctx context.Context) ([]*api.Cluster, error)
	ListServices(ctx context.Context) ([]*api.Service, error)
	WatchConfig(ctx context.Context) <-chan struct{}

	DiscoverEndpoints(ctx context.Context, cluster string) ([]*api.Endpoint, error)
	WatchEndpoints(ctx context.Context) <-chan struct{}
}

// ReadState reads clusters and services from prov, members of clusters
// using provider discovery are filled by DiscoverEndpoints.
// The returned state is not normalized.
func ReadState(ctx context.Context, prov Provider) (*api.State, error) {
	clusters, err := prov.ListClusters(ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "list clusters")
	}
	services, err := prov.ListServices(ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "list services")
	}
	for _, c := range clusters {
		if c == nil || c.Discovery != api.DiscoveryProvider {
			continue
		}
		c.Endpoints, err = prov.DiscoverEndpoints(ctx, c.Name)
		if err != nil {
			return nil, errors.WithMessagef(err, "discover endpoints for %s", c.Name)
		}
	}
	return &api.State{
		Clusters: clusters,
		Services: services,
	}, nil
}

// notify does a non-blocking send, pending notifications are coalesced.
func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
