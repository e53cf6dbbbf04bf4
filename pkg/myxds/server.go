// Package myxds mirrors the gateway's routes, clusters and members to
// Envoy sidecars over ADS.
package myxds

import (
	"context"
	"fmt"
	"net"

	core "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	clusterservice "github.com/envoyproxy/go-control-plane/envoy/service/cluster/v3"
	discoverygrpc "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	endpointservice "github.com/envoyproxy/go-control-plane/envoy/service/endpoint/v3"
	listenerservice "github.com/envoyproxy/go-control-plane/envoy/service/listener/v3"
	routeservice "github.com/envoyproxy/go-control-plane/envoy/service/route/v3"
	envoycache "github.com/envoyproxy/go-control-plane/pkg/cache/v3"
	envoyserver "github.com/envoyproxy/go-control-plane/pkg/server/v3"
	"github.com/jxskiss/errors"
	"github.com/jxskiss/gopkg/v2/zlog"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/jxskiss/mygw/pkg/api"
	"github.com/jxskiss/mygw/pkg/events"
	"github.com/jxskiss/mygw/pkg/route"
	"github.com/jxskiss/mygw/pkg/upstream"
)

const grpcMaxConcurrentStreams = 100000

const DefaultNodeCluster = "infra.mygw.default"

// Resolver gives the current members of a cluster.
type Resolver interface {
	Resolve(cluster string) (*upstream.Snapshot, error)
}

// clusterNameHash keys snapshots by the Envoy node's cluster, all
// sidecars of one node cluster share a snapshot.
type clusterNameHash struct{}

func (clusterNameHash) ID(node *core.Node) string {
	if node == nil {
		return ""
	}
	return node.Cluster
}

type Option func(*Server)

func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Server) { s.log = log }
}

func WithNodeCluster(name string) Option {
	return func(s *Server) { s.nodeCluster = name }
}

// WithProxyPort sets the port of the listener pushed to Envoy.
func WithProxyPort(port uint32) Option {
	return func(s *Server) { s.proxyPort = port }
}

type Server struct {
	log         *zap.SugaredLogger
	nodeCluster string
	proxyPort   uint32

	routes   *route.Store
	resolver Resolver
	cache    envoycache.SnapshotCache

	seq      atomic.Uint64
	clusters *atomic.Pointer[[]*api.Cluster]
	kick     chan struct{}

	streams  atomic.Int64
	requests atomic.Int64
}

func NewServer(routes *route.Store, resolver Resolver, opts ...Option) *Server {
	s := &Server{
		log:         zlog.Named("myxds").Sugar(),
		nodeCluster: DefaultNodeCluster,
		proxyPort:   8080,
		routes:      routes,
		resolver:    resolver,
		clusters:    atomic.NewPointer(&[]*api.Cluster{}),
		kick:        make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	s.cache = envoycache.NewSnapshotCache(true, clusterNameHash{}, s.log)
	return s
}

// Publish builds a snapshot from the active route table, clusters and
// the current members, and makes it visible to connected sidecars.
func (s *Server) Publish(ctx context.Context, clusters []*api.Cluster) error {
	s.clusters.Store(&clusters)
	return s.publish(ctx)
}

func (s *Server) publish(ctx context.Context) error {
	version := fmt.Sprintf("%s.%d", s.routes.Load().Version(), s.seq.Inc())
	snap, err := s.buildSnapshot(version, *s.clusters.Load())
	if err != nil {
		return err
	}
	if err = s.cache.SetSnapshot(ctx, s.nodeCluster, snap); err != nil {
		return errors.WithMessage(err, "failed set snapshot")
	}
	s.log.Debugf("published xds snapshot, node_cluster= %s version= %s", s.nodeCluster, version)
	return nil
}

// Emit republishes member health changes asynchronously, it lets the
// server act as an events.Sink.
func (s *Server) Emit(e *events.Event) {
	if e.Kind != events.HealthChanged {
		return
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Snapshot returns the snapshot currently served to the node cluster.
func (s *Server) Snapshot() (envoycache.ResourceSnapshot, error) {
	return s.cache.GetSnapshot(s.nodeCluster)
}

// Run serves ADS on addr until ctx is canceled.
func (s *Server) Run(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.AddStack(err)
	}
	return s.Serve(ctx, lis)
}

func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	grpcServer := grpc.NewServer(grpc.MaxConcurrentStreams(grpcMaxConcurrentStreams))

	serv := envoyserver.NewServer(ctx, s.cache, s.callbacks())
	discoverygrpc.RegisterAggregatedDiscoveryServiceServer(grpcServer, serv)
	endpointservice.RegisterEndpointDiscoveryServiceServer(grpcServer, serv)
	clusterservice.RegisterClusterDiscoveryServiceServer(grpcServer, serv)
	routeservice.RegisterRouteDiscoveryServiceServer(grpcServer, serv)
	listenerservice.RegisterListenerDiscoveryServiceServer(grpcServer, serv)

	go s.republishLoop(ctx)
	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()

	s.log.Infof("ads server listening: %v", lis.Addr())
	if err := grpcServer.Serve(lis); err != nil && ctx.Err() == nil {
		return errors.AddStack(err)
	}
	return nil
}

func (s *Server) republishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
			if err := s.publish(ctx); err != nil {
				s.log.Errorf("failed republish xds snapshot: %v", err)
			}
		}
	}
}

func (s *Server) callbacks() envoyserver.Callbacks {
	return envoyserver.CallbackFuncs{
		StreamOpenFunc: func(_ context.Context, id int64, typ string) error {
			s.streams.Inc()
			s.log.Infof("xds stream %d open for %s", id, typ)
			return nil
		},
		StreamRequestFunc: func(id int64, r *discoverygrpc.DiscoveryRequest) error {
			s.requests.Inc()
			if node := r.GetNode(); node != nil {
				s.log.Debugf("xds stream %d request from %s/%s, %s", id, node.Cluster, node.Id, r.TypeUrl)
			}
			return nil
		},
		FetchRequestFunc: func(_ context.Context, r *discoverygrpc.DiscoveryRequest) error {
			s.requests.Inc()
			return nil
		},
	}
}
