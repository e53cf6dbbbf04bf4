package myxds

import (
	"fmt"
	"sort"
	"strings"
	"time"

	cluster "github.com/envoyproxy/go-control-plane/envoy/config/cluster/v3"
	core "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	endpoint "github.com/envoyproxy/go-control-plane/envoy/config/endpoint/v3"
	listener "github.com/envoyproxy/go-control-plane/envoy/config/listener/v3"
	envoyroute "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	routerv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/router/v3"
	hcm "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/network/http_connection_manager/v3"
	matcher "github.com/envoyproxy/go-control-plane/envoy/type/matcher/v3"
	envoytypes "github.com/envoyproxy/go-control-plane/pkg/cache/types"
	envoycache "github.com/envoyproxy/go-control-plane/pkg/cache/v3"
	resource "github.com/envoyproxy/go-control-plane/pkg/resource/v3"
	"github.com/envoyproxy/go-control-plane/pkg/wellknown"
	"github.com/jxskiss/errors"
	"github.com/jxskiss/gopkg/v2/set"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/jxskiss/mygw/pkg/api"
	"github.com/jxskiss/mygw/pkg/resilience"
	"github.com/jxskiss/mygw/pkg/route"
	"github.com/jxskiss/mygw/pkg/upstream"
)

const (
	ListenerName    = "mygw_http"
	RouteConfigName = "mygw_routes"
	VirtualHostName = "mygw"
)

var retriableStatusCodes = []uint32{429, 502, 503, 504}

func adsConfigSource() *core.ConfigSource {
	return &core.ConfigSource{
		ResourceApiVersion: resource.DefaultAPIVersion,
		ConfigSourceSpecifier: &core.ConfigSource_Ads{
			Ads: &core.AggregatedConfigSource{},
		},
	}
}

func (s *Server) buildSnapshot(version string, clusters []*api.Cluster) (*envoycache.Snapshot, error) {
	table := s.routes.Load()

	lis, err := makeListener(s.proxyPort)
	if err != nil {
		return nil, err
	}
	rc := makeRouteConfig(table)

	// Only clusters referenced by a route are pushed, the snapshot must
	// be consistent and Envoy rejects unused EDS resources.
	referenced := set.New[string](table.Clusters()...)
	var envoyClusters, assignments []envoytypes.Resource
	for _, c := range clusters {
		if !referenced.Contains(c.Name) {
			continue
		}
		envoyClusters = append(envoyClusters, makeCluster(c))
		snap, err := s.resolver.Resolve(c.Name)
		if err != nil {
			return nil, errors.WithMessagef(err, "resolve cluster %s", c.Name)
		}
		assignments = append(assignments, makeLoadAssignment(c.Name, c.Policy, snap))
	}

	snap, err := envoycache.NewSnapshot(version, map[resource.Type][]envoytypes.Resource{
		resource.ListenerType: {lis},
		resource.RouteType:    {rc},
		resource.ClusterType:  envoyClusters,
		resource.EndpointType: assignments,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed create snapshot")
	}
	if err = snap.Consistent(); err != nil {
		return nil, errors.WithMessage(err, "snapshot is not consistent")
	}
	return snap, nil
}

func makeListener(port uint32) (*listener.Listener, error) {
	routerConfig, err := anypb.New(&routerv3.Router{})
	if err != nil {
		return nil, errors.AddStack(err)
	}
	manager := &hcm.HttpConnectionManager{
		CodecType:  hcm.HttpConnectionManager_AUTO,
		StatPrefix: "ingress_http",
		// route templates ignore empty path segments
		MergeSlashes: true,
		RouteSpecifier: &hcm.HttpConnectionManager_Rds{
			Rds: &hcm.Rds{
				RouteConfigName: RouteConfigName,
				ConfigSource:    adsConfigSource(),
			},
		},
		HttpFilters: []*hcm.HttpFilter{{
			Name: wellknown.Router,
			ConfigType: &hcm.HttpFilter_TypedConfig{
				TypedConfig: routerConfig,
			},
		}},
	}
	managerConfig, err := anypb.New(manager)
	if err != nil {
		return nil, errors.AddStack(err)
	}
	return &listener.Listener{
		Name: ListenerName,
		Address: &core.Address{
			Address: &core.Address_SocketAddress{
				SocketAddress: &core.SocketAddress{
					Protocol: core.SocketAddress_TCP,
					Address:  "0.0.0.0",
					PortSpecifier: &core.SocketAddress_PortValue{
						PortValue: port,
					},
				},
			},
		},
		FilterChains: []*listener.FilterChain{{
			Filters: []*listener.Filter{{
				Name: wellknown.HTTPConnectionManager,
				ConfigType: &listener.Filter_TypedConfig{
					TypedConfig: managerConfig,
				},
			}},
		}},
	}, nil
}

// makeRouteConfig keeps the table's lookup order, Envoy takes the first
// matching route as the table does.
func makeRouteConfig(table *route.Table) *envoyroute.RouteConfiguration {
	vhost := &envoyroute.VirtualHost{
		Name:    VirtualHostName,
		Domains: []string{"*"},
	}
	for _, r := range table.Routes() {
		vhost.Routes = append(vhost.Routes, makeRoute(r))
	}
	return &envoyroute.RouteConfiguration{
		Name:                     RouteConfigName,
		VirtualHosts:             []*envoyroute.VirtualHost{vhost},
		ValidateClusters:         wrapperspb.Bool(false),
		IgnorePortInHostMatching: true,
	}
}

func makeRoute(r *route.Route) *envoyroute.Route {
	pathRegex := r.Template.Regexp()
	match := &envoyroute.RouteMatch{
		PathSpecifier: &envoyroute.RouteMatch_SafeRegex{
			SafeRegex: &matcher.RegexMatcher{Regex: pathRegex},
		},
	}
	if len(r.Methods) > 0 {
		match.Headers = append(match.Headers, &envoyroute.HeaderMatcher{
			Name: ":method",
			HeaderMatchSpecifier: &envoyroute.HeaderMatcher_StringMatch{
				StringMatch: &matcher.StringMatcher{
					MatchPattern: &matcher.StringMatcher_SafeRegex{
						SafeRegex: &matcher.RegexMatcher{
							Regex: "^(" + strings.Join(r.Methods, "|") + ")$",
						},
					},
				},
			},
		})
	}
	for _, name := range sortedKeys(r.Headers) {
		hm := &envoyroute.HeaderMatcher{Name: strings.ToLower(name)}
		if value := r.Headers[name]; value == "*" {
			hm.HeaderMatchSpecifier = &envoyroute.HeaderMatcher_PresentMatch{PresentMatch: true}
		} else {
			hm.HeaderMatchSpecifier = &envoyroute.HeaderMatcher_StringMatch{
				StringMatch: &matcher.StringMatcher{
					MatchPattern: &matcher.StringMatcher_Exact{Exact: value},
				},
			}
		}
		match.Headers = append(match.Headers, hm)
	}

	action := &envoyroute.RouteAction{
		ClusterSpecifier: &envoyroute.RouteAction_Cluster{
			Cluster: r.Cluster,
		},
		RetryPolicy: makeRetryPolicy(resilience.PolicyFrom(r.Retry)),
	}
	if r.Timeout > 0 {
		action.Timeout = durationpb.New(r.Timeout)
	}
	if r.Rewrite != nil {
		action.RegexRewrite = &matcher.RegexMatchAndSubstitute{
			Pattern:      &matcher.RegexMatcher{Regex: pathRegex},
			Substitution: rewriteSubstitution(r),
		}
	}
	return &envoyroute.Route{
		Name:   r.ID,
		Match:  match,
		Action: &envoyroute.Route_Route{Route: action},
	}
}

func makeRetryPolicy(p resilience.Policy) *envoyroute.RetryPolicy {
	if p.MaxRetries <= 0 {
		return nil
	}
	rp := &envoyroute.RetryPolicy{
		RetryOn:              "connect-failure,reset,retriable-status-codes",
		NumRetries:           wrapperspb.UInt32(uint32(p.MaxRetries)),
		RetriableStatusCodes: retriableStatusCodes,
		RetryHostPredicate: []*envoyroute.RetryPolicy_RetryHostPredicate{{
			Name: "envoy.retry_host_predicates.previous_hosts",
		}},
	}
	if p.TryTimeout > 0 {
		rp.PerTryTimeout = durationpb.New(p.TryTimeout)
	}
	if p.InitialBackoff > 0 {
		rp.RetryBackOff = &envoyroute.RetryPolicy_RetryBackOff{
			BaseInterval: durationpb.New(p.InitialBackoff),
		}
		if p.MaxBackoff > 0 {
			rp.RetryBackOff.MaxInterval = durationpb.New(p.MaxBackoff)
		}
	}
	return rp
}

// rewriteSubstitution turns the rewrite template into an RE2 substitution
// referring to the capture groups of the path pattern.
func rewriteSubstitution(r *route.Route) string {
	groups := make(map[string]string)
	for i, name := range r.Template.Names() {
		groups[name] = fmt.Sprintf(`\%d`, i+1)
	}
	return r.Rewrite.Expand(groups)
}

func makeCluster(c *api.Cluster) *cluster.Cluster {
	clus := &cluster.Cluster{
		Name:           c.Name,
		ConnectTimeout: durationpb.New(time.Second),
		ClusterDiscoveryType: &cluster.Cluster_Type{
			Type: cluster.Cluster_EDS,
		},
		EdsClusterConfig: &cluster.Cluster_EdsClusterConfig{
			ServiceName: c.Name,
			EdsConfig:   adsConfigSource(),
		},
		LbPolicy: lbPolicy(c.Policy),
	}
	if cb := c.CircuitBreaker; cb.FailureThreshold > 0 {
		clus.OutlierDetection = &cluster.OutlierDetection{
			Consecutive_5Xx:    wrapperspb.UInt32(uint32(cb.FailureThreshold)),
			BaseEjectionTime:   durationpb.New(cb.Cooldown.Std()),
			MaxEjectionPercent: wrapperspb.UInt32(100),
		}
	}
	return clus
}

// "first" has no Envoy policy, it is expressed with one priority level
// per member in the load assignment.
func lbPolicy(policy string) cluster.Cluster_LbPolicy {
	switch policy {
	case api.PolicyLeastConn:
		return cluster.Cluster_LEAST_REQUEST
	case api.PolicyRandomWeighted:
		return cluster.Cluster_RANDOM
	}
	return cluster.Cluster_ROUND_ROBIN
}

func makeLoadAssignment(name, policy string, snap *upstream.Snapshot) *endpoint.ClusterLoadAssignment {
	cla := &endpoint.ClusterLoadAssignment{ClusterName: name}
	var shared *endpoint.LocalityLbEndpoints
	for i, ms := range snap.Members {
		lbe := &endpoint.LbEndpoint{
			HostIdentifier: &endpoint.LbEndpoint_Endpoint{
				Endpoint: &endpoint.Endpoint{
					Address: &core.Address{
						Address: &core.Address_SocketAddress{
							SocketAddress: &core.SocketAddress{
								Protocol: core.SocketAddress_TCP,
								Address:  ms.Host,
								PortSpecifier: &core.SocketAddress_PortValue{
									PortValue: uint32(ms.Port),
								},
							},
						},
					},
				},
			},
			HealthStatus:        healthStatus(ms.Health),
			LoadBalancingWeight: wrapperspb.UInt32(uint32(ms.Weight)),
		}
		if policy == api.PolicyFirst {
			cla.Endpoints = append(cla.Endpoints, &endpoint.LocalityLbEndpoints{
				LbEndpoints: []*endpoint.LbEndpoint{lbe},
				Priority:    uint32(i),
			})
			continue
		}
		if shared == nil {
			shared = &endpoint.LocalityLbEndpoints{}
			cla.Endpoints = append(cla.Endpoints, shared)
		}
		shared.LbEndpoints = append(shared.LbEndpoints, lbe)
	}
	return cla
}

func healthStatus(h upstream.Health) core.HealthStatus {
	switch h {
	case upstream.Healthy:
		return core.HealthStatus_HEALTHY
	case upstream.Unhealthy:
		return core.HealthStatus_UNHEALTHY
	}
	return core.HealthStatus_UNKNOWN
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
