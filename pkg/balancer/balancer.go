// Package balancer selects one member of a cluster snapshot per request.
package balancer

import (
	"sync"

	"github.com/jxskiss/errors"

	"github.com/jxskiss/mygw/pkg/api"
	"github.com/jxskiss/mygw/pkg/upstream"
)

var ErrNoHealthyUpstream = errors.New("no healthy upstream")

var ErrUnknownPolicy = errors.New("unknown load balancing policy")

// Policy selects a member among the eligible members of a snapshot,
// skipping those whose address is in exclude.
//
// The returned member has its in-flight counter incremented, the
// caller must call Release once the request finished.
type Policy interface {
	Name() string
	Select(snap *upstream.Snapshot, exclude map[string]bool) (*upstream.Member, error)
}

func New(name string) (Policy, error) {
	switch name {
	case api.PolicyRoundRobin, "":
		return &RoundRobin{}, nil
	case api.PolicyLeastConn:
		return &LeastConn{}, nil
	case api.PolicyRandomWeighted:
		return &RandomWeighted{}, nil
	case api.PolicyFirst:
		return &First{}, nil
	}
	return nil, errors.WithMessagef(ErrUnknownPolicy, "%q", name)
}

func eligible(snap *upstream.Snapshot, exclude map[string]bool) []*upstream.Member {
	out := make([]*upstream.Member, 0, len(snap.Members))
	for _, ms := range snap.Members {
		if exclude[ms.Addr] || !ms.Eligible() {
			continue
		}
		out = append(out, ms.Member)
	}
	return out
}

func pick(m *upstream.Member) (*upstream.Member, error) {
	m.Acquire()
	return m, nil
}

// Group keeps one policy instance per cluster, cursors survive
// snapshot updates.
type Group struct {
	policies sync.Map // cluster name -> Policy
}

func NewGroup() *Group {
	return &Group{}
}

func (g *Group) Select(snap *upstream.Snapshot, exclude map[string]bool) (*upstream.Member, error) {
	p, err := g.policy(snap.Cluster, snap.Policy)
	if err != nil {
		return nil, err
	}
	return p.Select(snap, exclude)
}

func (g *Group) policy(cluster, name string) (Policy, error) {
	if name == "" {
		name = api.PolicyRoundRobin
	}
	if v, ok := g.policies.Load(cluster); ok {
		if p := v.(Policy); p.Name() == name {
			return p, nil
		}
	}
	p, err := New(name)
	if err != nil {
		return nil, err
	}
	g.policies.Store(cluster, p)
	return p, nil
}

// Remove drops the policy state of clusters which no longer exist.
func (g *Group) Remove(clusters ...string) {
	for _, c := range clusters {
		g.policies.Delete(c)
	}
}
