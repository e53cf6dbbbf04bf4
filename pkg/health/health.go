// Package health aggregates the gateway's liveness and readiness.
package health

import (
	"fmt"

	"github.com/jxskiss/mygw/pkg/circuit"
	"github.com/jxskiss/mygw/pkg/route"
	"github.com/jxskiss/mygw/pkg/upstream"
)

// Report is the aggregate health of the gateway.
type Report struct {
	Live     bool            `json:"live"`
	Ready    bool            `json:"ready"`
	Version  string          `json:"version"`
	Routes   int             `json:"routes"`
	Reasons  []string        `json:"reasons,omitempty"`
	Clusters []ClusterReport `json:"clusters"`
}

type ClusterReport struct {
	Name       string         `json:"name"`
	Policy     string         `json:"policy"`
	Version    uint64         `json:"version"`
	Referenced bool           `json:"referenced"`
	Eligible   int            `json:"eligible"`
	Members    []MemberReport `json:"members"`
}

type MemberReport struct {
	Addr     string          `json:"addr"`
	Weight   int             `json:"weight"`
	Health   upstream.Health `json:"health"`
	InFlight int64           `json:"in_flight"`
	Circuit  circuit.Status  `json:"circuit"`
}

// Checker computes reports from the live route table and resolver.
type Checker struct {
	routes   *route.Store
	resolver *upstream.Resolver
}

func NewChecker(routes *route.Store, resolver *upstream.Resolver) *Checker {
	return &Checker{routes: routes, resolver: resolver}
}

// Check builds a report. The gateway is ready once a non-empty route
// table is loaded and every cluster it references has an eligible member.
func (c *Checker) Check() *Report {
	table := c.routes.Load()
	rep := &Report{
		Live:    true,
		Version: table.Version(),
		Routes:  table.Len(),
	}
	if table.Len() == 0 {
		rep.Reasons = append(rep.Reasons, "no routes loaded")
	}

	referenced := make(map[string]bool)
	for _, name := range table.Clusters() {
		referenced[name] = true
		if _, err := c.resolver.Resolve(name); err != nil {
			rep.Reasons = append(rep.Reasons, fmt.Sprintf("cluster %s is not resolved", name))
		}
	}
	for _, name := range c.resolver.Clusters() {
		snap, err := c.resolver.Resolve(name)
		if err != nil {
			// pruned concurrently
			continue
		}
		cr := clusterReport(snap)
		cr.Referenced = referenced[name]
		if cr.Referenced && cr.Eligible == 0 {
			rep.Reasons = append(rep.Reasons, fmt.Sprintf("cluster %s has no eligible member", name))
		}
		rep.Clusters = append(rep.Clusters, cr)
	}
	rep.Ready = len(rep.Reasons) == 0
	return rep
}

// Cluster returns the report of a single cluster.
func (c *Checker) Cluster(name string) (*ClusterReport, error) {
	snap, err := c.resolver.Resolve(name)
	if err != nil {
		return nil, err
	}
	cr := clusterReport(snap)
	for _, ref := range c.routes.Load().Clusters() {
		if ref == name {
			cr.Referenced = true
		}
	}
	return &cr, nil
}

func clusterReport(snap *upstream.Snapshot) ClusterReport {
	cr := ClusterReport{
		Name:    snap.Cluster,
		Policy:  snap.Policy,
		Version: snap.Version,
		Members: make([]MemberReport, 0, len(snap.Members)),
	}
	for _, ms := range snap.Members {
		if ms.Eligible() {
			cr.Eligible++
		}
		cr.Members = append(cr.Members, MemberReport{
			Addr:     ms.Addr,
			Weight:   ms.Weight,
			Health:   ms.Health,
			InFlight: ms.InFlight(),
			Circuit:  ms.Breaker.Status(),
		})
	}
	return cr
}
