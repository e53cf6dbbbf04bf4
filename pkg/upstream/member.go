package upstream

import (
	"net"

	"github.com/spf13/cast"
	"go.uber.org/atomic"

	"github.com/jxskiss/mygw/pkg/circuit"
)

type Health int32

const (
	HealthUnknown Health = iota
	Healthy
	Unhealthy
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	}
	return "unknown"
}

func (h Health) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// Member is one upstream server. A Member keeps its identity, breaker
// and in-flight counter across snapshots as long as its address stays
// in the cluster.
type Member struct {
	Cluster string
	Addr    string
	Host    string
	Port    int
	Weight  int

	Breaker *circuit.Breaker

	inflight atomic.Int64
}

func newMember(cluster, addr string, weight int, breaker *circuit.Breaker) *Member {
	host, port, _ := net.SplitHostPort(addr)
	if weight <= 0 {
		weight = 1
	}
	return &Member{
		Cluster: cluster,
		Addr:    addr,
		Host:    host,
		Port:    cast.ToInt(port),
		Weight:  weight,
		Breaker: breaker,
	}
}

func (m *Member) InFlight() int64 { return m.inflight.Load() }

// Acquire and Release maintain the in-flight request counter.
func (m *Member) Acquire() { m.inflight.Inc() }

func (m *Member) Release() { m.inflight.Dec() }

func (m *Member) String() string { return m.Addr }

type MemberState struct {
	*Member
	Health Health
}

// Eligible reports whether the member may be selected for a request.
// Members of unknown health are eligible.
func (s MemberState) Eligible() bool {
	return s.Health != Unhealthy && s.Breaker.Ready()
}

// Snapshot is an immutable view of a cluster's members.
type Snapshot struct {
	Cluster string
	Policy  string
	Version uint64
	Members []MemberState
}

// Eligible returns the members which may currently be selected.
func (s *Snapshot) Eligible() []*Member {
	out := make([]*Member, 0, len(s.Members))
	for _, ms := range s.Members {
		if ms.Eligible() {
			out = append(out, ms.Member)
		}
	}
	return out
}

func (s *Snapshot) Member(addr string) (MemberState, bool) {
	for _, ms := range s.Members {
		if ms.Addr == addr {
			return ms, true
		}
	}
	return MemberState{}, false
}
