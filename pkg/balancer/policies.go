package balancer

import (
	"github.com/jxskiss/gopkg/v2/fastrand"
	"go.uber.org/atomic"

	"github.com/jxskiss/mygw/pkg/api"
	"github.com/jxskiss/mygw/pkg/upstream"
)

// RoundRobin cycles over the eligible members. Ineligible members are
// skipped without consuming a turn.
type RoundRobin struct {
	cursor atomic.Uint64
}

func (p *RoundRobin) Name() string { return api.PolicyRoundRobin }

func (p *RoundRobin) Select(snap *upstream.Snapshot, exclude map[string]bool) (*upstream.Member, error) {
	members := eligible(snap, exclude)
	if len(members) == 0 {
		return nil, ErrNoHealthyUpstream
	}
	idx := (p.cursor.Inc() - 1) % uint64(len(members))
	return pick(members[idx])
}

// LeastConn selects the member with the fewest in-flight requests,
// ties are broken round-robin.
type LeastConn struct {
	cursor atomic.Uint64
}

func (p *LeastConn) Name() string { return api.PolicyLeastConn }

func (p *LeastConn) Select(snap *upstream.Snapshot, exclude map[string]bool) (*upstream.Member, error) {
	members := eligible(snap, exclude)
	if len(members) == 0 {
		return nil, ErrNoHealthyUpstream
	}
	var tied []*upstream.Member
	least := int64(-1)
	for _, m := range members {
		n := m.InFlight()
		switch {
		case least < 0 || n < least:
			least = n
			tied = append(tied[:0], m)
		case n == least:
			tied = append(tied, m)
		}
	}
	idx := (p.cursor.Inc() - 1) % uint64(len(tied))
	return pick(tied[idx])
}

// RandomWeighted draws members proportionally to their weight.
type RandomWeighted struct{}

func (p *RandomWeighted) Name() string { return api.PolicyRandomWeighted }

func (p *RandomWeighted) Select(snap *upstream.Snapshot, exclude map[string]bool) (*upstream.Member, error) {
	members := eligible(snap, exclude)
	if len(members) == 0 {
		return nil, ErrNoHealthyUpstream
	}
	total := 0
	for _, m := range members {
		total += weightOf(m)
	}
	n := fastrand.Intn(total)
	for _, m := range members {
		n -= weightOf(m)
		if n < 0 {
			return pick(m)
		}
	}
	return pick(members[len(members)-1])
}

func weightOf(m *upstream.Member) int {
	if m.Weight <= 0 {
		return 1
	}
	return m.Weight
}

// First always selects the first eligible member, later members only
// serve as fallback.
type First struct{}

func (p *First) Name() string { return api.PolicyFirst }

func (p *First) Select(snap *upstream.Snapshot, exclude map[string]bool) (*upstream.Member, error) {
	members := eligible(snap, exclude)
	if len(members) == 0 {
		return nil, ErrNoHealthyUpstream
	}
	return pick(members[0])
}
