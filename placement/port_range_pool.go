package placement

import (
	"github.com/pkg/errors"
)

// ErrPortsExhausted is returned by ConsumeNext when every configured port
// has already been handed out. Callers are expected to have checked
// HasPorts first; seeing this error is an invariant breach.
var ErrPortsExhausted = errors.New("all ports already used up")

type portRange struct {
	beg  int
	size int
}

// PortRangePool hands out ports from an ordered list of inclusive ranges.
// Consumption is append-only within a scheduling iteration: ports are never
// returned to the pool except by Clear.
type PortRangePool struct {
	ranges     []PortRange
	portRanges []portRange
	totalPorts int
	usedPorts  int
}

// Add appends inclusive ranges to the pool and grows totalPorts accordingly.
func (p *PortRangePool) Add(ranges []PortRange) {
	for _, r := range ranges {
		p.ranges = append(p.ranges, r)
		size := r.Size()
		p.portRanges = append(p.portRanges, portRange{beg: r.Beg, size: size})
		p.totalPorts += size
	}
}

// HasPorts reports whether n additional ports can still be consumed.
func (p *PortRangePool) HasPorts(n int) bool {
	return n+p.usedPorts <= p.totalPorts
}

// ConsumeNext returns the next unused port, in range order, and advances
// the cursor. Returns ErrPortsExhausted if every port has been consumed.
func (p *PortRangePool) ConsumeNext() (int, error) {
	forward := 0
	for _, r := range p.portRanges {
		if forward+r.size > p.usedPorts {
			port := r.beg + (p.usedPorts - forward)
			p.usedPorts++
			return port, nil
		}
		forward += r.size
	}
	return 0, ErrPortsExhausted
}

// Clear resets the pool to empty, discarding all configured ranges and
// the used-ports cursor.
func (p *PortRangePool) Clear() {
	p.ranges = nil
	p.portRanges = nil
	p.totalPorts = 0
	p.usedPorts = 0
}

// Ranges returns the ranges currently configured on the pool, in the order
// they were added. Used to publish an immutable LeaseView snapshot.
func (p *PortRangePool) Ranges() []PortRange {
	out := make([]PortRange, len(p.ranges))
	copy(out, p.ranges)
	return out
}

// UsedPorts returns the pool's current consumption cursor.
func (p *PortRangePool) UsedPorts() int {
	return p.usedPorts
}

// TotalPorts returns the total number of ports configured across all ranges.
func (p *PortRangePool) TotalPorts() int {
	return p.totalPorts
}
