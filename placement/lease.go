package placement

import (
	"time"
)

// AttributeKind distinguishes the value carried by an AttributeValue. Mirrors
// the oneof text/scalar/ranges shape a wire attribute (e.g. a Mesos
// offer attribute) would carry, without tying this package to any one
// wire protocol.
type AttributeKind int

const (
	AttributeText AttributeKind = iota
	AttributeScalar
	AttributeRanges
)

// AttributeValue is a typed tag on a Lease, e.g. "zone" -> Text("us-east-1a").
type AttributeValue struct {
	Kind   AttributeKind
	Text   string
	Scalar float64
	Ranges []PortRange
}

// PortRange is an inclusive range of ports, [Beg, End].
type PortRange struct {
	Beg int
	End int
}

// Size returns the number of ports in the range, inclusive on both ends.
func (r PortRange) Size() int {
	return r.End - r.Beg + 1
}

// Lease is an immutable resource offer advertised by one machine.
type Lease struct {
	LeaseID     string
	VMID        string
	Hostname    string
	CPUCores    float64
	MemoryMB    float64
	NetworkMbps float64
	DiskMB      float64
	PortRanges  []PortRange
	Attributes  map[string]AttributeValue
	OfferedAt   time.Time
}

// AttributeText returns the text value of the named attribute and whether
// it was present and carried a text value.
func (l Lease) AttributeText(name string) (string, bool) {
	v, ok := l.Attributes[name]
	if !ok || v.Kind != AttributeText {
		return "", false
	}
	return v.Text, true
}
