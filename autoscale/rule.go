package autoscale

import (
	"time"

	"github.com/scootmachine/placer/placement"
)

// AutoScaleRule governs one host-attribute group's idle-host bounds and
// cooldown window. RuleName keys a ScalingActivity and (via
// PartitionAttributeName's value) a HostAttributeGroup on every tick.
type AutoScaleRule struct {
	RuleName           string
	MinIdleHostsToKeep int
	MaxIdleHostsToKeep int
	CoolDown           time.Duration

	// IdleMachineTooSmall excludes a candidate idle lease from this rule's
	// group entirely, e.g. a host whose remaining resources are too small
	// to ever host this rule's workload.
	IdleMachineTooSmall func(placement.Lease) bool
}

func (r AutoScaleRule) idleMachineTooSmall(l placement.Lease) bool {
	if r.IdleMachineTooSmall == nil {
		return false
	}
	return r.IdleMachineTooSmall(l)
}

// HostAttributeGroup is the transient, per-tick bucket of idle hosts and
// shortfall computed for one AutoScaleRule.
type HostAttributeGroup struct {
	Name      string
	Rule      AutoScaleRule
	IdleHosts []placement.Lease
	Shortfall int
}

// ScaleType distinguishes the two kinds of AutoScaleAction.
type ScaleType int

const (
	ScaleTypeNone ScaleType = iota
	ScaleTypeUp
	ScaleTypeDown
)

// ScalingActivity is the persistent, per-rule record of the last time this
// rule scaled up or down, used to enforce cooldown between ticks.
type ScalingActivity struct {
	ScaleUpAt       time.Time
	ScaleDownAt     time.Time
	LastShortfall   int
	LastScaledCount int
	LastType        ScaleType
}

// newInitialScalingActivity seeds ScaleUpAt/ScaleDownAt so that a rule's
// first scale action after startup (or after first being observed) is
// allowed min(coolDown, 120s) from now: a rule whose cooldown exceeds 120s
// waits 120s, a shorter cooldown is waited out in full — matches
// getInitialCoolDown in the source this package is grounded on.
func newInitialScalingActivity(coolDown time.Duration) ScalingActivity {
	initial := coolDown
	if maxInitial := 120 * time.Second; maxInitial < initial {
		initial = maxInitial
	}
	at := time.Now().Add(-coolDown).Add(initial)
	return ScalingActivity{ScaleUpAt: at, ScaleDownAt: at}
}
