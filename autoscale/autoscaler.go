package autoscale

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	log "github.com/scootmachine/placer/common/log"
	"github.com/scootmachine/placer/common/stats"
	"github.com/scootmachine/placer/placement"
)

// InputSubscribeFn opens (or reopens) the upstream feed of AutoscalerInput
// ticks. Returning an error tells Run to back off and call it again; a
// channel that closes without an error does the same.
type InputSubscribeFn func(ctx context.Context) (<-chan AutoscalerInput, error)

// DisableUntilFn disables one host for placement until the given deadline,
// the autoscaler's one entry point back into the placement layer (the
// Go analogue of AssignableVMs.disableUntil).
type DisableUntilFn func(hostname string, until time.Time)

// Autoscaler partitions machines into host-attribute groups via
// PartitionAttributeName, computes idle counts and shortfall per group on
// every input tick, and emits ScaleUp/ScaleDown recommendations subject to
// per-rule cooldown.
type Autoscaler struct {
	mu sync.Mutex

	rules    map[string]AutoScaleRule
	activity map[string]ScalingActivity

	partitionAttributeName           string
	mapHostnameAttributeName         string
	scaleDownBalancedByAttributeName string

	disableShortfallEvaluation bool
	shortfallEvaluator         ShortfallEvaluator

	disableUntil DisableUntilFn
	broadcaster  *actionBroadcaster
	stat         stats.StatsReceiver

	// activeGroupsLastSetAt mirrors ActiveVmGroups.getLastSetAt(): the last
	// time the caller told us the active group membership changed, which
	// also resets cooldown (a just-resized group shouldn't immediately
	// scale again off stale cooldown timestamps).
	activeGroupsLastSetAt time.Time
}

// Config bundles the construction-time options for an Autoscaler.
type Config struct {
	Rules                             []AutoScaleRule
	PartitionAttributeName            string
	MapHostnameAttributeName          string
	ScaleDownBalancedByAttributeName  string
	DisableShortfallEvaluation        bool
	ShortfallEvaluator                ShortfallEvaluator
	DisableUntil                      DisableUntilFn
	Stat                              stats.StatsReceiver
}

// NewAutoscaler builds an Autoscaler from cfg. Every rule's ScalingActivity
// is seeded with an initial cooldown: the rule's first scale action is
// allowed min(CoolDown, 120s) after construction, not immediately.
func NewAutoscaler(cfg Config) *Autoscaler {
	stat := cfg.Stat
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	a := &Autoscaler{
		rules:                             make(map[string]AutoScaleRule, len(cfg.Rules)),
		activity:                          make(map[string]ScalingActivity, len(cfg.Rules)),
		partitionAttributeName:            cfg.PartitionAttributeName,
		mapHostnameAttributeName:          cfg.MapHostnameAttributeName,
		scaleDownBalancedByAttributeName:  cfg.ScaleDownBalancedByAttributeName,
		disableShortfallEvaluation:        cfg.DisableShortfallEvaluation,
		shortfallEvaluator:                cfg.ShortfallEvaluator,
		disableUntil:                      cfg.DisableUntil,
		broadcaster:                       newActionBroadcaster(),
		stat:                              stat,
	}
	for _, r := range cfg.Rules {
		a.rules[r.RuleName] = r
		a.activity[r.RuleName] = newInitialScalingActivity(r.CoolDown)
	}
	return a
}

// Subscribe returns a channel receiving every AutoScaleAction this
// autoscaler emits from this point forward.
func (a *Autoscaler) Subscribe() <-chan AutoScaleAction {
	return a.broadcaster.Subscribe()
}

// NotifyGroupsChanged records that the active group membership was just
// reset (e.g. a rule set was reloaded), which resets cooldown the same way
// ActiveVmGroups.getLastSetAt() does in the source.
func (a *Autoscaler) NotifyGroupsChanged() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.activeGroupsLastSetAt = time.Now()
}

// Run consumes subscribeFn's channel until ctx is canceled, processing one
// HostAttributeGroup tick per AutoscalerInput received. On a channel error
// or unexpected close it logs and resubscribes, without limit on the number
// of attempts, waiting an exponential backoff delay between attempts (the
// source's .doOnError(...).retry() behavior plus a delay).
func (a *Autoscaler) Run(ctx context.Context, subscribeFn InputSubscribeFn) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0 // never return backoff.Stop; keep backing off
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ch, err := subscribeFn(ctx)
		if err != nil {
			log.Errorf("autoscaler input subscribe failed, backing off: %v", err)
			a.stat.Counter(stats.AutoscaleInputResubscribeCounter).Inc(1)
			time.Sleep(b.NextBackOff())
			continue
		}
		b.Reset()

		closed := a.consume(ctx, ch)
		if !closed {
			return
		}
		log.Warn("autoscaler input channel closed unexpectedly, resubscribing")
		a.stat.Counter(stats.AutoscaleInputResubscribeCounter).Inc(1)
		time.Sleep(b.NextBackOff())
	}
}

// consume drains ch until it closes or ctx is canceled, returning true if
// it was the channel that closed (so the caller knows to resubscribe).
func (a *Autoscaler) consume(ctx context.Context, ch <-chan AutoscalerInput) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case input, ok := <-ch:
			if !ok {
				return true
			}
			a.Tick(input)
		}
	}
}

// Tick runs one full pass over every configured rule against input: builds
// this tick's HostAttributeGroups, evaluates shortfall (unless disabled),
// buckets idle leases into their group, then processes each group's
// scaling decision.
func (a *Autoscaler) Tick(input AutoscalerInput) {
	stop := a.stat.Latency(stats.AutoscaleTickLatency_ms).Time()
	defer stop.Stop()

	a.mu.Lock()
	groups := a.setupGroupsLocked()
	a.mu.Unlock()

	if !a.disableShortfallEvaluation && a.shortfallEvaluator != nil {
		groupNames := make(map[string]struct{}, len(groups))
		for name := range groups {
			groupNames[name] = struct{}{}
		}
		shortfall := a.shortfallEvaluator.Evaluate(groupNames, input.Failures)
		for name, sf := range shortfall {
			if g, ok := groups[name]; ok {
				g.Shortfall = sf
			}
		}
	}

	a.populateIdleHosts(input.IdleLeases, groups)

	for _, g := range groups {
		a.processScalingNeeds(g)
	}
}

func (a *Autoscaler) setupGroupsLocked() map[string]*HostAttributeGroup {
	groups := make(map[string]*HostAttributeGroup, len(a.rules))
	for name, rule := range a.rules {
		groups[name] = &HostAttributeGroup{Name: name, Rule: rule}
		if _, ok := a.activity[name]; !ok {
			a.activity[name] = newInitialScalingActivity(rule.CoolDown)
		}
	}
	return groups
}

func (a *Autoscaler) populateIdleHosts(idle []placement.Lease, groups map[string]*HostAttributeGroup) {
	for _, l := range idle {
		attrValue, ok := l.AttributeText(a.partitionAttributeName)
		if !ok {
			continue
		}
		g, ok := groups[attrValue]
		if !ok {
			continue
		}
		if g.Rule.idleMachineTooSmall(l) {
			continue
		}
		g.IdleHosts = append(g.IdleHosts, l)
	}
}

func (a *Autoscaler) shouldScaleNow(scaleUp bool, now time.Time, prev ScalingActivity, rule AutoScaleRule) bool {
	a.mu.Lock()
	lastGroupsSetAt := a.activeGroupsLastSetAt
	a.mu.Unlock()

	if scaleUp {
		floor := prev.ScaleUpAt
		if lastGroupsSetAt.After(floor) {
			floor = lastGroupsSetAt
		}
		return now.After(floor.Add(rule.CoolDown))
	}
	floor := prev.ScaleDownAt
	if prev.ScaleUpAt.After(floor) {
		floor = prev.ScaleUpAt
	}
	if lastGroupsSetAt.After(floor) {
		floor = lastGroupsSetAt
	}
	return now.After(floor.Add(rule.CoolDown))
}

// processScalingNeeds implements the per-group decision from
// AutoScaler.processScalingNeeds: a positive shortfall always wins and
// forces scale-up (or suppresses scale-down); excess idle hosts beyond
// MaxIdleHostsToKeep trigger scale-down once cooldown has elapsed; a
// shortage below MinIdleHostsToKeep triggers scale-up once cooldown has
// elapsed.
func (a *Autoscaler) processScalingNeeds(g *HostAttributeGroup) {
	now := time.Now()

	a.mu.Lock()
	prev := a.activity[g.Name]
	a.mu.Unlock()

	excess := len(g.IdleHosts) - g.Rule.MaxIdleHostsToKeep
	if g.Shortfall > 0 {
		excess = 0
	}

	switch {
	case excess > 0 && a.shouldScaleNow(false, now, prev, g.Rule):
		a.scaleDown(g, prev, excess, now)
	case g.Shortfall > 0 || (excess <= 0 && a.shouldScaleNow(true, now, prev, g.Rule)):
		if g.Shortfall > 0 || g.Rule.MinIdleHostsToKeep > len(g.IdleHosts) {
			a.scaleUp(g, prev, excess, now)
		}
	}
}

func (a *Autoscaler) scaleDown(g *HostAttributeGroup, prev ScalingActivity, excess int, now time.Time) {
	victims := a.getHostsToTerminate(g.IdleHosts, excess)

	updated := prev
	updated.ScaleDownAt = now
	updated.LastShortfall = g.Shortfall
	updated.LastScaledCount = len(victims)
	updated.LastType = ScaleTypeDown
	a.mu.Lock()
	a.activity[g.Name] = updated
	a.mu.Unlock()

	identifiers := make([]string, 0, len(victims))
	for hostname, identifier := range victims {
		identifiers = append(identifiers, identifier)
		if a.disableUntil != nil {
			a.disableUntil(hostname, now.Add(g.Rule.CoolDown))
		}
	}
	sort.Strings(identifiers)

	log.WithRule(g.Name).Infof("scaling down by %d hosts: %v", excess, identifiers)
	a.stat.Counter(stats.AutoscaleScaleDownCounter, g.Name).Inc(1)
	a.stat.Gauge(stats.AutoscaleScaleDownCountGauge, g.Name).Update(int64(len(identifiers)))
	a.broadcaster.publish(ScaleDown{RuleName: g.Name, HostIdentifiers: identifiers})
}

func (a *Autoscaler) scaleUp(g *HostAttributeGroup, prev ScalingActivity, excess int, now time.Time) {
	shortage := 0
	if excess <= 0 && a.shouldScaleNow(true, now, prev, g.Rule) {
		shortage = g.Rule.MaxIdleHostsToKeep - len(g.IdleHosts)
	}
	if g.Shortfall > shortage {
		shortage = g.Shortfall
	}

	updated := prev
	updated.ScaleUpAt = now
	updated.LastShortfall = g.Shortfall
	updated.LastScaledCount = shortage
	updated.LastType = ScaleTypeUp
	a.mu.Lock()
	a.activity[g.Name] = updated
	a.mu.Unlock()

	effective := shortage
	if g.Shortfall > effective {
		effective = g.Shortfall
	}

	log.WithRule(g.Name).Infof("scaling up by %d hosts", effective)
	a.stat.Counter(stats.AutoscaleScaleUpCounter, g.Name).Inc(1)
	a.stat.Gauge(stats.AutoscaleShortfallGauge, g.Name).Update(int64(g.Shortfall))
	a.broadcaster.publish(ScaleUp{RuleName: g.Name, Count: effective})
}

// getHostsToTerminate picks excess victims from hosts, balanced round-robin
// across the ScaleDownBalancedByAttributeName buckets (falling back to a
// "default" bucket), always taking from the currently-largest bucket —
// grounded on AutoScaler.getHostsToTerminate.
func (a *Autoscaler) getHostsToTerminate(hosts []placement.Lease, excess int) map[string]string {
	const defaultBucket = "default"
	buckets := make(map[string][]placement.Lease)
	for _, h := range hosts {
		val, ok := h.AttributeText(a.scaleDownBalancedByAttributeName)
		if !ok {
			val = defaultBucket
		}
		buckets[val] = append(buckets[val], h)
	}

	result := make(map[string]string, excess)
	taken := 0
	for taken < excess {
		var takeFrom string
		max := 0
		for name, l := range buckets {
			if len(l) > max {
				max = len(l)
				takeFrom = name
			}
		}
		if takeFrom == "" {
			break
		}
		removed := buckets[takeFrom][0]
		buckets[takeFrom] = buckets[takeFrom][1:]
		result[removed.Hostname] = a.getMappedHostname(removed)
		taken++
	}
	return result
}

func (a *Autoscaler) getMappedHostname(l placement.Lease) string {
	if a.mapHostnameAttributeName == "" {
		return l.Hostname
	}
	mapped, ok := l.AttributeText(a.mapHostnameAttributeName)
	if !ok {
		log.Errorf("didn't find attribute %s for host %s", a.mapHostnameAttributeName, l.Hostname)
		return l.Hostname
	}
	return mapped
}
