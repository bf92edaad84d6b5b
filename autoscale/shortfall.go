package autoscale

import (
	"math"

	lru "github.com/hashicorp/golang-lru"

	"github.com/scootmachine/placer/placement"
)

// ShortfallEvaluator estimates, per host-attribute group, how many
// additional hosts that group is short given this tick's unplaceable
// requests. failures is keyed by taskId, each value the per-dimension
// AssignmentFailures that task hit trying to place against every machine
// it was offered this tick (AutoscalerInput.Failures, spec.md §6). Evaluate
// must treat an absent key in its result as a shortfall of 0 — callers are
// not required to populate every group that had no failures.
type ShortfallEvaluator interface {
	Evaluate(groups map[string]struct{}, failures map[string][]placement.AssignmentFailure) map[string]int
}

// MaxResourcesFn returns the representative capacity of one more host in
// the named group — typically the max resource vector among that group's
// currently known hosts. ok is false if the group has no known hosts yet,
// in which case the phantom evaluator cannot estimate a shortfall for it.
type MaxResourcesFn func(group string) (vector placement.ResourceVector, ok bool)

// PhantomShortfallEvaluator is a reference ShortfallEvaluator grounded on
// the bin-packing estimate the original AutoScaler.java delegates to its
// (unretrieved) ShortfallEvaluator collaborator: for each failing task (a
// key of the failures map), find the cheapest group — by one-phantom-host
// headroom — that could fit its demand, and charge that group one
// additional host.
//
// maxResources lookups are cached per group since computing a group's
// vector may walk that group's hosts and call MachineState.MaxResources on
// them; InvalidateGroup must be called whenever the group's membership
// changes so a stale vector isn't reused.
type PhantomShortfallEvaluator struct {
	maxResources MaxResourcesFn
	cache        *lru.Cache
}

// NewPhantomShortfallEvaluator builds a PhantomShortfallEvaluator caching
// up to cacheSize groups' max-resource vectors.
func NewPhantomShortfallEvaluator(maxResources MaxResourcesFn, cacheSize int) *PhantomShortfallEvaluator {
	cache, err := lru.New(cacheSize)
	if err != nil {
		// Only possible if cacheSize <= 0; fall back to size 1 rather than
		// propagate a constructor error for a pure capacity hint.
		cache, _ = lru.New(1)
	}
	return &PhantomShortfallEvaluator{maxResources: maxResources, cache: cache}
}

// InvalidateGroup drops any cached max-resource vector for group, forcing
// the next Evaluate call to recompute it via maxResources.
func (p *PhantomShortfallEvaluator) InvalidateGroup(group string) {
	p.cache.Remove(group)
}

func (p *PhantomShortfallEvaluator) capacityFor(group string) (placement.ResourceVector, bool) {
	if v, ok := p.cache.Get(group); ok {
		return v.(placement.ResourceVector), true
	}
	v, ok := p.maxResources(group)
	if !ok {
		return placement.ResourceVector{}, false
	}
	p.cache.Add(group, v)
	return v, true
}

// Evaluate implements ShortfallEvaluator. For each failing task it picks
// the cheapest group (least headroom, i.e. best fit) whose one-phantom-host
// capacity could accommodate that task's demand, and charges that group one
// additional host. A task whose demand exceeds every known group's single-
// host capacity is charged against the group with the most capacity along
// its worst-fitting dimension instead, so no failing task is ever silently
// dropped from the estimate.
func (p *PhantomShortfallEvaluator) Evaluate(groups map[string]struct{}, failures map[string][]placement.AssignmentFailure) map[string]int {
	result := make(map[string]int, len(groups))
	for _, fails := range failures {
		if len(fails) == 0 {
			continue
		}
		demand := demandVector(fails)

		bestGroup := ""
		bestHeadroom := math.Inf(1)
		fallbackGroup := ""
		fallbackSlack := math.Inf(-1)
		for group := range groups {
			capacity, ok := p.capacityFor(group)
			if !ok {
				continue
			}
			if fitsOneHost(demand, capacity) {
				headroom := totalHeadroom(capacity, demand)
				if headroom < bestHeadroom {
					bestHeadroom = headroom
					bestGroup = group
				}
				continue
			}
			if bestGroup != "" {
				continue
			}
			slack := worstDimensionSlack(capacity, demand)
			if slack > fallbackSlack {
				fallbackSlack = slack
				fallbackGroup = group
			}
		}

		switch {
		case bestGroup != "":
			result[bestGroup]++
		case fallbackGroup != "":
			result[fallbackGroup]++
		}
	}
	return result
}

// demandVector collapses a task's per-dimension failures, gathered across
// every machine the scheduler tried this tick, into the single demand the
// task actually needs along each dimension — the max Requested seen per
// dimension, since the requested amount is a property of the task, not of
// which machine rejected it.
func demandVector(fails []placement.AssignmentFailure) placement.ResourceVector {
	var v placement.ResourceVector
	for _, f := range fails {
		switch f.Resource {
		case placement.CPU:
			v.CPUCores = math.Max(v.CPUCores, f.Requested)
		case placement.Memory:
			v.MemoryMB = math.Max(v.MemoryMB, f.Requested)
		case placement.Network:
			v.NetworkMbps = math.Max(v.NetworkMbps, f.Requested)
		case placement.Disk:
			v.DiskMB = math.Max(v.DiskMB, f.Requested)
		case placement.Ports:
			v.Ports = math.Max(v.Ports, f.Requested)
		}
	}
	return v
}

// fitsOneHost reports whether demand fits entirely within one phantom
// host's capacity along every dimension.
func fitsOneHost(demand, capacity placement.ResourceVector) bool {
	return demand.CPUCores <= capacity.CPUCores &&
		demand.MemoryMB <= capacity.MemoryMB &&
		demand.NetworkMbps <= capacity.NetworkMbps &&
		demand.DiskMB <= capacity.DiskMB &&
		demand.Ports <= capacity.Ports
}

// totalHeadroom sums the leftover capacity across every dimension once
// demand is subtracted — the "cheapest" fitting group is the one that
// leaves the least headroom, i.e. wastes the least phantom capacity.
func totalHeadroom(capacity, demand placement.ResourceVector) float64 {
	return (capacity.CPUCores - demand.CPUCores) +
		(capacity.MemoryMB - demand.MemoryMB) +
		(capacity.NetworkMbps - demand.NetworkMbps) +
		(capacity.DiskMB - demand.DiskMB) +
		(capacity.Ports - demand.Ports)
}

// worstDimensionSlack reports, for a group that can't fit demand in one
// host, how close it comes: the smallest (capacity - demand) across
// dimensions, i.e. how negative its worst-fitting dimension is. Higher is
// better (closer to actually fitting).
func worstDimensionSlack(capacity, demand placement.ResourceVector) float64 {
	slack := capacity.CPUCores - demand.CPUCores
	slack = math.Min(slack, capacity.MemoryMB-demand.MemoryMB)
	slack = math.Min(slack, capacity.NetworkMbps-demand.NetworkMbps)
	slack = math.Min(slack, capacity.DiskMB-demand.DiskMB)
	slack = math.Min(slack, capacity.Ports-demand.Ports)
	return slack
}
