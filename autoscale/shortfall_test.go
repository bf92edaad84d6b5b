package autoscale

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/scootmachine/placer/placement"
)

func TestPhantomShortfallEvaluator_AbsentGroupIsZero(t *testing.T) {
	eval := NewPhantomShortfallEvaluator(func(group string) (placement.ResourceVector, bool) {
		return placement.ResourceVector{CPUCores: 8, MemoryMB: 8192}, true
	}, 10)

	result := eval.Evaluate(map[string]struct{}{"zone-a": {}}, nil)
	assert.Equal(t, 0, result["zone-a"])
}

func TestPhantomShortfallEvaluator_PicksCheapestFittingGroup(t *testing.T) {
	capacities := map[string]placement.ResourceVector{
		"zone-a": {CPUCores: 4, MemoryMB: 8192},
		"zone-b": {CPUCores: 16, MemoryMB: 16384},
	}
	eval := NewPhantomShortfallEvaluator(func(group string) (placement.ResourceVector, bool) {
		v, ok := capacities[group]
		return v, ok
	}, 10)

	// Fits in both groups, but zone-a wastes less phantom capacity.
	failures := map[string][]placement.AssignmentFailure{
		"task-1": {
			{Resource: placement.CPU, Requested: 3},
			{Resource: placement.Memory, Requested: 4096},
		},
	}
	result := eval.Evaluate(map[string]struct{}{"zone-a": {}, "zone-b": {}}, failures)
	assert.Equal(t, 1, result["zone-a"])
	assert.Equal(t, 0, result["zone-b"])
}

func TestPhantomShortfallEvaluator_FallsBackWhenNoGroupFitsInOneHost(t *testing.T) {
	capacities := map[string]placement.ResourceVector{
		"zone-a": {CPUCores: 2, MemoryMB: 4096},
		"zone-b": {CPUCores: 8, MemoryMB: 4096},
	}
	eval := NewPhantomShortfallEvaluator(func(group string) (placement.ResourceVector, bool) {
		v, ok := capacities[group]
		return v, ok
	}, 10)

	// Demand exceeds both groups' single-host CPU capacity; zone-b comes
	// closer (less negative slack) so it absorbs the shortfall instead of
	// the task being silently dropped from the estimate.
	failures := map[string][]placement.AssignmentFailure{
		"task-1": {{Resource: placement.CPU, Requested: 10}},
	}
	result := eval.Evaluate(map[string]struct{}{"zone-a": {}, "zone-b": {}}, failures)
	assert.Equal(t, 1, result["zone-b"])
	assert.Equal(t, 0, result["zone-a"])
}

func TestPhantomShortfallEvaluator_MultipleTasksAccumulatePerGroup(t *testing.T) {
	eval := NewPhantomShortfallEvaluator(func(group string) (placement.ResourceVector, bool) {
		return placement.ResourceVector{CPUCores: 4, MemoryMB: 8192}, true
	}, 10)

	failures := map[string][]placement.AssignmentFailure{
		"task-1": {{Resource: placement.CPU, Requested: 2}},
		"task-2": {{Resource: placement.CPU, Requested: 3}},
	}
	result := eval.Evaluate(map[string]struct{}{"zone-a": {}}, failures)
	assert.Equal(t, 2, result["zone-a"])
}

func TestPhantomShortfallEvaluator_UnknownGroupSkipped(t *testing.T) {
	eval := NewPhantomShortfallEvaluator(func(group string) (placement.ResourceVector, bool) {
		return placement.ResourceVector{}, false
	}, 10)

	failures := map[string][]placement.AssignmentFailure{
		"task-1": {{Resource: placement.CPU, Requested: 10}},
	}
	result := eval.Evaluate(map[string]struct{}{"zone-a": {}}, failures)
	_, present := result["zone-a"]
	assert.False(t, present)
}

func TestPhantomShortfallEvaluator_CachesUntilInvalidated(t *testing.T) {
	calls := 0
	eval := NewPhantomShortfallEvaluator(func(group string) (placement.ResourceVector, bool) {
		calls++
		return placement.ResourceVector{CPUCores: 4}, true
	}, 10)

	failures := map[string][]placement.AssignmentFailure{
		"task-1": {{Resource: placement.CPU, Requested: 1}},
	}
	groups := map[string]struct{}{"zone-a": {}}

	eval.Evaluate(groups, failures)
	eval.Evaluate(groups, failures)
	assert.Equal(t, 1, calls)

	eval.InvalidateGroup("zone-a")
	eval.Evaluate(groups, failures)
	assert.Equal(t, 2, calls)
}
