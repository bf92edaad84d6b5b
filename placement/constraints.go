package placement

// ConstraintResult is the outcome of evaluating a single hard constraint.
type ConstraintResult struct {
	OK     bool
	Reason string
}

// Ok builds a successful ConstraintResult.
func Ok() ConstraintResult { return ConstraintResult{OK: true} }

// Fail builds a failing ConstraintResult carrying a human-readable reason.
func Fail(reason string) ConstraintResult { return ConstraintResult{OK: false, Reason: reason} }

// ConstraintEvaluator is a hard constraint: a named predicate that, if it
// fails, forbids placement outright. The constraint plug-in ecosystem
// itself is out of scope (spec.md §1); this is the capability seam a
// caller-supplied evaluator implements.
type ConstraintEvaluator interface {
	Name() string
	Evaluate(request TaskRequest, vmState VMCurrentState, trackerState TaskTrackerState) ConstraintResult
}

// FitnessFn scores how good a machine is for a task, in [0, 1]. Used both
// as the global fitness function passed to TryAssign and, per task, as a
// soft constraint (a FitnessFn whose score only ever influences the blend,
// never causes rejection).
type FitnessFn func(request TaskRequest, vmState VMCurrentState, trackerState TaskTrackerState) float64

// VMCurrentState is the view a constraint or fitness function gets of one
// machine: its available resources this iteration, the requests already
// assigned to it in this iteration, and the tasks it was already running
// coming into this iteration.
type VMCurrentState interface {
	Hostname() string
	AvailableResources() LeaseView
	TasksCurrentlyAssigned() []TaskAssignmentResult
	RunningTasks() []TaskRequest
}

// TaskTrackerState is the cluster-wide view a constraint or fitness
// function gets via the external task tracker: what is running everywhere,
// and what is pending assignment everywhere. The tracker itself is an
// external collaborator (spec.md §1); this interface is its read contract.
type TaskTrackerState interface {
	AllRunningTasks() map[string]ActiveTask
	AllCurrentlyAssignedTasks() map[string]ActiveTask
}

// ActiveTask names the machine a tracked task is running or assigned on.
type ActiveTask struct {
	TaskID   string
	Hostname string
}

// TaskTracker is the cluster-wide index of running/assigned tasks. It lives
// outside this package's scope (spec.md §1); MachineState only needs to
// call it, never own it.
type TaskTracker interface {
	AddRunningTask(request TaskRequest, hostname string) bool
	RemoveRunningTask(taskID string)
	AddAssignedTask(request TaskRequest, hostname string) bool
	AllRunningTasks() map[string]ActiveTask
	AllCurrentlyAssignedTasks() map[string]ActiveTask
}

// exclusiveHostConstraintName is the ConstraintFailure.Name surfaced when a
// machine already holds an exclusive-host task and rejects any further
// assignment (spec.md §4.2 step 2). It is not a real ConstraintEvaluator —
// the exclusive-host check is a MachineState field, not a plug-in, per the
// spec's redesign note against runtime type inspection.
const exclusiveHostConstraintName = "ExclusiveHostConstraint"
