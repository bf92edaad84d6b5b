package placement

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	log "github.com/scootmachine/placer/common/log"
	"github.com/scootmachine/placer/common/stats"
)

// DuplicateLeaseError is returned by AddLease when the lease id is already
// held by this machine. It is fatal to that one call only.
type DuplicateLeaseError struct {
	LeaseID string
}

func (e *DuplicateLeaseError) Error() string {
	return "attempt to add duplicate lease with id=" + e.LeaseID
}

// LeaseRejectFn is invoked whenever a lease is rejected, whether because the
// machine is disabled, because of a bulk expiry, or because of an aged-out
// expiry under the reject limiter. Best effort: never fatal.
type LeaseRejectFn func(Lease)

const defaultSoftConstraintWeightPct = 75.0

// resourceTotals bundles the four continuously-tracked dimensions; ports are
// tracked separately via PortRangePool.
type resourceTotals struct {
	cpus    float64
	memory  float64
	network float64
	disk    float64
}

// MachineState owns the mutable resource state of one worker machine: its
// held leases, aggregated totals, port pool, and the bookkeeping needed to
// run one scheduling iteration's worth of TryAssign/Assign calls against it.
//
// A MachineState is single-writer per iteration: the scheduler is expected
// to serialize its own calls into a given machine, and mu here exists only
// to make SetDisabledUntil (the autoscaler's one entry point) safe to call
// between iterations without the scheduler observing a torn read.
type MachineState struct {
	mu sync.Mutex

	hostname string
	currVMID string

	leaseIndex *HostnameIndex
	vmIndex    *HostnameIndex

	leaseRejectAction LeaseRejectFn
	tracker           TaskTracker
	stat              stats.StatsReceiver

	leaseOfferExpirySecs int64

	leases map[string]Lease

	totals resourceTotals
	used   resourceTotals
	ports  PortRangePool

	attributes map[string]AttributeValue
	totalLease LeaseView

	leasesToExpire    []string
	expireAllLeases   bool
	workersToUnassign []string

	previouslyAssigned map[string]TaskRequest
	iterationResults   map[string]TaskAssignmentResult

	disabledUntil time.Time
	exclusiveTaskID string

	softConstraintWeightPct float64
	includeDiskInStatus     bool
}

// NewMachineState creates a MachineState for a newly sighted hostname. The
// leaseReject callback is invoked (best effort) whenever a lease held by
// this machine is rejected; if nil, rejections are only logged.
func NewMachineState(hostname string, vmIndex, leaseIndex *HostnameIndex, leaseOfferExpirySecs int64, tracker TaskTracker, leaseReject LeaseRejectFn, stat stats.StatsReceiver) *MachineState {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	if leaseReject == nil {
		leaseReject = func(l Lease) {
			log.WithHost(hostname).Warnf("no lease reject action registered to reject lease id %s", l.LeaseID)
		}
	}
	return &MachineState{
		hostname:                hostname,
		vmIndex:                 vmIndex,
		leaseIndex:              leaseIndex,
		leaseRejectAction:       leaseReject,
		tracker:                 tracker,
		stat:                    stat,
		leaseOfferExpirySecs:    leaseOfferExpirySecs,
		leases:                  make(map[string]Lease),
		attributes:              make(map[string]AttributeValue),
		previouslyAssigned:      make(map[string]TaskRequest),
		iterationResults:        make(map[string]TaskAssignmentResult),
		softConstraintWeightPct: defaultSoftConstraintWeightPct,
	}
}

// Hostname returns the machine's hostname.
func (m *MachineState) Hostname() string { return m.hostname }

func (m *MachineState) addToAvailableResourcesLocked(l Lease) {
	m.totals.cpus += l.CPUCores
	m.totals.memory += l.MemoryMB
	m.totals.network += l.NetworkMbps
	m.totals.disk += l.DiskMB
	if len(l.PortRanges) > 0 {
		m.ports.Add(l.PortRanges)
	}
	if l.Attributes != nil {
		m.attributes = make(map[string]AttributeValue, len(l.Attributes))
		for k, v := range l.Attributes {
			m.attributes[k] = v
		}
	}
}

// AddLease ingests one resource offer. Returns DuplicateLeaseError if the
// lease id is already held. Returns false, nil if the machine is currently
// disabled (the lease was rejected, not an error).
func (m *MachineState) AddLease(lease Lease) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.currVMID != lease.VMID {
		m.currVMID = lease.VMID
		if lease.VMID != "" {
			m.vmIndex.Put(lease.VMID, m.hostname)
		}
	}
	now := time.Now()
	if now.Before(m.disabledUntil) {
		m.leaseRejectAction(lease)
		m.stat.Counter(stats.PlacementLeaseRejectedCounter).Inc(1)
		return false, nil
	}
	if _, exists := m.leases[lease.LeaseID]; exists {
		return false, errors.WithStack(&DuplicateLeaseError{LeaseID: lease.LeaseID})
	}
	if _, existed := m.leaseIndex.PutIfAbsent(lease.LeaseID, m.hostname); existed {
		log.WithHost(m.hostname).Warnf("unexpected: lease id %s already indexed", lease.LeaseID)
	}
	m.leases[lease.LeaseID] = lease
	m.addToAvailableResourcesLocked(lease)
	return true, nil
}

// ExpireLease queues a lease for removal on the next RemoveExpiredLeases
// call. Removal is deferred, not immediate.
func (m *MachineState) ExpireLease(leaseID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leasesToExpire = append(m.leasesToExpire, leaseID)
}

// ExpireAllLeases sets the expire-all latch, consumed by the next
// RemoveExpiredLeases call.
func (m *MachineState) ExpireAllLeases() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireAllLeases = true
}

// MarkTaskForUnassign queues a task id for release on the next
// PrepareForScheduling call.
func (m *MachineState) MarkTaskForUnassign(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workersToUnassign = append(m.workersToUnassign, taskID)
}

// RemoveExpiredLeases drains the pending expire-id queue and, if force is
// set or the expire-all latch was set, removes every held lease. Individual
// id-based expiry does not fire the reject callback; expire-all does.
func (m *MachineState) RemoveExpiredLeases(force bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	toExpire := make(map[string]struct{}, len(m.leasesToExpire))
	for _, id := range m.leasesToExpire {
		toExpire[id] = struct{}{}
	}
	m.leasesToExpire = nil

	expireAll := m.expireAllLeases || force
	m.expireAllLeases = false

	for id, l := range m.leases {
		_, marked := toExpire[id]
		if expireAll || marked {
			m.leaseIndex.Remove(id)
			if expireAll {
				m.leaseRejectAction(l)
			}
			delete(m.leases, id)
		}
	}
}

// ExpireLimitedLeases removes every lease whose OfferedAt is older than
// leaseOfferExpirySecs, provided the limiter allows the rejection. Returns
// the number of leases actually rejected.
func (m *MachineState) ExpireLimitedLeases(limiter RejectLimiter) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-time.Duration(m.leaseOfferExpirySecs) * time.Second)
	rejected := 0
	for id, l := range m.leases {
		if l.OfferedAt.Before(cutoff) && limiter.TryReject() {
			m.leaseIndex.Remove(id)
			m.leaseRejectAction(l)
			delete(m.leases, id)
			rejected++
		}
	}
	if rejected > 0 {
		m.stat.Counter(stats.PlacementLeaseExpiredCounter).Inc(int64(rejected))
	}
	return rejected
}

// ResetResources zeroes totals and used counters, clears the port pool, and
// re-folds every currently held lease. Attributes are not cleared: with no
// held lease they keep their previous value; otherwise re-folding a held
// lease that carries attributes replaces the map with that lease's
// attributes.
func (m *MachineState) ResetResources() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totals = resourceTotals{}
	m.used = resourceTotals{}
	m.ports.Clear()
	for _, l := range m.leases {
		m.addToAvailableResourcesLocked(l)
	}
}

// UpdateTotalLeaseView publishes an immutable snapshot of the machine's
// current totals, safe to read from other goroutines as long as no newer
// snapshot has since replaced it.
func (m *MachineState) UpdateTotalLeaseView() LeaseView {
	m.mu.Lock()
	defer m.mu.Unlock()

	attrs := make(map[string]AttributeValue, len(m.attributes))
	for k, v := range m.attributes {
		attrs[k] = v
	}
	m.totalLease = LeaseView{
		Hostname:    m.hostname,
		CPUCores:    m.totals.cpus,
		MemoryMB:    m.totals.memory,
		NetworkMbps: m.totals.network,
		DiskMB:      m.totals.disk,
		PortRanges:  m.ports.Ranges(),
		Attributes:  attrs,
	}
	return m.totalLease
}

// SetDisabledUntil stores the disabled deadline then rejects and removes
// every currently held lease. The only autoscaler entry point into
// MachineState; safe between scheduling iterations, not mid-iteration.
func (m *MachineState) SetDisabledUntil(until time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.disabledUntil = until
	for id, l := range m.leases {
		m.leaseIndex.Remove(id)
		m.leaseRejectAction(l)
		delete(m.leases, id)
	}
}

// Enable clears the disabled deadline immediately.
func (m *MachineState) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disabledUntil = time.Time{}
}

// DisabledUntil returns the current disabled deadline, zero if not disabled.
func (m *MachineState) DisabledUntil() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disabledUntil
}

// IsActive reports whether this machine has any work in flight: held
// leases, previously assigned tasks, pending expire/unassign queue entries,
// or an active disabled window.
func (m *MachineState) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leases) != 0 ||
		len(m.previouslyAssigned) != 0 ||
		len(m.leasesToExpire) != 0 ||
		len(m.workersToUnassign) != 0 ||
		time.Now().Before(m.disabledUntil)
}

// IsAssignableNow reports whether the machine is currently enabled and
// holds at least one lease.
func (m *MachineState) IsAssignableNow() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Now().After(m.disabledUntil) && len(m.leases) != 0
}

func (m *MachineState) setIfExclusiveLocked(request TaskRequest) {
	if request.IsExclusive {
		m.exclusiveTaskID = request.RequestID
	}
}

func (m *MachineState) clearIfExclusiveLocked(taskID string) {
	if taskID == m.exclusiveTaskID {
		m.exclusiveTaskID = ""
	}
}

// SetAssignedTask records a task as already running on this machine coming
// into a scheduling iteration (used to seed state on recovery/reattach, not
// during normal TryAssign/Assign flow).
func (m *MachineState) SetAssignedTask(request TaskRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.tracker.AddRunningTask(request, m.hostname) {
		log.WithHost(m.hostname).Errorf("unexpected duplicate task id=%s", request.RequestID)
	}
	m.previouslyAssigned[request.RequestID] = request
	m.setIfExclusiveLocked(request)
}

// PrepareForScheduling drains the unassign queue, untracking and releasing
// each named task, then clears the current iteration's result map.
func (m *MachineState) PrepareForScheduling() {
	m.mu.Lock()
	defer m.mu.Unlock()

	tasks := m.workersToUnassign
	m.workersToUnassign = nil
	for _, t := range tasks {
		m.tracker.RemoveRunningTask(t)
		delete(m.previouslyAssigned, t)
		m.clearIfExclusiveLocked(t)
	}
	m.iterationResults = make(map[string]TaskAssignmentResult)
}

// MaxResources sums previously-assigned task demands plus the machine's
// current total leased resources. Port accounting deliberately matches the
// source's exclusive convention (end-beg, not end-beg+1) even though ports
// are inclusive everywhere else in this package — see SPEC_FULL.md §11.
func (m *MachineState) MaxResources() ResourceVector {
	m.mu.Lock()
	defer m.mu.Unlock()

	var v ResourceVector
	for _, r := range m.previouslyAssigned {
		v.CPUCores += r.CPUCores
		v.MemoryMB += r.MemoryMB
		v.NetworkMbps += r.NetworkMbps
		v.Ports += float64(r.Ports)
		v.DiskMB += r.DiskMB
	}
	v.CPUCores += m.totals.cpus
	v.MemoryMB += m.totals.memory
	v.NetworkMbps += m.totals.network
	v.DiskMB += m.totals.disk
	for _, r := range m.ports.Ranges() {
		v.Ports += float64(r.End - r.Beg)
	}
	return v
}

// TryAssign evaluates whether request can be placed on this machine right
// now, without mutating any used-resource counters. Step order matches
// SPEC_FULL.md §4.2: no-leases check, exclusive-host short-circuit, hard
// constraints, resource feasibility, fitness, soft-constraint blend.
func (m *MachineState) TryAssign(request TaskRequest, fitness FitnessFn) (result TaskAssignmentResult, ok bool) {
	stop := m.stat.Latency(stats.PlacementTryAssignLatency_ms).Time()
	defer stop.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.leases) == 0 {
		return TaskAssignmentResult{}, false
	}
	if m.exclusiveTaskID != "" {
		m.stat.Counter(stats.PlacementConstraintFailureCounter).Inc(1)
		return TaskAssignmentResult{
			Hostname: m.hostname,
			Request:  request,
			ConstraintFailure: &ConstraintFailure{
				Name:   exclusiveHostConstraintName,
				Reason: "already has task " + m.exclusiveTaskID + " with exclusive host constraint",
			},
		}, true
	}

	vmState := m.vmCurrentStateLocked()
	trackerState := trackerStateAdapter{m.tracker}

	for _, c := range request.HardConstraints {
		r := c.Evaluate(request, vmState, trackerState)
		if !r.OK {
			m.stat.Counter(stats.PlacementConstraintFailureCounter).Inc(1)
			return TaskAssignmentResult{
				Hostname:          m.hostname,
				Request:           request,
				ConstraintFailure: &ConstraintFailure{Name: c.Name(), Reason: r.Reason},
			}, true
		}
	}

	failures := m.evalResourceFailuresLocked(request)
	if len(failures) > 0 {
		m.stat.Counter(stats.PlacementResourceFailureCounter).Inc(1)
		return TaskAssignmentResult{
			Hostname:         m.hostname,
			Request:          request,
			ResourceFailures: failures,
		}, true
	}

	fit := fitness(request, vmState, trackerState)
	if fit == 0.0 {
		m.stat.Counter(stats.PlacementZeroFitnessCounter).Inc(1)
		return TaskAssignmentResult{
			Hostname: m.hostname,
			Request:  request,
			ResourceFailures: []AssignmentFailure{
				{Resource: Fitness, Requested: 1.0, Used: 1.0, Total: 0.0},
			},
			Fitness: fit,
		}, true
	}

	if len(request.SoftConstraints) > 0 {
		var sum float64
		for _, s := range request.SoftConstraints {
			sum += s(request, vmState, trackerState)
		}
		softFit := sum / float64(len(request.SoftConstraints))
		fit = (softFit*m.softConstraintWeightPct + fit*(100.0-m.softConstraintWeightPct)) / 100.0
	}

	m.stat.Counter(stats.PlacementAssignSuccessCounter).Inc(1)
	return TaskAssignmentResult{
		Hostname:   m.hostname,
		Request:    request,
		Successful: true,
		Fitness:    fit,
	}, true
}

func (m *MachineState) evalResourceFailuresLocked(request TaskRequest) []AssignmentFailure {
	var failures []AssignmentFailure
	if m.used.cpus+request.CPUCores > m.totals.cpus {
		failures = append(failures, AssignmentFailure{CPU, request.CPUCores, m.used.cpus, m.totals.cpus})
	}
	if m.used.memory+request.MemoryMB > m.totals.memory {
		failures = append(failures, AssignmentFailure{Memory, request.MemoryMB, m.used.memory, m.totals.memory})
	}
	if m.used.network+request.NetworkMbps > m.totals.network {
		failures = append(failures, AssignmentFailure{Network, request.NetworkMbps, m.used.network, m.totals.network})
	}
	if m.used.disk+request.DiskMB > m.totals.disk {
		failures = append(failures, AssignmentFailure{Disk, request.DiskMB, m.used.disk, m.totals.disk})
	}
	if !m.ports.HasPorts(request.Ports) {
		failures = append(failures, AssignmentFailure{
			Resource:  Ports,
			Requested: float64(request.Ports),
			Used:      float64(m.ports.UsedPorts()),
			Total:     float64(m.ports.TotalPorts()),
		})
	}
	return failures
}

// Assign commits a successful TryAssign result: bumps used counters,
// allocates one port per requested port, records the pending assignment
// with the task tracker, and stores the result for this iteration.
func (m *MachineState) Assign(result TaskAssignmentResult) (TaskAssignmentResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.used.cpus += result.Request.CPUCores
	m.used.memory += result.Request.MemoryMB
	m.used.network += result.Request.NetworkMbps
	m.used.disk += result.Request.DiskMB
	for i := 0; i < result.Request.Ports; i++ {
		port, err := m.ports.ConsumeNext()
		if err != nil {
			return result, errors.Wrapf(err, "host %s assigning request %s", m.hostname, result.Request.RequestID)
		}
		result.AddPort(port)
	}
	if !m.tracker.AddAssignedTask(result.Request, m.hostname) {
		log.WithHost(m.hostname).Errorf("unexpected: re-added task to assigned state, id=%s", result.Request.RequestID)
	}
	m.setIfExclusiveLocked(result.Request)
	m.iterationResults[result.Request.RequestID] = result
	return result, nil
}

// ResetAndHarvestSuccessful gathers this iteration's successful assignments
// into a VMAssignmentResult, unlinks every held lease from the shared
// index, and clears both the lease map and the iteration map. Returns
// ok=false if nothing succeeded this iteration.
func (m *MachineState) ResetAndHarvestSuccessful() (VMAssignmentResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.iterationResults) == 0 {
		return VMAssignmentResult{}, false
	}
	var successes []TaskAssignmentResult
	for _, r := range m.iterationResults {
		if r.Successful {
			successes = append(successes, r)
		}
	}
	if len(successes) == 0 {
		return VMAssignmentResult{}, false
	}

	leases := make([]Lease, 0, len(m.leases))
	for id, l := range m.leases {
		leases = append(leases, l)
		m.leaseIndex.Remove(id)
	}
	m.leases = make(map[string]Lease)
	m.iterationResults = make(map[string]TaskAssignmentResult)

	return VMAssignmentResult{
		Hostname:           m.hostname,
		Leases:             leases,
		SuccessfulRequests: successes,
	}, true
}

// CompareTo orders machines by descending total CPU, except machines with
// no held leases always sort after machines with held leases (the
// scheduler uses this to prefer populated hosts).
func (m *MachineState) CompareTo(other *MachineState) int {
	m.mu.Lock()
	empty := len(m.leases) == 0
	cpus := m.totals.cpus
	m.mu.Unlock()

	if other == nil {
		return -1
	}
	other.mu.Lock()
	otherEmpty := len(other.leases) == 0
	otherCPUs := other.totals.cpus
	other.mu.Unlock()

	if otherEmpty {
		return -1
	}
	if empty {
		return 1
	}
	switch {
	case otherCPUs > cpus:
		return 1
	case otherCPUs < cpus:
		return -1
	default:
		return 0
	}
}

// ResourceStatus reports used/available pairs per resource dimension.
// Disk is omitted by default, matching the source this spec was distilled
// from (see SPEC_FULL.md §11) — pass includeDisk=true to report it.
func (m *MachineState) ResourceStatus(includeDisk bool) map[VMResource][2]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cpusUsed, memUsed, portsUsed, networkUsed float64
	var diskUsed float64
	for _, r := range m.previouslyAssigned {
		cpusUsed += r.CPUCores
		memUsed += r.MemoryMB
		portsUsed += float64(r.Ports)
		networkUsed += r.NetworkMbps
		diskUsed += r.DiskMB
	}

	var cpusAvail, memAvail, portsAvail, networkAvail, diskAvail float64
	for _, l := range m.leases {
		cpusAvail += l.CPUCores
		memAvail += l.MemoryMB
		networkAvail += l.NetworkMbps
		diskAvail += l.DiskMB
		for _, r := range l.PortRanges {
			portsAvail += float64(r.End - r.Beg)
		}
	}

	status := map[VMResource][2]float64{
		CPU:     {cpusUsed, cpusAvail},
		Memory:  {memUsed, memAvail},
		Ports:   {portsUsed, portsAvail},
		Network: {networkUsed, networkAvail},
	}
	if includeDisk {
		status[Disk] = [2]float64{diskUsed, diskAvail}
	}
	return status
}

func (m *MachineState) vmCurrentStateLocked() VMCurrentState {
	assigned := make([]TaskAssignmentResult, 0, len(m.iterationResults))
	for _, r := range m.iterationResults {
		assigned = append(assigned, r)
	}
	running := make([]TaskRequest, 0, len(m.previouslyAssigned))
	for _, r := range m.previouslyAssigned {
		running = append(running, r)
	}
	return &vmCurrentState{
		hostname:  m.hostname,
		available: m.totalLease,
		assigned:  assigned,
		running:   running,
	}
}

type vmCurrentState struct {
	hostname  string
	available LeaseView
	assigned  []TaskAssignmentResult
	running   []TaskRequest
}

func (v *vmCurrentState) Hostname() string                              { return v.hostname }
func (v *vmCurrentState) AvailableResources() LeaseView                 { return v.available }
func (v *vmCurrentState) TasksCurrentlyAssigned() []TaskAssignmentResult { return v.assigned }
func (v *vmCurrentState) RunningTasks() []TaskRequest                   { return v.running }

type trackerStateAdapter struct {
	tracker TaskTracker
}

func (t trackerStateAdapter) AllRunningTasks() map[string]ActiveTask {
	return t.tracker.AllRunningTasks()
}

func (t trackerStateAdapter) AllCurrentlyAssignedTasks() map[string]ActiveTask {
	return t.tracker.AllCurrentlyAssignedTasks()
}
