package placement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeTracker is a minimal in-memory TaskTracker for exercising MachineState
// in isolation from a real cluster-wide tracker implementation.
type fakeTracker struct {
	running  map[string]ActiveTask
	assigned map[string]ActiveTask
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{running: map[string]ActiveTask{}, assigned: map[string]ActiveTask{}}
}

func (f *fakeTracker) AddRunningTask(request TaskRequest, hostname string) bool {
	if _, ok := f.running[request.RequestID]; ok {
		return false
	}
	f.running[request.RequestID] = ActiveTask{TaskID: request.TaskID, Hostname: hostname}
	return true
}

func (f *fakeTracker) RemoveRunningTask(taskID string) { delete(f.running, taskID) }

func (f *fakeTracker) AddAssignedTask(request TaskRequest, hostname string) bool {
	if _, ok := f.assigned[request.RequestID]; ok {
		return false
	}
	f.assigned[request.RequestID] = ActiveTask{TaskID: request.TaskID, Hostname: hostname}
	return true
}

func (f *fakeTracker) AllRunningTasks() map[string]ActiveTask    { return f.running }
func (f *fakeTracker) AllCurrentlyAssignedTasks() map[string]ActiveTask { return f.assigned }

func constantFitness(fit float64) FitnessFn {
	return func(TaskRequest, VMCurrentState, TaskTrackerState) float64 { return fit }
}

func newTestMachine(hostname string) (*MachineState, *HostnameIndex, *HostnameIndex) {
	vmIdx := NewHostnameIndex()
	leaseIdx := NewHostnameIndex()
	m := NewMachineState(hostname, vmIdx, leaseIdx, 120, newFakeTracker(), nil, nil)
	return m, vmIdx, leaseIdx
}

func testLease(id, hostname string, cpu, mem float64) Lease {
	return Lease{
		LeaseID:   id,
		VMID:      "vm-" + hostname,
		Hostname:  hostname,
		CPUCores:  cpu,
		MemoryMB:  mem,
		OfferedAt: time.Now(),
		PortRanges: []PortRange{
			{Beg: 31000, End: 31001},
		},
	}
}

func TestMachineState_AddLeaseThenAssign(t *testing.T) {
	m, _, leaseIdx := newTestMachine("host1")

	ok, err := m.AddLease(testLease("lease1", "host1", 4, 4096))
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, leaseIdx.Len())

	m.UpdateTotalLeaseView()

	req := TaskRequest{RequestID: "req1", TaskID: "task1", CPUCores: 2, MemoryMB: 1024, Ports: 1}
	result, ran := m.TryAssign(req, constantFitness(0.8))
	assert.True(t, ran)
	assert.True(t, result.Successful)
	assert.Equal(t, 0.8, result.Fitness)

	result, err = m.Assign(result)
	assert.NoError(t, err)
	assert.Len(t, result.AssignedPorts, 1)
	assert.Equal(t, 31000, result.AssignedPorts[0])

	harvest, ok := m.ResetAndHarvestSuccessful()
	assert.True(t, ok)
	assert.Equal(t, "host1", harvest.Hostname)
	assert.Len(t, harvest.SuccessfulRequests, 1)
	assert.Equal(t, 0, leaseIdx.Len())
}

func TestMachineState_AddLeaseDuplicateErrors(t *testing.T) {
	m, _, _ := newTestMachine("host1")
	_, err := m.AddLease(testLease("lease1", "host1", 1, 1))
	assert.NoError(t, err)

	_, err = m.AddLease(testLease("lease1", "host1", 1, 1))
	assert.Error(t, err)
	var dup *DuplicateLeaseError
	assert.ErrorAs(t, err, &dup)
}

func TestMachineState_TryAssignNoLeasesFails(t *testing.T) {
	m, _, _ := newTestMachine("host1")
	req := TaskRequest{RequestID: "req1", CPUCores: 1}
	_, ran := m.TryAssign(req, constantFitness(1.0))
	assert.False(t, ran)
}

func TestMachineState_TryAssignInsufficientResources(t *testing.T) {
	m, _, _ := newTestMachine("host1")
	_, err := m.AddLease(testLease("lease1", "host1", 1, 512))
	assert.NoError(t, err)
	m.UpdateTotalLeaseView()

	req := TaskRequest{RequestID: "req1", CPUCores: 2, MemoryMB: 1024}
	result, ran := m.TryAssign(req, constantFitness(1.0))
	assert.True(t, ran)
	assert.False(t, result.Successful)
	assert.Len(t, result.ResourceFailures, 2)
}

func TestMachineState_TryAssignZeroFitnessFails(t *testing.T) {
	m, _, _ := newTestMachine("host1")
	_, err := m.AddLease(testLease("lease1", "host1", 4, 4096))
	assert.NoError(t, err)
	m.UpdateTotalLeaseView()

	req := TaskRequest{RequestID: "req1", CPUCores: 1, MemoryMB: 256}
	result, ran := m.TryAssign(req, constantFitness(0.0))
	assert.True(t, ran)
	assert.False(t, result.Successful)
	assert.Len(t, result.ResourceFailures, 1)
	assert.Equal(t, Fitness, result.ResourceFailures[0].Resource)
}

func TestMachineState_SoftConstraintBlend(t *testing.T) {
	m, _, _ := newTestMachine("host1")
	_, err := m.AddLease(testLease("lease1", "host1", 4, 4096))
	assert.NoError(t, err)
	m.UpdateTotalLeaseView()

	req := TaskRequest{
		RequestID: "req1",
		CPUCores:  1,
		MemoryMB:  256,
		SoftConstraints: []FitnessFn{
			constantFitness(1.0),
		},
	}
	result, ran := m.TryAssign(req, constantFitness(0.0+0.2))
	assert.True(t, ran)
	assert.True(t, result.Successful)
	// (softFit*75 + fit*25)/100 = (1.0*75 + 0.2*25)/100 = 0.8
	assert.InDelta(t, 0.8, result.Fitness, 1e-9)
}

func TestMachineState_ExclusiveHostBlocksSubsequentAssignments(t *testing.T) {
	m, _, _ := newTestMachine("host1")
	_, err := m.AddLease(testLease("lease1", "host1", 8, 8192))
	assert.NoError(t, err)
	m.UpdateTotalLeaseView()

	excl := TaskRequest{RequestID: "req1", CPUCores: 1, MemoryMB: 256, IsExclusive: true}
	result, ran := m.TryAssign(excl, constantFitness(1.0))
	assert.True(t, ran)
	assert.True(t, result.Successful)
	_, err = m.Assign(result)
	assert.NoError(t, err)

	other := TaskRequest{RequestID: "req2", CPUCores: 1, MemoryMB: 256}
	result2, ran := m.TryAssign(other, constantFitness(1.0))
	assert.True(t, ran)
	assert.False(t, result2.Successful)
	assert.NotNil(t, result2.ConstraintFailure)
	assert.Equal(t, exclusiveHostConstraintName, result2.ConstraintFailure.Name)
}

func TestMachineState_SetDisabledUntilRejectsAndClearsLeases(t *testing.T) {
	var rejected []Lease
	vmIdx := NewHostnameIndex()
	leaseIdx := NewHostnameIndex()
	m := NewMachineState("host1", vmIdx, leaseIdx, 120, newFakeTracker(), func(l Lease) {
		rejected = append(rejected, l)
	}, nil)

	_, err := m.AddLease(testLease("lease1", "host1", 2, 2048))
	assert.NoError(t, err)

	m.SetDisabledUntil(time.Now().Add(time.Minute))
	assert.Len(t, rejected, 1)
	assert.Equal(t, 0, leaseIdx.Len())

	ok, err := m.AddLease(testLease("lease2", "host1", 2, 2048))
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, rejected, 2)

	m.Enable()
	ok, err = m.AddLease(testLease("lease3", "host1", 2, 2048))
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestMachineState_ExpireLeaseByID(t *testing.T) {
	m, _, leaseIdx := newTestMachine("host1")
	_, err := m.AddLease(testLease("lease1", "host1", 2, 2048))
	assert.NoError(t, err)
	_, err = m.AddLease(testLease("lease2", "host1", 2, 2048))
	assert.NoError(t, err)

	m.ExpireLease("lease1")
	m.RemoveExpiredLeases(false)

	assert.Equal(t, 1, leaseIdx.Len())
}

func TestMachineState_ExpireAllLeases(t *testing.T) {
	m, _, leaseIdx := newTestMachine("host1")
	_, err := m.AddLease(testLease("lease1", "host1", 2, 2048))
	assert.NoError(t, err)
	_, err = m.AddLease(testLease("lease2", "host1", 2, 2048))
	assert.NoError(t, err)

	m.ExpireAllLeases()
	m.RemoveExpiredLeases(false)

	assert.Equal(t, 0, leaseIdx.Len())
}

func TestMachineState_MaxResourcesCountsPortsExclusive(t *testing.T) {
	m, _, _ := newTestMachine("host1")
	_, err := m.AddLease(Lease{
		LeaseID:    "lease1",
		VMID:       "vm1",
		CPUCores:   2,
		MemoryMB:   2048,
		PortRanges: []PortRange{{Beg: 100, End: 110}},
		OfferedAt:  time.Now(),
	})
	assert.NoError(t, err)

	max := m.MaxResources()
	// [100,110] is 11 ports inclusive, but MaxResources sums them exclusive
	// (end-beg=10) to preserve the original's Open Question resolution.
	assert.Equal(t, float64(10), max.Ports)
}

func TestMachineState_ResourceStatusOmitsDiskByDefault(t *testing.T) {
	m, _, _ := newTestMachine("host1")
	_, err := m.AddLease(testLease("lease1", "host1", 2, 2048))
	assert.NoError(t, err)

	status := m.ResourceStatus(false)
	_, hasDisk := status[Disk]
	assert.False(t, hasDisk)

	status = m.ResourceStatus(true)
	_, hasDisk = status[Disk]
	assert.True(t, hasDisk)
}

func TestMachineState_CompareToPrefersPopulatedAndHigherCPU(t *testing.T) {
	populated, _, _ := newTestMachine("host1")
	_, err := populated.AddLease(testLease("lease1", "host1", 8, 8192))
	assert.NoError(t, err)

	empty, _, _ := newTestMachine("host2")

	assert.Equal(t, -1, populated.CompareTo(empty))
	assert.Equal(t, 1, empty.CompareTo(populated))

	smaller, _, _ := newTestMachine("host3")
	_, err = smaller.AddLease(testLease("lease2", "host3", 2, 2048))
	assert.NoError(t, err)

	assert.Equal(t, -1, populated.CompareTo(smaller))
	assert.Equal(t, 1, smaller.CompareTo(populated))
}
