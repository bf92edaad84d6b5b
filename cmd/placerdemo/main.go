package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	log "github.com/scootmachine/placer/common/log"
	"github.com/scootmachine/placer/common/log/hooks"
	"github.com/scootmachine/placer/common/stats"
	"github.com/scootmachine/placer/autoscale"
	"github.com/scootmachine/placer/placement"
)

// demoZones are the host-attribute-group values this demo's fake offer
// generator scatters machines across.
var demoZones = []string{"zone-a", "zone-b"}

func main() {
	log.AddHook(hooks.NewContextHook())
	rand.Seed(time.Now().UnixNano())

	vmIndex := placement.NewHostnameIndex()
	leaseIndex := placement.NewHostnameIndex()
	tracker := newDemoTracker()
	stat := stats.DefaultStatsReceiver()

	machines := newMachinePool(vmIndex, leaseIndex, tracker, stat)

	scaler := autoscale.NewAutoscaler(autoscale.Config{
		Rules: []autoscale.AutoScaleRule{
			{RuleName: "zone-a", MinIdleHostsToKeep: 2, MaxIdleHostsToKeep: 5, CoolDown: 30 * time.Second},
			{RuleName: "zone-b", MinIdleHostsToKeep: 1, MaxIdleHostsToKeep: 3, CoolDown: 30 * time.Second},
		},
		PartitionAttributeName:           "zone",
		ScaleDownBalancedByAttributeName: "zone",
		ShortfallEvaluator:               autoscale.NewPhantomShortfallEvaluator(machines.maxResources, 16),
		DisableUntil:                     machines.disableUntil,
		Stat:                             stat,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go logScaleActions(scaler.Subscribe())
	go scaler.Run(ctx, machines.subscribeAutoscalerInput)
	go machines.generateOffers(ctx)
	go machines.generateTaskRequests(ctx)

	<-time.After(2 * time.Minute)
	log.Info("placerdemo: shutting down after demo period")
}

func logScaleActions(actions <-chan autoscale.AutoScaleAction) {
	for action := range actions {
		switch a := action.(type) {
		case autoscale.ScaleUp:
			log.WithRule(a.RuleName).Infof("demo: would launch %d hosts", a.Count)
		case autoscale.ScaleDown:
			log.WithRule(a.RuleName).Infof("demo: would terminate hosts %v", a.HostIdentifiers)
		}
	}
}

// machinePool is the demo's stand-in for the scheduler's top-level loop: it
// owns every MachineState, periodically manufactures fake leases and task
// requests, and bridges placement.MachineState into the autoscale.Autoscaler
// via the two contract points it actually needs (a max-resources lookup and
// a disable-until callback).
type machinePool struct {
	vmIndex    *placement.HostnameIndex
	leaseIndex *placement.HostnameIndex
	tracker    placement.TaskTracker
	stat       stats.StatsReceiver
	machines   map[string]*placement.MachineState
	inputCh    chan autoscale.AutoscalerInput
}

func newMachinePool(vmIndex, leaseIndex *placement.HostnameIndex, tracker placement.TaskTracker, stat stats.StatsReceiver) *machinePool {
	p := &machinePool{
		vmIndex:    vmIndex,
		leaseIndex: leaseIndex,
		tracker:    tracker,
		stat:       stat,
		machines:   make(map[string]*placement.MachineState),
		inputCh:    make(chan autoscale.AutoscalerInput, 4),
	}
	for i := 0; i < 6; i++ {
		zone := demoZones[i%len(demoZones)]
		hostname := fmt.Sprintf("host-%s-%d", zone, i)
		p.machines[hostname] = placement.NewMachineState(hostname, vmIndex, leaseIndex, 120, tracker, nil, stat)
	}
	return p
}

func (p *machinePool) disableUntil(hostname string, until time.Time) {
	m, ok := p.machines[hostname]
	if !ok {
		log.Errorf("placerdemo: disableUntil for unknown host %s", hostname)
		return
	}
	m.SetDisabledUntil(until)
}

// maxResources backs autoscale.MaxResourcesFn: the representative capacity
// of one more host in the named zone is just that zone's first machine's
// MaxResources, since this demo's fake hosts are homogeneous per zone.
func (p *machinePool) maxResources(zone string) (placement.ResourceVector, bool) {
	for hostname, m := range p.machines {
		if hostZone(hostname) == zone {
			return m.MaxResources(), true
		}
	}
	return placement.ResourceVector{}, false
}

func hostZone(hostname string) string {
	for _, z := range demoZones {
		if len(hostname) > len(z) && hostname[len("host-"):len("host-")+len(z)] == z {
			return z
		}
	}
	return ""
}

// subscribeAutoscalerInput satisfies autoscale.InputSubscribeFn, handing
// the autoscaler the one long-lived channel this demo feeds from
// publishIdleSnapshot.
func (p *machinePool) subscribeAutoscalerInput(ctx context.Context) (<-chan autoscale.AutoscalerInput, error) {
	return p.inputCh, nil
}

func (p *machinePool) publishIdleSnapshot() {
	var idle []placement.Lease
	for hostname, m := range p.machines {
		if !m.IsAssignableNow() {
			continue
		}
		view := m.UpdateTotalLeaseView()
		idle = append(idle, placement.Lease{
			Hostname: hostname,
			LeaseID:  hostname + "-snapshot",
			CPUCores: view.CPUCores,
			MemoryMB: view.MemoryMB,
			Attributes: map[string]placement.AttributeValue{
				"zone": {Kind: placement.AttributeText, Text: hostZone(hostname)},
			},
		})
	}
	select {
	case p.inputCh <- autoscale.AutoscalerInput{IdleLeases: idle}:
	default:
		log.Warn("placerdemo: autoscaler input channel full, dropping this tick's snapshot")
	}
}

// generateOffers periodically refreshes every machine's lease, simulating
// the cluster manager re-offering each host's unused resources.
func (p *machinePool) generateOffers(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for hostname, m := range p.machines {
				m.ExpireAllLeases()
				m.RemoveExpiredLeases(false)
				lease := placement.Lease{
					LeaseID:     uuid.NewString(),
					VMID:        "vm-" + hostname,
					Hostname:    hostname,
					CPUCores:    16,
					MemoryMB:    65536,
					NetworkMbps: 1000,
					DiskMB:      102400,
					PortRanges:  []placement.PortRange{{Beg: 31000, End: 32000}},
					Attributes: map[string]placement.AttributeValue{
						"zone": {Kind: placement.AttributeText, Text: hostZone(hostname)},
					},
					OfferedAt: time.Now(),
				}
				if _, err := m.AddLease(lease); err != nil {
					log.WithHost(hostname).Errorf("placerdemo: failed to add demo lease: %v", err)
				}
			}
			p.publishIdleSnapshot()
		}
	}
}

// generateTaskRequests periodically tries to place a randomly-sized fake
// task against every machine, logging the outcome - a minimal stand-in for
// the top-level scheduler loop this module assumes exists externally.
func (p *machinePool) generateTaskRequests(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			req := placement.TaskRequest{
				RequestID: uuid.NewString(),
				TaskID:    "demo-task-" + uuid.NewString(),
				CPUCores:  float64(1 + rand.Intn(4)),
				MemoryMB:  float64(512 * (1 + rand.Intn(8))),
				Ports:     1,
			}
			for hostname, m := range p.machines {
				result, ran := m.TryAssign(req, uniformFitness)
				if !ran || !result.Successful {
					continue
				}
				if _, err := m.Assign(result); err != nil {
					log.WithHost(hostname).Errorf("placerdemo: assign failed: %v", err)
					continue
				}
				log.WithHost(hostname).Infof("placerdemo: placed task %s", req.TaskID)
				break
			}
		}
	}
}

func uniformFitness(placement.TaskRequest, placement.VMCurrentState, placement.TaskTrackerState) float64 {
	return 1.0
}

// demoTracker is a minimal in-memory placement.TaskTracker for the demo
// binary; a real deployment's cluster-wide tracker lives outside this
// module (spec.md §1).
type demoTracker struct {
	running  map[string]placement.ActiveTask
	assigned map[string]placement.ActiveTask
}

func newDemoTracker() *demoTracker {
	return &demoTracker{
		running:  make(map[string]placement.ActiveTask),
		assigned: make(map[string]placement.ActiveTask),
	}
}

func (d *demoTracker) AddRunningTask(request placement.TaskRequest, hostname string) bool {
	if _, ok := d.running[request.RequestID]; ok {
		return false
	}
	d.running[request.RequestID] = placement.ActiveTask{TaskID: request.TaskID, Hostname: hostname}
	return true
}

func (d *demoTracker) RemoveRunningTask(taskID string) { delete(d.running, taskID) }

func (d *demoTracker) AddAssignedTask(request placement.TaskRequest, hostname string) bool {
	if _, ok := d.assigned[request.RequestID]; ok {
		return false
	}
	d.assigned[request.RequestID] = placement.ActiveTask{TaskID: request.TaskID, Hostname: hostname}
	return true
}

func (d *demoTracker) AllRunningTasks() map[string]placement.ActiveTask { return d.running }
func (d *demoTracker) AllCurrentlyAssignedTasks() map[string]placement.ActiveTask {
	return d.assigned
}
