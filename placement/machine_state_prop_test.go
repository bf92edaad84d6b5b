// +build property_test

package placement

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Used resources never exceed total resources for any sequence of
// TryAssign/Assign calls against randomly generated requests, regardless of
// how many of those requests happen to fit.
func TestProp_UsedNeverExceedsTotal(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("cumulative assigned CPU/memory never exceeds leased totals", prop.ForAll(
		func(cpuDemands []float64, memDemands []float64) bool {
			m, _, _ := newTestMachine("propHost")
			if _, err := m.AddLease(testLease("lease1", "propHost", 16, 16384)); err != nil {
				return false
			}
			m.UpdateTotalLeaseView()

			n := len(cpuDemands)
			if len(memDemands) < n {
				n = len(memDemands)
			}
			var usedCPU, usedMem float64
			for i := 0; i < n; i++ {
				req := TaskRequest{
					RequestID: string(rune('a' + i%26)),
					CPUCores:  cpuDemands[i],
					MemoryMB:  memDemands[i],
				}
				result, ran := m.TryAssign(req, constantFitness(1.0))
				if !ran {
					continue
				}
				if result.Successful {
					if _, err := m.Assign(result); err != nil {
						return false
					}
					usedCPU += req.CPUCores
					usedMem += req.MemoryMB
				}
			}
			return usedCPU <= 16.0 && usedMem <= 16384.0
		},
		gen.SliceOfN(8, gen.Float64Range(0, 8)),
		gen.SliceOfN(8, gen.Float64Range(0, 8192)),
	))

	properties.TestingRun(t)
}
