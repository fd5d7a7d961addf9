//go:build property_test
// +build property_test

package plan

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func Test_ComputeBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 1000
	properties := gopter.NewProperties(parameters)

	inputs := gopter.CombineGens(
		gen.IntRange(0, 500),     // pending
		gen.IntRange(1, 64),      // threadsPerJob
		gen.IntRange(1, 256),     // usableCPU
		gen.IntRange(1, 1<<20),   // usableMemMiB
		gen.IntRange(1, 200_000), // memPerJobMiB
	)

	properties.Property("Parallelism never exceeds any bound", prop.ForAll(
		func(vals []interface{}) bool {
			pending := vals[0].(int)
			threads := vals[1].(int)
			cpu := vals[2].(int)
			mem := vals[3].(int)
			memPerJob := vals[4].(int)

			p := Compute(pending, threads, cpu, mem, memPerJob, 0, nil)
			if p.Parallel > pending {
				return false
			}
			cpuBound := cpu / threads
			if cpuBound < 1 {
				cpuBound = 1
			}
			memBound := mem / memPerJob
			if memBound < 1 {
				memBound = 1
			}
			return p.Parallel <= cpuBound && p.Parallel <= memBound
		},
		inputs,
	))

	properties.Property("Parallelism is monotonic in usable CPU and memory", prop.ForAll(
		func(vals []interface{}) bool {
			pending := vals[0].(int)
			threads := vals[1].(int)
			cpu := vals[2].(int)
			mem := vals[3].(int)
			memPerJob := vals[4].(int)

			base := Compute(pending, threads, cpu, mem, memPerJob, 0, nil)
			moreCPU := Compute(pending, threads, cpu+16, mem, memPerJob, 0, nil)
			moreMem := Compute(pending, threads, cpu, mem+100_000, memPerJob, 0, nil)
			return moreCPU.Parallel >= base.Parallel && moreMem.Parallel >= base.Parallel
		},
		inputs,
	))

	properties.TestingRun(t)
}
