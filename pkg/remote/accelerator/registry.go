package accelerator

import "fmt"

// gpuSpec is a registry entry for one GPU family.
type gpuSpec struct {
	gkeLabel    string
	machineType string
	counts      []int
}

// tpuTopologySpec is a single topology option for a TPU family.
type tpuTopologySpec struct {
	topology    string
	machineType string
	numNodes    int
}

// tpuSpec is a registry entry for one TPU family.
type tpuSpec struct {
	gkeAccelerator string
	defaultChips   int
	topologies     map[int]tpuTopologySpec // chips -> topology
}

// gpus is the static GPU registry. Names and machine types mirror the
// original keras-remote accelerator table.
var gpus = map[string]gpuSpec{
	"l4":         {"nvidia-l4", "g2-standard-4", []int{1, 2, 4}},
	"t4":         {"nvidia-tesla-t4", "n1-standard-4", []int{1, 2, 4}},
	"v100":       {"nvidia-tesla-v100", "n1-standard-8", []int{1, 2, 4, 8}},
	"a100":       {"nvidia-tesla-a100", "a2-highgpu-1g", []int{1, 2, 4, 8}},
	"a100-80gb":  {"nvidia-a100-80gb", "a2-ultragpu-1g", []int{1, 2, 4, 8}},
	"h100":       {"nvidia-h100-80gb", "a3-highgpu-1g", []int{1, 2, 4, 8}},
}

var gpuAliases = func() map[string]string {
	m := make(map[string]string, len(gpus))
	for name, spec := range gpus {
		m[spec.gkeLabel] = name
	}
	return m
}()

// tpus is the static TPU registry. num_nodes = product(topology dims) /
// chips-per-VM; machine-type suffix "-Nt" encodes chips-per-VM.
var tpus = map[string]tpuSpec{
	"v2": {
		gkeAccelerator: "tpu-v2-podslice",
		defaultChips:   4,
		topologies: map[int]tpuTopologySpec{
			4:  {"2x2", "ct2-hightpu-4t", 1},
			16: {"4x4", "ct2-hightpu-4t", 4},
			32: {"4x8", "ct2-hightpu-4t", 8},
		},
	},
	"v3": {
		gkeAccelerator: "tpu-v3-podslice",
		defaultChips:   4,
		topologies: map[int]tpuTopologySpec{
			4:  {"2x2", "ct3-hightpu-4t", 1},
			16: {"4x4", "ct3p-hightpu-4t", 4},
			32: {"4x8", "ct3p-hightpu-4t", 8},
		},
	},
	"v5litepod": {
		gkeAccelerator: "tpu-v5-lite-podslice",
		defaultChips:   4,
		topologies: map[int]tpuTopologySpec{
			1: {"1x1", "ct5lp-hightpu-1t", 1},
			4: {"2x2", "ct5lp-hightpu-4t", 1},
			8: {"2x4", "ct5lp-hightpu-8t", 1},
		},
	},
	"v5p": {
		gkeAccelerator: "tpu-v5p-slice",
		defaultChips:   8,
		topologies: map[int]tpuTopologySpec{
			8:  {"2x2x2", "ct5p-hightpu-4t", 2},
			16: {"2x2x4", "ct5p-hightpu-4t", 4},
		},
	},
	"v6e": {
		gkeAccelerator: "tpu-v6e-slice",
		defaultChips:   8,
		topologies: map[int]tpuTopologySpec{
			8:  {"2x4", "ct6e-standard-4t", 2},
			16: {"4x4", "ct6e-standard-4t", 4},
		},
	},
}

func contains(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// MakeGPU builds a resolved GPUConfig for a registered GPU name and count.
func MakeGPU(name string, count int) (*GPUConfig, error) {
	spec, ok := gpus[name]
	if !ok {
		return nil, fmt.Errorf("unknown GPU type %q", name)
	}
	if !contains(spec.counts, count) {
		return nil, fmt.Errorf("GPU count %d not supported for %q (supported: %v)", count, name, spec.counts)
	}
	return &GPUConfig{
		Name:        name,
		Count:       count,
		GKELabel:    spec.gkeLabel,
		MachineType: spec.machineType,
	}, nil
}

// MakeTPU builds a resolved TPUConfig for a registered TPU name and chip count.
func MakeTPU(name string, chips int) (*TPUConfig, error) {
	spec, ok := tpus[name]
	if !ok {
		return nil, fmt.Errorf("unknown TPU type %q", name)
	}
	topo, ok := spec.topologies[chips]
	if !ok {
		return nil, fmt.Errorf("chip count %d not supported for %q", chips, name)
	}
	return &TPUConfig{
		Name:           name,
		Chips:          chips,
		Topology:       topo.topology,
		GKEAccelerator: spec.gkeAccelerator,
		MachineType:    topo.machineType,
		NumNodes:       topo.numNodes,
	}, nil
}
