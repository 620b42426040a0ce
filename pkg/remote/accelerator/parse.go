package accelerator

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	multiGPURe = regexp.MustCompile(`^(.+?)x(\d+)$`)          // "a100x4"
	tpuChipsRe = regexp.MustCompile(`^(v\d+\w*)-(\d+)$`)      // "v3-8"
	tpuTopoRe  = regexp.MustCompile(`^(v\d+\w*)-(\d+x\d+(?:x\d+)?)$`) // "v5litepod-2x2"
)

// ParseAccelerator parses an accelerator string into a resolved
// Accelerator. Accepted forms:
//
//	GPU: "l4", "nvidia-l4", "a100x4", "a100-80gbx8"
//	TPU: "v3-8" (chips), "v5litepod-2x2" (topology), "v5litepod" (default chips)
//	CPU: "cpu"
func ParseAccelerator(accelStr string) (Accelerator, error) {
	s := strings.ToLower(strings.TrimSpace(accelStr))

	if s == "cpu" {
		return Accelerator{}, nil
	}

	if _, ok := gpus[s]; ok {
		gpu, err := MakeGPU(s, 1)
		return Accelerator{GPU: gpu}, err
	}

	if name, ok := gpuAliases[s]; ok {
		gpu, err := MakeGPU(name, 1)
		return Accelerator{GPU: gpu}, err
	}

	if m := multiGPURe.FindStringSubmatch(s); m != nil {
		count, cerr := strconv.Atoi(m[2])
		if cerr == nil {
			name := m[1]
			if _, ok := gpus[name]; ok {
				gpu, err := MakeGPU(name, count)
				return Accelerator{GPU: gpu}, err
			}
			if alias, ok := gpuAliases[name]; ok {
				gpu, err := MakeGPU(alias, count)
				return Accelerator{GPU: gpu}, err
			}
		}
	}

	if spec, ok := tpus[s]; ok {
		tpu, err := MakeTPU(s, spec.defaultChips)
		return Accelerator{TPU: tpu}, err
	}

	if m := tpuTopoRe.FindStringSubmatch(s); m != nil {
		name, topoStr := m[1], m[2]
		if spec, ok := tpus[name]; ok {
			for chips, topo := range spec.topologies {
				if topo.topology == topoStr {
					tpu, err := MakeTPU(name, chips)
					return Accelerator{TPU: tpu}, err
				}
			}
			return Accelerator{}, fmt.Errorf("topology %q not supported for %q (supported: %s)",
				topoStr, name, supportedTopologies(spec))
		}
	}

	if m := tpuChipsRe.FindStringSubmatch(s); m != nil {
		if _, ok := tpus[m[1]]; ok {
			chips, cerr := strconv.Atoi(m[2])
			if cerr == nil {
				tpu, err := MakeTPU(m[1], chips)
				return Accelerator{TPU: tpu}, err
			}
		}
	}

	return Accelerator{}, fmt.Errorf(
		"unknown accelerator %q: GPUs: %s (use 'xN' for multi-GPU); TPUs: %s (use '-N' chips or '-NxM' topology)",
		accelStr, sortedKeys(gpuNames()), sortedKeys(tpuNames()))
}

func supportedTopologies(spec tpuSpec) string {
	topos := make([]string, 0, len(spec.topologies))
	for _, t := range spec.topologies {
		topos = append(topos, t.topology)
	}
	sort.Strings(topos)
	return strings.Join(topos, ", ")
}

func gpuNames() []string {
	names := make([]string, 0, len(gpus))
	for n := range gpus {
		names = append(names, n)
	}
	return names
}

func tpuNames() []string {
	names := make([]string, 0, len(tpus))
	for n := range tpus {
		names = append(names, n)
	}
	return names
}

func sortedKeys(ks []string) string {
	sort.Strings(ks)
	return strings.Join(ks, ", ")
}
