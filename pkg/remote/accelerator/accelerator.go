// Package accelerator resolves accelerator strings ("l4", "a100x4",
// "v5litepod-2x2", "cpu") into frozen descriptors consumed by the image
// builder and the job backends.
package accelerator

import "fmt"

// Category identifies the broad class of compute target.
type Category string

const (
	CPU Category = "cpu"
	GPU Category = "gpu"
	TPU Category = "tpu"
)

// GPUConfig is a fully resolved GPU accelerator configuration.
type GPUConfig struct {
	Name        string // "l4"
	Count       int    // number of GPUs requested
	GKELabel    string // "nvidia-l4" — node selector value
	MachineType string // "g2-standard-4" — node pool machine type
}

// TPUConfig is a fully resolved TPU accelerator configuration.
type TPUConfig struct {
	Name             string // "v5litepod"
	Chips            int    // chips per request (4, 8, ...)
	Topology         string // "2x2"
	GKEAccelerator   string // "tpu-v5-lite-podslice"
	MachineType      string // "ct5lp-hightpu-4t"
	NumNodes         int    // GKE node pool VM count for this topology
}

// Accelerator is the parsed accelerator: exactly one of GPU, TPU is
// non-nil, or both are nil for CPU.
type Accelerator struct {
	GPU *GPUConfig
	TPU *TPUConfig
}

func (a Accelerator) Category() Category {
	switch {
	case a.GPU != nil:
		return GPU
	case a.TPU != nil:
		return TPU
	default:
		return CPU
	}
}

// JAXPlatform returns the JAX_PLATFORMS value for this accelerator.
func (a Accelerator) JAXPlatform() string {
	switch a.Category() {
	case GPU:
		return "gpu"
	case TPU:
		return "tpu"
	default:
		return "cpu"
	}
}

// String renders a stable identifier used in image tags, e.g.
// "cpu", "l4x1", "v5litepod-2x2".
func (a Accelerator) String() string {
	switch {
	case a.GPU != nil:
		return fmt.Sprintf("%sx%d", a.GPU.Name, a.GPU.Count)
	case a.TPU != nil:
		return fmt.Sprintf("%s-%s", a.TPU.Name, a.TPU.Topology)
	default:
		return "cpu"
	}
}
