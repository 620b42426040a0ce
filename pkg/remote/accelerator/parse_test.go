package accelerator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAccelerator(t *testing.T) {
	tests := []struct {
		description string
		input       string
		checkGPU    func(t *testing.T, g *GPUConfig)
		checkTPU    func(t *testing.T, tpu *TPUConfig)
		shouldErr   bool
	}{
		{
			description: "cpu",
			input:       "cpu",
		},
		{
			description: "bare gpu name",
			input:       "l4",
			checkGPU: func(t *testing.T, g *GPUConfig) {
				assert.Equal(t, "l4", g.Name)
				assert.Equal(t, 1, g.Count)
				assert.Equal(t, "nvidia-l4", g.GKELabel)
			},
		},
		{
			description: "gke label alias",
			input:       "nvidia-l4",
			checkGPU: func(t *testing.T, g *GPUConfig) {
				assert.Equal(t, "l4", g.Name)
			},
		},
		{
			description: "multi gpu",
			input:       "a100x4",
			checkGPU: func(t *testing.T, g *GPUConfig) {
				assert.Equal(t, "a100", g.Name)
				assert.Equal(t, 4, g.Count)
			},
		},
		{
			description: "unsupported gpu count",
			input:       "l4x3",
			shouldErr:   true,
		},
		{
			description: "bare tpu default chips",
			input:       "v5litepod",
			checkTPU: func(t *testing.T, tpu *TPUConfig) {
				assert.Equal(t, 4, tpu.Chips)
				assert.Equal(t, "2x2", tpu.Topology)
			},
		},
		{
			description: "tpu chip count",
			input:       "v3-8",
			checkTPU: func(t *testing.T, tpu *TPUConfig) {
				assert.Equal(t, 8, tpu.Chips)
				assert.Equal(t, "2x2", tpu.Topology)
			},
		},
		{
			description: "tpu topology string",
			input:       "v5litepod-2x2",
			checkTPU: func(t *testing.T, tpu *TPUConfig) {
				assert.Equal(t, 4, tpu.Chips)
			},
		},
		{
			description: "multi-host tpu topology",
			input:       "v5p-2x2x4",
			checkTPU: func(t *testing.T, tpu *TPUConfig) {
				assert.Equal(t, 16, tpu.Chips)
				assert.Equal(t, 4, tpu.NumNodes)
			},
		},
		{
			description: "unknown topology",
			input:       "v5litepod-9x9",
			shouldErr:   true,
		},
		{
			description: "unknown accelerator",
			input:       "made-up-thing",
			shouldErr:   true,
		},
	}

	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			accel, err := ParseAccelerator(test.input)
			if test.shouldErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)

			switch {
			case test.checkGPU != nil:
				require.NotNil(t, accel.GPU)
				assert.Equal(t, GPU, accel.Category())
				test.checkGPU(t, accel.GPU)
			case test.checkTPU != nil:
				require.NotNil(t, accel.TPU)
				assert.Equal(t, TPU, accel.Category())
				test.checkTPU(t, accel.TPU)
			default:
				assert.Equal(t, CPU, accel.Category())
				assert.Equal(t, "cpu", accel.JAXPlatform())
			}
		})
	}
}

func TestJAXPlatform(t *testing.T) {
	gpu, err := ParseAccelerator("l4")
	require.NoError(t, err)
	assert.Equal(t, "gpu", gpu.JAXPlatform())

	tpu, err := ParseAccelerator("v3-8")
	require.NoError(t, err)
	assert.Equal(t, "tpu", tpu.JAXPlatform())
}
