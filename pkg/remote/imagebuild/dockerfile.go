package imagebuild

import (
	"fmt"
	"os"
	"strings"

	"github.com/keras-team/keras-remote-go/pkg/remote/accelerator"
)

// dockerfileTemplate mirrors the multi-stage build used to bake the
// remote-runner binary and a JAX install matching the accelerator
// category (CPU, GPU or TPU) into the target image. {{base_image}}, {{jax_install}}, and
// {{requirements_section}} are substituted per build.
const dockerfileTemplate = `FROM golang:1.23 AS runner-build
WORKDIR /src
COPY remote-runner/ ./remote-runner/
COPY go.mod ./
COPY pkg/ ./pkg/
COPY internal/ ./internal/
RUN go mod download
RUN go build -o /remote-runner ./remote-runner

FROM {{base_image}}
{{jax_install}}
{{requirements_section}}COPY --from=runner-build /remote-runner /usr/local/bin/remote-runner
ENTRYPOINT ["/usr/local/bin/remote-runner"]
`

func jaxInstallCommand(category accelerator.Category) string {
	switch category {
	case accelerator.TPU:
		return "RUN python3 -m pip install 'jax[tpu]>=0.4.6' " +
			"-f https://storage.googleapis.com/jax-releases/libtpu_releases.html"
	case accelerator.GPU:
		return "RUN python3 -m pip install 'jax[cuda12]'"
	default:
		return "RUN python3 -m pip install jax"
	}
}

// generateDockerfile renders dockerfileTemplate for the given base
// image, accelerator category, and optional requirements.txt.
func generateDockerfile(baseImage string, category accelerator.Category, requirementsPath string) string {
	requirementsSection := ""
	if requirementsPath != "" {
		if _, err := os.Stat(requirementsPath); err == nil {
			requirementsSection = "COPY requirements.txt /tmp/requirements.txt\n" +
				"RUN python3 -m pip install -r /tmp/requirements.txt\n"
		}
	}

	out := dockerfileTemplate
	out = strings.ReplaceAll(out, "{{base_image}}", baseImage)
	out = strings.ReplaceAll(out, "{{jax_install}}", jaxInstallCommand(category))
	out = strings.ReplaceAll(out, "{{requirements_section}}", requirementsSection)
	return out
}

// sanitizeForTag makes an accelerator string safe to use as an image
// tag component.
func sanitizeForTag(s string) string {
	r := strings.NewReplacer(":", "-", "/", "-")
	return r.Replace(s)
}

func imageTag(accelStr, requirementsHash string) string {
	short := requirementsHash
	if len(short) > 12 {
		short = short[:12]
	}
	return fmt.Sprintf("%s-%s", sanitizeForTag(accelStr), short)
}
