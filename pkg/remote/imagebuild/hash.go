package imagebuild

import (
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"sort"
	"strings"
)

// runnerSourceDigestInput concatenates every file under runnerSource in
// sorted path order, so the digest is stable regardless of fs.WalkDir's
// (already deterministic, but not guaranteed-stable-across-versions)
// traversal order.
func runnerSourceDigestInput(runnerSource fs.FS) (string, error) {
	var paths []string
	if err := fs.WalkDir(runnerSource, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			paths = append(paths, path)
		}
		return nil
	}); err != nil {
		return "", err
	}
	sort.Strings(paths)

	var b strings.Builder
	for _, p := range paths {
		content, err := fs.ReadFile(runnerSource, p)
		if err != nil {
			return "", err
		}
		b.WriteString("---")
		b.WriteString(p)
		b.WriteString("---\n")
		b.Write(content)
	}
	return b.String(), nil
}

// hashInputs returns a deterministic sha256 hex digest over baseImage,
// accelerator, the contents of requirementsPath (if any), the remote
// runner source, and the Dockerfile template, so that any change to
// what actually ends up in the built image invalidates the cache.
func hashInputs(baseImage, accelerator, requirementsPath, runnerSource string) string {
	var b strings.Builder
	b.WriteString("base_image=")
	b.WriteString(baseImage)
	b.WriteString("\naccelerator=")
	b.WriteString(accelerator)
	b.WriteString("\n")

	if requirementsPath != "" {
		if content, err := os.ReadFile(requirementsPath); err == nil {
			b.Write(content)
		}
	}

	b.WriteString("\n---remote_runner.go---\n")
	b.WriteString(runnerSource)

	b.WriteString("\n---Dockerfile.template---\n")
	b.WriteString(dockerfileTemplate)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
