// Package packager builds the two artifacts uploaded alongside every
// remote job: a zip of the caller's working directory and a
// gob-encoded payload describing the function to invoke.
package packager

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var excludedDirs = map[string]bool{
	".git":        true,
	"__pycache__": true,
}

// ZipWorkingDir walks root and writes every regular file under it into
// a zip archive at outPath, using slash-separated paths relative to
// root as archive member names. Directories named ".git" or
// "__pycache__" are skipped entirely. Entries are written in sorted
// order so the resulting archive is deterministic.
func ZipWorkingDir(root, outPath string) error {
	var members []string
	if err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if info.IsDir() {
			if excludedDirs[info.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		for _, part := range strings.Split(rel, string(filepath.Separator)) {
			if excludedDirs[part] {
				return nil
			}
		}
		members = append(members, rel)
		return nil
	}); err != nil {
		return fmt.Errorf("walking %s: %w", root, err)
	}
	sort.Strings(members)

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", outPath, err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	for _, rel := range members {
		if err := addFileToZip(filepath.Join(root, rel), filepath.ToSlash(rel), zw); err != nil {
			zw.Close()
			return err
		}
	}
	return zw.Close()
}

func addFileToZip(path, name string, zw *zip.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("adding %s to zip: %w", name, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("writing %s to zip: %w", name, err)
	}
	return nil
}

// FindRequirements walks up from startDir looking for a requirements.txt,
// returning its path or "" if none is found before reaching the
// filesystem root.
func FindRequirements(startDir string) string {
	dir := startDir
	for {
		candidate := filepath.Join(dir, "requirements.txt")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
