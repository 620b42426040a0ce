package packager

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
)

// Result is the gob-encoded envelope the remote runner writes after
// invoking the payload's function, whether it succeeded or raised.
type Result struct {
	Success      bool
	Value        any
	ErrorType    string
	ErrorMessage string
	Traceback    string
}

// SaveResult gob-encodes r and writes it to outPath.
func SaveResult(r Result, outPath string) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	if err := os.WriteFile(outPath, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing result to %s: %w", outPath, err)
	}
	return nil
}

// LoadResult reads and gob-decodes a Result written by SaveResult.
func LoadResult(path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading result from %s: %w", path, err)
	}
	var r Result
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&r); err != nil {
		return nil, fmt.Errorf("decoding result: %w", err)
	}
	return &r, nil
}
