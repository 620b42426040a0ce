package packager

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"sync"
)

// Closure carries the free variables a registered function needs that
// aren't passed as explicit arguments. Go has no runtime closure
// serialization equivalent to cloudpickle, so callers that need
// captured state register it explicitly by name instead of relying on
// lexical capture surviving the wire.
type Closure struct {
	Values map[string]any
}

// Payload is the gob-encoded envelope written to payload.pkl-equivalent
// storage and decoded by the remote runner.
type Payload struct {
	FuncName string
	Args     []any
	Kwargs   map[string]any
	EnvVars  map[string]string
	Closure  *Closure
}

// Func is the shape every remotely-invocable function must satisfy.
// The closure argument is nil when the registered function was not
// built with a Closure.
type Func func(closure *Closure, args []any, kwargs map[string]any) (any, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Func{}
)

// Register associates name with fn so the remote runner can look it up
// by name after the payload crosses the wire. Call this from an init()
// in the same package that defines fn, on both the submitting side and
// in the remote-runner binary's import graph.
func Register(name string, fn Func) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("packager: function %q already registered", name))
	}
	registry[name] = fn
}

// Lookup returns the function registered under name.
func Lookup(name string) (Func, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	fn, ok := registry[name]
	return fn, ok
}

func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// SavePayload gob-encodes a Payload describing funcName, args, kwargs,
// envVars and closure, and writes it to outPath.
func SavePayload(funcName string, args []any, kwargs map[string]any, envVars map[string]string, closure *Closure, outPath string) error {
	if _, ok := Lookup(funcName); !ok {
		return fmt.Errorf("packager: function %q is not registered; call packager.Register in an init()", funcName)
	}

	p := Payload{
		FuncName: funcName,
		Args:     args,
		Kwargs:   kwargs,
		EnvVars:  envVars,
		Closure:  closure,
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	if err := os.WriteFile(outPath, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing payload to %s: %w", outPath, err)
	}
	return nil
}

// LoadPayload reads and gob-decodes a Payload written by SavePayload.
func LoadPayload(path string) (*Payload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading payload from %s: %w", path, err)
	}
	var p Payload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	return &p, nil
}

// Invoke looks up the payload's function and calls it with its args,
// kwargs, and closure.
func (p *Payload) Invoke() (any, error) {
	fn, ok := Lookup(p.FuncName)
	if !ok {
		return nil, fmt.Errorf("packager: function %q is not registered in this binary", p.FuncName)
	}
	return fn(p.Closure, p.Args, p.Kwargs)
}
