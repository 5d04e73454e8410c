package mapping

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadError reports a mapping document that cannot be used. The pipeline
// treats it as a configuration error: fatal before extraction begins.
type LoadError struct {
	Path   string
	Reason string
	Err    error
}

func (e *LoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mapping %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("mapping %s: %s", e.Path, e.Reason)
}

func (e *LoadError) Unwrap() error { return e.Err }

type Field struct {
	Source    string `yaml:"source"`
	Target    string `yaml:"target"`
	Required  bool   `yaml:"required"`
	Default   any    `yaml:"default"`
	Transform string `yaml:"transform"`
}

// TransformDoc entries document transforms for operators; implementations
// live in the code-level registry.
type TransformDoc struct {
	Description string `yaml:"description"`
}

type Spec struct {
	Version    int                     `yaml:"version"`
	Adapter    string                  `yaml:"adapter"`
	Object     string                  `yaml:"object"`
	Fields     []Field                 `yaml:"fields"`
	Transforms map[string]TransformDoc `yaml:"transforms"`

	// Checksum is the content hash of the document, used for change
	// detection on staged runs.
	Checksum string `yaml:"-"`
}

// Load parses and validates a mapping document.
func Load(path string) (*Spec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Reason: "read failed", Err: err}
	}

	var spec Spec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, &LoadError{Path: path, Reason: "unparsable document", Err: err}
	}

	if spec.Version == 0 {
		return nil, &LoadError{Path: path, Reason: "missing version"}
	}
	if spec.Adapter == "" {
		return nil, &LoadError{Path: path, Reason: "missing adapter"}
	}
	if len(spec.Fields) == 0 {
		return nil, &LoadError{Path: path, Reason: "missing fields"}
	}
	if spec.Object == "" {
		spec.Object = "Contact"
	}

	seen := make(map[string]struct{}, len(spec.Fields))
	for i, f := range spec.Fields {
		if f.Target == "" {
			return nil, &LoadError{Path: path, Reason: fmt.Sprintf("field %d lacks target", i)}
		}
		if _, dup := seen[f.Target]; dup {
			return nil, &LoadError{Path: path, Reason: fmt.Sprintf("duplicate target %q", f.Target)}
		}
		seen[f.Target] = struct{}{}
		if f.Source == "" && f.Default == nil {
			return nil, &LoadError{Path: path, Reason: fmt.Sprintf("field %q has neither source nor default", f.Target)}
		}
	}

	sum := sha256.Sum256(raw)
	spec.Checksum = hex.EncodeToString(sum[:])
	return &spec, nil
}

type cachedSpec struct {
	spec    *Spec
	modTime time.Time
}

var (
	cacheMu sync.Mutex
	cache   = map[string]cachedSpec{}
)

// ActiveSpec returns the mapping for path, reloading whenever the file's
// modification time changes. Operators can edit mapping YAML without
// restarting the process, at the cost of a stat per access.
func ActiveSpec(path string) (*Spec, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &LoadError{Path: path, Reason: "stat failed", Err: err}
	}

	cacheMu.Lock()
	defer cacheMu.Unlock()

	if c, ok := cache[path]; ok && c.modTime.Equal(info.ModTime()) {
		return c.spec, nil
	}

	spec, err := Load(path)
	if err != nil {
		return nil, err
	}
	cache[path] = cachedSpec{spec: spec, modTime: info.ModTime()}
	return spec, nil
}
