// Package discovery resolves a registry.Spec's binary descriptor to an
// executable path: environment override first, then PATH, then the
// spec's extra local-path probes relative to the project root.
package discovery

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/lspd/lspd/internal/registry"
	"github.com/tidwall/match"
)

// ErrBinaryNotFound is returned when none of a spec's resolution
// strategies locate an executable.
type ErrBinaryNotFound struct {
	Spec *registry.Spec
}

func (e *ErrBinaryNotFound) Error() string {
	msg := fmt.Sprintf("no executable found for %q (tried %v", e.Spec.Name, e.Spec.Binary.Candidates)
	if e.Spec.Binary.EnvVar != "" {
		msg += fmt.Sprintf(", env %s", e.Spec.Binary.EnvVar)
	}
	msg += ")"
	if hint := e.Spec.Binary.Install; hint != nil {
		msg += fmt.Sprintf("; install with: %s", hint.Command)
	}
	return msg
}

// Resolve finds an executable for spec, searching relative to
// projectRoot for the spec's extra local-path probes.
func Resolve(spec *registry.Spec, projectRoot string) (string, error) {
	if spec.Binary.EnvVar != "" {
		if override := os.Getenv(spec.Binary.EnvVar); override != "" {
			if isExecutable(override) {
				return override, nil
			}
			if path, err := exec.LookPath(override); err == nil {
				return path, nil
			}
		}
	}

	for _, candidate := range spec.Binary.Candidates {
		if path, err := exec.LookPath(candidate); err == nil {
			return path, nil
		}
	}

	for _, probe := range spec.Binary.ExtraProbe {
		dir := probe
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(projectRoot, probe)
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			for _, candidate := range spec.Binary.Candidates {
				if !match.Match(entry.Name(), candidate) {
					continue
				}
				path := filepath.Join(dir, entry.Name())
				if isExecutable(path) {
					return path, nil
				}
			}
		}
	}

	return "", &ErrBinaryNotFound{Spec: spec}
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}
