package discovery

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/lspd/lspd/internal/registry"
)

func writeExecutable(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write executable: %v", err)
	}
}

func TestResolve_EnvVarOverride(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("executable-bit probing is POSIX-specific")
	}
	dir := t.TempDir()
	bin := filepath.Join(dir, "custom-tsgo")
	writeExecutable(t, bin)
	t.Setenv("LSPD_TEST_PATH", bin)

	spec := registry.TypeScriptGo()
	spec.Binary.EnvVar = "LSPD_TEST_PATH"

	got, err := Resolve(spec, dir)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != bin {
		t.Fatalf("Resolve() = %q, want %q", got, bin)
	}
}

func TestResolve_ExtraProbeDirectory(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("executable-bit probing is POSIX-specific")
	}
	project := t.TempDir()
	probeDir := filepath.Join(project, "node_modules", ".bin")
	if err := os.MkdirAll(probeDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	bin := filepath.Join(probeDir, "tsgo")
	writeExecutable(t, bin)

	spec := &registry.Spec{
		Name: "probe-test",
		Binary: registry.Binary{
			Candidates: []string{"tsgo"},
			ExtraProbe: []string{"node_modules/.bin"},
		},
	}

	got, err := Resolve(spec, project)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != bin {
		t.Fatalf("Resolve() = %q, want %q", got, bin)
	}
}

func TestResolve_NotFound(t *testing.T) {
	spec := &registry.Spec{
		Name: "missing",
		Binary: registry.Binary{
			Candidates: []string{"definitely-not-a-real-binary-xyz"},
		},
	}

	_, err := Resolve(spec, t.TempDir())
	if err == nil {
		t.Fatal("expected an error")
	}
	var notFound *ErrBinaryNotFound
	if !asErrBinaryNotFound(err, &notFound) {
		t.Fatalf("error = %v, want *ErrBinaryNotFound", err)
	}
}

func asErrBinaryNotFound(err error, target **ErrBinaryNotFound) bool {
	e, ok := err.(*ErrBinaryNotFound)
	if ok {
		*target = e
	}
	return ok
}
