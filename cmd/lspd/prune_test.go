package main

import (
	"os"
	"testing"

	"github.com/lspd/lspd/internal/daemonstore"
)

// deadPID is a process id unlikely to ever be live; used to simulate a
// stale daemon entry without actually killing anything.
const deadPID = 1 << 29

func TestPrune_RemovesDeadUndialableDaemon(t *testing.T) {
	cacheDir := t.TempDir()
	store := daemonstore.New(cacheDir, "/proj/dead", "lint")
	if err := store.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := os.WriteFile(store.PIDPath(), []byte("536870912"), 0o600); err != nil {
		t.Fatalf("overwrite pidfile: %v", err)
	}
	if _, err := store.WriteMetadata("lint", "/proj/dead"); err != nil {
		t.Fatalf("WriteMetadata: %v", err)
	}

	removed, err := prune(cacheDir)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if len(removed) != 1 || removed[0] != store.Dir() {
		t.Fatalf("removed = %v, want [%s]", removed, store.Dir())
	}
	if _, err := os.Stat(store.Dir()); !os.IsNotExist(err) {
		t.Fatal("directory should have been removed")
	}
}

func TestPrune_KeepsAliveDaemon(t *testing.T) {
	cacheDir := t.TempDir()
	store := daemonstore.New(cacheDir, "/proj/alive", "lint")
	if err := store.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.WriteMetadata("lint", "/proj/alive"); err != nil {
		t.Fatalf("WriteMetadata: %v", err)
	}

	removed, err := prune(cacheDir)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if len(removed) != 0 {
		t.Fatalf("removed = %v, want none (pid is the test process itself)", removed)
	}
	if _, err := os.Stat(store.Dir()); err != nil {
		t.Fatal("directory for a live daemon should survive prune")
	}
}
