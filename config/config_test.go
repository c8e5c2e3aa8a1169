package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ftl.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeTempConfig(t, `
geometry:
  channels: 2
  chips_per_channel: 2
  blocks_per_chip: 64
  pages_per_block: 128
  page_main_size: 4096
  page_oob_size: 128
gc_policy: greedy
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Geometry.Channels != 2 {
		t.Fatalf("Channels = %d, want 2", c.Geometry.Channels)
	}
	if c.ABMSnapshotPath != DefaultABMSnapshotPath {
		t.Fatalf("ABMSnapshotPath = %q, want default %q", c.ABMSnapshotPath, DefaultABMSnapshotPath)
	}
}

func TestLoadRejectsUnknownGCPolicy(t *testing.T) {
	path := writeTempConfig(t, `
geometry:
  channels: 1
  chips_per_channel: 1
  blocks_per_chip: 4
  pages_per_block: 4
  page_main_size: 4096
  page_oob_size: 128
gc_policy: lru
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown gc_policy")
	}
}

func TestLoadRejectsInvalidGeometry(t *testing.T) {
	path := writeTempConfig(t, `
geometry:
  channels: 0
  chips_per_channel: 1
  blocks_per_chip: 4
  pages_per_block: 4
  page_main_size: 4096
  page_oob_size: 128
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for zero channels")
	}
}

func TestLoadHonorsExplicitABMSnapshotPath(t *testing.T) {
	path := writeTempConfig(t, `
geometry:
  channels: 1
  chips_per_channel: 1
  blocks_per_chip: 4
  pages_per_block: 4
  page_main_size: 4096
  page_oob_size: 128
abm_snapshot_path: /tmp/custom-abm.dat
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.ABMSnapshotPath != "/tmp/custom-abm.dat" {
		t.Fatalf("ABMSnapshotPath = %q, want override", c.ABMSnapshotPath)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/ftl.yaml"); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
