package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/flashftl/pageftl/abm"
	"github.com/flashftl/pageftl/allocator"
	"github.com/flashftl/pageftl/geometry"
	"github.com/flashftl/pageftl/mapping"
)

func buildEnv(t *testing.T) (geometry.Geometry, *abm.ABM, *mapping.Table, *allocator.Allocator) {
	t.Helper()
	g, err := geometry.New(2, 2, 4, 4, 64, 16)
	if err != nil {
		t.Fatalf("geometry.New: %v", err)
	}
	a := abm.New(g)
	m := mapping.New(g, a)
	al, err := allocator.New(g, a)
	if err != nil {
		t.Fatalf("allocator.New: %v", err)
	}
	return g, a, m, al
}

func writeSomeData(t *testing.T, a *abm.ABM, m *mapping.Table, al *allocator.Allocator, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ppa, err := al.GetFreePPA()
		if err != nil {
			t.Fatalf("GetFreePPA: %v", err)
		}
		if err := a.MarkValid(ppa.Channel, ppa.Chip, ppa.Block, ppa.Page); err != nil {
			t.Fatalf("MarkValid: %v", err)
		}
		if err := m.Map(geometry.LPA(i), ppa); err != nil {
			t.Fatalf("Map: %v", err)
		}
	}
}

func TestStoreLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	abmPath := filepath.Join(dir, "abm.dat")
	mapPath := filepath.Join(dir, "mapping.dat")

	g, a, m, al := buildEnv(t)
	writeSomeData(t, a, m, al, 5)

	if err := Store(abmPath, mapPath, a, m, al); err != nil {
		t.Fatalf("Store: %v", err)
	}

	a2, m2, al2, err := Load(abmPath, mapPath, g)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	for i := 0; i < 5; i++ {
		want, err := m.Lookup(geometry.LPA(i))
		if err != nil {
			t.Fatalf("original Lookup(%d): %v", i, err)
		}
		got, err := m2.Lookup(geometry.LPA(i))
		if err != nil {
			t.Fatalf("restored Lookup(%d): %v", i, err)
		}
		if got != want {
			t.Fatalf("lpa %d: got %+v, want %+v", i, got, want)
		}
	}

	if a2.GetNrTotalBlocks() != a.GetNrTotalBlocks() {
		t.Fatalf("restored total blocks mismatch")
	}

	punit, ofs := al2.Cursor()
	if punit != 0 || ofs != 0 {
		t.Fatalf("restored cursor = (%d,%d), want (0,0)", punit, ofs)
	}
}

func TestStoreInvalidatesRemainingActivePages(t *testing.T) {
	dir := t.TempDir()
	abmPath := filepath.Join(dir, "abm.dat")
	mapPath := filepath.Join(dir, "mapping.dat")

	g, a, m, al := buildEnv(t)
	// Write fewer pages than a full block so every punit's active block
	// still has unwritten pages at store time.
	writeSomeData(t, a, m, al, 1)

	punit, ofs := al.Cursor()
	b := al.CurrentActiveBlock(punit)

	if err := Store(abmPath, mapPath, a, m, al); err != nil {
		t.Fatalf("Store: %v", err)
	}

	if b.PST[ofs] != abm.PageInvalid {
		t.Fatalf("expected page %d of active block to be invalidated by Store, got %v", ofs, b.PST[ofs])
	}
}

func TestLoadRejectsGeometryMismatch(t *testing.T) {
	dir := t.TempDir()
	abmPath := filepath.Join(dir, "abm.dat")
	mapPath := filepath.Join(dir, "mapping.dat")

	g, a, m, al := buildEnv(t)
	writeSomeData(t, a, m, al, 1)
	if err := Store(abmPath, mapPath, a, m, al); err != nil {
		t.Fatalf("Store: %v", err)
	}

	other, err := geometry.New(g.Channels+1, g.ChipsPerChannel, g.BlocksPerChip, g.PagesPerBlock, g.PageMainSize, g.PageOOBSize)
	if err != nil {
		t.Fatalf("geometry.New: %v", err)
	}
	if _, _, _, err := Load(abmPath, mapPath, other); err == nil {
		t.Fatalf("expected error for geometry mismatch")
	}
}

func TestLoadDetectsCorruptABM(t *testing.T) {
	dir := t.TempDir()
	abmPath := filepath.Join(dir, "abm.dat")
	mapPath := filepath.Join(dir, "mapping.dat")

	g, a, m, al := buildEnv(t)
	writeSomeData(t, a, m, al, 1)
	if err := Store(abmPath, mapPath, a, m, al); err != nil {
		t.Fatalf("Store: %v", err)
	}

	corruptLastByte(t, abmPath)

	if _, _, _, err := Load(abmPath, mapPath, g); err == nil {
		t.Fatalf("expected checksum error for corrupted abm file")
	}
}

func corruptLastByte(t *testing.T, path string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	data[len(data)-1] ^= 0xFF
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
