package ftl

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/flashftl/pageftl/geometry"
	"github.com/flashftl/pageftl/llm"
)

func newTestFacade(t *testing.T) (*Facade, geometry.Geometry) {
	t.Helper()
	g, err := geometry.New(2, 2, 4, 4, 64, 16)
	if err != nil {
		t.Fatalf("geometry.New: %v", err)
	}
	dev := llm.NewRAMDisk(g)
	f, err := Create(g, dev, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return f, g
}

func TestReadUnmappedServesZero(t *testing.T) {
	f, _ := newTestFacade(t)
	data, mapped, err := f.Read(0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if mapped {
		t.Fatalf("expected mapped=false for never-written lpa")
	}
	if data != nil {
		t.Fatalf("expected nil data for unmapped lpa")
	}
}

func TestWriteThenRead(t *testing.T) {
	f, g := newTestFacade(t)
	want := bytes.Repeat([]byte{0x42}, int(g.PageMainSize))
	if err := f.Write(7, want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, mapped, err := f.Read(7)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !mapped {
		t.Fatalf("expected mapped=true after write")
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("Read = %v, want %v", got, want)
	}
}

func TestOverwritePreservesLatestData(t *testing.T) {
	f, g := newTestFacade(t)
	first := bytes.Repeat([]byte{0x01}, int(g.PageMainSize))
	second := bytes.Repeat([]byte{0x02}, int(g.PageMainSize))
	if err := f.Write(3, first); err != nil {
		t.Fatalf("first Write: %v", err)
	}
	if err := f.Write(3, second); err != nil {
		t.Fatalf("second Write: %v", err)
	}
	got, _, err := f.Read(3)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, second) {
		t.Fatalf("Read = %v, want latest write %v", got, second)
	}
}

func TestTrimThenReadServesZero(t *testing.T) {
	f, g := newTestFacade(t)
	data := bytes.Repeat([]byte{0x7F}, int(g.PageMainSize))
	if err := f.Write(2, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.Trim(2, 1); err != nil {
		t.Fatalf("Trim: %v", err)
	}
	_, mapped, err := f.Read(2)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if mapped {
		t.Fatalf("expected mapped=false after trim")
	}
}

func TestTrimIsIdempotent(t *testing.T) {
	f, g := newTestFacade(t)
	data := bytes.Repeat([]byte{0x11}, int(g.PageMainSize))
	f.Write(4, data)
	if err := f.Trim(4, 1); err != nil {
		t.Fatalf("first Trim: %v", err)
	}
	if err := f.Trim(4, 1); err != nil {
		t.Fatalf("second Trim (idempotent): %v", err)
	}
}

func TestFillArrayThenGCReclaimsAndWriteSucceeds(t *testing.T) {
	g, err := geometry.New(1, 1, 3, 2, 64, 16)
	if err != nil {
		t.Fatalf("geometry.New: %v", err)
	}
	dev := llm.NewRAMDisk(g)
	f, err := Create(g, dev, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Keep rewriting the first half of the LPA space until the allocator
	// reports device full, so the rolled-over blocks hold overwritten
	// (invalid) pages and GC has a block to reclaim.
	total := g.NrPagesPerSSD()
	data := bytes.Repeat([]byte{0x55}, int(g.PageMainSize))
	var lastErr error
	var written uint64
	for lpa := geometry.LPA(0); uint64(lpa) < total*2; lpa++ {
		target := geometry.LPA(uint64(lpa) % (total / 2))
		if err := f.Write(target, data); err != nil {
			lastErr = err
			break
		}
		written++
	}
	if lastErr == nil {
		t.Fatalf("expected allocator to eventually report device full")
	}

	if !f.IsGCNeeded() {
		t.Logf("array not yet below gc threshold after %d writes; running gc anyway", written)
	}
	if _, err := f.DoGC(); err != nil {
		t.Fatalf("DoGC: %v", err)
	}

	if err := f.Write(0, data); err != nil {
		t.Fatalf("write after gc: %v", err)
	}
}

func TestStoreLoadRoundTripThroughFacade(t *testing.T) {
	f, g := newTestFacade(t)
	dir := t.TempDir()
	mapPath := filepath.Join(dir, "mapping.dat")
	f.abmSnapshotPath = filepath.Join(dir, "abm.dat")

	data := bytes.Repeat([]byte{0x9A}, int(g.PageMainSize))
	if err := f.Write(10, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.Store(mapPath); err != nil {
		t.Fatalf("Store: %v", err)
	}

	dev2 := llm.NewRAMDisk(g)
	f2, err := Load(g, dev2, f.abmSnapshotPath, mapPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	_, mapped, err := f2.Read(10)
	if err != nil {
		t.Fatalf("Read after load: %v", err)
	}
	if !mapped {
		t.Fatalf("expected lpa 10 to still be mapped after load")
	}
}

func TestScanBadblocksResetsEverything(t *testing.T) {
	f, g := newTestFacade(t)
	data := bytes.Repeat([]byte{0x33}, int(g.PageMainSize))
	if err := f.Write(1, data); err != nil {
		t.Fatalf("Write: %v", err)
	}

	res, err := f.ScanBadblocks(nil)
	if err != nil {
		t.Fatalf("ScanBadblocks: %v", err)
	}
	if res.BlocksErased != g.NrBlocksTotal() {
		t.Fatalf("BlocksErased = %d, want %d", res.BlocksErased, g.NrBlocksTotal())
	}

	_, mapped, err := f.Read(1)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if mapped {
		t.Fatalf("expected mapping reset after bad-block scan")
	}

	if err := f.Write(1, data); err != nil {
		t.Fatalf("write after scan: %v", err)
	}
}
