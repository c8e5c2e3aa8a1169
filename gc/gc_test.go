package gc

import (
	"errors"
	"testing"

	"github.com/flashftl/pageftl/abm"
	"github.com/flashftl/pageftl/allocator"
	"github.com/flashftl/pageftl/geometry"
	"github.com/flashftl/pageftl/llm"
	"github.com/flashftl/pageftl/mapping"
)

type testEnv struct {
	g   geometry.Geometry
	a   *abm.ABM
	m   *mapping.Table
	al  *allocator.Allocator
	dev *llm.RAMDisk
	c   *Collector
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	g, err := geometry.New(1, 1, 4, 4, 64, 16)
	if err != nil {
		t.Fatalf("geometry.New: %v", err)
	}
	a := abm.New(g)
	m := mapping.New(g, a)
	al, err := allocator.New(g, a)
	if err != nil {
		t.Fatalf("allocator.New: %v", err)
	}
	dev := llm.NewRAMDisk(g)
	c := New(g, a, m, al, dev)
	return &testEnv{g: g, a: a, m: m, al: al, dev: dev, c: c}
}

// hostWrite mimics the facade's write path: allocate a page, write data +
// LPA-tagged OOB through the LLM, mark it valid in the ABM, then map it.
func (e *testEnv) hostWrite(t *testing.T, lpa geometry.LPA, fill byte) geometry.PPA {
	t.Helper()
	ppa, err := e.al.GetFreePPA()
	if err != nil {
		t.Fatalf("GetFreePPA: %v", err)
	}
	data := make([]byte, e.g.PageMainSize)
	for i := range data {
		data[i] = fill
	}
	oob := encodeLPA(lpa, e.g.PageOOBSize)
	done := make(chan struct{})
	req := &llm.Request{Type: llm.HostWrite, LPA: lpa, PPA: ppa, Data: data, OOB: oob}
	if err := e.dev.MakeReq(req, func(r *llm.Request) { close(done) }); err != nil {
		t.Fatalf("MakeReq: %v", err)
	}
	<-done
	if req.Ret != nil {
		t.Fatalf("write failed: %v", req.Ret)
	}
	if err := e.a.MarkValid(ppa.Channel, ppa.Chip, ppa.Block, ppa.Page); err != nil {
		t.Fatalf("MarkValid: %v", err)
	}
	if err := e.m.Map(lpa, ppa); err != nil {
		t.Fatalf("Map: %v", err)
	}
	return ppa
}

func TestDoGCNoWorkNeeded(t *testing.T) {
	e := newEnv(t)
	if _, err := e.c.DoGC(); !errors.Is(err, ErrNoWorkNeeded) {
		t.Fatalf("expected ErrNoWorkNeeded, got %v", err)
	}
}

// fillAndDirty writes pagesPerBlock pages to the single punit's active
// block (rolling it to DIRTY), invalidating half of them so the rolled
// block becomes a viable greedy victim.
func (e *testEnv) fillAndDirty(t *testing.T, startLPA geometry.LPA) {
	t.Helper()
	n := e.g.PagesPerBlock
	for i := uint64(0); i < n; i++ {
		lpa := startLPA + geometry.LPA(i)
		e.hostWrite(t, lpa, byte(i+1))
		if i%2 == 0 {
			if err := e.m.InvalidateRange(lpa, 1); err != nil {
				t.Fatalf("InvalidateRange: %v", err)
			}
		}
	}
}

func TestDoGCMigratesLivePagesAndReclaims(t *testing.T) {
	e := newEnv(t)
	e.fillAndDirty(t, 0)

	res, err := e.c.DoGC()
	if err != nil {
		t.Fatalf("DoGC: %v", err)
	}
	if res.BlocksReclaimed != 1 {
		t.Fatalf("BlocksReclaimed = %d, want 1", res.BlocksReclaimed)
	}
	wantMigrated := e.g.PagesPerBlock / 2
	if res.PagesMigrated != wantMigrated {
		t.Fatalf("PagesMigrated = %d, want %d", res.PagesMigrated, wantMigrated)
	}

	// Surviving (odd-index) LPAs must still resolve, to a new PPA.
	for i := uint64(1); i < e.g.PagesPerBlock; i += 2 {
		lpa := geometry.LPA(i)
		ppa, err := e.m.Lookup(lpa)
		if err != nil {
			t.Fatalf("Lookup(%d) after gc: %v", lpa, err)
		}
		if ppa.Block == 0 {
			t.Fatalf("lpa %d still points at reclaimed block 0", lpa)
		}
	}

	if got := e.a.GetNrFreeBlocks(); got == 0 {
		t.Fatalf("expected at least one free block after reclaim")
	}
}

func TestDoGCEraseFailureMarksBad(t *testing.T) {
	e := newEnv(t)
	e.fillAndDirty(t, 0)

	e.dev.InjectFault = func(r *llm.Request) error {
		if r.Type == llm.GCErase {
			return errFakeEraseFailure
		}
		return nil
	}

	res, err := e.c.DoGC()
	if err != nil {
		t.Fatalf("DoGC: %v", err)
	}
	if res.BlocksReclaimed != 0 {
		t.Fatalf("BlocksReclaimed = %d, want 0 (erase failed)", res.BlocksReclaimed)
	}
	b, err := e.a.GetBlock(0, 0, 0)
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	if b.State != abm.StateBad {
		t.Fatalf("victim state = %s, want BAD after erase failure", b.State)
	}
}

func TestFirstFitStrategySelectsFirstDirty(t *testing.T) {
	e := newEnv(t)
	e.c.SetStrategy(FirstFit)
	e.fillAndDirty(t, 0)
	res, err := e.c.DoGC()
	if err != nil {
		t.Fatalf("DoGC: %v", err)
	}
	if res.BlocksReclaimed != 1 {
		t.Fatalf("BlocksReclaimed = %d, want 1", res.BlocksReclaimed)
	}
}

func TestIsGCNeededThreshold(t *testing.T) {
	g, _ := geometry.New(1, 1, 100, 1, 64, 16)
	a := abm.New(g)
	if IsGCNeeded(a) {
		t.Fatalf("fresh array should not need gc")
	}
	for i := uint64(0); i < 100; i++ {
		b, err := a.GetFreeBlockPrepare(0, 0)
		if err != nil {
			break
		}
		a.GetFreeBlockCommit(b)
	}
	if !IsGCNeeded(a) {
		t.Fatalf("fully allocated array should need gc")
	}
}

var errFakeEraseFailure = fakeErr("simulated erase failure")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }
