// Package ftl assembles geometry, the ABM, the mapping table, the
// allocator, the garbage collector, the bad-block scanner, snapshotting,
// and an LLM into the single coarse-locked Facade a host issues reads,
// writes, trims, and maintenance operations through — the equivalent of
// bdbm_page_ftl_private plus its ftl_lock and the bdbm_ftl_inf_t dispatch
// table it backs.
package ftl

import (
	"errors"
	"fmt"
	"sync"

	"github.com/flashftl/pageftl/abm"
	"github.com/flashftl/pageftl/allocator"
	"github.com/flashftl/pageftl/badblock"
	"github.com/flashftl/pageftl/config"
	"github.com/flashftl/pageftl/gc"
	"github.com/flashftl/pageftl/geometry"
	"github.com/flashftl/pageftl/llm"
	"github.com/flashftl/pageftl/mapping"
	"github.com/flashftl/pageftl/snapshot"
)

// ErrGCInProgress is returned by DoGC when a GC pass is already running —
// GC is never re-entrant.
var ErrGCInProgress = fmt.Errorf("ftl: gc already in progress")

// Facade is the FTL core. All exported methods are safe for concurrent
// use; a single mutex serializes every operation against the shared ABM,
// mapping table, and allocator cursor.
type Facade struct {
	g   geometry.Geometry
	dev llm.LLM

	mu           sync.Mutex
	a            *abm.ABM
	m            *mapping.Table
	al           *allocator.Allocator
	collector    *gc.Collector
	gcInProgress bool

	abmSnapshotPath string
}

// Create builds a brand-new Facade over a freshly initialized array: every
// block FREE, every mapping entry NOT_ALLOCATED, one active block primed
// per punit.
func Create(g geometry.Geometry, dev llm.LLM, abmSnapshotPath string) (*Facade, error) {
	a := abm.New(g)
	m := mapping.New(g, a)
	al, err := allocator.New(g, a)
	if err != nil {
		return nil, fmt.Errorf("ftl: create: %w", err)
	}
	if abmSnapshotPath == "" {
		abmSnapshotPath = config.DefaultABMSnapshotPath
	}
	f := &Facade{
		g:               g,
		dev:             dev,
		a:               a,
		m:               m,
		al:              al,
		abmSnapshotPath: abmSnapshotPath,
	}
	f.collector = gc.New(g, a, m, al, dev)
	return f, nil
}

// FromConfig builds a Facade from a loaded config.Config.
func FromConfig(c *config.Config, dev llm.LLM) (*Facade, error) {
	g, err := c.Geometry.Build()
	if err != nil {
		return nil, fmt.Errorf("ftl: from config: %w", err)
	}
	f, err := Create(g, dev, c.ABMSnapshotPath)
	if err != nil {
		return nil, err
	}
	strategy, err := c.GCPolicy.Strategy()
	if err != nil {
		return nil, fmt.Errorf("ftl: from config: %w", err)
	}
	f.collector.SetStrategy(strategy)
	return f, nil
}

// Destroy releases the Facade's resources. The ABM, mapping table, and
// allocator are all in-memory, so there is nothing to flush here beyond
// the underlying device.
func (f *Facade) Destroy() error {
	return f.dev.Flush()
}

// Geometry returns the array geometry this Facade was created for.
func (f *Facade) Geometry() geometry.Geometry { return f.g }

// Read serves lpa: it looks up the mapping, reads the page's data and OOB
// through the LLM, and returns the data. An lpa that has never been
// written (ErrNotMapped) is not an error — callers should serve zeros for
// it; Read signals this via the mapped return being false.
func (f *Facade) Read(lpa geometry.LPA) (data []byte, mapped bool, err error) {
	f.mu.Lock()
	ppa, lookupErr := f.m.Lookup(lpa)
	f.mu.Unlock()

	if errors.Is(lookupErr, mapping.ErrNotMapped) {
		return nil, false, nil
	}
	if lookupErr != nil {
		return nil, false, fmt.Errorf("ftl: read lpa %d: %w", lpa, lookupErr)
	}

	buf := make([]byte, f.g.PageMainSize)
	oob := make([]byte, f.g.PageOOBSize)
	if err := f.doReq(llm.HostRead, lpa, ppa, buf, oob); err != nil {
		return nil, false, fmt.Errorf("ftl: read lpa %d: %w", lpa, err)
	}
	return buf, true, nil
}

// Write stores data at lpa: it allocates a fresh physical page, writes
// data plus an LPA-tagged OOB through the LLM, marks the page valid, and
// maps lpa to it (invalidating any previous mapping as a side effect of
// Map). If the allocator reports the device full, GC should be run and
// the write retried. The facade lock is released before the blocking
// LLM wait, the same suspension-point model Read uses, and re-acquired
// only for the ABM/mapping state mutation afterward.
func (f *Facade) Write(lpa geometry.LPA, data []byte) error {
	f.mu.Lock()
	ppa, err := f.al.GetFreePPA()
	f.mu.Unlock()
	if err != nil {
		return fmt.Errorf("ftl: write lpa %d: %w", lpa, err)
	}

	oob := make([]byte, f.g.PageOOBSize)
	encodeLPAInto(oob, lpa)
	if err := f.doReq(llm.HostWrite, lpa, ppa, data, oob); err != nil {
		return fmt.Errorf("ftl: write lpa %d: %w", lpa, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.a.MarkValid(ppa.Channel, ppa.Chip, ppa.Block, ppa.Page); err != nil {
		return fmt.Errorf("ftl: write lpa %d: mark valid: %w", lpa, err)
	}
	if err := f.m.Map(lpa, ppa); err != nil {
		return fmt.Errorf("ftl: write lpa %d: map: %w", lpa, err)
	}
	return nil
}

// Trim invalidates [lpa, lpa+length) — the logical pages are no longer
// live, and their physical pages (if any) are released back to the ABM's
// invalid accounting for later reclamation by GC.
func (f *Facade) Trim(lpa geometry.LPA, length uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.m.InvalidateRange(lpa, length); err != nil {
		return fmt.Errorf("ftl: trim lpa %d len %d: %w", lpa, length, err)
	}
	return nil
}

// IsGCNeeded reports whether the array's free-block ratio has dropped to
// the threshold at which a GC pass should run before further writes.
func (f *Facade) IsGCNeeded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return gc.IsGCNeeded(f.a)
}

// DoGC runs one GC pass. It refuses to run concurrently with another pass
// (ErrGCInProgress) but otherwise holds the facade lock only around the
// ABM/mapping/allocator mutations the collector performs — not around the
// collector's own LLM waits (the collector manages its own synchronous
// waits on doReq internally, mirroring the original driver's suspension
// points).
func (f *Facade) DoGC() (gc.Result, error) {
	f.mu.Lock()
	if f.gcInProgress {
		f.mu.Unlock()
		return gc.Result{}, ErrGCInProgress
	}
	f.gcInProgress = true
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.gcInProgress = false
		f.mu.Unlock()
	}()

	return f.collector.DoGC()
}

// ScanBadblocks runs the destructive bring-up scan: every block on the
// array is erased, bad ones are quarantined, and the allocator is
// re-primed from scratch. All previously stored data is lost.
func (f *Facade) ScanBadblocks(persist badblock.Persist) (badblock.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	al, res, err := badblock.Scan(f.g, f.a, f.m, f.dev, persist)
	if err != nil {
		return res, fmt.Errorf("ftl: scan badblocks: %w", err)
	}
	f.al = al
	f.collector = gc.New(f.g, f.a, f.m, f.al, f.dev)
	return res, nil
}

// Store persists the full FTL state to the two snapshot files, using
// f.abmSnapshotPath for the ABM and the caller-supplied path for the
// mapping table.
func (f *Facade) Store(mappingPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return snapshot.Store(f.abmSnapshotPath, mappingPath, f.a, f.m, f.al)
}

// Load rebuilds a Facade's state from the two snapshot files.
func Load(g geometry.Geometry, dev llm.LLM, abmSnapshotPath, mappingPath string) (*Facade, error) {
	if abmSnapshotPath == "" {
		abmSnapshotPath = config.DefaultABMSnapshotPath
	}
	a, m, al, err := snapshot.Load(abmSnapshotPath, mappingPath, g)
	if err != nil {
		return nil, fmt.Errorf("ftl: load: %w", err)
	}
	f := &Facade{
		g:               g,
		dev:             dev,
		a:               a,
		m:               m,
		al:              al,
		abmSnapshotPath: abmSnapshotPath,
	}
	f.collector = gc.New(g, a, m, al, dev)
	return f, nil
}

// Stats is a point-in-time snapshot of array occupancy, exposed to the
// admin surface.
type Stats struct {
	TotalBlocks uint64
	FreeBlocks  uint64
	DirtyBlocks uint64
	BadBlocks   uint64
	GCNeeded    bool
}

// Stats returns current array occupancy counters.
func (f *Facade) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{
		TotalBlocks: f.a.GetNrTotalBlocks(),
		FreeBlocks:  f.a.GetNrFreeBlocks(),
		DirtyBlocks: f.a.GetNrDirtyBlocks(),
		BadBlocks:   f.a.GetNrBadBlocks(),
		GCNeeded:    gc.IsGCNeeded(f.a),
	}
}

func (f *Facade) doReq(t llm.ReqType, lpa geometry.LPA, ppa geometry.PPA, data, oob []byte) error {
	done := make(chan struct{})
	req := &llm.Request{Type: t, LPA: lpa, PPA: ppa, Data: data, OOB: oob}
	if err := f.dev.MakeReq(req, func(r *llm.Request) { close(done) }); err != nil {
		return err
	}
	<-done
	return req.Ret
}

func encodeLPAInto(oob []byte, lpa geometry.LPA) {
	v := uint64(lpa)
	for i := 0; i < 8 && i < len(oob); i++ {
		oob[i] = byte(v >> (8 * i))
	}
}
