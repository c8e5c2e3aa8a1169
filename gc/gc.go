// Package gc implements greedy garbage collection: pick one dirty victim
// block per parallel unit, migrate its still-live pages to fresh
// locations, then erase the reclaimed blocks. A GC pass touches every
// punit at once or not at all — mirrors __bdbm_page_ftl_victim_selection_greedy
// and bdbm_page_ftl_do_gc's strict nr_gc_blks == nr_punits requirement.
package gc

import (
	"fmt"

	"github.com/flashftl/pageftl/abm"
	"github.com/flashftl/pageftl/allocator"
	"github.com/flashftl/pageftl/geometry"
	"github.com/flashftl/pageftl/llm"
	"github.com/flashftl/pageftl/mapping"
)

// ErrNoWorkNeeded is returned when a punit has no dirty block to pick a
// victim from, aborting the whole pass with no blocks touched. The facade's
// DoGC returns it unchanged; the admin surface reports it in its response's
// Error field instead of failing the call.
var ErrNoWorkNeeded = fmt.Errorf("gc: at least one punit has no dirty block, nothing to collect")

// Strategy selects which dirty block on a punit becomes the GC victim.
type Strategy uint8

const (
	// Greedy picks the dirty block with the most invalid pages,
	// maximizing pages reclaimed per erase. The default.
	Greedy Strategy = iota
	// FirstFit picks the first dirty block encountered, selectable through
	// SetStrategy or gc_policy "first-fit" (the original driver's simpler
	// strategy, never the default but cheap to keep available).
	FirstFit
)

// Result carries per-pass statistics, in the spirit of a GC stats struct:
// total blocks reclaimed, pages migrated, and pages simply dropped
// because they were already invalid.
type Result struct {
	BlocksReclaimed uint64
	PagesMigrated   uint64
	PagesDropped    uint64
}

// Collector runs GC passes against a fixed geometry/ABM/mapping/allocator
// quadruple and an LLM to move data through. It reuses its per-punit
// victim array across passes; page buffers are allocated anew on each pass.
type Collector struct {
	g        geometry.Geometry
	a        *abm.ABM
	m        *mapping.Table
	al       *allocator.Allocator
	dev      llm.LLM
	strategy Strategy

	victims []*abm.Block // len == NrPunits, indexed by punit id
}

// New creates a Collector using the Greedy strategy.
func New(g geometry.Geometry, a *abm.ABM, m *mapping.Table, al *allocator.Allocator, dev llm.LLM) *Collector {
	return &Collector{
		g:        g,
		a:        a,
		m:        m,
		al:       al,
		dev:      dev,
		strategy: Greedy,
		victims:  make([]*abm.Block, g.NrPunits()),
	}
}

// SetStrategy overrides the victim-selection strategy.
func (c *Collector) SetStrategy(s Strategy) { c.strategy = s }

func selectGreedy(a *abm.ABM, ch, chip uint64) *abm.Block {
	var best *abm.Block
	a.ForEachDirtyBlock(ch, chip, func(b *abm.Block) bool {
		if best == nil || b.NrInvalid > best.NrInvalid {
			best = b
		}
		return true
	})
	return best
}

func selectFirstFit(a *abm.ABM, ch, chip uint64) *abm.Block {
	var first *abm.Block
	a.ForEachDirtyBlock(ch, chip, func(b *abm.Block) bool {
		first = b
		return false // stop at the first one visited
	})
	return first
}

// selectVictims fills c.victims with one block per punit, clearing any
// stale entries first. Returns ErrNoWorkNeeded if any punit lacks a
// dirty block.
func (c *Collector) selectVictims() error {
	for i := range c.victims {
		c.victims[i] = nil
	}
	for ch := uint64(0); ch < c.g.Channels; ch++ {
		for chip := uint64(0); chip < c.g.ChipsPerChannel; chip++ {
			var b *abm.Block
			switch c.strategy {
			case FirstFit:
				b = selectFirstFit(c.a, ch, chip)
			default:
				b = selectGreedy(c.a, ch, chip)
			}
			if b == nil {
				return ErrNoWorkNeeded
			}
			c.victims[c.g.PunitID(geometry.PPA{Channel: ch, Chip: chip})] = b
		}
	}
	return nil
}

// DoGC runs one full GC pass: select a victim per punit, migrate every
// still-VALID page off each victim, then erase all victims. A failure
// reading or writing a page aborts the whole pass (no partial erase); a
// failure erasing a specific block marks only that block BAD and
// continues with the rest.
func (c *Collector) DoGC() (Result, error) {
	var res Result

	if err := c.selectVictims(); err != nil {
		return res, err
	}

	type livePage struct {
		victim *abm.Block
		page   uint64
		lpa    geometry.LPA
		data   []byte
	}
	var live []livePage

	// Flush the LLM so no outstanding I/O remains before reading victims.
	if err := c.dev.Flush(); err != nil {
		return res, fmt.Errorf("gc: flush before read phase: %w", err)
	}

	// Phase 1: scan victims, read every valid page's data + OOB so the
	// owning LPA can be recovered without consulting the mapping table.
	for _, b := range c.victims {
		for p, st := range b.PST {
			if st != abm.PageValid {
				res.PagesDropped++
				continue
			}
			ppa := geometry.PPA{Channel: b.Channel, Chip: b.Chip, Block: b.BlockNo, Page: uint64(p)}
			data := make([]byte, c.g.PageMainSize)
			oob := make([]byte, c.g.PageOOBSize)
			if err := c.doReq(llm.GCRead, 0, ppa, data, oob); err != nil {
				return res, fmt.Errorf("gc: read live page ch=%d chip=%d block=%d page=%d: %w", b.Channel, b.Chip, b.BlockNo, p, err)
			}
			lpa := decodeLPA(oob)
			live = append(live, livePage{victim: b, page: uint64(p), lpa: lpa, data: data})
		}
	}

	// Phase 2: re-map and write every live page to a freshly allocated
	// physical page, exactly as a host write would.
	for _, lp := range live {
		newPPA, err := c.al.GetFreePPA()
		if err != nil {
			return res, fmt.Errorf("gc: allocate migration target for lpa %d: %w", lp.lpa, err)
		}
		oob := encodeLPA(lp.lpa, c.g.PageOOBSize)
		if err := c.doReq(llm.GCWrite, lp.lpa, newPPA, lp.data, oob); err != nil {
			return res, fmt.Errorf("gc: write migrated page for lpa %d: %w", lp.lpa, err)
		}
		if err := c.a.MarkValid(newPPA.Channel, newPPA.Chip, newPPA.Block, newPPA.Page); err != nil {
			return res, fmt.Errorf("gc: mark migrated page valid: %w", err)
		}
		if err := c.m.Map(lp.lpa, newPPA); err != nil {
			return res, fmt.Errorf("gc: remap lpa %d: %w", lp.lpa, err)
		}
		res.PagesMigrated++
	}

	// Phase 3: erase every victim. A per-block erase failure marks that
	// block BAD and continues; it does not abort the pass.
	for _, b := range c.victims {
		ppa := geometry.PPA{Channel: b.Channel, Chip: b.Chip, Block: b.BlockNo}
		err := c.doReq(llm.GCErase, 0, ppa, nil, nil)
		if err != nil {
			if eraseErr := c.a.EraseBlock(b.Channel, b.Chip, b.BlockNo, true); eraseErr != nil {
				return res, fmt.Errorf("gc: mark block bad after erase failure: %w", eraseErr)
			}
			continue
		}
		if err := c.a.EraseBlock(b.Channel, b.Chip, b.BlockNo, false); err != nil {
			return res, fmt.Errorf("gc: erase block: %w", err)
		}
		res.BlocksReclaimed++
	}

	return res, nil
}

func (c *Collector) doReq(t llm.ReqType, lpa geometry.LPA, ppa geometry.PPA, data, oob []byte) error {
	done := make(chan struct{})
	req := &llm.Request{Type: t, LPA: lpa, PPA: ppa, Data: data, OOB: oob}
	if err := c.dev.MakeReq(req, func(r *llm.Request) { close(done) }); err != nil {
		return err
	}
	<-done
	return req.Ret
}

// IsGCNeeded reports whether free blocks have dropped to the threshold
// the original driver uses (nr_free_blocks * 100 <= nr_total_blocks),
// signaling GC should run before the next allocation.
func IsGCNeeded(a *abm.ABM) bool {
	total := a.GetNrTotalBlocks()
	if total == 0 {
		return false
	}
	return a.GetNrFreeBlocks()*100 <= total
}

func encodeLPA(lpa geometry.LPA, oobSize uint64) []byte {
	oob := make([]byte, oobSize)
	v := uint64(lpa)
	for i := 0; i < 8 && uint64(i) < oobSize; i++ {
		oob[i] = byte(v >> (8 * i))
	}
	return oob
}

func decodeLPA(oob []byte) geometry.LPA {
	var v uint64
	for i := 0; i < 8 && i < len(oob); i++ {
		v |= uint64(oob[i]) << (8 * i)
	}
	return geometry.LPA(v)
}
