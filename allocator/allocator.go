// Package allocator implements the round-robin active-block allocator:
// one active block per parallel unit (channel, chip pair) and a cursor
// that advances round-robin across units at a fixed page offset, moving
// to the next page offset only after every unit has been visited; once the
// offset passes the last page, every unit's active block rolls over to
// DIRTY together.
package allocator

import (
	"fmt"

	"github.com/flashftl/pageftl/abm"
	"github.com/flashftl/pageftl/geometry"
)

// ErrDeviceFull is returned when, at rollover, some punit has no free
// block left to replenish its exhausted active block — the array has no
// space left for new writes until GC reclaims some.
var ErrDeviceFull = fmt.Errorf("allocator: device full, a punit has no free block to replenish its active block")

// Allocator hands out the next physical page for a host or GC write,
// round-robining across punits and rolling an exhausted active block over
// to DIRTY before replenishing it from the punit's free list.
type Allocator struct {
	g   geometry.Geometry
	a   *abm.ABM
	bab []*abm.Block // one active block per punit, indexed by punit id
	cur uint64       // current punit id the cursor is advancing within
	ofs uint64       // next page offset to hand out within bab[cur]
}

// New primes one active block per punit in row-major (channel-outer,
// chip-inner) order, mirroring __bdbm_page_ftl_get_active_blocks, and
// starts the cursor at punit 0, page offset 0.
func New(g geometry.Geometry, a *abm.ABM) (*Allocator, error) {
	n := g.NrPunits()
	bab := make([]*abm.Block, n)
	for ch := uint64(0); ch < g.Channels; ch++ {
		for chip := uint64(0); chip < g.ChipsPerChannel; chip++ {
			b, err := a.GetFreeBlockPrepare(ch, chip)
			if err != nil {
				return nil, fmt.Errorf("allocator: priming punit (ch=%d,chip=%d): %w", ch, chip, err)
			}
			a.GetFreeBlockCommit(b)
			bab[g.PunitID(geometry.PPA{Channel: ch, Chip: chip})] = b
		}
	}
	return &Allocator{g: g, a: a, bab: bab, cur: 0, ofs: 0}, nil
}

// GetFreePPA returns the next physical page address to write lpa to,
// advancing the allocator's cursor across punits at a fixed page offset
// before advancing the offset itself — one page from every punit's
// active block is handed out at a given offset before any punit moves to
// its next page. Only once the last punit has been visited at the
// current offset does the offset advance; when that advance rolls past
// the last page of the block, every punit's active block is rolled
// ACTIVE->DIRTY and replenished with a fresh free block in the same
// pass, mirroring bdbm_page_ftl_get_free_ppa's curr_puid/curr_page_ofs
// advance order.
func (al *Allocator) GetFreePPA() (geometry.PPA, error) {
	ch, chip := al.g.PunitCoords(al.cur)
	b := al.bab[al.cur]

	ppa := geometry.PPA{Channel: ch, Chip: chip, Block: b.BlockNo, Page: al.ofs}

	if al.cur+1 < al.g.NrPunits() {
		al.cur++
		return ppa, nil
	}

	al.cur = 0
	al.ofs++
	if al.ofs >= al.g.PagesPerBlock {
		if err := al.rolloverAllPunits(); err != nil {
			return geometry.PPA{}, err
		}
		al.ofs = 0
	}
	return ppa, nil
}

// rolloverAllPunits transitions every punit's active block ACTIVE->DIRTY
// and replenishes every punit with a fresh free block, called once per
// full pass over all punits at the last page offset. If any punit has no
// free block, nothing is rolled over and the cursor is stepped back onto
// the last page of the last punit, so that page is handed out again by the
// next call once GC has freed a block.
func (al *Allocator) rolloverAllPunits() error {
	for punit := uint64(0); punit < al.g.NrPunits(); punit++ {
		ch, chip := al.g.PunitCoords(punit)
		if _, err := al.a.GetFreeBlockPrepare(ch, chip); err != nil {
			al.cur, al.ofs = al.g.NrPunits()-1, al.g.PagesPerBlock-1
			return fmt.Errorf("%w: punit (ch=%d,chip=%d): %v", ErrDeviceFull, ch, chip, err)
		}
	}
	for punit := uint64(0); punit < al.g.NrPunits(); punit++ {
		ch, chip := al.g.PunitCoords(punit)
		b := al.bab[punit]
		if err := al.a.TransitionActiveToDirty(ch, chip, b.BlockNo); err != nil {
			return fmt.Errorf("allocator: roll over active block: %w", err)
		}
	}
	for punit := uint64(0); punit < al.g.NrPunits(); punit++ {
		ch, chip := al.g.PunitCoords(punit)
		nb, err := al.a.GetFreeBlockPrepare(ch, chip)
		if err != nil {
			return fmt.Errorf("%w: punit (ch=%d,chip=%d): %v", ErrDeviceFull, ch, chip, err)
		}
		al.a.GetFreeBlockCommit(nb)
		al.bab[punit] = nb
	}
	return nil
}

// CurrentActiveBlock returns the active block currently backing punit id,
// used by snapshot Store to simulate the cursor-wrap invalidation of the
// remaining unwritten pages in every active block (§6).
func (al *Allocator) CurrentActiveBlock(punit uint64) *abm.Block { return al.bab[punit] }

// Cursor returns the allocator's current (punit, page-offset) position.
func (al *Allocator) Cursor() (punit, offset uint64) { return al.cur, al.ofs }

// RestoreCursor sets the allocator's cursor position and active-block
// table directly. snapshot.Load does not use it: it always re-primes a
// fresh allocator with its cursor at (0, 0).
func (al *Allocator) RestoreCursor(punit, offset uint64, bab []*abm.Block) error {
	if punit >= al.g.NrPunits() {
		return fmt.Errorf("allocator: restore punit %d out of range [0,%d)", punit, al.g.NrPunits())
	}
	if len(bab) != len(al.bab) {
		return fmt.Errorf("allocator: restore bab length %d, want %d", len(bab), len(al.bab))
	}
	al.cur = punit
	al.ofs = offset
	copy(al.bab, bab)
	return nil
}
