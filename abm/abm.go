// Package abm implements the Active Block Manager: per-block lifecycle
// state, per-page validity bookkeeping, and the four per-(channel,chip)
// intrusive lists (free/active/dirty/bad) blocks move between as they are
// allocated, written, invalidated, and erased.
//
// Lists are expressed as typed indices into a single owned slice of Block
// values rather than as pointer-linked nodes (see DESIGN.md): each Block
// carries prev/next indices into that slice, and list membership is a
// pair of index swaps, never an allocation.
package abm

import (
	"fmt"

	"github.com/flashftl/pageftl/geometry"
)

// BlockState is the lifecycle state of a physical block.
type BlockState uint8

const (
	StateFree BlockState = iota
	StateActive
	StateDirty
	StateBad
)

func (s BlockState) String() string {
	switch s {
	case StateFree:
		return "FREE"
	case StateActive:
		return "ACTIVE"
	case StateDirty:
		return "DIRTY"
	case StateBad:
		return "BAD"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// nrLists is the number of per-(channel,chip) intrusive lists (one per BlockState).
const nrLists = 4

// PageState is the validity of a single physical page within a block.
type PageState uint8

const (
	PageFree PageState = iota
	PageValid
	PageInvalid
)

const invalidIdx = -1

// Block is one physical block descriptor, owned exclusively by the ABM.
// Callers receive non-owning *Block references whose validity is tied to
// the lifetime of the ABM that created them (the allocator's and GC
// engine's block-reference arrays hold exactly such references).
type Block struct {
	Channel    uint64
	Chip       uint64
	BlockNo    uint64
	State      BlockState
	PST        []PageState
	NrValid    uint32
	NrInvalid  uint32
	EraseCount uint64

	prev, next int32 // list links, indices into ABM.blocks; invalidIdx at the ends
}

// NrFreePages returns the number of pages still in PageFree state, derived
// from the invariant NrValid + NrInvalid + NrFreePages = PagesPerBlock (I2).
func (b *Block) NrFreePages() uint32 {
	return uint32(len(b.PST)) - b.NrValid - b.NrInvalid
}

type listKey struct {
	punit uint64
	state BlockState
}

// ABM is the Active Block Manager. It owns every Block descriptor for the
// array for the lifetime of the device and exposes the four per-punit
// intrusive lists required by the allocator and GC engine.
type ABM struct {
	g      geometry.Geometry
	blocks []Block // flat, row-major (channel, chip, block) — index via blockIndex

	heads map[listKey]int32
	tails map[listKey]int32
}

func (a *ABM) blockIndex(ch, chip, block uint64) int {
	return int((ch*a.g.ChipsPerChannel+chip)*a.g.BlocksPerChip + block)
}

func (a *ABM) punit(ch, chip uint64) uint64 {
	return a.g.PunitID(geometry.PPA{Channel: ch, Chip: chip})
}

// New allocates every block descriptor for g, all FREE, all linked onto
// their per-(channel,chip) free list.
func New(g geometry.Geometry) *ABM {
	n := int(g.NrBlocksTotal())
	a := &ABM{
		g:      g,
		blocks: make([]Block, n),
		heads:  make(map[listKey]int32, int(g.NrPunits())*nrLists),
		tails:  make(map[listKey]int32, int(g.NrPunits())*nrLists),
	}
	for p := uint64(0); p < g.NrPunits(); p++ {
		for s := BlockState(0); s < nrLists; s++ {
			a.heads[listKey{p, s}] = invalidIdx
			a.tails[listKey{p, s}] = invalidIdx
		}
	}
	for ch := uint64(0); ch < g.Channels; ch++ {
		for chip := uint64(0); chip < g.ChipsPerChannel; chip++ {
			for blk := uint64(0); blk < g.BlocksPerChip; blk++ {
				idx := a.blockIndex(ch, chip, blk)
				b := &a.blocks[idx]
				b.Channel, b.Chip, b.BlockNo = ch, chip, blk
				b.State = StateFree
				b.PST = make([]PageState, g.PagesPerBlock)
				b.prev, b.next = invalidIdx, invalidIdx
				a.pushBack(ch, chip, StateFree, int32(idx))
			}
		}
	}
	return a
}

// pushBack appends block index idx to the tail of the (ch,chip,state) list.
func (a *ABM) pushBack(ch, chip uint64, state BlockState, idx int32) {
	key := listKey{a.punit(ch, chip), state}
	tail, ok := a.tails[key]
	a.blocks[idx].prev = invalidIdx
	a.blocks[idx].next = invalidIdx
	if !ok || tail == invalidIdx {
		a.heads[key] = idx
		a.tails[key] = idx
		return
	}
	a.blocks[tail].next = idx
	a.blocks[idx].prev = tail
	a.tails[key] = idx
}

// unlink removes block index idx from whichever (ch,chip,state) list it is
// currently threaded onto.
func (a *ABM) unlink(ch, chip uint64, state BlockState, idx int32) {
	key := listKey{a.punit(ch, chip), state}
	b := &a.blocks[idx]
	if b.prev != invalidIdx {
		a.blocks[b.prev].next = b.next
	} else {
		a.heads[key] = b.next
	}
	if b.next != invalidIdx {
		a.blocks[b.next].prev = b.prev
	} else {
		a.tails[key] = b.prev
	}
	b.prev, b.next = invalidIdx, invalidIdx
}

// move transitions block idx from 'from' to 'to' within its (ch,chip) lists.
func (a *ABM) move(ch, chip uint64, idx int32, from, to BlockState) {
	a.unlink(ch, chip, from, idx)
	a.blocks[idx].State = to
	a.pushBack(ch, chip, to, idx)
}

// ErrNoFreeBlock is returned when a parallel unit's free list is empty.
var ErrNoFreeBlock = fmt.Errorf("abm: no free block available")

// GetFreeBlockPrepare peeks the head of the (channel,chip) free list
// without removing it. Returns ErrNoFreeBlock if the list is empty.
func (a *ABM) GetFreeBlockPrepare(ch, chip uint64) (*Block, error) {
	key := listKey{a.punit(ch, chip), StateFree}
	idx, ok := a.heads[key]
	if !ok || idx == invalidIdx {
		return nil, ErrNoFreeBlock
	}
	return &a.blocks[idx], nil
}

// GetFreeBlockCommit transitions a block previously returned by
// GetFreeBlockPrepare from FREE to ACTIVE and moves its list membership.
// It must be called on the exact object prepare returned; idempotence is
// not required (calling it twice on the same block is undefined).
func (a *ABM) GetFreeBlockCommit(b *Block) {
	idx := int32(a.blockIndex(b.Channel, b.Chip, b.BlockNo))
	a.move(b.Channel, b.Chip, idx, StateFree, StateActive)
}

// GetBlock returns the block descriptor at (channel, chip, block).
func (a *ABM) GetBlock(ch, chip, block uint64) (*Block, error) {
	if ch >= a.g.Channels || chip >= a.g.ChipsPerChannel || block >= a.g.BlocksPerChip {
		return nil, fmt.Errorf("abm: block (%d,%d,%d) out of range", ch, chip, block)
	}
	return &a.blocks[a.blockIndex(ch, chip, block)], nil
}

// InvalidatePage marks pst[page] INVALID, whatever its current state
// (VALID or still FREE — the snapshot codec invalidates the latter to
// account for an orphaned active block's unwritten capacity as spent, see
// snapshot.Store). A block in FREE state cannot have a page invalidated —
// that is a caller bug, not a recoverable condition. Double invalidation
// is silently ignored, matching the original driver's behavior.
func (a *ABM) InvalidatePage(ch, chip, block, page uint64) error {
	b, err := a.GetBlock(ch, chip, block)
	if err != nil {
		return err
	}
	if b.State == StateFree {
		return fmt.Errorf("abm: cannot invalidate page %d of FREE block (%d,%d,%d)", page, ch, chip, block)
	}
	if page >= uint64(len(b.PST)) {
		return fmt.Errorf("abm: page %d out of range for block (%d,%d,%d)", page, ch, chip, block)
	}
	switch b.PST[page] {
	case PageInvalid:
		return nil // already invalid — no-op
	case PageValid:
		b.NrValid--
	}
	b.PST[page] = PageInvalid
	b.NrInvalid++
	// ACTIVE blocks stay ACTIVE; DIRTY blocks stay DIRTY. Only the
	// allocator transitions ACTIVE -> DIRTY, on rollover.
	return nil
}

// MarkValid marks pst[page] VALID. This is the ABM-side half of mapping a
// logical page: mapping.Table.Map does not call it, so the write paths (the
// facade's Write and GC migration) call it on the new page right before
// Map.
func (a *ABM) MarkValid(ch, chip, block, page uint64) error {
	b, err := a.GetBlock(ch, chip, block)
	if err != nil {
		return err
	}
	if page >= uint64(len(b.PST)) {
		return fmt.Errorf("abm: page %d out of range for block (%d,%d,%d)", page, ch, chip, block)
	}
	if b.PST[page] == PageValid {
		return nil
	}
	b.PST[page] = PageValid
	b.NrValid++
	return nil
}

// TransitionActiveToDirty moves a block from ACTIVE to DIRTY. This is the
// allocator's responsibility to call immediately before asking for a
// replacement free block (§4.2), once the punit's cursor rolls over past
// the block's last page.
func (a *ABM) TransitionActiveToDirty(ch, chip, block uint64) error {
	b, err := a.GetBlock(ch, chip, block)
	if err != nil {
		return err
	}
	if b.State != StateActive {
		return fmt.Errorf("abm: block (%d,%d,%d) is %s, not ACTIVE", ch, chip, block, b.State)
	}
	idx := int32(a.blockIndex(ch, chip, block))
	a.move(ch, chip, idx, StateActive, StateDirty)
	return nil
}

// EraseBlock erases a block. If badFlag, the block is quarantined to BAD
// (terminal — it is never again returned by the allocator). Otherwise it
// is reset to FREE: pst cleared, counters zeroed, erase-count incremented,
// moved to the free list. This is the only place FREE blocks are produced.
func (a *ABM) EraseBlock(ch, chip, block uint64, badFlag bool) error {
	b, err := a.GetBlock(ch, chip, block)
	if err != nil {
		return err
	}
	from := b.State
	idx := int32(a.blockIndex(ch, chip, block))
	if badFlag {
		a.move(ch, chip, idx, from, StateBad)
		return nil
	}
	for i := range b.PST {
		b.PST[i] = PageFree
	}
	b.NrValid, b.NrInvalid = 0, 0
	b.EraseCount++
	a.move(ch, chip, idx, from, StateFree)
	return nil
}

// GetNrTotalBlocks returns the total number of blocks on the array.
func (a *ABM) GetNrTotalBlocks() uint64 { return uint64(len(a.blocks)) }

// GetNrFreeBlocks returns the number of blocks currently in state FREE.
func (a *ABM) GetNrFreeBlocks() uint64 { return a.countState(StateFree) }

// GetNrDirtyBlocks returns the number of blocks currently in state DIRTY.
func (a *ABM) GetNrDirtyBlocks() uint64 { return a.countState(StateDirty) }

// GetNrBadBlocks returns the number of blocks currently in state BAD.
func (a *ABM) GetNrBadBlocks() uint64 { return a.countState(StateBad) }

func (a *ABM) countState(state BlockState) uint64 {
	var n uint64
	for ch := uint64(0); ch < a.g.Channels; ch++ {
		for chip := uint64(0); chip < a.g.ChipsPerChannel; chip++ {
			key := listKey{a.punit(ch, chip), state}
			for idx := a.heads[key]; idx != invalidIdx; idx = a.blocks[idx].next {
				n++
			}
		}
	}
	return n
}

// ForEachDirtyBlock walks the (channel,chip) dirty list in list order,
// calling visit on every block. Stops early if visit returns false.
func (a *ABM) ForEachDirtyBlock(ch, chip uint64, visit func(*Block) bool) {
	key := listKey{a.punit(ch, chip), StateDirty}
	for idx := a.heads[key]; idx != invalidIdx; {
		next := a.blocks[idx].next
		if !visit(&a.blocks[idx]) {
			return
		}
		idx = next
	}
}

// Geometry returns the geometry this ABM was created with.
func (a *ABM) Geometry() geometry.Geometry { return a.g }

// AllBlocksRowMajor returns every block descriptor in (channel, chip,
// block) row-major order, the order the snapshot codec requires (§6).
func (a *ABM) AllBlocksRowMajor() []*Block {
	out := make([]*Block, len(a.blocks))
	for i := range a.blocks {
		out[i] = &a.blocks[i]
	}
	return out
}

// Reset discards all block state and relinks every block onto its
// (channel,chip) free list, as if freshly created. The bad-block scanner
// does not call it (it erases blocks through EraseBlock), and snapshot
// restore starts from New instead.
func (a *ABM) Reset() {
	*a = *New(a.g)
}

// RestoreBlock overwrites the descriptor at (channel,chip,block) with the
// given state/pst/counters/erase-count and re-threads it onto the correct
// list — used by snapshot.Load to rebuild ABM state from a persisted
// record without going through the normal state-transition API (a loaded
// DIRTY block, for instance, never passed through GetFreeBlockCommit).
func (a *ABM) RestoreBlock(ch, chip, block uint64, state BlockState, pst []PageState, nrValid, nrInvalid uint32, eraseCount uint64) error {
	b, err := a.GetBlock(ch, chip, block)
	if err != nil {
		return err
	}
	idx := int32(a.blockIndex(ch, chip, block))
	a.unlink(ch, chip, StateFree, idx) // it was linked onto the fresh-Reset free list
	b.PST = pst
	b.NrValid = nrValid
	b.NrInvalid = nrInvalid
	b.EraseCount = eraseCount
	b.State = state
	a.pushBack(ch, chip, state, idx)
	return nil
}
