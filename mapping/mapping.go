// Package mapping implements the dense page-level logical-to-physical
// mapping table: one MappingEntry per logical page, giving its status and,
// when valid, its physical address.
package mapping

import (
	"fmt"

	"github.com/flashftl/pageftl/abm"
	"github.com/flashftl/pageftl/geometry"
)

// Status is the lifecycle state of one logical page's mapping entry.
type Status uint8

const (
	NotAllocated Status = iota
	Valid
	Invalid
)

func (s Status) String() string {
	switch s {
	case NotAllocated:
		return "NOT_ALLOCATED"
	case Valid:
		return "VALID"
	case Invalid:
		return "INVALID"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// Entry is one logical page's mapping record.
type Entry struct {
	Status  Status
	PhyAddr geometry.PPA // valid only when Status == Valid
}

// ErrOutOfRange is returned when an LPA (or an LPA+len range) exceeds the
// logical address space.
var ErrOutOfRange = fmt.Errorf("mapping: lpa out of range")

// ErrNotMapped is returned by Lookup for an LPA that has never been
// written. It is not an error at the facade level — the facade translates
// it into a "serve zeros" response (§7).
var ErrNotMapped = fmt.Errorf("mapping: lpa not mapped")

// Table is the dense page-level mapping table, indexed by LPA.
type Table struct {
	g       geometry.Geometry
	a       *abm.ABM
	entries []Entry
}

// New creates a mapping table sized for g, every entry NOT_ALLOCATED with
// the sentinel physical address. a is the ABM this table invalidates old
// physical pages through on overwrite/trim — the mapping table is the
// trigger for "this page is now invalid"; marking the new page valid is
// left to the caller of Map (see Map).
func New(g geometry.Geometry, a *abm.ABM) *Table {
	entries := make([]Entry, g.NrPagesPerSSD())
	for i := range entries {
		entries[i] = Entry{Status: NotAllocated, PhyAddr: geometry.InvalidPPA}
	}
	return &Table{g: g, a: a, entries: entries}
}

func (t *Table) checkRange(lpa geometry.LPA) error {
	if uint64(lpa) >= t.g.NrPagesPerSSD() {
		return fmt.Errorf("%w: lpa=%d nr_pages_per_ssd=%d", ErrOutOfRange, lpa, t.g.NrPagesPerSSD())
	}
	return nil
}

// Map records that lpa now lives at ppa. If the entry was already VALID,
// the old physical page is invalidated in the ABM first, then the mapping
// table's OOB side-effect (marking the new page valid) is performed by
// the caller via the ABM — Map itself only invalidates the stale entry and
// rewrites the table; callers (the facade) are responsible for calling
// abm.MarkValid on ppa, matching the original driver's split of
// responsibility between bdbm_page_ftl_map_lpa_to_ppa and the allocator.
func (t *Table) Map(lpa geometry.LPA, ppa geometry.PPA) error {
	if err := t.checkRange(lpa); err != nil {
		return err
	}
	e := &t.entries[lpa]
	if e.Status == Valid {
		old := e.PhyAddr
		if err := t.a.InvalidatePage(old.Channel, old.Chip, old.Block, old.Page); err != nil {
			return fmt.Errorf("mapping: invalidate stale ppa for lpa %d: %w", lpa, err)
		}
	}
	e.Status = Valid
	e.PhyAddr = ppa
	return nil
}

// Lookup returns the physical address mapped to lpa, or ErrNotMapped if
// the entry is not currently VALID.
func (t *Table) Lookup(lpa geometry.LPA) (geometry.PPA, error) {
	if err := t.checkRange(lpa); err != nil {
		return geometry.InvalidPPA, err
	}
	e := &t.entries[lpa]
	if e.Status != Valid {
		return geometry.InvalidPPA, ErrNotMapped
	}
	return e.PhyAddr, nil
}

// InvalidateRange invalidates every VALID entry in [lpa, lpa+len). Entries
// that are not VALID are left untouched (no-op), so calling this twice
// with the same range is idempotent (P8).
func (t *Table) InvalidateRange(lpa geometry.LPA, length uint64) error {
	end := uint64(lpa) + length
	if end > t.g.NrPagesPerSSD() {
		return fmt.Errorf("%w: lpa=%d len=%d nr_pages_per_ssd=%d", ErrOutOfRange, lpa, length, t.g.NrPagesPerSSD())
	}
	for i := uint64(lpa); i < end; i++ {
		e := &t.entries[i]
		if e.Status != Valid {
			continue
		}
		p := e.PhyAddr
		if err := t.a.InvalidatePage(p.Channel, p.Chip, p.Block, p.Page); err != nil {
			return fmt.Errorf("mapping: invalidate lpa %d: %w", i, err)
		}
		e.Status = Invalid
	}
	return nil
}

// Entry returns a copy of the raw entry for lpa, used by the snapshot
// codec (GC recovers a page's LPA from its OOB area instead). Bypasses range-checked errors for
// callers that already know lpa is in range (row-major snapshot walks).
func (t *Table) Entry(lpa geometry.LPA) Entry { return t.entries[lpa] }

// Len returns the number of entries (== geometry.NrPagesPerSSD()).
func (t *Table) Len() int { return len(t.entries) }

// Reset resets every entry to NOT_ALLOCATED with the sentinel address,
// used by the bad-block scanner (§4.6 step 1).
func (t *Table) Reset() {
	for i := range t.entries {
		t.entries[i] = Entry{Status: NotAllocated, PhyAddr: geometry.InvalidPPA}
	}
}

// RestoreEntry overwrites entry lpa during snapshot load. Any status value
// outside {NotAllocated, Valid, Invalid} is coerced to NotAllocated and
// reported back via the ok=false return (§7 SnapshotCorrupt: warning
// only, never fatal).
func (t *Table) RestoreEntry(lpa geometry.LPA, status Status, ppa geometry.PPA) (ok bool) {
	if status != NotAllocated && status != Valid && status != Invalid {
		t.entries[lpa] = Entry{Status: NotAllocated, PhyAddr: geometry.InvalidPPA}
		return false
	}
	t.entries[lpa] = Entry{Status: status, PhyAddr: ppa}
	return true
}
