// Package badblock implements the destructive bad-block bring-up scan:
// reset the mapping table, erase every block on the array while recording
// which ones fail, persist the resulting ABM, then re-prime the
// allocator's active blocks. Grounded on bdbm_page_badblock_scan /
// __bdbm_page_badblock_scan_eraseblks.
package badblock

import (
	"fmt"

	"github.com/flashftl/pageftl/abm"
	"github.com/flashftl/pageftl/allocator"
	"github.com/flashftl/pageftl/geometry"
	"github.com/flashftl/pageftl/llm"
	"github.com/flashftl/pageftl/mapping"
)

// Result reports how many blocks came up bad during the scan.
type Result struct {
	BlocksErased uint64
	BlocksBad    uint64
}

// Persist is called once per scan, after every block has been erased and
// before the allocator is re-primed, so the caller can snapshot the ABM
// mid-scan exactly as the original driver does (store ABM, then get
// active blocks). A nil Persist skips this step.
type Persist func(*abm.ABM) error

// Scan performs the full bring-up sequence: reset m, erase every block
// across every punit simultaneously per block index, invoke persist, and
// hand back a freshly primed allocator. This is a one-shot, destructive
// operation — any data previously stored on the array is gone.
func Scan(g geometry.Geometry, a *abm.ABM, m *mapping.Table, dev llm.LLM, persist Persist) (*allocator.Allocator, Result, error) {
	var res Result

	// step 1: reset the page-level mapping table.
	m.Reset()

	// step 2: erase every block, one block index at a time across all
	// punits simultaneously, recording failures as bad blocks.
	if err := dev.Flush(); err != nil {
		return nil, res, fmt.Errorf("badblock: flush before scan: %w", err)
	}
	for blockNo := uint64(0); blockNo < g.BlocksPerChip; blockNo++ {
		if err := eraseAcrossPunits(g, a, dev, blockNo, &res); err != nil {
			return nil, res, err
		}
	}

	// step 3: persist the ABM snapshot mid-scan, before active blocks are
	// re-primed (the original stores before calling get_active_blocks).
	if persist != nil {
		if err := persist(a); err != nil {
			return nil, res, fmt.Errorf("badblock: persist abm: %w", err)
		}
	}

	// step 4: re-prime the allocator's active blocks and reset its cursor.
	al, err := allocator.New(g, a)
	if err != nil {
		return nil, res, fmt.Errorf("badblock: re-prime allocator: %w", err)
	}

	return al, res, nil
}

func eraseAcrossPunits(g geometry.Geometry, a *abm.ABM, dev llm.LLM, blockNo uint64, res *Result) error {
	type outcome struct {
		ch, chip uint64
		err      error
	}
	done := make(chan outcome, g.NrPunits())

	for ch := uint64(0); ch < g.Channels; ch++ {
		for chip := uint64(0); chip < g.ChipsPerChannel; chip++ {
			ch, chip := ch, chip
			ppa := geometry.PPA{Channel: ch, Chip: chip, Block: blockNo}
			req := &llm.Request{Type: llm.GCErase, PPA: ppa}
			if err := dev.MakeReq(req, func(r *llm.Request) {
				done <- outcome{ch: ch, chip: chip, err: r.Ret}
			}); err != nil {
				return fmt.Errorf("badblock: submit erase ch=%d chip=%d block=%d: %w", ch, chip, blockNo, err)
			}
		}
	}

	for i := uint64(0); i < g.NrPunits(); i++ {
		o := <-done
		bad := o.err != nil
		if err := a.EraseBlock(o.ch, o.chip, blockNo, bad); err != nil {
			return fmt.Errorf("badblock: abm erase ch=%d chip=%d block=%d: %w", o.ch, o.chip, blockNo, err)
		}
		res.BlocksErased++
		if bad {
			res.BlocksBad++
		}
	}
	return nil
}
