package llm

import (
	"fmt"
	"sync"

	"github.com/flashftl/pageftl/geometry"
)

// RAMDisk is an in-memory LLM backed by flat byte slices for the main and
// OOB areas, grounded on the dummy device driver's dm_user_make_req: a
// physical address flattens to a single index, and the request's OOB
// buffer is copied in on writes / copied out on reads over the page's
// whole OOB area (up to the buffer's length), not just the LPA tag.
type RAMDisk struct {
	g geometry.Geometry

	mu   sync.Mutex
	main []byte // flat, NrPagesPerSSD * PageMainSize
	oob  []byte // flat, NrPagesPerSSD * PageOOBSize
	bad  map[uint64]bool

	wg sync.WaitGroup

	// InjectFault, when non-nil, is consulted for every request before it
	// is serviced; returning a non-nil error fails the request instead of
	// performing the I/O, for exercising GC/facade error handling in tests.
	InjectFault func(*Request) error
}

// NewRAMDisk allocates a ramdisk sized for g.
func NewRAMDisk(g geometry.Geometry) *RAMDisk {
	n := g.NrBlocksTotal() * g.PagesPerBlock
	return &RAMDisk{
		g:    g,
		main: make([]byte, n*g.PageMainSize),
		oob:  make([]byte, n*g.PageOOBSize),
		bad:  make(map[uint64]bool),
	}
}

func (d *RAMDisk) flatPageIdx(p geometry.PPA) uint64 {
	blocksPerChannel := d.g.ChipsPerChannel * d.g.BlocksPerChip
	block := (p.Channel*d.g.ChipsPerChannel+p.Chip)*d.g.BlocksPerChip + p.Block
	_ = blocksPerChannel
	return block*d.g.PagesPerBlock + p.Page
}

func (d *RAMDisk) flatBlockIdx(p geometry.PPA) uint64 {
	return (p.Channel*d.g.ChipsPerChannel+p.Chip)*d.g.BlocksPerChip + p.Block
}

// MakeReq services req asynchronously on its own goroutine and calls end
// exactly once on completion. Erase acts at block granularity: it zeroes
// every page's main and OOB bytes in the addressed block.
func (d *RAMDisk) MakeReq(req *Request, end EndReqFunc) error {
	if err := d.g.Validate(req.PPA); err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.service(req)
		if end != nil {
			end(req)
		}
	}()
	return nil
}

func (d *RAMDisk) service(req *Request) {
	if d.InjectFault != nil {
		if err := d.InjectFault(req); err != nil {
			req.Ret = err
			return
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	blk := d.flatBlockIdx(req.PPA)
	if d.bad[blk] {
		req.Ret = fmt.Errorf("llm: block %d is bad", blk)
		return
	}

	switch req.Type {
	case HostRead, GCRead:
		idx := d.flatPageIdx(req.PPA)
		mainOff := idx * d.g.PageMainSize
		oobOff := idx * d.g.PageOOBSize
		copy(req.Data, d.main[mainOff:mainOff+d.g.PageMainSize])
		copy(req.OOB, d.oob[oobOff:oobOff+d.g.PageOOBSize])
		req.Ret = nil

	case HostWrite, GCWrite:
		idx := d.flatPageIdx(req.PPA)
		mainOff := idx * d.g.PageMainSize
		oobOff := idx * d.g.PageOOBSize
		copy(d.main[mainOff:mainOff+d.g.PageMainSize], req.Data)
		copy(d.oob[oobOff:oobOff+d.g.PageOOBSize], req.OOB)
		req.Ret = nil

	case GCErase:
		start := blk * d.g.PagesPerBlock
		for p := uint64(0); p < d.g.PagesPerBlock; p++ {
			idx := start + p
			mainOff := idx * d.g.PageMainSize
			oobOff := idx * d.g.PageOOBSize
			clear(d.main[mainOff : mainOff+d.g.PageMainSize])
			clear(d.oob[oobOff : oobOff+d.g.PageOOBSize])
		}
		req.Ret = nil

	case Trim:
		req.Ret = nil

	default:
		req.Ret = fmt.Errorf("llm: unhandled request type %s", req.Type)
	}
}

// Flush blocks until every in-flight request has completed.
func (d *RAMDisk) Flush() error {
	d.wg.Wait()
	return nil
}

// MarkBad force-fails every subsequent request addressed to the block
// containing p.
func (d *RAMDisk) MarkBad(p geometry.PPA) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bad[d.flatBlockIdx(p)] = true
}
