// Package snapshot implements the two-file persistence protocol: an ABM
// file (by convention a fixed, configurable path) and a mapping-table file
// (always caller-supplied). Both use a little-endian binary framing with a
// trailing CRC32-C checksum, in the style of the pager's page-header
// checksum scheme, and are tagged with a shared session UUID so a loader
// can tell whether the two files were written by the same Store call.
package snapshot

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/flashftl/pageftl/abm"
	"github.com/flashftl/pageftl/allocator"
	"github.com/flashftl/pageftl/geometry"
	"github.com/flashftl/pageftl/mapping"
)

const (
	abmMagic   uint32 = 0x50465441 // "PFTA"
	mapMagic   uint32 = 0x5046544D // "PFTM"
	formatVer1 uint32 = 1
)

// crcTable is the CRC32 (Castagnoli) table used throughout, matching the
// pager's page-checksum convention.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ErrFormatMismatch is returned when a file's magic or version doesn't
// match what this package writes.
var ErrFormatMismatch = fmt.Errorf("snapshot: unrecognized file format")

// ErrCorrupt is returned when a file's trailing CRC doesn't match its
// contents.
var ErrCorrupt = fmt.Errorf("snapshot: checksum mismatch")

// crcWriter wraps a writer and a running CRC32-C, so the checksum can be
// computed in one streaming pass over the same bytes being written.
type crcWriter struct {
	w   io.Writer
	crc uint32
}

func newCRCWriter(w io.Writer) *crcWriter { return &crcWriter{w: w} }

func (c *crcWriter) Write(p []byte) (int, error) {
	c.crc = crc32.Update(c.crc, crcTable, p)
	return c.w.Write(p)
}

type crcReader struct {
	r   io.Reader
	crc uint32
}

func newCRCReader(r io.Reader) *crcReader { return &crcReader{r: r} }

func (c *crcReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.crc = crc32.Update(c.crc, crcTable, p[:n])
	return n, err
}

// ─── ABM file ────────────────────────────────────────────────────────────

// StoreABM writes a's full block-descriptor state to path, tagged with
// sessionID. It truncates/creates the file.
func StoreABM(path string, a *abm.ABM, sessionID uuid.UUID) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("snapshot: create %s: %w", path, err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	cw := newCRCWriter(bw)

	g := a.Geometry()
	if err := writeUint32(cw, abmMagic); err != nil {
		return err
	}
	if err := writeUint32(cw, formatVer1); err != nil {
		return err
	}
	idBytes, _ := sessionID.MarshalBinary()
	if _, err := cw.Write(idBytes); err != nil {
		return fmt.Errorf("snapshot: write session id: %w", err)
	}
	for _, v := range []uint64{g.Channels, g.ChipsPerChannel, g.BlocksPerChip, g.PagesPerBlock, g.PageMainSize, g.PageOOBSize} {
		if err := writeUint64(cw, v); err != nil {
			return err
		}
	}

	for _, b := range a.AllBlocksRowMajor() {
		if _, err := cw.Write([]byte{byte(b.State)}); err != nil {
			return err
		}
		if err := writeUint32(cw, b.NrValid); err != nil {
			return err
		}
		if err := writeUint32(cw, b.NrInvalid); err != nil {
			return err
		}
		if err := writeUint64(cw, b.EraseCount); err != nil {
			return err
		}
		pstBytes := make([]byte, len(b.PST))
		for i, ps := range b.PST {
			pstBytes[i] = byte(ps)
		}
		if _, err := cw.Write(pstBytes); err != nil {
			return err
		}
	}

	if err := writeUint32(bw, cw.crc); err != nil {
		return fmt.Errorf("snapshot: write abm crc: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("snapshot: flush %s: %w", path, err)
	}
	return f.Sync()
}

// LoadABM reads a fully-formed ABM back from path, validating geometry
// compatibility and the trailing checksum.
func LoadABM(path string, g geometry.Geometry) (*abm.ABM, uuid.UUID, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("snapshot: open %s: %w", path, err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	cr := newCRCReader(br)

	magic, err := readUint32(cr)
	if err != nil {
		return nil, uuid.Nil, err
	}
	ver, err := readUint32(cr)
	if err != nil {
		return nil, uuid.Nil, err
	}
	if magic != abmMagic || ver != formatVer1 {
		return nil, uuid.Nil, fmt.Errorf("%w: abm file %s", ErrFormatMismatch, path)
	}
	idBytes := make([]byte, 16)
	if _, err := io.ReadFull(cr, idBytes); err != nil {
		return nil, uuid.Nil, fmt.Errorf("snapshot: read session id: %w", err)
	}
	sessionID, err := uuid.FromBytes(idBytes)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("snapshot: parse session id: %w", err)
	}

	var chans, chips, blocksPerChip, pagesPerBlock, mainSize, oobSize uint64
	for _, p := range []*uint64{&chans, &chips, &blocksPerChip, &pagesPerBlock, &mainSize, &oobSize} {
		v, err := readUint64(cr)
		if err != nil {
			return nil, uuid.Nil, err
		}
		*p = v
	}
	if chans != g.Channels || chips != g.ChipsPerChannel || blocksPerChip != g.BlocksPerChip ||
		pagesPerBlock != g.PagesPerBlock || mainSize != g.PageMainSize || oobSize != g.PageOOBSize {
		return nil, uuid.Nil, fmt.Errorf("snapshot: abm file geometry does not match configured geometry")
	}

	a := abm.New(g)
	for ch := uint64(0); ch < g.Channels; ch++ {
		for chip := uint64(0); chip < g.ChipsPerChannel; chip++ {
			for blk := uint64(0); blk < g.BlocksPerChip; blk++ {
				stateByte := make([]byte, 1)
				if _, err := io.ReadFull(cr, stateByte); err != nil {
					return nil, uuid.Nil, fmt.Errorf("snapshot: read block state: %w", err)
				}
				nrValid, err := readUint32(cr)
				if err != nil {
					return nil, uuid.Nil, err
				}
				nrInvalid, err := readUint32(cr)
				if err != nil {
					return nil, uuid.Nil, err
				}
				eraseCount, err := readUint64(cr)
				if err != nil {
					return nil, uuid.Nil, err
				}
				pstBytes := make([]byte, pagesPerBlock)
				if _, err := io.ReadFull(cr, pstBytes); err != nil {
					return nil, uuid.Nil, fmt.Errorf("snapshot: read pst: %w", err)
				}
				pst := make([]abm.PageState, pagesPerBlock)
				for i, pb := range pstBytes {
					pst[i] = abm.PageState(pb)
				}
				if err := a.RestoreBlock(ch, chip, blk, abm.BlockState(stateByte[0]), pst, nrValid, nrInvalid, eraseCount); err != nil {
					return nil, uuid.Nil, fmt.Errorf("snapshot: restore block (%d,%d,%d): %w", ch, chip, blk, err)
				}
			}
		}
	}

	wantCRC, err := readUint32(br)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("snapshot: read abm crc: %w", err)
	}
	if wantCRC != cr.crc {
		return nil, uuid.Nil, fmt.Errorf("%w: abm file %s", ErrCorrupt, path)
	}

	return a, sessionID, nil
}

// ─── Mapping file ────────────────────────────────────────────────────────

// StoreMapping writes m's entries to path, tagged with sessionID.
func StoreMapping(path string, m *mapping.Table, sessionID uuid.UUID) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("snapshot: create %s: %w", path, err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	cw := newCRCWriter(bw)

	if err := writeUint32(cw, mapMagic); err != nil {
		return err
	}
	if err := writeUint32(cw, formatVer1); err != nil {
		return err
	}
	idBytes, _ := sessionID.MarshalBinary()
	if _, err := cw.Write(idBytes); err != nil {
		return fmt.Errorf("snapshot: write session id: %w", err)
	}
	if err := writeUint64(cw, uint64(m.Len())); err != nil {
		return err
	}

	for i := 0; i < m.Len(); i++ {
		e := m.Entry(geometry.LPA(i))
		if _, err := cw.Write([]byte{byte(e.Status)}); err != nil {
			return err
		}
		for _, v := range []uint64{e.PhyAddr.Channel, e.PhyAddr.Chip, e.PhyAddr.Block, e.PhyAddr.Page} {
			if err := writeUint64(cw, v); err != nil {
				return err
			}
		}
	}

	if err := writeUint32(bw, cw.crc); err != nil {
		return fmt.Errorf("snapshot: write mapping crc: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("snapshot: flush %s: %w", path, err)
	}
	return f.Sync()
}

// LoadMapping reads entries from path into m, which must already be sized
// for the target geometry. It returns the file's session id and the
// number of entries whose on-disk status was unrecognized and coerced to
// NOT_ALLOCATED (a warning condition, never fatal, per the original
// driver's "snapshot: invalid status" message).
func LoadMapping(path string, m *mapping.Table) (uuid.UUID, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("snapshot: open %s: %w", path, err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	cr := newCRCReader(br)

	magic, err := readUint32(cr)
	if err != nil {
		return uuid.Nil, 0, err
	}
	ver, err := readUint32(cr)
	if err != nil {
		return uuid.Nil, 0, err
	}
	if magic != mapMagic || ver != formatVer1 {
		return uuid.Nil, 0, fmt.Errorf("%w: mapping file %s", ErrFormatMismatch, path)
	}
	idBytes := make([]byte, 16)
	if _, err := io.ReadFull(cr, idBytes); err != nil {
		return uuid.Nil, 0, fmt.Errorf("snapshot: read session id: %w", err)
	}
	sessionID, err := uuid.FromBytes(idBytes)
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("snapshot: parse session id: %w", err)
	}

	nrEntries, err := readUint64(cr)
	if err != nil {
		return uuid.Nil, 0, err
	}
	if int(nrEntries) != m.Len() {
		return uuid.Nil, 0, fmt.Errorf("snapshot: mapping file has %d entries, table sized for %d", nrEntries, m.Len())
	}

	var corrupted int
	for i := uint64(0); i < nrEntries; i++ {
		statusByte := make([]byte, 1)
		if _, err := io.ReadFull(cr, statusByte); err != nil {
			return uuid.Nil, 0, fmt.Errorf("snapshot: read entry %d status: %w", i, err)
		}
		var ch, chip, block, page uint64
		for _, p := range []*uint64{&ch, &chip, &block, &page} {
			v, err := readUint64(cr)
			if err != nil {
				return uuid.Nil, 0, err
			}
			*p = v
		}
		ppa := geometry.PPA{Channel: ch, Chip: chip, Block: block, Page: page}
		if ok := m.RestoreEntry(geometry.LPA(i), mapping.Status(statusByte[0]), ppa); !ok {
			corrupted++
		}
	}

	wantCRC, err := readUint32(br)
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("snapshot: read mapping crc: %w", err)
	}
	if wantCRC != cr.crc {
		return uuid.Nil, 0, fmt.Errorf("%w: mapping file %s", ErrCorrupt, path)
	}

	return sessionID, corrupted, nil
}

// ─── Orchestration ───────────────────────────────────────────────────────

// Store persists the full FTL state across the two files, tagging both
// with a freshly generated shared session id. Before writing the mapping
// table, it invalidates every remaining unwritten page of every punit's
// current active block — "ugly" but necessary: a freshly primed allocator
// on Load always restarts its cursor at (punit 0, offset 0) with new
// active blocks, so the old active blocks' unused capacity must be
// accounted for as spent, not left dangling as phantom free pages.
func Store(abmPath, mappingPath string, a *abm.ABM, m *mapping.Table, al *allocator.Allocator) error {
	g := a.Geometry()
	if err := simulateCursorWrapInvalidate(al, a, g); err != nil {
		return fmt.Errorf("snapshot: simulate cursor wrap: %w", err)
	}

	sessionID := uuid.New()
	if err := StoreMapping(mappingPath, m, sessionID); err != nil {
		return err
	}
	if err := StoreABM(abmPath, a, sessionID); err != nil {
		return err
	}
	return nil
}

func simulateCursorWrapInvalidate(al *allocator.Allocator, a *abm.ABM, g geometry.Geometry) error {
	puid, ofs := al.Cursor()
	for {
		b := al.CurrentActiveBlock(puid)
		if err := a.InvalidatePage(b.Channel, b.Chip, b.BlockNo, ofs); err != nil {
			return err
		}
		if puid+1 == g.NrPunits() {
			puid = 0
			ofs++
			if ofs == g.PagesPerBlock {
				return nil
			}
		} else {
			puid++
		}
	}
}

// Load restores ABM and mapping state from the two files and re-primes a
// fresh allocator, exactly as bdbm_page_ftl_load does: the allocator's
// cursor always restarts at (punit 0, offset 0) with newly chosen active
// blocks, never the position Store found it in.
func Load(abmPath, mappingPath string, g geometry.Geometry) (*abm.ABM, *mapping.Table, *allocator.Allocator, error) {
	a, abmSession, err := LoadABM(abmPath, g)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("snapshot: load abm: %w", err)
	}

	m := mapping.New(g, a)
	mapSession, _, err := LoadMapping(mappingPath, m)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("snapshot: load mapping: %w", err)
	}
	if abmSession != mapSession {
		return nil, nil, nil, fmt.Errorf("snapshot: abm file and mapping file belong to different sessions (%s vs %s)", abmSession, mapSession)
	}

	al, err := allocator.New(g, a)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("snapshot: re-prime allocator: %w", err)
	}

	return a, m, al, nil
}

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("snapshot: read uint32: %w", err)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("snapshot: read uint64: %w", err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
