// Package geometry describes the immutable shape of a NAND flash array:
// channels, chips per channel, blocks per chip, pages per block, and the
// page sizes. Every other package in this module derives its index
// arithmetic from a Geometry value.
package geometry

import "fmt"

// Geometry is the immutable description of a NAND array. Construct once
// with New and never mutate afterward — every component that holds a
// Geometry assumes it never changes for the lifetime of the device.
type Geometry struct {
	Channels        uint64
	ChipsPerChannel uint64
	BlocksPerChip   uint64
	PagesPerBlock   uint64
	PageMainSize    uint64 // bytes
	PageOOBSize     uint64 // bytes
}

// New validates the four cardinality factors and returns a Geometry.
// All four must be at least 1; page sizes must be positive.
func New(channels, chipsPerChannel, blocksPerChip, pagesPerBlock, pageMainSize, pageOOBSize uint64) (Geometry, error) {
	if channels == 0 || chipsPerChannel == 0 || blocksPerChip == 0 || pagesPerBlock == 0 {
		return Geometry{}, fmt.Errorf("geometry: all of channels/chips/blocks/pages must be >= 1, got %d/%d/%d/%d",
			channels, chipsPerChannel, blocksPerChip, pagesPerBlock)
	}
	if pageMainSize == 0 || pageOOBSize == 0 {
		return Geometry{}, fmt.Errorf("geometry: page sizes must be > 0, got main=%d oob=%d", pageMainSize, pageOOBSize)
	}
	return Geometry{
		Channels:        channels,
		ChipsPerChannel: chipsPerChannel,
		BlocksPerChip:   blocksPerChip,
		PagesPerBlock:   pagesPerBlock,
		PageMainSize:    pageMainSize,
		PageOOBSize:     pageOOBSize,
	}, nil
}

// NrPunits returns the number of parallel units (channel, chip pairs).
func (g Geometry) NrPunits() uint64 { return g.Channels * g.ChipsPerChannel }

// NrPagesPerSSD returns the total logical page count of the array.
func (g Geometry) NrPagesPerSSD() uint64 {
	return g.Channels * g.ChipsPerChannel * g.BlocksPerChip * g.PagesPerBlock
}

// NrBlocksTotal returns the total number of physical blocks on the array.
func (g Geometry) NrBlocksTotal() uint64 {
	return g.Channels * g.ChipsPerChannel * g.BlocksPerChip
}

// PPA is a physical page address: (channel, chip, block, page).
type PPA struct {
	Channel uint64
	Chip    uint64
	Block   uint64
	Page    uint64
}

// InvalidAddrMarker is the sentinel field value used by a not-yet-mapped
// MappingEntry, mirroring PFTL_PAGE_INVALID_ADDR in the original driver.
const InvalidAddrMarker uint64 = ^uint64(0)

// InvalidPPA is the all-fields-sentinel physical address.
var InvalidPPA = PPA{Channel: InvalidAddrMarker, Chip: InvalidAddrMarker, Block: InvalidAddrMarker, Page: InvalidAddrMarker}

// IsInvalid reports whether ppa is the sentinel address.
func (p PPA) IsInvalid() bool { return p == InvalidPPA }

// PunitID computes the parallel-unit identifier for a PPA, following the
// chip*channels+channel convention documented in the design notes (§9):
// the 2-D (channel, chip) array is flattened 1-D, indexed chip-major.
func (g Geometry) PunitID(p PPA) uint64 {
	return p.Chip*g.Channels + p.Channel
}

// PunitCoords decodes a parallel-unit id back into (channel, chip), the
// inverse of PunitID — row-major, channel varying fastest.
func (g Geometry) PunitCoords(punit uint64) (channel, chip uint64) {
	return punit % g.Channels, punit / g.Channels
}

// Validate checks that a PPA's fields are within bounds for this geometry.
func (g Geometry) Validate(p PPA) error {
	if p.Channel >= g.Channels {
		return fmt.Errorf("geometry: channel %d out of range [0,%d)", p.Channel, g.Channels)
	}
	if p.Chip >= g.ChipsPerChannel {
		return fmt.Errorf("geometry: chip %d out of range [0,%d)", p.Chip, g.ChipsPerChannel)
	}
	if p.Block >= g.BlocksPerChip {
		return fmt.Errorf("geometry: block %d out of range [0,%d)", p.Block, g.BlocksPerChip)
	}
	if p.Page >= g.PagesPerBlock {
		return fmt.Errorf("geometry: page %d out of range [0,%d)", p.Page, g.PagesPerBlock)
	}
	return nil
}

// LPA is a logical page address, a plain index into [0, NrPagesPerSSD).
type LPA uint64
