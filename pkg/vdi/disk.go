package vdi

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"github.com/pkg/errors"
	"github.com/vorteil/vorteil/pkg/sparseio"
)

// Disk is an opened VDI virtual disk: a single sparseio.Stream backed by a
// block allocation table, with allocate-on-write support when the backing
// stream is writable.
type Disk struct {
	s    sparseio.Stream
	pre  preHeader
	hdr  Header
	table []uint32

	blockTableOffset int64

	// parent, if set, would back BlockFree reads for a differencing VDI.
	// TODO: Use parent. VDI differencing read-through is not implemented;
	// ReadAt currently treats BlockFree identically to BlockZero.
	parent sparseio.Stream

	// OnFirstWrite, if set, fires once on the first successful allocating
	// write to this disk (a hook for snapshot-on-write callers).
	OnFirstWrite func()
	firstWriteFired bool
}

// OpenDisk parses the pre-header, header and block table from s and
// returns a ready-to-use Disk.
func OpenDisk(s sparseio.Stream) (*Disk, error) {
	pre, hdr, err := readPreHeaderAndHeader(s)
	if err != nil {
		return nil, err
	}
	table, err := readBlockTable(s, int64(hdr.OffsetBmap), hdr.BlocksInImage)
	if err != nil {
		return nil, err
	}
	return &Disk{
		s:                s,
		pre:              pre,
		hdr:              hdr,
		table:            table,
		blockTableOffset: int64(hdr.OffsetBmap),
	}, nil
}

// WithParent attaches a parent stream for a differencing VDI chain. Wired
// for future use; ReadAt does not currently consult it.
func (d *Disk) WithParent(parent sparseio.Stream) *Disk {
	d.parent = parent
	return d
}

func (d *Disk) Length() int64 { return int64(d.hdr.DiskSize) }

func (d *Disk) BlocksAllocated() uint32 { return d.hdr.BlocksAllocated }

func (d *Disk) Header() Header { return d.hdr }

func (d *Disk) ReadAt(p []byte, pos int64) (int, error) {
	if pos < 0 {
		return 0, errors.Wrap(sparseio.ErrOutOfRange, "vdi: read before start of disk")
	}
	length := int64(d.hdr.DiskSize)
	if pos >= length {
		return 0, nil
	}
	total := int64(len(p))
	if pos+total > length {
		total = length - pos
	}

	blockSize := int64(d.hdr.BlockSize)
	var done int64
	for done < total {
		cur := pos + done
		block := cur / blockSize
		offsetInBlock := cur % blockSize
		take := total - done
		if remaining := blockSize - offsetInBlock; take > remaining {
			take = remaining
		}

		entry := d.table[block]
		switch entry {
		case BlockFree, BlockZero:
			zeroFill(p[done : done+take])
		default:
			phys := physicalBlockOffset(&d.hdr, entry) + offsetInBlock
			if _, err := d.s.ReadAt(p[done:done+take], phys); err != nil {
				return int(done), errors.Wrap(err, "vdi: reading block")
			}
		}

		done += take
	}

	return int(total), nil
}

// WriteAt implements allocate-on-write: a block table entry is only
// assigned a physical slot the first time a write touches it with
// non-zero data. Writing all-zero data into an unallocated block is a
// no-op that keeps the block sparse.
func (d *Disk) WriteAt(p []byte, pos int64) (int, error) {
	if pos < 0 {
		return 0, errors.Wrap(sparseio.ErrOutOfRange, "vdi: write before start of disk")
	}
	length := int64(d.hdr.DiskSize)
	if pos+int64(len(p)) > length {
		return 0, errors.Wrap(sparseio.ErrWriteBeyondEnd, "vdi: write beyond end of disk")
	}

	blockSize := int64(d.hdr.BlockSize)
	total := int64(len(p))
	var done int64
	for done < total {
		cur := pos + done
		block := cur / blockSize
		offsetInBlock := cur % blockSize
		take := total - done
		if remaining := blockSize - offsetInBlock; take > remaining {
			take = remaining
		}
		chunk := p[done : done+take]

		entry := d.table[block]
		switch {
		case entry != BlockFree && entry != BlockZero:
			phys := physicalBlockOffset(&d.hdr, entry) + offsetInBlock
			if _, err := d.s.WriteAt(chunk, phys); err != nil {
				return int(done), errors.Wrap(err, "vdi: overwriting block")
			}
		case isAllZero(chunk):
			// leave the sentinel in place; block stays unallocated
		default:
			if err := d.allocateBlock(uint32(block), offsetInBlock, chunk); err != nil {
				return int(done), err
			}
		}

		done += take
	}

	return int(total), nil
}

// allocateBlock assigns block the next free physical slot, writing a
// zero-padded full block if chunk does not cover the whole block, then
// updates the header and on-disk table entry in that order.
func (d *Disk) allocateBlock(block uint32, offsetInBlock int64, chunk []byte) error {
	blockSize := int64(d.hdr.BlockSize)
	slot := d.hdr.BlocksAllocated

	var full []byte
	if offsetInBlock == 0 && int64(len(chunk)) == blockSize {
		full = chunk
	} else {
		full = make([]byte, blockSize)
		copy(full[offsetInBlock:], chunk)
	}

	phys := physicalBlockOffset(&d.hdr, slot)
	if _, err := d.s.WriteAt(full, phys); err != nil {
		return errors.Wrap(err, "vdi: writing new block")
	}

	d.hdr.BlocksAllocated = slot + 1
	if err := writeHeader(d.s, &d.hdr); err != nil {
		return err
	}

	d.table[block] = slot
	if err := writeBlockTableEntry(d.s, d.blockTableOffset, block, slot); err != nil {
		return err
	}

	if !d.firstWriteFired {
		d.firstWriteFired = true
		if d.OnFirstWrite != nil {
			d.OnFirstWrite()
		}
	}

	return nil
}

// Extents collapses consecutive allocated blocks into byte ranges.
func (d *Disk) Extents() ([]sparseio.Extent, error) {
	return d.ExtentsInRange(0, d.Length())
}

func (d *Disk) ExtentsInRange(start, count int64) ([]sparseio.Extent, error) {
	blockSize := int64(d.hdr.BlockSize)
	end := start + count
	if end > d.Length() {
		end = d.Length()
	}

	var out []sparseio.Extent
	if end <= start {
		return out, nil
	}
	firstBlock := start / blockSize
	lastBlock := (end - 1) / blockSize
	for b := firstBlock; b <= lastBlock && b < int64(len(d.table)); b++ {
		if d.table[b] == BlockFree || d.table[b] == BlockZero {
			continue
		}
		blockStart := b * blockSize
		blockEnd := blockStart + blockSize
		if blockStart < start {
			blockStart = start
		}
		if blockEnd > end {
			blockEnd = end
		}
		if len(out) > 0 {
			last := &out[len(out)-1]
			if last.Start+last.Length == blockStart {
				last.Length += blockEnd - blockStart
				continue
			}
		}
		out = append(out, sparseio.Extent{Start: blockStart, Length: blockEnd - blockStart})
	}
	return out, nil
}

func (d *Disk) Close() error { return d.s.Close() }

func zeroFill(p []byte) {
	for i := range p {
		p[i] = 0
	}
}

func isAllZero(p []byte) bool {
	for _, b := range p {
		if b != 0 {
			return false
		}
	}
	return true
}
