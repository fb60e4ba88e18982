package sparseio

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"math"

	"github.com/pkg/errors"
)

// AligningStream preserves a parent stream's position semantics while
// rounding every underlying I/O call out to block boundaries. Reads that
// straddle a boundary are serviced by reading the full aligned window and
// copying the requested slice out of it; writes that straddle a boundary
// read-modify-write the partial head/tail blocks and pass the aligned
// middle straight through. It keeps one reusable blockSize-byte scratch
// buffer for read-modify-write.
type AligningStream struct {
	parent    Stream
	blockSize int64
	ownership Ownership
	scratch   []byte
}

// NewAligningStream wraps parent, aligning all underlying I/O to
// blockSize-byte boundaries.
func NewAligningStream(parent Stream, blockSize int64, ownership Ownership) *AligningStream {
	return &AligningStream{
		parent:    parent,
		blockSize: blockSize,
		ownership: ownership,
		scratch:   make([]byte, blockSize),
	}
}

func (a *AligningStream) Length() int64 { return a.parent.Length() }

func alignDown(pos, block int64) int64 { return (pos / block) * block }
func alignUp(pos, block int64) int64   { return alignDown(pos+block-1, block) }

func (a *AligningStream) checkWindow(lo, hi int64) error {
	if hi-lo > math.MaxInt32 {
		return errors.Wrap(ErrOversizedAlignment, "aligned window exceeds maximum size")
	}
	return nil
}

func (a *AligningStream) ReadAt(p []byte, pos int64) (int, error) {
	n := len(p)
	if n == 0 {
		return 0, nil
	}

	lo := alignDown(pos, a.blockSize)
	hi := alignUp(pos+int64(n), a.blockSize)
	if err := a.checkWindow(lo, hi); err != nil {
		return 0, err
	}

	window := make([]byte, hi-lo)
	rn, err := a.parent.ReadAt(window, lo)
	if err != nil {
		return 0, err
	}

	start := pos - lo
	avail := int64(rn) - start
	if avail < 0 {
		avail = 0
	}
	want := int64(n)
	if avail < want {
		want = avail
	}
	if want <= 0 {
		return 0, nil
	}
	copy(p[:want], window[start:start+want])
	return int(want), nil
}

// rmwBlock reads the aligned block containing pos, overlays data at the
// in-block offset, and writes the whole block back.
func (a *AligningStream) rmwBlock(blockStart, inBlockOffset int64, data []byte) error {
	buf := a.scratch
	_, err := a.parent.ReadAt(buf, blockStart)
	if err != nil {
		return err
	}
	copy(buf[inBlockOffset:], data)
	_, err = a.parent.WriteAt(buf, blockStart)
	return err
}

func (a *AligningStream) WriteAt(p []byte, pos int64) (int, error) {
	n := int64(len(p))
	if n == 0 {
		return 0, nil
	}
	if pos+n > a.Length() {
		return 0, errors.Wrap(ErrWriteBeyondEnd, "aligning stream")
	}

	lo := alignDown(pos, a.blockSize)
	hi := alignUp(pos+n, a.blockSize)
	if err := a.checkWindow(lo, hi); err != nil {
		return 0, err
	}

	cursor := pos
	remaining := p

	// Head: partial leading block.
	if cursor%a.blockSize != 0 {
		blockStart := alignDown(cursor, a.blockSize)
		inBlock := cursor - blockStart
		take := a.blockSize - inBlock
		if take > int64(len(remaining)) {
			take = int64(len(remaining))
		}
		if err := a.rmwBlock(blockStart, inBlock, remaining[:take]); err != nil {
			return 0, err
		}
		cursor += take
		remaining = remaining[take:]
	}

	// Middle: full aligned blocks pass straight through.
	if len(remaining) > 0 {
		fullLen := alignDown(int64(len(remaining)), a.blockSize)
		if fullLen > 0 {
			if _, err := a.parent.WriteAt(remaining[:fullLen], cursor); err != nil {
				return 0, err
			}
			cursor += fullLen
			remaining = remaining[fullLen:]
		}
	}

	// Tail: partial trailing block.
	if len(remaining) > 0 {
		blockStart := alignDown(cursor, a.blockSize)
		inBlock := cursor - blockStart
		if err := a.rmwBlock(blockStart, inBlock, remaining); err != nil {
			return 0, err
		}
	}

	return len(p), nil
}

func (a *AligningStream) Extents() ([]Extent, error)  { return a.parent.Extents() }
func (a *AligningStream) ExtentsInRange(start, count int64) ([]Extent, error) {
	return a.parent.ExtentsInRange(start, count)
}

func (a *AligningStream) Close() error {
	if a.ownership == OwnershipOwn {
		return a.parent.Close()
	}
	return nil
}
