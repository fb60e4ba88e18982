package sparseio

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"io"

	"github.com/pkg/errors"
)

// Extent describes a byte range, in a stream's own coordinate space, that
// is backed by real stored data. Ranges not covered by any Extent are
// implicitly zero. Extents returned by Extents()/ExtentsInRange() are
// always sorted by Start and never overlap.
type Extent struct {
	Start  int64
	Length int64
}

// End returns the exclusive end of the extent.
func (e Extent) End() int64 {
	return e.Start + e.Length
}

// Ownership decides whether closing a wrapper also closes the stream it
// wraps, made explicit at construction time instead of relying on a
// runtime reference count or finalizer.
type Ownership int

const (
	// OwnershipBorrow means Close() on the wrapper does not close the
	// inner stream; the caller retains responsibility for it.
	OwnershipBorrow Ownership = iota
	// OwnershipOwn means Close() on the wrapper also closes the inner
	// stream.
	OwnershipOwn
)

// Stream is the uniform contract every wrapper in this package implements:
// a random-access, byte-addressable view with extent-aware sparsity
// metadata. No implementation here is safe for concurrent use by more than
// one logical caller at a time; independent Stream instances, including
// independently-opened views of the same backing file, may proceed in
// parallel.
type Stream interface {
	// ReadAt reads len(p) bytes (or fewer, at EOF) starting at pos. It
	// never returns err == nil with n < len(p) except at EOF, matching
	// io.ReaderAt's contract.
	ReadAt(p []byte, pos int64) (n int, err error)

	// WriteAt writes p at pos. Streams with a fixed length reject writes
	// that would extend past Length() with ErrWriteBeyondEnd. Read-only
	// streams reject all writes with ErrWriteNotSupported.
	WriteAt(p []byte, pos int64) (n int, err error)

	// Length returns the total addressable length of the stream.
	Length() int64

	// Extents returns the full set of byte ranges backed by real data.
	Extents() ([]Extent, error)

	// ExtentsInRange returns the intersection of Extents() with
	// [start, start+count).
	ExtentsInRange(start, count int64) ([]Extent, error)

	// Close releases any resources held by the stream, subject to its
	// Ownership tag.
	Close() error
}

// PositionStream adds a conventional cursor on top of Stream, for callers
// that want io.Reader/io.Writer/io.Seeker semantics instead of explicit
// positions. Every wrapper below also exposes this via NewCursor.
type PositionStream struct {
	S   Stream
	pos int64
}

// NewCursor wraps a Stream with a position cursor implementing
// io.ReadWriteSeeker.
func NewCursor(s Stream) *PositionStream {
	return &PositionStream{S: s}
}

func (c *PositionStream) Read(p []byte) (int, error) {
	n, err := c.S.ReadAt(p, c.pos)
	c.pos += int64(n)
	return n, err
}

func (c *PositionStream) Write(p []byte) (int, error) {
	n, err := c.S.WriteAt(p, c.pos)
	c.pos += int64(n)
	return n, err
}

func (c *PositionStream) Seek(offset int64, whence int) (int64, error) {
	var aim int64
	switch whence {
	case io.SeekStart:
		aim = offset
	case io.SeekCurrent:
		aim = c.pos + offset
	case io.SeekEnd:
		aim = c.S.Length() + offset
	default:
		return 0, errors.New("sparseio: invalid seek whence")
	}
	if aim < 0 {
		return 0, errors.Wrap(ErrOutOfRange, "seek before start of stream")
	}
	c.pos = aim
	return aim, nil
}

// zeroesAt copies n zero bytes into p starting at offset off within p,
// returning the number of bytes copied. Used by every wrapper to service
// reads that fall in a hole.
func zeroesAt(p []byte, off, n int) int {
	if n <= 0 {
		return 0
	}
	end := off + n
	if end > len(p) {
		end = len(p)
	}
	for i := off; i < end; i++ {
		p[i] = 0
	}
	return end - off
}

// extentsInRange is the shared implementation of the
// "intersection of extents() with [start, start+count)" contract, usable
// by any wrapper that already knows its full extent list.
func extentsInRange(all []Extent, start, count int64) []Extent {
	if count <= 0 {
		return nil
	}
	end := start + count
	var out []Extent
	for _, e := range all {
		if e.End() <= start || e.Start >= end {
			continue
		}
		s := e.Start
		if s < start {
			s = start
		}
		en := e.End()
		if en > end {
			en = end
		}
		out = append(out, Extent{Start: s, Length: en - s})
	}
	return out
}
