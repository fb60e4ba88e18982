package sparseio

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"io"
	"sort"

	"github.com/pkg/errors"
)

// copyChunkSize is the chunk size WriteTo uses when copying a built
// stream out to a sink.
const copyChunkSize = 64 * 1024

// BuilderExtent is an immutable (start, length) tuple with a read callback
// and a prepare/dispose lifecycle. Within a BuiltStream, extents are
// sorted by Start; they may be non-contiguous, and gaps between them read
// as zero.
type BuilderExtent struct {
	Start  int64
	Length int64

	// ReadAt reads up to len(p) bytes starting at diskOffset, which is
	// always within [Start, Start+Length).
	ReadAt func(diskOffset int64, p []byte) (int, error)

	// PrepareForRead is called the first time a read touches this
	// extent. It may be nil.
	PrepareForRead func() error

	// DisposeReadState is called when the cursor leaves this extent. It
	// may be nil.
	DisposeReadState func() error
}

func (e BuilderExtent) End() int64 { return e.Start + e.Length }

// BuiltStream is a read-only composite stream assembled from a sorted list
// of BuilderExtent. It is single-shot: builders do not support writes.
type BuiltStream struct {
	length  int64
	extents []BuilderExtent

	current      int // index of the currently-prepared extent, or -1
	currentReady bool
}

// NewBuiltStream sorts extents by Start and returns a BuiltStream of the
// given total length. It panics if extents overlap, matching the
// invariant that a caller-assembled extent list must already be disjoint.
func NewBuiltStream(length int64, extents []BuilderExtent) *BuiltStream {
	sorted := make([]BuilderExtent, len(extents))
	copy(sorted, extents)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	for i := 1; i < len(sorted); i++ {
		if sorted[i].Start < sorted[i-1].End() {
			panic("sparseio: overlapping builder extents")
		}
	}

	return &BuiltStream{length: length, extents: sorted, current: -1}
}

func (b *BuiltStream) Length() int64 { return b.length }

// find returns the index of the extent containing pos via binary search,
// or -1 if pos falls in a gap (together with the start of the next
// extent, for computing how far the gap reaches).
func (b *BuiltStream) find(pos int64) (idx int, nextStart int64) {
	lo, hi := 0, len(b.extents)
	for lo < hi {
		mid := (lo + hi) / 2
		e := b.extents[mid]
		switch {
		case pos < e.Start:
			hi = mid
		case pos >= e.End():
			lo = mid + 1
		default:
			return mid, e.Start
		}
	}
	next := b.length
	if lo < len(b.extents) {
		next = b.extents[lo].Start
	}
	return -1, next
}

func (b *BuiltStream) enter(idx int) error {
	if b.current == idx && b.currentReady {
		return nil
	}
	if err := b.leaveCurrent(); err != nil {
		return err
	}
	b.current = idx
	if idx >= 0 && b.extents[idx].PrepareForRead != nil {
		if err := b.extents[idx].PrepareForRead(); err != nil {
			return err
		}
	}
	b.currentReady = true
	return nil
}

func (b *BuiltStream) leaveCurrent() error {
	if b.current >= 0 && b.currentReady {
		e := b.extents[b.current]
		if e.DisposeReadState != nil {
			if err := e.DisposeReadState(); err != nil {
				return err
			}
		}
	}
	b.currentReady = false
	return nil
}

func (b *BuiltStream) ReadAt(p []byte, pos int64) (int, error) {
	if pos < 0 {
		return 0, errors.Wrap(ErrOutOfRange, "built stream read before start")
	}
	if pos >= b.length {
		return 0, nil
	}
	if remain := b.length - pos; int64(len(p)) > remain {
		p = p[:remain]
	}

	var done int
	for done < len(p) {
		cur := pos + int64(done)
		idx, nextStart := b.find(cur)

		if idx < 0 {
			gap := int(nextStart - cur)
			if gap > len(p)-done {
				gap = len(p) - done
			}
			zeroesAt(p, done, gap)
			done += gap
			continue
		}

		if err := b.enter(idx); err != nil {
			return done, err
		}

		e := b.extents[idx]
		avail := int(e.End() - cur)
		chunk := len(p) - done
		if chunk > avail {
			chunk = avail
		}
		n, err := e.ReadAt(cur, p[done:done+chunk])
		done += n
		if err != nil {
			return done, err
		}
		if n == 0 {
			break
		}
	}

	return done, nil
}

func (b *BuiltStream) WriteAt(p []byte, pos int64) (int, error) {
	return 0, errors.Wrap(ErrWriteNotSupported, "built stream is read-only")
}

func (b *BuiltStream) Extents() ([]Extent, error) {
	out := make([]Extent, len(b.extents))
	for i, e := range b.extents {
		out[i] = Extent{Start: e.Start, Length: e.Length}
	}
	return out, nil
}

func (b *BuiltStream) ExtentsInRange(start, count int64) ([]Extent, error) {
	all, _ := b.Extents()
	return extentsInRange(all, start, count), nil
}

func (b *BuiltStream) Close() error {
	return b.leaveCurrent()
}

// Builder assembles a BuiltStream from a format-specific layout pass. The
// FixLayout hook computes the extent list and total length; WriteTo then
// copies the resulting stream to a sink in fixed-size chunks.
type Builder struct {
	FixLayout func() (length int64, extents []BuilderExtent, err error)
}

// Build runs FixLayout and wraps the result in a BuiltStream.
func (b *Builder) Build() (*BuiltStream, error) {
	length, extents, err := b.FixLayout()
	if err != nil {
		return nil, err
	}
	return NewBuiltStream(length, extents), nil
}

// WriteTo copies a built stream to sink in 64 KiB chunks.
func WriteTo(s Stream, sink io.Writer) (int64, error) {
	buf := make([]byte, copyChunkSize)
	var written int64
	length := s.Length()
	for written < length {
		chunk := int64(len(buf))
		if remain := length - written; chunk > remain {
			chunk = remain
		}
		n, err := s.ReadAt(buf[:chunk], written)
		if n > 0 {
			wn, werr := sink.Write(buf[:n])
			written += int64(wn)
			if werr != nil {
				return written, werr
			}
		}
		if err != nil && err != io.EOF {
			return written, err
		}
		if n == 0 {
			break
		}
	}
	return written, nil
}
