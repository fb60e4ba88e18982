package sparseio

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"sort"

	"github.com/pkg/errors"
)

// defaultChunkSize is the granularity at which SparseMemoryBuffer allocates
// backing storage. A chunk is only allocated the first time a byte inside
// it is written.
const defaultChunkSize = 1 << 16

// SparseMemoryBuffer is an in-memory chunked sparse byte store. It never
// allocates storage for ranges that have not been written.
type SparseMemoryBuffer struct {
	length    int64
	chunkSize int64
	chunks    map[int64][]byte
}

// NewSparseMemoryBuffer returns an empty sparse buffer of the given length.
func NewSparseMemoryBuffer(length int64) *SparseMemoryBuffer {
	return &SparseMemoryBuffer{
		length:    length,
		chunkSize: defaultChunkSize,
		chunks:    make(map[int64][]byte),
	}
}

// NewMemoryStreamFromBytes returns a fully-populated in-memory Stream
// holding a copy of data, for small fixed buffers such as an inlined
// symlink target.
func NewMemoryStreamFromBytes(data []byte) *SparseMemoryBuffer {
	b := NewSparseMemoryBuffer(int64(len(data)))
	if len(data) > 0 {
		_, _ = b.WriteAt(data, 0)
	}
	return b
}

func (b *SparseMemoryBuffer) Length() int64 { return b.length }

func (b *SparseMemoryBuffer) chunkFor(idx int64) []byte {
	return b.chunks[idx]
}

func (b *SparseMemoryBuffer) chunkForWrite(idx int64) []byte {
	c, ok := b.chunks[idx]
	if !ok {
		c = make([]byte, b.chunkSize)
		b.chunks[idx] = c
	}
	return c
}

func (b *SparseMemoryBuffer) ReadAt(p []byte, pos int64) (int, error) {
	if pos < 0 {
		return 0, errors.Wrap(ErrOutOfRange, "sparse buffer read before start")
	}
	if pos >= b.length {
		return 0, nil
	}
	n := int64(len(p))
	if remain := b.length - pos; n > remain {
		n = remain
	}

	var done int64
	for done < n {
		abs := pos + done
		chunkIdx := abs / b.chunkSize
		chunkOff := abs % b.chunkSize
		avail := b.chunkSize - chunkOff
		take := n - done
		if take > avail {
			take = avail
		}

		chunk := b.chunkFor(chunkIdx)
		if chunk == nil {
			zeroesAt(p, int(done), int(take))
		} else {
			copy(p[done:done+take], chunk[chunkOff:chunkOff+take])
		}
		done += take
	}

	return int(n), nil
}

func (b *SparseMemoryBuffer) WriteAt(p []byte, pos int64) (int, error) {
	if pos < 0 {
		return 0, errors.Wrap(ErrOutOfRange, "sparse buffer write before start")
	}
	if pos+int64(len(p)) > b.length {
		return 0, errors.Wrap(ErrWriteBeyondEnd, "sparse buffer")
	}

	n := int64(len(p))
	var done int64
	for done < n {
		abs := pos + done
		chunkIdx := abs / b.chunkSize
		chunkOff := abs % b.chunkSize
		avail := b.chunkSize - chunkOff
		take := n - done
		if take > avail {
			take = avail
		}

		chunk := b.chunkForWrite(chunkIdx)
		copy(chunk[chunkOff:chunkOff+take], p[done:done+take])
		done += take
	}

	return int(n), nil
}

func (b *SparseMemoryBuffer) Extents() ([]Extent, error) {
	return b.ExtentsInRange(0, b.length)
}

func (b *SparseMemoryBuffer) ExtentsInRange(start, count int64) ([]Extent, error) {
	if count <= 0 {
		return nil, nil
	}
	end := start + count

	idxs := make([]int64, 0, len(b.chunks))
	for idx := range b.chunks {
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })

	var out []Extent
	for _, idx := range idxs {
		cs, ce := idx*b.chunkSize, idx*b.chunkSize+b.chunkSize
		if ce > b.length {
			ce = b.length
		}
		if ce <= start || cs >= end {
			continue
		}
		s := cs
		if s < start {
			s = start
		}
		e := ce
		if e > end {
			e = end
		}
		if e > s {
			out = append(out, Extent{Start: s, Length: e - s})
		}
	}

	return out, nil
}

func (b *SparseMemoryBuffer) Close() error { return nil }
