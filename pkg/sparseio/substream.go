package sparseio

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "github.com/pkg/errors"

// SubStream maps [0, length) of its own coordinate space onto
// [first, first+length) of a parent stream.
type SubStream struct {
	parent    Stream
	first     int64
	length    int64
	ownership Ownership
}

// NewSubStream constructs a SubStream. It fails if first+length exceeds
// the parent's length.
func NewSubStream(parent Stream, first, length int64, ownership Ownership) (*SubStream, error) {
	if first+length > parent.Length() {
		return nil, errors.Wrap(ErrOutOfRange, "sub-stream window exceeds parent length")
	}
	return &SubStream{parent: parent, first: first, length: length, ownership: ownership}, nil
}

func (s *SubStream) Length() int64 { return s.length }

func (s *SubStream) clamp(pos int64, n int) (int64, int, error) {
	if pos < 0 {
		return 0, 0, errors.Wrap(ErrOutOfRange, "sub-stream read before start")
	}
	if pos >= s.length {
		return 0, 0, nil
	}
	if remain := s.length - pos; int64(n) > remain {
		n = int(remain)
	}
	return s.first + pos, n, nil
}

func (s *SubStream) ReadAt(p []byte, pos int64) (int, error) {
	abs, n, err := s.clamp(pos, len(p))
	if err != nil || n == 0 {
		return 0, err
	}
	return s.parent.ReadAt(p[:n], abs)
}

func (s *SubStream) WriteAt(p []byte, pos int64) (int, error) {
	if pos < 0 {
		return 0, errors.Wrap(ErrOutOfRange, "sub-stream write before start")
	}
	if pos+int64(len(p)) > s.length {
		return 0, errors.Wrap(ErrWriteBeyondEnd, "sub-stream")
	}
	return s.parent.WriteAt(p, s.first+pos)
}

func (s *SubStream) Extents() ([]Extent, error) {
	return s.ExtentsInRange(0, s.length)
}

func (s *SubStream) ExtentsInRange(start, count int64) ([]Extent, error) {
	if count <= 0 {
		return nil, nil
	}
	end := start + count
	if end > s.length {
		end = s.length
	}
	parentExtents, err := s.parent.ExtentsInRange(s.first+start, end-start)
	if err != nil {
		return nil, err
	}
	out := make([]Extent, len(parentExtents))
	for i, e := range parentExtents {
		out[i] = Extent{Start: e.Start - s.first, Length: e.Length}
	}
	return out, nil
}

func (s *SubStream) Close() error {
	if s.ownership == OwnershipOwn {
		return s.parent.Close()
	}
	return nil
}
