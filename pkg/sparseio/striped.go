package sparseio

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "github.com/pkg/errors"

// StripedStream maps a logical offset p onto one of N equal-length parts
// using fixed-size stripes: stripe = p / stripeSize, stripeOffset = p %
// stripeSize, part = stripe % N, innerStripe = stripe / N. All parts must
// share the same length.
type StripedStream struct {
	parts      []Stream
	stripeSize int64
	ownership  Ownership
}

// NewStripedStream constructs a StripedStream. It fails if the parts don't
// all share the same length.
func NewStripedStream(parts []Stream, stripeSize int64, ownership Ownership) (*StripedStream, error) {
	if len(parts) == 0 {
		return nil, errors.New("sparseio: striped stream needs at least one part")
	}
	l := parts[0].Length()
	for _, p := range parts {
		if p.Length() != l {
			return nil, errors.New("sparseio: striped stream parts must have equal length")
		}
	}
	return &StripedStream{parts: parts, stripeSize: stripeSize, ownership: ownership}, nil
}

func (s *StripedStream) Length() int64 {
	return s.parts[0].Length() * int64(len(s.parts))
}

// locate returns which part a logical position falls in and the position
// within that part.
func (s *StripedStream) locate(p int64) (partIdx int, innerPos int64) {
	n := int64(len(s.parts))
	stripe := p / s.stripeSize
	stripeOffset := p % s.stripeSize
	part := stripe % n
	innerStripe := stripe / n
	return int(part), innerStripe*s.stripeSize + stripeOffset
}

func (s *StripedStream) eachChunk(p []byte, pos int64, fn func(part Stream, innerPos int64, chunk []byte) (int, error)) (int, error) {
	var done int
	for done < len(p) {
		partIdx, innerPos := s.locate(pos + int64(done))
		part := s.parts[partIdx]

		// Don't let a single call cross a stripe boundary.
		stripeOffset := (pos + int64(done)) % s.stripeSize
		maxInStripe := s.stripeSize - stripeOffset
		chunk := int64(len(p) - done)
		if chunk > maxInStripe {
			chunk = maxInStripe
		}

		n, err := fn(part, innerPos, p[done:done+int(chunk)])
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

func (s *StripedStream) ReadAt(p []byte, pos int64) (int, error) {
	if pos >= s.Length() {
		return 0, nil
	}
	if remain := s.Length() - pos; int64(len(p)) > remain {
		p = p[:remain]
	}
	return s.eachChunk(p, pos, func(part Stream, innerPos int64, chunk []byte) (int, error) {
		return part.ReadAt(chunk, innerPos)
	})
}

func (s *StripedStream) WriteAt(p []byte, pos int64) (int, error) {
	if pos+int64(len(p)) > s.Length() {
		return 0, errors.Wrap(ErrWriteBeyondEnd, "striped stream")
	}
	return s.eachChunk(p, pos, func(part Stream, innerPos int64, chunk []byte) (int, error) {
		return part.WriteAt(chunk, innerPos)
	})
}

func (s *StripedStream) Extents() ([]Extent, error) {
	return s.ExtentsInRange(0, s.Length())
}

func (s *StripedStream) ExtentsInRange(start, count int64) ([]Extent, error) {
	// Conservative: probe every stripe in range against its owning part.
	var out []Extent
	end := start + count
	for pos := start; pos < end; {
		partIdx, innerPos := s.locate(pos)
		stripeOffset := pos % s.stripeSize
		stripeRemain := s.stripeSize - stripeOffset
		if stripeRemain > end-pos {
			stripeRemain = end - pos
		}

		exts, err := s.parts[partIdx].ExtentsInRange(innerPos, stripeRemain)
		if err != nil {
			return nil, err
		}
		for _, e := range exts {
			logicalStart := pos + (e.Start - innerPos)
			out = append(out, Extent{Start: logicalStart, Length: e.Length})
		}

		pos += stripeRemain
	}
	return out, nil
}

func (s *StripedStream) Close() error {
	if s.ownership != OwnershipOwn {
		return nil
	}
	var firstErr error
	for _, p := range s.parts {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
