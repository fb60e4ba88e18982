package vdecompiler

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"io"

	"github.com/vorteil/vorteil/pkg/sparseio"
	"github.com/vorteil/vorteil/pkg/vmdk"
)

// seekerStream adapts iio.src (an io.ReadWriteSeeker that may not support
// io.ReaderAt natively) into a sparseio.Stream by seeking before every
// read or write, per this module's single-owner sharing discipline: a
// given Stream instance is never used by more than one logical caller at
// a time, so there is no race between the seek and the access it guards.
type seekerStream struct {
	rws    io.ReadWriteSeeker
	length int64
}

func newSeekerStream(rws io.ReadWriteSeeker, length int64) *seekerStream {
	return &seekerStream{rws: rws, length: length}
}

func (s *seekerStream) Length() int64 { return s.length }

func (s *seekerStream) ReadAt(p []byte, pos int64) (int, error) {
	if _, err := s.rws.Seek(pos, io.SeekStart); err != nil {
		return 0, err
	}
	var n int
	for n < len(p) {
		m, err := s.rws.Read(p[n:])
		n += m
		if err != nil {
			if err == io.EOF {
				return n, io.EOF
			}
			return n, err
		}
		if m == 0 {
			return n, io.EOF
		}
	}
	return n, nil
}

func (s *seekerStream) WriteAt(p []byte, pos int64) (int, error) {
	if _, err := s.rws.Seek(pos, io.SeekStart); err != nil {
		return 0, err
	}
	return s.rws.Write(p)
}

func (s *seekerStream) Extents() ([]sparseio.Extent, error) {
	return s.ExtentsInRange(0, s.length)
}

func (s *seekerStream) ExtentsInRange(start, count int64) ([]sparseio.Extent, error) {
	end := start + count
	if end > s.length {
		end = s.length
	}
	if end <= start {
		return nil, nil
	}
	return []sparseio.Extent{{Start: start, Length: end - start}}, nil
}

func (s *seekerStream) Close() error { return nil }

// vmdkSparseIO opens the hosted-sparse grain engine at the start of
// iio.src through pkg/vmdk's reader instead of walking grain tables by
// hand, and wraps the resulting sparseio.Stream back into the
// io.ReadWriteSeeker partialIO expects.
func (iio *IO) vmdkSparseIO() (*partialIO, error) {

	backing := newSeekerStream(iio.src, int64(iio.src.size))

	stream, err := vmdk.OpenHostedSparseStream(backing, sparseio.OwnershipBorrow)
	if err != nil {
		return nil, err
	}

	cursor := sparseio.NewCursor(stream)

	pio := new(partialIO)
	pio.name = iio.src.name
	pio.size = int(stream.Length())
	pio.closer = iio.src.closer
	pio.reader = cursor
	pio.seeker = cursor
	pio.writer = cursor

	return pio, nil

}
