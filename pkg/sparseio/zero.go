package sparseio

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "github.com/pkg/errors"

// ZeroStream is a fixed-length stream that reports no extents and always
// reads as zero. The VMDK reader uses it for ZERO-type extents.
type ZeroStream struct {
	length int64
}

// NewZeroStream returns a Stream of the given length that always reads as
// zero and rejects every write.
func NewZeroStream(length int64) *ZeroStream {
	return &ZeroStream{length: length}
}

func (z *ZeroStream) Length() int64 { return z.length }

func (z *ZeroStream) ReadAt(p []byte, pos int64) (int, error) {
	if pos < 0 {
		return 0, errors.Wrap(ErrOutOfRange, "zero stream read before start")
	}
	if pos >= z.length {
		return 0, nil
	}
	n := len(p)
	if remain := z.length - pos; int64(n) > remain {
		n = int(remain)
	}
	return zeroesAt(p, 0, n), nil
}

func (z *ZeroStream) WriteAt(p []byte, pos int64) (int, error) {
	return 0, errors.Wrap(ErrWriteNotSupported, "zero stream")
}

func (z *ZeroStream) Extents() ([]Extent, error) { return nil, nil }

func (z *ZeroStream) ExtentsInRange(start, count int64) ([]Extent, error) { return nil, nil }

func (z *ZeroStream) Close() error { return nil }
