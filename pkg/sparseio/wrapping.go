package sparseio

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

// WrappingStream delegates every operation to its inner stream unchanged.
// It exists so that callers can attach a distinct Ownership tag to an
// existing stream without constructing a full wrapper of their own.
type WrappingStream struct {
	inner     Stream
	ownership Ownership
}

// NewWrappingStream wraps inner, tagging it with the given ownership.
func NewWrappingStream(inner Stream, ownership Ownership) *WrappingStream {
	return &WrappingStream{inner: inner, ownership: ownership}
}

func (w *WrappingStream) Length() int64 { return w.inner.Length() }
func (w *WrappingStream) ReadAt(p []byte, pos int64) (int, error) {
	return w.inner.ReadAt(p, pos)
}
func (w *WrappingStream) WriteAt(p []byte, pos int64) (int, error) {
	return w.inner.WriteAt(p, pos)
}
func (w *WrappingStream) Extents() ([]Extent, error) { return w.inner.Extents() }
func (w *WrappingStream) ExtentsInRange(start, count int64) ([]Extent, error) {
	return w.inner.ExtentsInRange(start, count)
}
func (w *WrappingStream) Close() error {
	if w.ownership == OwnershipOwn {
		return w.inner.Close()
	}
	return nil
}

// WrappingMappedStream is a WrappingStream that reports a caller-supplied
// extent list instead of delegating Extents()/ExtentsInRange() to the
// inner stream. Used when a composed view (e.g. a VMDK extent span) knows
// its own sparsity better than the raw backing stream does.
type WrappingMappedStream struct {
	inner     Stream
	ownership Ownership
	extents   []Extent
}

// NewWrappingMappedStream wraps inner, overriding its reported extents.
func NewWrappingMappedStream(inner Stream, ownership Ownership, extents []Extent) *WrappingMappedStream {
	return &WrappingMappedStream{inner: inner, ownership: ownership, extents: extents}
}

func (w *WrappingMappedStream) Length() int64 { return w.inner.Length() }
func (w *WrappingMappedStream) ReadAt(p []byte, pos int64) (int, error) {
	return w.inner.ReadAt(p, pos)
}
func (w *WrappingMappedStream) WriteAt(p []byte, pos int64) (int, error) {
	return w.inner.WriteAt(p, pos)
}
func (w *WrappingMappedStream) Extents() ([]Extent, error) {
	return w.extents, nil
}
func (w *WrappingMappedStream) ExtentsInRange(start, count int64) ([]Extent, error) {
	return extentsInRange(w.extents, start, count), nil
}
func (w *WrappingMappedStream) Close() error {
	if w.ownership == OwnershipOwn {
		return w.inner.Close()
	}
	return nil
}

var _ Stream = (*WrappingStream)(nil)
var _ Stream = (*WrappingMappedStream)(nil)
