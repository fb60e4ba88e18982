package sparseio

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "github.com/pkg/errors"

// MirrorStream replays writes to every part at the same position, but
// reads only ever come from parts[0]. All parts must share the same
// length.
type MirrorStream struct {
	parts     []Stream
	ownership Ownership
}

// NewMirrorStream constructs a MirrorStream.
func NewMirrorStream(parts []Stream, ownership Ownership) (*MirrorStream, error) {
	if len(parts) == 0 {
		return nil, errors.New("sparseio: mirror stream needs at least one part")
	}
	l := parts[0].Length()
	for _, p := range parts {
		if p.Length() != l {
			return nil, errors.New("sparseio: mirror stream parts must have equal length")
		}
	}
	return &MirrorStream{parts: parts, ownership: ownership}, nil
}

func (m *MirrorStream) Length() int64 { return m.parts[0].Length() }

func (m *MirrorStream) ReadAt(p []byte, pos int64) (int, error) {
	return m.parts[0].ReadAt(p, pos)
}

func (m *MirrorStream) WriteAt(p []byte, pos int64) (int, error) {
	if pos+int64(len(p)) > m.Length() {
		return 0, errors.Wrap(ErrWriteBeyondEnd, "mirror stream")
	}
	var n int
	for i, part := range m.parts {
		k, err := part.WriteAt(p, pos)
		if err != nil {
			return k, err
		}
		if i == 0 {
			n = k
		}
	}
	return n, nil
}

func (m *MirrorStream) Extents() ([]Extent, error) { return m.parts[0].Extents() }

func (m *MirrorStream) ExtentsInRange(start, count int64) ([]Extent, error) {
	return m.parts[0].ExtentsInRange(start, count)
}

func (m *MirrorStream) Close() error {
	if m.ownership != OwnershipOwn {
		return nil
	}
	var firstErr error
	for _, p := range m.parts {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
