package sparseio

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSparseMemoryBufferHolesReadZero(t *testing.T) {
	buf := NewSparseMemoryBuffer(1 << 20)

	data := bytes.Repeat([]byte{0xAB}, 16)
	_, err := buf.WriteAt(data, 3*defaultChunkSize+100)
	require.NoError(t, err)

	out := make([]byte, 16)
	_, err = buf.ReadAt(out, 0)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0}, 16), out)

	_, err = buf.ReadAt(out, 3*defaultChunkSize+100)
	require.NoError(t, err)
	assert.Equal(t, data, out)

	exts, err := buf.Extents()
	require.NoError(t, err)
	require.Len(t, exts, 1)
	assert.Equal(t, int64(3*defaultChunkSize), exts[0].Start)
}

func TestExtentsInRangeIsSubsetOfExtentsAndRange(t *testing.T) {
	buf := NewSparseMemoryBuffer(1024)
	_, err := buf.WriteAt([]byte{1, 2, 3, 4}, 100)
	require.NoError(t, err)

	all, err := buf.Extents()
	require.NoError(t, err)

	sub, err := buf.ExtentsInRange(90, 20)
	require.NoError(t, err)

	for _, e := range sub {
		assert.True(t, e.Start >= 90 && e.End() <= 110)
		found := false
		for _, a := range all {
			if e.Start >= a.Start && e.End() <= a.End() {
				found = true
			}
		}
		assert.True(t, found, "sub-extent must be contained in full extent set")
	}
}

func TestSubStreamRejectsWindowPastParent(t *testing.T) {
	parent := NewSparseMemoryBuffer(100)
	_, err := NewSubStream(parent, 50, 60, OwnershipBorrow)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestSubStreamTranslatesExtents(t *testing.T) {
	parent := NewSparseMemoryBuffer(1000)
	_, err := parent.WriteAt([]byte{9, 9, 9}, 500)
	require.NoError(t, err)

	sub, err := NewSubStream(parent, 400, 300, OwnershipBorrow)
	require.NoError(t, err)

	// The parent reports its whole 64 KiB chunk [0, 1000) as backed, so the
	// window [400, 700) translates to the sub-stream's own [0, 300).
	exts, err := sub.Extents()
	require.NoError(t, err)
	require.Len(t, exts, 1)
	assert.Equal(t, int64(0), exts[0].Start)
}

func TestAligningStreamReadMatchesParent(t *testing.T) {
	parent := NewSparseMemoryBuffer(8192)
	data := make([]byte, 8192)
	for i := range data {
		data[i] = byte(i)
	}
	_, err := parent.WriteAt(data, 0)
	require.NoError(t, err)

	aligning := NewAligningStream(parent, 512, OwnershipBorrow)

	for _, tc := range []struct{ pos, n int64 }{
		{0, 512}, {1, 10}, {500, 20}, {511, 1}, {0, 8192}, {4000, 300},
	} {
		got := make([]byte, tc.n)
		_, err := aligning.ReadAt(got, tc.pos)
		require.NoError(t, err)

		want := make([]byte, tc.n)
		_, err = parent.ReadAt(want, tc.pos)
		require.NoError(t, err)

		assert.Equal(t, want, got, "pos=%d n=%d", tc.pos, tc.n)
	}
}

func TestAligningStreamUnalignedWriteRMW(t *testing.T) {
	parent := NewSparseMemoryBuffer(8192)
	aligning := NewAligningStream(parent, 512, OwnershipBorrow)

	_, err := aligning.WriteAt(bytes.Repeat([]byte{0xAA}, 3), 510)
	require.NoError(t, err)

	got := make([]byte, 3)
	_, err = parent.ReadAt(got, 510)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA, 0xAA, 0xAA}, got)

	block0 := make([]byte, 512)
	_, err = parent.ReadAt(block0, 0)
	require.NoError(t, err)
	for i := 0; i < 510; i++ {
		assert.Equal(t, byte(0), block0[i])
	}

	block1 := make([]byte, 512)
	_, err = parent.ReadAt(block1, 512)
	require.NoError(t, err)
	for i := 1; i < 512; i++ {
		assert.Equal(t, byte(0), block1[i])
	}
}

func TestCircularStreamWrapsReadsAndWrites(t *testing.T) {
	parent := NewSparseMemoryBuffer(10)
	circ := NewCircularStream(parent, OwnershipBorrow)

	_, err := circ.WriteAt([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, 8)
	require.NoError(t, err)

	got := make([]byte, 10)
	_, err = circ.ReadAt(got, 0)
	require.NoError(t, err)

	want := make([]byte, 10)
	_, err = parent.ReadAt(want, 0)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestMirrorStreamReplaysWritesToAllParts(t *testing.T) {
	a := NewSparseMemoryBuffer(100)
	b := NewSparseMemoryBuffer(100)
	m, err := NewMirrorStream([]Stream{a, b}, OwnershipBorrow)
	require.NoError(t, err)

	_, err = m.WriteAt([]byte{1, 2, 3}, 10)
	require.NoError(t, err)

	ga := make([]byte, 3)
	gb := make([]byte, 3)
	_, _ = a.ReadAt(ga, 10)
	_, _ = b.ReadAt(gb, 10)
	assert.Equal(t, ga, gb)
}

func TestStripedStreamRoundTrip(t *testing.T) {
	parts := []Stream{
		NewSparseMemoryBuffer(100),
		NewSparseMemoryBuffer(100),
		NewSparseMemoryBuffer(100),
	}
	s, err := NewStripedStream(parts, 10, OwnershipBorrow)
	require.NoError(t, err)

	data := make([]byte, 300)
	for i := range data {
		data[i] = byte(i % 251)
	}
	_, err = s.WriteAt(data, 0)
	require.NoError(t, err)

	got := make([]byte, 300)
	_, err = s.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestBuiltStreamGapsAreZeroAndExtentsRespected(t *testing.T) {
	var prepared, disposed int
	ext := BuilderExtent{
		Start:  100,
		Length: 10,
		ReadAt: func(off int64, p []byte) (int, error) {
			for i := range p {
				p[i] = 0x42
			}
			return len(p), nil
		},
		PrepareForRead:   func() error { prepared++; return nil },
		DisposeReadState: func() error { disposed++; return nil },
	}

	built := NewBuiltStream(200, []BuilderExtent{ext})

	buf := make([]byte, 200)
	n, err := built.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 200, n)

	for i := 0; i < 100; i++ {
		assert.Equal(t, byte(0), buf[i])
	}
	for i := 100; i < 110; i++ {
		assert.Equal(t, byte(0x42), buf[i])
	}
	for i := 110; i < 200; i++ {
		assert.Equal(t, byte(0), buf[i])
	}

	assert.Equal(t, 1, prepared)
	require.NoError(t, built.Close())
	assert.Equal(t, 1, disposed)
}

func TestBuiltStreamIsReadOnly(t *testing.T) {
	built := NewBuiltStream(10, nil)
	_, err := built.WriteAt([]byte{1}, 0)
	assert.ErrorIs(t, err, ErrWriteNotSupported)
}

func TestZeroStreamAlwaysZero(t *testing.T) {
	z := NewZeroStream(1024)
	buf := bytes.Repeat([]byte{0xFF}, 100)
	n, err := z.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, bytes.Repeat([]byte{0}, 100), buf)

	exts, err := z.Extents()
	require.NoError(t, err)
	assert.Empty(t, exts)
}
