package vdi

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vorteil/vorteil/pkg/sparseio"
)

const mib = 1 << 20

func newBackingStream(t *testing.T) sparseio.Stream {
	t.Helper()
	return sparseio.NewSparseMemoryBuffer(64 * mib)
}

func TestCreateAndReadAllZeroDisk(t *testing.T) {
	s := newBackingStream(t)
	disk, err := Create(s, 16*mib, 1*mib, ImageTypeFixed)
	require.NoError(t, err)

	assert.Equal(t, int64(16*mib), disk.Length())
	assert.Equal(t, uint32(0), disk.BlocksAllocated())

	buf := make([]byte, mib)
	_, err = disk.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, mib), buf)
}

func TestAllocateOnWriteSkipsAllZeroWrites(t *testing.T) {
	s := newBackingStream(t)
	disk, err := Create(s, 16*mib, 1*mib, ImageTypeFixed)
	require.NoError(t, err)

	var fired int
	disk.OnFirstWrite = func() { fired++ }

	zeros := make([]byte, mib)
	_, err = disk.WriteAt(zeros, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), disk.BlocksAllocated())
	assert.Equal(t, 0, fired)

	payload := bytes41(4096)
	_, err = disk.WriteAt(payload, 2*mib)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), disk.BlocksAllocated())
	assert.Equal(t, 1, fired)

	readBack := make([]byte, 16*mib)
	_, err = disk.ReadAt(readBack, 0)
	require.NoError(t, err)

	assert.Equal(t, make([]byte, 2*mib), readBack[0:2*mib])
	assert.Equal(t, payload, readBack[2*mib:2*mib+4096])
	assert.Equal(t, make([]byte, mib-4096), readBack[2*mib+4096:3*mib])
	assert.Equal(t, make([]byte, 13*mib), readBack[3*mib:16*mib])

	_, err = disk.WriteAt(bytes41(16), 2*mib)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), disk.BlocksAllocated(), "overwriting an allocated block must not allocate again")
}

func TestWriteBeyondEndFails(t *testing.T) {
	s := newBackingStream(t)
	disk, err := Create(s, 4*mib, 1*mib, ImageTypeDynamic)
	require.NoError(t, err)

	_, err = disk.WriteAt(make([]byte, 1), 4*mib)
	require.Error(t, err)
}

func TestExtentsReflectAllocatedBlocksOnly(t *testing.T) {
	s := newBackingStream(t)
	disk, err := Create(s, 8*mib, 1*mib, ImageTypeDynamic)
	require.NoError(t, err)

	_, err = disk.WriteAt(bytes41(8), 3*mib)
	require.NoError(t, err)
	_, err = disk.WriteAt(bytes41(8), 4*mib)
	require.NoError(t, err)
	_, err = disk.WriteAt(bytes41(8), 6*mib)
	require.NoError(t, err)

	extents, err := disk.Extents()
	require.NoError(t, err)
	require.Len(t, extents, 2)
	assert.Equal(t, sparseio.Extent{Start: 3 * mib, Length: 2 * mib}, extents[0])
	assert.Equal(t, sparseio.Extent{Start: 6 * mib, Length: mib}, extents[1])
}

func bytes41(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0x41
	}
	return b
}
