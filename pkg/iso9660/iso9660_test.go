package iso9660

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vorteil/vorteil/pkg/sparseio"
)

func TestCompareDirectoryEntryNamesOrdersStemExtVersion(t *testing.T) {
	assert.True(t, CompareDirectoryEntryNames("A.TXT;2", "A.TXT;1") < 0)
	assert.True(t, CompareDirectoryEntryNames("A.TXT;1", "A.TXT;2") > 0)
	assert.Equal(t, 0, CompareDirectoryEntryNames("A.TXT;1", "A.TXT;1"))
	assert.True(t, CompareDirectoryEntryNames("A.TXT", "B.TXT") < 0)
}

func TestDecodeVolumeDescriptorTimestampFallsBackOnAllZero(t *testing.T) {
	b := make([]byte, 17)
	for i := range b[:14] {
		b[i] = '0'
	}
	got := decodeVolumeDescriptorTimestamp(b)
	assert.True(t, got.Equal(dateTimeMinimum))
}

func TestDecodeDirectoryRecordTimestampRoundTrip(t *testing.T) {
	tm := time.Date(2021, 6, 15, 13, 45, 30, 0, time.UTC)
	enc := encodeDirectoryRecordTimestamp(tm)
	dec := decodeDirectoryRecordTimestamp(enc[:])
	assert.Equal(t, tm.Year(), dec.Year())
	assert.Equal(t, tm.Month(), dec.Month())
	assert.Equal(t, tm.Day(), dec.Day())
	assert.Equal(t, tm.Hour(), dec.Hour())
	assert.Equal(t, tm.Minute(), dec.Minute())
	assert.Equal(t, tm.Second(), dec.Second())
}

func newMemoryStream(data []byte) sparseio.Stream {
	buf := sparseio.NewSparseMemoryBuffer(int64(len(data)))
	_, _ = buf.WriteAt(data, 0)
	return buf
}

func TestVolumeBuilderRoundTripViaReader(t *testing.T) {
	vb := NewVolumeBuilder("MYVOLUME")
	vb.SystemIdentifier = "LINUX"

	payload := bytes.Repeat([]byte("hello world "), 200)
	require.NoError(t, vb.AddFile("dir/greeting.txt", newMemoryStream(payload), time.Now().UTC()))
	require.NoError(t, vb.AddDirectory("emptydir"))

	built, err := vb.Build()
	require.NoError(t, err)

	var out bytes.Buffer
	_, err = sparseio.WriteTo(built, &out)
	require.NoError(t, err)

	backing := newMemoryStream(out.Bytes())
	reader, err := NewReader(backing, sparseio.OwnershipBorrow)
	require.NoError(t, err)
	defer reader.Close()

	entries, err := reader.Readdir("/", VariantPrimary)
	require.NoError(t, err)

	var sawDir, sawEmptyDir bool
	for _, e := range entries {
		name := e.Name()
		if e.IsDirectory() {
			stem, _, _ := SplitVersionedName(name)
			if stem == "DIR" {
				sawDir = true
			}
			if stem == "EMPTYDIR" {
				sawEmptyDir = true
			}
		}
	}
	assert.True(t, sawDir, "expected DIR entry at root, got %+v", entries)
	assert.True(t, sawEmptyDir, "expected EMPTYDIR entry at root, got %+v", entries)

	s, err := reader.Open("/dir/greeting.txt", VariantPrimary)
	require.NoError(t, err)
	got := make([]byte, len(payload))
	_, err = s.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestPatchISOLINUXChecksumZeroesSum(t *testing.T) {
	sector := make([]byte, SectorSize)
	for i := range sector {
		sector[i] = byte(i)
	}
	require.NoError(t, PatchISOLINUXChecksum(sector))

	scratch := append([]byte(nil), sector...)
	for i := 8; i < 64; i++ {
		scratch[i] = 0
	}
	var sum uint32
	for i := 0; i < SectorSize; i += 4 {
		sum += littleEndianUint32(scratch[i : i+4])
	}
	assert.Equal(t, uint32(0), sum)
}
