package vmdk

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"encoding/binary"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vorteil/vorteil/pkg/sparseio"
)

func TestParseDescriptorExtractsHeaderExtentsAndDDB(t *testing.T) {
	text := `# Disk DescriptorFile
version=1
CID=aaaaaaaa
parentCID=ffffffff
createType="monolithicSparse"

# Extent description
RW 200 SPARSE "disk.vmdk"

# The Disk Data Base
#DDB
ddb.adapterType = "ide"
`
	d, err := ParseDescriptor(text)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Version)
	assert.Equal(t, "aaaaaaaa", d.CID)
	assert.False(t, d.HasParent())
	require.Len(t, d.Extents, 1)
	assert.Equal(t, ExtentAccessRW, d.Extents[0].Access)
	assert.Equal(t, int64(200), d.Extents[0].Sectors)
	assert.Equal(t, ExtentTypeSparse, d.Extents[0].Type)
	assert.Equal(t, "disk.vmdk", d.Extents[0].Filename)
	assert.Equal(t, "ide", d.DDB["ddb.adapterType"])
}

func TestParseDescriptorDetectsParent(t *testing.T) {
	text := `version=1
CID=bbbbbbbb
parentCID=aaaaaaaa
parentFileNameHint="base.vmdk"
createType="monolithicSparse"

RW 200 SPARSE "child.vmdk"
`
	d, err := ParseDescriptor(text)
	require.NoError(t, err)
	assert.True(t, d.HasParent())
	assert.Equal(t, "base.vmdk", d.ParentFileNameHint)
}

// memLocator is a minimal in-memory FileLocator for tests: files are plain
// byte slices addressed by name.
type memLocator struct {
	dir   string
	files map[string][]byte
}

func newMemLocator(files map[string][]byte) *memLocator {
	return &memLocator{files: files}
}

func (l *memLocator) Open(name string, mode OpenMode, access OpenAccess, share OpenShare) (sparseio.Stream, error) {
	data, ok := l.files[name]
	if !ok {
		return nil, errNotFound(name)
	}
	return sparseio.NewMemoryStreamFromBytes(data), nil
}

func (l *memLocator) Exists(name string) bool {
	_, ok := l.files[name]
	return ok
}

func (l *memLocator) GetRelative(subdir string) FileLocator {
	return &memLocator{dir: path.Join(l.dir, subdir), files: l.files}
}

func (l *memLocator) FullPath(name string) string {
	return path.Join(l.dir, name)
}

type notFoundError string

func (e notFoundError) Error() string { return "vmdk: file not found: " + string(e) }

func errNotFound(name string) error { return notFoundError(name) }

const testVMDKGrainBytes = 512
const testVMDKGTEsPerGT = 4

func buildHostedSparseImage(t *testing.T, descriptor string, capacitySectors int64, allocated map[int64]string) []byte {
	t.Helper()

	img := make([]byte, 16*512)

	totalGrains := (capacitySectors*SectorSize + testVMDKGrainBytes - 1) / testVMDKGrainBytes
	totalTables := (totalGrains + testVMDKGTEsPerGT - 1) / testVMDKGTEsPerGT

	hdr := Header{
		MagicNumber:        Magic,
		Version:            1,
		Capacity:           uint64(capacitySectors),
		GrainSize:          uint64(testVMDKGrainBytes / SectorSize),
		DescriptorOffset:   1,
		DescriptorSize:     1,
		NumGTEsPerGT:       testVMDKGTEsPerGT,
		GDOffset:           2,
		SingleEndLineChar:  '\n',
		NonEndLineChar:     ' ',
		DoubleEndLineChar1: '\r',
		DoubleEndLineChar2: '\n',
	}
	hdrBuf := new(bytes.Buffer)
	require.NoError(t, binary.Write(hdrBuf, binary.LittleEndian, &hdr))
	copy(img[0:], hdrBuf.Bytes())

	copy(img[1*512:], descriptor)

	gdSector := int64(2)
	gtFirstSector := gdSector + 1
	gd := make([]byte, totalTables*4)
	for i := int64(0); i < totalTables; i++ {
		binary.LittleEndian.PutUint32(gd[i*4:i*4+4], uint32(gtFirstSector+i))
	}
	copy(img[gdSector*512:], gd)

	dataSector := gtFirstSector + totalTables
	gts := make([][]byte, totalTables)
	for i := range gts {
		gts[i] = make([]byte, testVMDKGTEsPerGT*4)
	}

	nextDataSector := dataSector
	for grain, content := range allocated {
		table := grain / testVMDKGTEsPerGT
		within := grain % testVMDKGTEsPerGT
		binary.LittleEndian.PutUint32(gts[table][within*4:within*4+4], uint32(nextDataSector))

		grainBuf := make([]byte, testVMDKGrainBytes)
		copy(grainBuf, content)
		copy(img[nextDataSector*512:], grainBuf)
		nextDataSector += testVMDKGrainBytes / 512
	}

	for i := int64(0); i < totalTables; i++ {
		copy(img[(gtFirstSector+i)*512:], gts[i])
	}

	if int64(len(img)) < nextDataSector*512 {
		grown := make([]byte, nextDataSector*512)
		copy(grown, img)
		img = grown
	}

	return img
}

func TestOpenDiskHostedSparseReadsAllocatedGrainAndZerosHole(t *testing.T) {
	descriptor := "version=1\nCID=aaaaaaaa\nparentCID=ffffffff\ncreateType=\"monolithicSparse\"\n\nRW 8 SPARSE \"disk.vmdk\"\n"
	img := buildHostedSparseImage(t, descriptor, 8, map[int64]string{
		5: "HELLOVMDK",
	})

	locator := newMemLocator(map[string][]byte{"disk.vmdk": img})
	disk, err := OpenDisk(locator, "disk.vmdk")
	require.NoError(t, err)
	defer disk.Close()

	assert.Equal(t, int64(8*SectorSize), disk.Length())

	content := disk.OpenContent()

	hole := make([]byte, 512)
	_, err = content.ReadAt(hole, 0)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 512), hole)

	grain := make([]byte, 9)
	_, err = content.ReadAt(grain, 5*512)
	require.NoError(t, err)
	assert.Equal(t, []byte("HELLOVMDK"), grain)
}

func TestOpenDiskDetectsCyclicParentChain(t *testing.T) {
	a := "version=1\nCID=aaaaaaaa\nparentCID=bbbbbbbb\nparentFileNameHint=\"b.vmdk\"\ncreateType=\"monolithicSparse\"\n\nRW 8 SPARSE \"a.vmdk\"\n"
	b := "version=1\nCID=bbbbbbbb\nparentCID=aaaaaaaa\nparentFileNameHint=\"a.vmdk\"\ncreateType=\"monolithicSparse\"\n\nRW 8 SPARSE \"b.vmdk\"\n"

	imgA := buildHostedSparseImage(t, a, 8, nil)
	imgB := buildHostedSparseImage(t, b, 8, nil)

	locator := newMemLocator(map[string][]byte{"a.vmdk": imgA, "b.vmdk": imgB})
	_, err := OpenDisk(locator, "a.vmdk")
	require.Error(t, err)
}
