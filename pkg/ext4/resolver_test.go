package ext4

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/vorteil/vorteil/pkg/sparseio"
)

const testBlockSize = 1024

func writeStruct(t *testing.T, s sparseio.Stream, pos int64, v interface{}) {
	t.Helper()
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		t.Fatalf("binary.Write: %v", err)
	}
	if _, err := s.WriteAt(buf.Bytes(), pos); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
}

func newTestImage(t *testing.T, totalBlocks int64) sparseio.Stream {
	t.Helper()
	img := sparseio.NewSparseMemoryBuffer(totalBlocks * testBlockSize)

	sb := Superblock{
		TotalInodes:    32,
		TotalBlocks:    uint32(totalBlocks),
		BlocksPerGroup: uint32(totalBlocks),
		InodesPerGroup: 32,
		Signature:      Signature,
		InodeSize:      InodeSize,
	}
	writeStruct(t, img, 1024, &sb)

	bgd := BlockGroupDescriptor{InodeTableAddr: 10}
	writeStruct(t, img, 2*testBlockSize, &bgd)

	return img
}

func writeInode(t *testing.T, img sparseio.Stream, ino uint32, inode *Inode) {
	t.Helper()
	offset := int64(10*testBlockSize) + int64(ino-1)*int64(InodeSize)
	writeStruct(t, img, offset, inode)
}

func TestResolverOpenClassicBlockPointers(t *testing.T) {
	img := newTestImage(t, 64)

	content := bytes.Repeat([]byte{0xCD}, 2500)
	_, err := img.WriteAt(content[0:1024], 20*testBlockSize)
	if err != nil {
		t.Fatal(err)
	}
	_, err = img.WriteAt(content[1024:2048], 21*testBlockSize)
	if err != nil {
		t.Fatal(err)
	}
	_, err = img.WriteAt(content[2048:2500], 22*testBlockSize)
	if err != nil {
		t.Fatal(err)
	}

	inode := &Inode{
		Permissions: InodeDefaultRegularFilePermissions,
		SizeLower:   uint32(len(content)),
	}
	binary.LittleEndian.PutUint32(inode.Block[0:4], 20)
	binary.LittleEndian.PutUint32(inode.Block[4:8], 21)
	binary.LittleEndian.PutUint32(inode.Block[8:12], 22)
	writeInode(t, img, 12, inode)

	r, err := OpenResolver(img)
	if err != nil {
		t.Fatalf("OpenResolver: %v", err)
	}

	got, err := r.ReadInode(12)
	if err != nil {
		t.Fatalf("ReadInode: %v", err)
	}
	if !IsRegular(got) {
		t.Fatalf("expected regular file inode, flags=%x", got.Permissions)
	}

	stream, err := r.Open(got)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if stream.Length() != int64(len(content)) {
		t.Fatalf("length = %d, want %d", stream.Length(), len(content))
	}

	buf := make([]byte, len(content))
	if _, err := stream.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(buf, content) {
		t.Fatalf("content mismatch")
	}
}

func TestResolverOpenExtentTree(t *testing.T) {
	img := newTestImage(t, 64)

	content := bytes.Repeat([]byte{0xAB}, testBlockSize*2)
	if _, err := img.WriteAt(content, 30*testBlockSize); err != nil {
		t.Fatal(err)
	}

	inode := &Inode{
		Permissions: InodeDefaultRegularFilePermissions,
		SizeLower:   uint32(len(content)),
		Flags:       Ext4ExtentsFL,
	}

	hdr := ExtentHeader{Magic: ExtentMagic, Entries: 1, Max: 4}
	hdrBuf := new(bytes.Buffer)
	_ = binary.Write(hdrBuf, binary.LittleEndian, &hdr)
	copy(inode.Block[0:12], hdrBuf.Bytes())

	ext := Extent{Block: 0, Len: 2, StartLo: 30}
	extBuf := new(bytes.Buffer)
	_ = binary.Write(extBuf, binary.LittleEndian, &ext)
	copy(inode.Block[12:24], extBuf.Bytes())

	writeInode(t, img, 13, inode)

	r, err := OpenResolver(img)
	if err != nil {
		t.Fatalf("OpenResolver: %v", err)
	}

	got, err := r.ReadInode(13)
	if err != nil {
		t.Fatalf("ReadInode: %v", err)
	}

	stream, err := r.Open(got)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	buf := make([]byte, len(content))
	if _, err := stream.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(buf, content) {
		t.Fatalf("content mismatch")
	}
}
