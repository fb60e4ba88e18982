package vdi

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/vorteil/vorteil/pkg/sparseio"
)

// Signature is the magic value at the end of the 72-byte pre-header,
// identifying a VirtualBox disk image.
const Signature = 0xBEDA107F

// BlockFree and BlockZero are the two sentinel block-table entry values.
// Both read as all-zero; BlockFree additionally defers to a parent layer
// where one is composed (not currently wired for this format).
const (
	BlockFree uint32 = 0xFFFFFFFF
	BlockZero uint32 = 0xFFFFFFFE
)

// Image type discriminators, stored in the header's ImageType field.
const (
	ImageTypeDynamic uint32 = 1
	ImageTypeFixed   uint32 = 2
)

const preHeaderSize = 72
const headerFieldsSize = 4 + 4 + 4 + 256 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + 8 + 4 + 4 + 4 + 4 + 16 + 16 + 16 + 16

// preHeader is the fixed 72-byte prefix every VDI file opens with: a
// human-readable info string followed by signature and version.
type preHeader struct {
	Text      [64]byte
	Signature uint32
	Version   uint32
}

// Header is the VirtualBox VDI header proper (version 1.1 layout),
// immediately following the 72-byte pre-header.
type Header struct {
	HeaderSize      uint32
	ImageType       uint32
	ImageFlags      uint32
	Description     [256]byte
	OffsetBmap      uint32
	OffsetData      uint32
	Cylinders       uint32
	Heads           uint32
	Sectors         uint32
	SectorSize      uint32
	Unused1         uint32
	DiskSize        uint64
	BlockSize       uint32
	BlockExtra      uint32
	BlocksInImage   uint32
	BlocksAllocated uint32
	UUIDImage       [16]byte
	UUIDLastSnap    [16]byte
	UUIDLink        [16]byte
	UUIDParent      [16]byte
}

// readPreHeaderAndHeader decodes the 72-byte pre-header and the header that
// follows it directly from the start of s.
func readPreHeaderAndHeader(s sparseio.Stream) (preHeader, Header, error) {
	var pre preHeader
	buf := make([]byte, preHeaderSize)
	if _, err := s.ReadAt(buf, 0); err != nil {
		return pre, Header{}, errors.Wrap(err, "vdi: reading pre-header")
	}
	copy(pre.Text[:], buf[0:64])
	pre.Signature = binary.LittleEndian.Uint32(buf[64:68])
	pre.Version = binary.LittleEndian.Uint32(buf[68:72])

	if pre.Signature != Signature {
		return pre, Header{}, errors.Wrapf(sparseio.ErrInvalidFormat, "vdi signature 0x%08x", pre.Signature)
	}

	hbuf := make([]byte, headerFieldsSize)
	if _, err := s.ReadAt(hbuf, preHeaderSize); err != nil {
		return pre, Header{}, errors.Wrap(err, "vdi: reading header")
	}

	var hdr Header
	r := &limitedHeaderReader{b: hbuf}
	hdr.HeaderSize = r.u32()
	hdr.ImageType = r.u32()
	hdr.ImageFlags = r.u32()
	copy(hdr.Description[:], r.take(256))
	hdr.OffsetBmap = r.u32()
	hdr.OffsetData = r.u32()
	hdr.Cylinders = r.u32()
	hdr.Heads = r.u32()
	hdr.Sectors = r.u32()
	hdr.SectorSize = r.u32()
	hdr.Unused1 = r.u32()
	hdr.DiskSize = r.u64()
	hdr.BlockSize = r.u32()
	hdr.BlockExtra = r.u32()
	hdr.BlocksInImage = r.u32()
	hdr.BlocksAllocated = r.u32()
	copy(hdr.UUIDImage[:], r.take(16))
	copy(hdr.UUIDLastSnap[:], r.take(16))
	copy(hdr.UUIDLink[:], r.take(16))
	copy(hdr.UUIDParent[:], r.take(16))

	if r.err != nil {
		return pre, hdr, errors.Wrap(r.err, "vdi: decoding header")
	}

	if hdr.ImageType != ImageTypeDynamic && hdr.ImageType != ImageTypeFixed {
		return pre, hdr, errors.Errorf("vdi: unsupported image type %d", hdr.ImageType)
	}

	return pre, hdr, nil
}

// limitedHeaderReader decodes the header's fixed-layout fields sequentially
// out of a byte slice.
type limitedHeaderReader struct {
	b   []byte
	pos int
	err error
}

func (r *limitedHeaderReader) take(n int) []byte {
	if r.err != nil || r.pos+n > len(r.b) {
		if r.err == nil {
			r.err = errors.New("vdi: short header buffer")
		}
		return make([]byte, n)
	}
	out := r.b[r.pos : r.pos+n]
	r.pos += n
	return out
}

func (r *limitedHeaderReader) u32() uint32 {
	return binary.LittleEndian.Uint32(r.take(4))
}

func (r *limitedHeaderReader) u64() uint64 {
	return binary.LittleEndian.Uint64(r.take(8))
}

// writeHeader rewrites the header fields in place at their fixed offset
// just past the 72-byte pre-header. Called after BlocksAllocated changes,
// before the block-table entry is updated on disk.
func writeHeader(s sparseio.Stream, hdr *Header) error {
	buf := make([]byte, headerFieldsSize)
	w := &headerWriter{b: buf}
	w.putU32(hdr.HeaderSize)
	w.putU32(hdr.ImageType)
	w.putU32(hdr.ImageFlags)
	w.putBytes(hdr.Description[:])
	w.putU32(hdr.OffsetBmap)
	w.putU32(hdr.OffsetData)
	w.putU32(hdr.Cylinders)
	w.putU32(hdr.Heads)
	w.putU32(hdr.Sectors)
	w.putU32(hdr.SectorSize)
	w.putU32(hdr.Unused1)
	w.putU64(hdr.DiskSize)
	w.putU32(hdr.BlockSize)
	w.putU32(hdr.BlockExtra)
	w.putU32(hdr.BlocksInImage)
	w.putU32(hdr.BlocksAllocated)
	w.putBytes(hdr.UUIDImage[:])
	w.putBytes(hdr.UUIDLastSnap[:])
	w.putBytes(hdr.UUIDLink[:])
	w.putBytes(hdr.UUIDParent[:])

	_, err := s.WriteAt(buf, preHeaderSize)
	return errors.Wrap(err, "vdi: rewriting header")
}

type headerWriter struct {
	b   []byte
	pos int
}

func (w *headerWriter) putBytes(v []byte) {
	copy(w.b[w.pos:], v)
	w.pos += len(v)
}

func (w *headerWriter) putU32(v uint32) {
	binary.LittleEndian.PutUint32(w.b[w.pos:w.pos+4], v)
	w.pos += 4
}

func (w *headerWriter) putU64(v uint64) {
	binary.LittleEndian.PutUint64(w.b[w.pos:w.pos+8], v)
	w.pos += 8
}
