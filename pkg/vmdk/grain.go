package vmdk

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/vorteil/vorteil/pkg/sparseio"
)

// VMFSSparseMagic is the "COWD" magic at the start of a server-sparse
// extent's own four-sector header, distinct from the hosted-sparse "KDMV"
// header in Header.MagicNumber.
const VMFSSparseMagic = 0x44574f43

// grainDirectory describes a hosted-sparse or VMFS-sparse grain engine: a
// two-level table of grain table sector addresses (the directory) and,
// lazily, the grain tables themselves (sector address per grain, 0 meaning
// "not yet allocated in this extent").
type grainDirectory struct {
	s sparseio.Stream

	grainBytes int64
	gtesPerGT  int64
	gtCoverage int64

	gdEntries []uint32
	gtCache   map[int64][]uint32
}

// openHostedSparseGrainDirectory reads a "KDMV" hosted-sparse header from
// the start of s and loads its grain directory.
func openHostedSparseGrainDirectory(s sparseio.Stream) (*grainDirectory, *Header, error) {
	buf := make([]byte, 512)
	if _, err := s.ReadAt(buf, 0); err != nil {
		return nil, nil, errors.Wrap(err, "vmdk: reading hosted-sparse header")
	}

	var hdr Header
	if err := readStruct(buf, &hdr); err != nil {
		return nil, nil, errors.Wrap(err, "vmdk: decoding hosted-sparse header")
	}
	if hdr.MagicNumber != Magic {
		return nil, nil, errors.Wrapf(sparseio.ErrInvalidFormat, "hosted-sparse magic 0x%08x", hdr.MagicNumber)
	}

	gd := &grainDirectory{
		s:          s,
		grainBytes: int64(hdr.GrainSize) * SectorSize,
		gtesPerGT:  int64(hdr.NumGTEsPerGT),
		gtCache:    make(map[int64][]uint32),
	}
	gd.gtCoverage = gd.gtesPerGT * gd.grainBytes

	totalGrains := (int64(hdr.Capacity)*SectorSize + gd.grainBytes - 1) / gd.grainBytes
	totalTables := (totalGrains + gd.gtesPerGT - 1) / gd.gtesPerGT

	gdOffset := int64(hdr.GDOffset) * SectorSize
	gdBuf := make([]byte, totalTables*4)
	if _, err := s.ReadAt(gdBuf, gdOffset); err != nil {
		return nil, nil, errors.Wrap(err, "vmdk: reading grain directory")
	}
	gd.gdEntries = make([]uint32, totalTables)
	for i := range gd.gdEntries {
		gd.gdEntries[i] = binary.LittleEndian.Uint32(gdBuf[i*4 : i*4+4])
	}

	return gd, &hdr, nil
}

// vmfsSparseHeader is the four-sector "COWD" header of a server-sparse
// extent, decoded only for the fields the read path needs.
type vmfsSparseHeader struct {
	Magic         uint32
	Version       uint32
	Flags         uint32
	Capacity      uint32
	GrainSize     uint32
	GDOffset      uint32
	NumGDEntries  uint32
	FreeSector    uint32
}

const vmfsNumGTEsPerGT = 4096

// openVMFSSparseGrainDirectory reads a "COWD" server-sparse header and
// loads its grain directory. Shape is identical to the hosted-sparse
// engine aside from a fixed NumGTEsPerGT and a smaller, differently laid
// out header.
func openVMFSSparseGrainDirectory(s sparseio.Stream) (*grainDirectory, *vmfsSparseHeader, error) {
	buf := make([]byte, 32)
	if _, err := s.ReadAt(buf, 0); err != nil {
		return nil, nil, errors.Wrap(err, "vmdk: reading vmfs-sparse header")
	}

	hdr := &vmfsSparseHeader{
		Magic:        binary.LittleEndian.Uint32(buf[0:4]),
		Version:      binary.LittleEndian.Uint32(buf[4:8]),
		Flags:        binary.LittleEndian.Uint32(buf[8:12]),
		Capacity:     binary.LittleEndian.Uint32(buf[12:16]),
		GrainSize:    binary.LittleEndian.Uint32(buf[16:20]),
		GDOffset:     binary.LittleEndian.Uint32(buf[20:24]),
		NumGDEntries: binary.LittleEndian.Uint32(buf[24:28]),
		FreeSector:   binary.LittleEndian.Uint32(buf[28:32]),
	}
	if hdr.Magic != VMFSSparseMagic {
		return nil, nil, errors.Wrapf(sparseio.ErrInvalidFormat, "vmfs-sparse magic 0x%08x", hdr.Magic)
	}

	gd := &grainDirectory{
		s:          s,
		grainBytes: int64(hdr.GrainSize) * SectorSize,
		gtesPerGT:  vmfsNumGTEsPerGT,
		gtCache:    make(map[int64][]uint32),
	}
	gd.gtCoverage = gd.gtesPerGT * gd.grainBytes

	gdOffset := int64(hdr.GDOffset) * SectorSize
	gdBuf := make([]byte, int64(hdr.NumGDEntries)*4)
	if _, err := s.ReadAt(gdBuf, gdOffset); err != nil {
		return nil, nil, errors.Wrap(err, "vmdk: reading vmfs-sparse grain directory")
	}
	gd.gdEntries = make([]uint32, hdr.NumGDEntries)
	for i := range gd.gdEntries {
		gd.gdEntries[i] = binary.LittleEndian.Uint32(gdBuf[i*4 : i*4+4])
	}

	return gd, hdr, nil
}

// grainTable returns the cached grain table for gtIndex, loading it (one
// underlying read) on first use.
func (gd *grainDirectory) grainTable(gtIndex int64) ([]uint32, error) {
	if gt, ok := gd.gtCache[gtIndex]; ok {
		return gt, nil
	}
	if gtIndex >= int64(len(gd.gdEntries)) || gd.gdEntries[gtIndex] == 0 {
		gd.gtCache[gtIndex] = nil
		return nil, nil
	}

	buf := make([]byte, gd.gtesPerGT*4)
	if _, err := gd.s.ReadAt(buf, int64(gd.gdEntries[gtIndex])*SectorSize); err != nil {
		return nil, errors.Wrap(err, "vmdk: reading grain table")
	}
	gt := make([]uint32, gd.gtesPerGT)
	for i := range gt {
		gt[i] = binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
	}
	gd.gtCache[gtIndex] = gt
	return gt, nil
}

// grainAt resolves the logical byte offset pos to the sector address of
// the grain covering it (0 if unallocated), along with how many bytes
// from pos remain within that grain.
func (gd *grainDirectory) grainAt(pos int64) (sector uint32, remaining int64, err error) {
	gtIndex := pos / gd.gtCoverage
	withinGT := pos % gd.gtCoverage
	grainIdx := withinGT / gd.grainBytes
	grainOff := withinGT % gd.grainBytes
	remaining = gd.grainBytes - grainOff

	gt, err := gd.grainTable(gtIndex)
	if err != nil {
		return 0, remaining, err
	}
	if gt == nil || grainIdx >= int64(len(gt)) {
		return 0, remaining, nil
	}
	return gt[grainIdx], remaining, nil
}

func readStruct(b []byte, v interface{}) error {
	return binary.Read(newLimitedByteReader(b), binary.LittleEndian, v)
}

type limitedByteReader struct {
	b   []byte
	pos int
}

func newLimitedByteReader(b []byte) *limitedByteReader { return &limitedByteReader{b: b} }

func (r *limitedByteReader) Read(p []byte) (int, error) {
	n := copy(p, r.b[r.pos:])
	r.pos += n
	if n == 0 {
		return 0, errors.New("vmdk: short read decoding fixed-layout struct")
	}
	return n, nil
}
