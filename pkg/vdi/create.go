package vdi

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"github.com/pkg/errors"
	"github.com/vorteil/vorteil/pkg/sparseio"
)

// Create lays down a fresh pre-header, header and all-unallocated block
// table onto s, then opens it as a Disk. diskSize and blockSize are in
// bytes; imageType selects ImageTypeDynamic or ImageTypeFixed for the
// header's type discriminator only — both start with every block table
// entry set to BlockFree and fill in lazily via WriteAt, matching the
// allocate-on-write behaviour this package implements uniformly.
func Create(s sparseio.Stream, diskSize int64, blockSize uint32, imageType uint32) (*Disk, error) {
	if diskSize%int64(blockSize) != 0 {
		return nil, errors.Errorf("vdi: disk size %d is not a multiple of block size %d", diskSize, blockSize)
	}
	blocksCount := uint32(diskSize / int64(blockSize))

	offsetBmap := uint32(preHeaderSize + headerFieldsSize)
	offsetData := offsetBmap + blocksCount*4
	// Round the data offset up to a sector boundary, matching the
	// real format's alignment of the data region.
	if rem := offsetData % sectorSize; rem != 0 {
		offsetData += sectorSize - rem
	}

	hdr := Header{
		HeaderSize:      uint32(headerFieldsSize),
		ImageType:       imageType,
		OffsetBmap:      offsetBmap,
		OffsetData:      offsetData,
		SectorSize:      sectorSize,
		DiskSize:        uint64(diskSize),
		BlockSize:       blockSize,
		BlockExtra:      0,
		BlocksInImage:   blocksCount,
		BlocksAllocated: 0,
	}

	if err := writePreHeader(s); err != nil {
		return nil, err
	}
	if err := writeHeader(s, &hdr); err != nil {
		return nil, err
	}

	table := make([]byte, blocksCount*4)
	for i := uint32(0); i < blocksCount; i++ {
		table[i*4+0] = 0xFF
		table[i*4+1] = 0xFF
		table[i*4+2] = 0xFF
		table[i*4+3] = 0xFF
	}
	if _, err := s.WriteAt(table, int64(offsetBmap)); err != nil {
		return nil, errors.Wrap(err, "vdi: writing initial block table")
	}

	return OpenDisk(s)
}

const sectorSize = 512

func writePreHeader(s sparseio.Stream) error {
	buf := make([]byte, preHeaderSize)
	copy(buf[0:64], []byte("<<< Oracle VM VirtualBox Disk Image >>>\n"))
	buf[64] = byte(Signature)
	buf[65] = byte(Signature >> 8)
	buf[66] = byte(Signature >> 16)
	buf[67] = byte(Signature >> 24)
	buf[68] = 1
	buf[69] = 0
	buf[70] = 1
	buf[71] = 0
	_, err := s.WriteAt(buf, 0)
	return errors.Wrap(err, "vdi: writing pre-header")
}
