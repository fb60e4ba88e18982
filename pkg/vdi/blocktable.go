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

// readBlockTable loads the blocksCount-entry block table from the stream
// at the header's declared offset.
func readBlockTable(s sparseio.Stream, offset int64, blocksCount uint32) ([]uint32, error) {
	buf := make([]byte, int64(blocksCount)*4)
	if _, err := s.ReadAt(buf, offset); err != nil {
		return nil, errors.Wrap(err, "vdi: reading block table")
	}
	table := make([]uint32, blocksCount)
	for i := range table {
		table[i] = binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
	}
	return table, nil
}

// writeBlockTableEntry rewrites a single block-table entry in place.
func writeBlockTableEntry(s sparseio.Stream, offset int64, index uint32, value uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	_, err := s.WriteAt(buf, offset+int64(index)*4)
	return errors.Wrap(err, "vdi: updating block table entry")
}

// physicalBlockOffset computes where block data index lives, given the
// header's data geometry.
func physicalBlockOffset(hdr *Header, blockIndex uint32) int64 {
	stride := int64(hdr.BlockSize) + int64(hdr.BlockExtra)
	return int64(hdr.OffsetData) + int64(hdr.BlockExtra) + int64(blockIndex)*stride
}
