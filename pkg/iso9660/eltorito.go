package iso9660

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Boot media types from the El Torito initial/default entry media byte.
const (
	BootMediaNoEmulation = 0
	BootMedia1_2MBFloppy = 1
	BootMedia1_44MBFloppy = 2
	BootMedia2_88MBFloppy = 3
	BootMediaHardDisk    = 4
)

const (
	bootIndicatorBootable = 0x88
	platformX86           = 0
	platformPowerPC       = 1
	platformMac           = 2
	platformEFI           = 0xEF

	catalogHeaderIDValidation = 0x01
	catalogHeaderIDSection    = 0x91
	catalogKeyByte0           = 0x55
	catalogKeyByte1           = 0xAA
)

// BootEntry is one decoded initial or section entry from a boot catalog.
type BootEntry struct {
	Bootable  bool
	Platform  byte
	MediaType byte
	LoadSegment uint16
	SystemType  byte
	SectorCount uint16
	StartLBA    uint32
}

// BootCatalog is the decoded El Torito boot catalog: a validation entry
// followed by an initial/default entry and zero or more section entries.
type BootCatalog struct {
	Platform byte
	Initial  BootEntry
	Sections []BootEntry
}

// readBootCatalog decodes the 2048-byte boot catalog sector at lba via
// readSector. It verifies the validation entry's word-sum checksum sums to
// zero modulo 0x10000, the failure mode El Torito uses in place of a
// fixed checksum constant.
func readBootCatalog(lba uint32, readSector func(lba int64) ([]byte, error)) (*BootCatalog, error) {
	buf, err := readSector(int64(lba))
	if err != nil {
		return nil, errors.Wrap(err, "reading boot catalog sector")
	}
	if len(buf) < 64 {
		return nil, errors.Wrap(ErrBootCatalogInvalid, "boot catalog sector too short")
	}

	validation := buf[0:32]
	if validation[0] != catalogHeaderIDValidation {
		return nil, errors.Wrap(ErrBootCatalogInvalid, "validation entry header ID")
	}
	if validation[30] != catalogKeyByte0 || validation[31] != catalogKeyByte1 {
		return nil, errors.Wrap(ErrBootCatalogInvalid, "validation entry key bytes")
	}

	var sum uint16
	for i := 0; i < 32; i += 2 {
		sum += binary.LittleEndian.Uint16(validation[i : i+2])
	}
	if sum != 0 {
		return nil, errors.Wrap(ErrBootCatalogInvalid, "validation entry checksum")
	}

	cat := &BootCatalog{Platform: validation[1]}

	initial := buf[32:64]
	cat.Initial = BootEntry{
		Bootable:    initial[0] == bootIndicatorBootable,
		Platform:    cat.Platform,
		MediaType:   initial[1] & 0x0F,
		LoadSegment: binary.LittleEndian.Uint16(initial[2:4]),
		SystemType:  initial[4],
		SectorCount: binary.LittleEndian.Uint16(initial[6:8]),
		StartLBA:    binary.LittleEndian.Uint32(initial[8:12]),
	}

	for off := 64; off+32 <= len(buf); off += 32 {
		header := buf[off : off+32]
		if header[0] != catalogHeaderIDSection {
			break
		}
		entryCount := int(binary.LittleEndian.Uint16(header[2:4]))
		for i := 0; i < entryCount && off+32*(i+2) <= len(buf); i++ {
			e := buf[off+32*(i+1) : off+32*(i+2)]
			cat.Sections = append(cat.Sections, BootEntry{
				Bootable:    e[0] == bootIndicatorBootable,
				Platform:    header[1],
				MediaType:   e[1] & 0x0F,
				LoadSegment: binary.LittleEndian.Uint16(e[2:4]),
				SystemType:  e[4],
				SectorCount: binary.LittleEndian.Uint16(e[6:8]),
				StartLBA:    binary.LittleEndian.Uint32(e[8:12]),
			})
		}
	}

	return cat, nil
}

// BootCatalog decodes and returns the volume's El Torito boot catalog, if
// the mounted image has a Boot Record descriptor pointing at one.
func (r *Reader) BootCatalog() (*BootCatalog, error) {
	if !r.hasBootCatalog {
		return nil, errors.Wrap(ErrBootCatalogInvalid, "volume has no boot record descriptor")
	}
	return readBootCatalog(r.bootCatalogLBA, r.readSector)
}

// BootImage returns the sector count and start LBA of one boot entry's
// image. It does not open a stream over the image data.
func (r *Reader) BootImage(e BootEntry) (sectorCount int, startLBA int64) {
	return int(e.SectorCount), int64(e.StartLBA)
}
