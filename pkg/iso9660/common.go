package iso9660

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/vorteil/vorteil/pkg/sparseio"
)

// On-disk geometry constants.
const (
	SectorSize           = 2048
	VolumeDescriptorArea = 0x8000
	StandardIdentifier   = "CD001"
)

// Volume descriptor type byte values.
const (
	VolumeDescriptorBoot          = 0
	VolumeDescriptorPrimary       = 1
	VolumeDescriptorSupplementary = 2
	VolumeDescriptorPartition     = 3
	VolumeDescriptorSetTerminator = 255
)

// ElToritoSystemIdentifier is the padded 32-byte system identifier a Boot
// Record descriptor must carry for its boot catalog to be considered
// present.
const ElToritoSystemIdentifier = "EL TORITO SPECIFICATION"

// putBothUint16 writes both-endian (LE then BE) u16.
func putBothUint16(b []byte, v uint16) {
	b[0], b[1] = byte(v), byte(v>>8)
	b[2], b[3] = byte(v>>8), byte(v)
}

func getBothUint16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

// putBothUint32 writes both-endian (LE then BE) u32.
func putBothUint32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	b[4], b[5], b[6], b[7] = byte(v>>24), byte(v>>16), byte(v>>8), byte(v)
}

func getBothUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// bigEndianUint32 decodes the "M path table" LBA encoding: plain
// big-endian, contrasted against the L path table's little-endian
// encoding of the same value.
func bigEndianUint32(b []byte) uint32 {
	return uint32(b[3]) | uint32(b[2])<<8 | uint32(b[1])<<16 | uint32(b[0])<<24
}

func putBigEndianUint32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v>>24), byte(v>>16), byte(v>>8), byte(v)
}

func littleEndianUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLittleEndianUint32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

// dateTimeMinimum is the sentinel returned for a volume-descriptor
// timestamp field that can't be parsed, rather than aborting the mount.
var dateTimeMinimum = time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC)

// decodeVolumeDescriptorTimestamp decodes the 17-byte ASCII+offset
// timestamp format used by the four volume-descriptor date fields. On any
// parse failure it returns dateTimeMinimum rather than an error.
func decodeVolumeDescriptorTimestamp(b []byte) time.Time {
	if len(b) != 17 {
		return dateTimeMinimum
	}
	digits := string(b[0:14])
	allZero := true
	for _, c := range digits {
		if c != '0' {
			allZero = false
			break
		}
	}
	if allZero {
		return dateTimeMinimum
	}

	year, err1 := atoiFixed(b[0:4])
	month, err2 := atoiFixed(b[4:6])
	day, err3 := atoiFixed(b[6:8])
	hour, err4 := atoiFixed(b[8:10])
	minute, err5 := atoiFixed(b[10:12])
	second, err6 := atoiFixed(b[12:14])
	hundredths, err7 := atoiFixed(b[14:16])
	offsetQuarterHours := int8(b[16])

	if err1 != nil || err2 != nil || err3 != nil || err4 != nil ||
		err5 != nil || err6 != nil || err7 != nil || month < 1 || month > 12 {
		return dateTimeMinimum
	}

	loc := time.FixedZone("iso9660", int(offsetQuarterHours)*15*60)
	return time.Date(year, time.Month(month), day, hour, minute, second, hundredths*10*1000*1000, loc)
}

// decodeDirectoryRecordTimestamp decodes the 7-byte directory-record
// timestamp: (years-since-1900, month, day, hour, minute, second, signed
// quarter-hour UTC offset).
func decodeDirectoryRecordTimestamp(b []byte) time.Time {
	if len(b) != 7 {
		return dateTimeMinimum
	}
	year := 1900 + int(b[0])
	month := int(b[1])
	day := int(b[2])
	hour := int(b[3])
	minute := int(b[4])
	second := int(b[5])
	offset := int8(b[6])

	if month < 1 || month > 12 {
		return dateTimeMinimum
	}

	loc := time.FixedZone("iso9660", int(offset)*15*60)
	return time.Date(year, time.Month(month), day, hour, minute, second, 0, loc)
}

func encodeDirectoryRecordTimestamp(t time.Time) [7]byte {
	var b [7]byte
	b[0] = byte(t.Year() - 1900)
	b[1] = byte(t.Month())
	b[2] = byte(t.Day())
	b[3] = byte(t.Hour())
	b[4] = byte(t.Minute())
	b[5] = byte(t.Second())
	_, offset := t.Zone()
	b[6] = byte(offset / (15 * 60))
	return b
}

func atoiFixed(b []byte) (int, error) {
	n := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, errors.New("iso9660: non-digit in fixed-width integer field")
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// aCharacters is the restricted IA-5 subset ("a-characters") used for
// text fields such as publisher/preparer identifiers.
const aCharacters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789 !\"%&'()*+,-./:;<=>?_"

// dCharacters is the restricted subset used for file/volume identifiers.
const dCharacters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_"

func isDCharacter(r rune) bool {
	return strings.ContainsRune(dCharacters, r)
}

func isACharacter(r rune) bool {
	return strings.ContainsRune(aCharacters, r)
}

// validateDCharacters returns ErrInvalidEncoding if s contains any
// character outside the d-character set.
func validateDCharacters(s string) error {
	for _, r := range s {
		if !isDCharacter(r) {
			return errors.Wrapf(sparseio.ErrInvalidEncoding, "invalid d-character %q in %q", r, s)
		}
	}
	return nil
}

// validateACharacters returns ErrInvalidEncoding if s contains any
// character outside the a-character set.
func validateACharacters(s string) error {
	for _, r := range s {
		if !isACharacter(r) {
			return errors.Wrapf(sparseio.ErrInvalidEncoding, "invalid a-character %q in %q", r, s)
		}
	}
	return nil
}

// padRight space-pads (ASCII 0x20) s to n bytes, truncating if longer.
func padRight(s string, n int) string {
	if len(s) >= n {
		return s[:n]
	}
	return s + strings.Repeat(" ", n-len(s))
}

func cstringASCII(b []byte) string {
	return strings.TrimRight(string(b), " \x00")
}
