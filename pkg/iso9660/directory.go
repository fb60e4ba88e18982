package iso9660

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"strings"
	"time"
	"unicode/utf16"

	"github.com/pkg/errors"
)

// Directory record flag bits.
const (
	RecordFlagHidden      = 1 << 0
	RecordFlagDirectory   = 1 << 1
	RecordFlagAssociated  = 1 << 2
	RecordFlagRecord      = 1 << 3
	RecordFlagProtection  = 1 << 4
	RecordFlagMultiExtent = 1 << 7
)

// SelfIdentifier and ParentIdentifier are the one-byte names \x00 and
// \x01 that denote "this directory" and "parent" respectively.
var (
	SelfIdentifier   = []byte{0x00}
	ParentIdentifier = []byte{0x01}
)

// DirectoryRecord is the decoded form of an ISO-9660 directory record.
type DirectoryRecord struct {
	Length            uint8
	ExtAttrLength     uint8
	ExtentLBA         uint32
	DataLength        uint32
	RecordingTime     time.Time
	Flags             uint8
	FileUnitSize      uint8
	InterleaveGap     uint8
	VolumeSequenceNo  uint16
	Identifier        []byte
	IsJoliet          bool
	SystemUse         []byte
}

// IsDirectory reports whether the record's flags mark it as a directory.
func (r *DirectoryRecord) IsDirectory() bool {
	return r.Flags&RecordFlagDirectory != 0
}

// IsSelf reports whether the record's identifier is the "this directory"
// pseudo-entry.
func (r *DirectoryRecord) IsSelf() bool {
	return len(r.Identifier) == 1 && r.Identifier[0] == 0x00
}

// IsParent reports whether the record's identifier is the "parent
// directory" pseudo-entry.
func (r *DirectoryRecord) IsParent() bool {
	return len(r.Identifier) == 1 && r.Identifier[0] == 0x01
}

// Name decodes the record's identifier as either ASCII (plain ISO-9660)
// or UTF-16BE (Joliet), depending on IsJoliet.
func (r *DirectoryRecord) Name() string {
	if r.IsSelf() || r.IsParent() {
		return ""
	}
	if r.IsJoliet {
		return decodeUTF16BE(r.Identifier)
	}
	return string(r.Identifier)
}

func decodeUTF16BE(b []byte) string {
	if len(b)%2 != 0 {
		b = b[:len(b)-1]
	}
	u := make([]uint16, len(b)/2)
	for i := range u {
		u[i] = uint16(b[2*i])<<8 | uint16(b[2*i+1])
	}
	return string(utf16.Decode(u))
}

func encodeUTF16BE(s string) []byte {
	u := utf16.Encode([]rune(s))
	b := make([]byte, len(u)*2)
	for i, v := range u {
		b[2*i] = byte(v >> 8)
		b[2*i+1] = byte(v)
	}
	return b
}

// NonContiguous reports whether the record describes a non-contiguous
// extent (file-unit-size or interleave-gap set), which this reader
// rejects with ErrNonContiguousUnsupported.
func (r *DirectoryRecord) NonContiguous() bool {
	return r.FileUnitSize != 0 || r.InterleaveGapSize() != 0
}

// InterleaveGapSize is a small accessor kept distinct from the struct
// field name to read naturally at call sites.
func (r *DirectoryRecord) InterleaveGapSize() uint8 { return r.InterleaveGap }

// decodeDirectoryRecord decodes a single directory record starting at the
// beginning of buf. It returns the number of bytes consumed (equal to
// record.Length, or 0 if buf begins with a padding zero byte signalling
// "skip to next sector").
func decodeDirectoryRecord(buf []byte, joliet bool) (*DirectoryRecord, int, error) {
	if len(buf) == 0 {
		return nil, 0, errors.New("iso9660: empty directory record buffer")
	}

	length := buf[0]
	if length == 0 {
		return nil, 0, nil
	}
	if int(length) > len(buf) {
		return nil, 0, errors.New("iso9660: directory record length exceeds buffer")
	}

	rec := buf[:length]
	if len(rec) < 33 {
		return nil, 0, errors.New("iso9660: directory record shorter than fixed header")
	}

	r := &DirectoryRecord{
		Length:           length,
		ExtAttrLength:    rec[1],
		ExtentLBA:        getBothUint32(rec[2:10]),
		DataLength:       getBothUint32(rec[10:18]),
		RecordingTime:    decodeDirectoryRecordTimestamp(rec[18:25]),
		Flags:            rec[25],
		FileUnitSize:     rec[26],
		InterleaveGap:    rec[27],
		VolumeSequenceNo: getBothUint16(rec[28:32]),
		IsJoliet:         joliet,
	}

	nameLen := int(rec[32])
	if 33+nameLen > len(rec) {
		return nil, 0, errors.New("iso9660: directory record name exceeds record length")
	}
	r.Identifier = append([]byte(nil), rec[33:33+nameLen]...)

	suOffset := 33 + nameLen
	if nameLen%2 == 0 {
		suOffset++
	}
	if suOffset < len(rec) {
		r.SystemUse = append([]byte(nil), rec[suOffset:]...)
	}

	return r, int(length), nil
}

// SplitVersionedName splits a raw ISO identifier of the form
// "STEM.EXT;VERSION" into its three parts, used both by the sort
// comparator and by the reader's path lookup.
func SplitVersionedName(name string) (stem, ext, version string) {
	version = "1"
	if i := strings.LastIndexByte(name, ';'); i >= 0 {
		version = name[i+1:]
		name = name[:i]
	}
	if i := strings.IndexByte(name, '.'); i >= 0 {
		stem, ext = name[:i], name[i+1:]
	} else {
		stem = name
	}
	return
}

// CompareDirectoryEntryNames orders two raw identifiers the way ISO-9660
// directory entries must be written: split at '.' and ';' into (stem,
// ext, version); compare stem then ext, each space-padded to equal
// length; then compare the version digit string, left-padded with '0',
// in descending order (higher version first).
func CompareDirectoryEntryNames(a, b string) int {
	aStem, aExt, aVer := SplitVersionedName(a)
	bStem, bExt, bVer := SplitVersionedName(b)

	if c := compareNamePart(aStem, bStem); c != 0 {
		return c
	}
	if c := compareNamePart(aExt, bExt); c != 0 {
		return c
	}

	width := len(aVer)
	if len(bVer) > width {
		width = len(bVer)
	}
	aPad := strings.Repeat("0", width-len(aVer)) + aVer
	bPad := strings.Repeat("0", width-len(bVer)) + bVer

	// Version compares descending: higher version sorts first.
	switch {
	case aPad > bPad:
		return -1
	case aPad < bPad:
		return 1
	default:
		return 0
	}
}

func compareNamePart(a, b string) int {
	width := len(a)
	if len(b) > width {
		width = len(b)
	}
	aPad, bPad := padRight(a, width), padRight(b, width)
	switch {
	case aPad < bPad:
		return -1
	case aPad > bPad:
		return 1
	default:
		return 0
	}
}
