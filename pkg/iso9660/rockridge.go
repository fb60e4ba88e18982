package iso9660

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"os"
	"time"

	"github.com/pkg/errors"
)

// SUSP system-use entry signatures this reader understands.
const (
	susCE = "CE" // continuation area
	susPD = "PD" // padding
	susSP = "SP" // SUSP indicator, must be the first entry in the root's "." record
	susST = "ST" // terminator
	susER = "ER" // extensions reference (announces Rock Ridge)
	susES = "ES"

	rrPX = "PX" // POSIX file permissions
	rrPN = "PN" // device number
	rrSL = "SL" // symbolic link target
	rrNM = "NM" // alternate name
	rrCL = "CL" // child link (relocated directory)
	rrPL = "PL" // parent link
	rrRE = "RE" // marks a relocated directory
	rrTF = "TF" // timestamps
	rrSF = "SF" // sparse file
)

// NM entry continuation/self/parent flag bits.
const (
	nmFlagContinue = 1 << 0
	nmFlagCurrent  = 1 << 1
	nmFlagParent   = 1 << 2
)

// SL component flag bits.
const (
	slFlagContinue = 1 << 0
	slCompCurrent  = 1 << 1
	slCompParent   = 1 << 2
	slCompRoot     = 1 << 3
)

// TF entry timestamp-presence flag bits.
const (
	tfCreation     = 1 << 0
	tfModification = 1 << 1
	tfAccess       = 1 << 2
	tfAttributes   = 1 << 3
	tfBackup       = 1 << 4
	tfExpiration   = 1 << 5
	tfEffective    = 1 << 6
	tfLongForm     = 1 << 7
)

// RockRidgeInfo carries the POSIX metadata layer SUSP/Rock Ridge adds on
// top of a plain directory record.
type RockRidgeInfo struct {
	HasPX bool
	Mode  os.FileMode
	UID   uint32
	GID   uint32
	Links uint32

	HasSymlink bool
	Symlink    string

	AlternateName string

	Relocated bool
	ChildLBA  uint32
	ParentLBA uint32

	ModTime    time.Time
	AccessTime time.Time
	CreateTime time.Time
}

// susEntry is one decoded (signature, version, payload) TLV from a system
// use area.
type susEntry struct {
	sig     string
	version byte
	payload []byte
}

// walkSystemUseArea decodes the TLV entries in a directory record's system
// use field, following CE continuation pointers via readAt (which reads
// from the volume's backing stream at an absolute byte offset). It stops
// at an ST entry or when the remaining bytes can't hold another header.
func walkSystemUseArea(area []byte, readAt func(pos int64, p []byte) (int, error)) ([]susEntry, error) {
	var entries []susEntry
	seen := 0

	for {
		var ce *susEntry
		for len(area) >= 4 {
			sig := string(area[0:2])
			length := int(area[2])
			version := area[3]

			if length < 4 || length > len(area) {
				return nil, errors.Wrap(ErrInvalidSUSPEntry, "system use entry length out of bounds")
			}
			payload := area[4:length]

			if sig == susST {
				return entries, nil
			}
			if sig == susCE {
				if len(payload) < 24 {
					return nil, errors.Wrap(ErrInvalidSUSPEntry, "CE entry too short")
				}
				e := susEntry{sig: sig, version: version, payload: append([]byte(nil), payload...)}
				ce = &e
				area = area[length:]
				continue
			}

			entries = append(entries, susEntry{sig: sig, version: version, payload: append([]byte(nil), payload...)})
			area = area[length:]
		}

		if ce == nil {
			return entries, nil
		}
		seen++
		if seen > 64 {
			return nil, errors.Wrap(ErrInvalidSUSPEntry, "too many CE continuation hops")
		}

		blockLBA := getBothUint32(ce.payload[0:8])
		blockOffset := getBothUint32(ce.payload[8:16])
		blockLen := getBothUint32(ce.payload[16:24])

		next := make([]byte, blockLen)
		pos := int64(blockLBA)*SectorSize + int64(blockOffset)
		if _, err := readAt(pos, next); err != nil {
			return nil, errors.Wrap(err, "reading CE continuation area")
		}
		area = next
	}
}

// decodeRockRidge extracts Rock Ridge fields from a directory record's
// already-walked SUSP entries. A record with no PX/NM/SL/TF entries
// yields a zero-value, non-informative RockRidgeInfo; callers should
// treat the plain ISO-9660 fields as authoritative in that case.
func decodeRockRidge(entries []susEntry) (*RockRidgeInfo, error) {
	info := &RockRidgeInfo{}
	var nmParts []string

	for _, e := range entries {
		switch e.sig {
		case rrPX:
			if len(e.payload) < 32 {
				return nil, errors.Wrap(ErrInvalidSUSPEntry, "PX entry too short")
			}
			info.HasPX = true
			info.Mode = parsePOSIXMode(getBothUint32(e.payload[0:8]))
			info.Links = getBothUint32(e.payload[8:16])
			info.UID = getBothUint32(e.payload[16:24])
			info.GID = getBothUint32(e.payload[24:32])

		case rrNM:
			if len(e.payload) < 1 {
				return nil, errors.Wrap(ErrInvalidSUSPEntry, "NM entry too short")
			}
			flags := e.payload[0]
			if flags&nmFlagCurrent != 0 {
				nmParts = append(nmParts, ".")
			} else if flags&nmFlagParent != 0 {
				nmParts = append(nmParts, "..")
			} else {
				nmParts = append(nmParts, string(e.payload[1:]))
			}

		case rrSL:
			if len(e.payload) < 1 {
				return nil, errors.Wrap(ErrInvalidSUSPEntry, "SL entry too short")
			}
			target, err := decodeSymlinkComponents(e.payload[1:])
			if err != nil {
				return nil, err
			}
			info.HasSymlink = true
			info.Symlink += target

		case rrCL:
			if len(e.payload) < 8 {
				return nil, errors.Wrap(ErrInvalidSUSPEntry, "CL entry too short")
			}
			info.ChildLBA = getBothUint32(e.payload[0:8])

		case rrPL:
			if len(e.payload) < 8 {
				return nil, errors.Wrap(ErrInvalidSUSPEntry, "PL entry too short")
			}
			info.ParentLBA = getBothUint32(e.payload[0:8])

		case rrRE:
			info.Relocated = true

		case rrTF:
			if err := decodeTimestampsTF(e.payload, info); err != nil {
				return nil, err
			}
		}
	}

	if len(nmParts) > 0 {
		joined := ""
		for _, p := range nmParts {
			joined += p
		}
		info.AlternateName = joined
	}

	return info, nil
}

// decodeSymlinkComponents decodes an SL entry's component list into a
// POSIX path, honoring the CURRENT/PARENT/ROOT special-component bits.
func decodeSymlinkComponents(b []byte) (string, error) {
	var out string
	for len(b) >= 2 {
		flags := b[0]
		length := int(b[1])
		if 2+length > len(b) {
			return "", errors.Wrap(ErrInvalidSUSPEntry, "SL component exceeds entry")
		}
		comp := string(b[2 : 2+length])
		b = b[2+length:]

		switch {
		case flags&slCompRoot != 0:
			out += "/"
		case flags&slCompCurrent != 0:
			out += "."
		case flags&slCompParent != 0:
			out += ".."
		default:
			out += comp
		}
		if flags&slFlagContinue == 0 && len(b) > 0 {
			out += "/"
		}
	}
	return out, nil
}

func decodeTimestampsTF(payload []byte, info *RockRidgeInfo) error {
	if len(payload) < 1 {
		return errors.Wrap(ErrInvalidSUSPEntry, "TF entry too short")
	}
	flags := payload[0]
	payload = payload[1:]
	width := 7
	if flags&tfLongForm != 0 {
		width = 17
	}

	decode := func(b []byte) time.Time {
		if width == 17 {
			return decodeVolumeDescriptorTimestamp(b)
		}
		return decodeDirectoryRecordTimestamp(b)
	}

	order := []struct {
		bit int
		dst *time.Time
	}{
		{tfCreation, &info.CreateTime},
		{tfModification, &info.ModTime},
		{tfAccess, &info.AccessTime},
	}
	for _, o := range order {
		if flags&byte(o.bit) == 0 {
			continue
		}
		if len(payload) < width {
			return errors.Wrap(ErrInvalidSUSPEntry, "TF entry truncated")
		}
		*o.dst = decode(payload[:width])
		payload = payload[width:]
	}
	return nil
}

// parsePOSIXMode maps the raw PX mode word onto os.FileMode, translating
// the POSIX S_IFMT type bits into Go's ModeDir/ModeSymlink/etc bits.
func parsePOSIXMode(mode uint32) os.FileMode {
	var m os.FileMode
	switch mode & 0xF000 {
	case 0x4000:
		m |= os.ModeDir
	case 0xA000:
		m |= os.ModeSymlink
	case 0x2000:
		m |= os.ModeCharDevice | os.ModeDevice
	case 0x6000:
		m |= os.ModeDevice
	case 0x1000:
		m |= os.ModeNamedPipe
	case 0xC000:
		m |= os.ModeSocket
	}
	m |= os.FileMode(mode & 0777)
	return m
}

// isRockRidgeAnnounced reports whether the root directory's SUSP area
// carries an ER entry, as required before PX/NM/SL/etc entries elsewhere on
// the volume may be trusted. Any ER entry counts; the extension identifier
// it carries is not checked.
func isRockRidgeAnnounced(entries []susEntry) bool {
	for _, e := range entries {
		if e.sig == susER {
			return true
		}
	}
	return false
}
