package iso9660

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"time"

	"github.com/pkg/errors"
	"github.com/vorteil/vorteil/pkg/sparseio"
)

// Variant names one of the three parallel namespaces a volume may expose
// for the same underlying file data.
type Variant int

const (
	VariantPrimary Variant = iota
	VariantJoliet
	VariantRockRidge
)

func (v Variant) String() string {
	switch v {
	case VariantJoliet:
		return "joliet"
	case VariantRockRidge:
		return "rockridge"
	default:
		return "primary"
	}
}

// jolietEscapeSequences are the three UCS-2 level escape sequences that
// may appear at offset 88 of a Supplementary Volume Descriptor to mark it
// as a Joliet volume.
var jolietEscapeSequences = [][]byte{
	{0x25, 0x2F, 0x40}, // UCS-2 level 1
	{0x25, 0x2F, 0x43}, // UCS-2 level 2
	{0x25, 0x2F, 0x45}, // UCS-2 level 3
}

// VolumeDescriptor is the decoded form of one 2048-byte volume descriptor
// sector.
type VolumeDescriptor struct {
	Type       int
	Identifier string
	Version    byte

	SystemIdentifier   string
	VolumeIdentifier   string
	VolumeSpaceSize    uint32
	LogicalBlockSize   uint16
	PathTableSize      uint32
	TypeLPathTableLBA  uint32
	TypeMPathTableLBA  uint32
	RootDirectoryRecord *DirectoryRecord

	VolumeSetIdentifier    string
	PublisherIdentifier    string
	DataPreparerIdentifier string
	ApplicationIdentifier  string

	CreationTime     time.Time
	ModificationTime time.Time
	ExpirationTime   time.Time
	EffectiveTime    time.Time

	IsJoliet bool

	raw []byte
}

// readVolumeDescriptor decodes a single descriptor sector already loaded
// into buf (which must be exactly SectorSize bytes).
func readVolumeDescriptor(buf []byte) (*VolumeDescriptor, error) {
	if len(buf) != SectorSize {
		return nil, errors.New("iso9660: volume descriptor buffer must be one sector")
	}

	vd := &VolumeDescriptor{
		Type:       int(buf[0]),
		Identifier: string(buf[1:6]),
		Version:    buf[6],
		raw:        append([]byte(nil), buf...),
	}

	if vd.Identifier != StandardIdentifier {
		return nil, errors.Wrapf(sparseio.ErrInvalidFormat, "volume descriptor identifier %q", vd.Identifier)
	}

	if vd.Type == VolumeDescriptorSetTerminator || vd.Type == VolumeDescriptorBoot {
		return vd, nil
	}
	if vd.Type != VolumeDescriptorPrimary && vd.Type != VolumeDescriptorSupplementary {
		return vd, nil
	}

	vd.SystemIdentifier = cstringASCII(buf[8:40])
	vd.VolumeIdentifier = cstringASCII(buf[40:72])
	vd.VolumeSpaceSize = getBothUint32(buf[80:88])

	for _, esc := range jolietEscapeSequences {
		if len(buf) >= 91 && string(buf[88:88+len(esc)]) == string(esc) {
			vd.IsJoliet = true
			break
		}
	}

	vd.LogicalBlockSize = getBothUint16(buf[128:132])
	vd.PathTableSize = getBothUint32(buf[132:140])
	vd.TypeLPathTableLBA = littleEndianUint32(buf[140:144])
	vd.TypeMPathTableLBA = bigEndianUint32(buf[148:152])

	rec, _, err := decodeDirectoryRecord(buf[156:190], vd.IsJoliet)
	if err != nil {
		return nil, errors.Wrap(err, "decoding root directory record")
	}
	vd.RootDirectoryRecord = rec

	if vd.IsJoliet {
		vd.VolumeSetIdentifier = decodeUTF16BE(trimUTF16(buf[190:318]))
		vd.PublisherIdentifier = decodeUTF16BE(trimUTF16(buf[318:446]))
		vd.DataPreparerIdentifier = decodeUTF16BE(trimUTF16(buf[446:574]))
		vd.ApplicationIdentifier = decodeUTF16BE(trimUTF16(buf[574:702]))
	} else {
		vd.VolumeSetIdentifier = cstringASCII(buf[190:318])
		vd.PublisherIdentifier = cstringASCII(buf[318:446])
		vd.DataPreparerIdentifier = cstringASCII(buf[446:574])
		vd.ApplicationIdentifier = cstringASCII(buf[574:702])
	}

	vd.CreationTime = decodeVolumeDescriptorTimestamp(buf[813:830])
	vd.ModificationTime = decodeVolumeDescriptorTimestamp(buf[830:847])
	vd.ExpirationTime = decodeVolumeDescriptorTimestamp(buf[847:864])
	vd.EffectiveTime = decodeVolumeDescriptorTimestamp(buf[864:881])

	return vd, nil
}

func trimUTF16(b []byte) []byte {
	i := len(b)
	for i >= 2 && b[i-1] == 0 && b[i-2] == 0 {
		i -= 2
	}
	return b[:i]
}

// walkVolumeDescriptors reads sectors starting at VolumeDescriptorArea
// until a Set Terminator is found, via the provided sector reader.
func walkVolumeDescriptors(readSector func(lba int64) ([]byte, error)) ([]*VolumeDescriptor, error) {
	var out []*VolumeDescriptor
	lba := int64(VolumeDescriptorArea / SectorSize)

	for {
		buf, err := readSector(lba)
		if err != nil {
			return nil, errors.Wrapf(err, "reading volume descriptor at sector %d", lba)
		}
		vd, err := readVolumeDescriptor(buf)
		if err != nil {
			return nil, err
		}
		out = append(out, vd)
		if vd.Type == VolumeDescriptorSetTerminator {
			return out, nil
		}
		lba++
		if lba > int64(VolumeDescriptorArea/SectorSize)+256 {
			return nil, errors.New("iso9660: volume descriptor set terminator not found")
		}
	}
}
