package iso9660

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/vorteil/vorteil/pkg/sparseio"
)

// BuildNode is one file or directory staged for writing into an image.
// Callers assemble a tree of these with AddFile/AddDirectory before
// calling VolumeBuilder.Build.
type BuildNode struct {
	name     string
	isDir    bool
	data     sparseio.Stream
	modTime  time.Time
	children []*BuildNode
}

// VolumeBuilder plans and writes a primary volume, with an optional
// parallel Joliet supplementary volume, from a staged directory tree.
type VolumeBuilder struct {
	VolumeIdentifier string
	SystemIdentifier string
	Joliet           bool
	ModTime          time.Time

	root *BuildNode
}

// NewVolumeBuilder returns an empty builder rooted at "/".
func NewVolumeBuilder(volumeIdentifier string) *VolumeBuilder {
	return &VolumeBuilder{
		VolumeIdentifier: volumeIdentifier,
		SystemIdentifier: "",
		ModTime:          time.Now().UTC(),
		root:             &BuildNode{isDir: true},
	}
}

// AddFile stages a file at path, creating intermediate directories as
// needed. path uses forward slashes and must not be empty.
func (b *VolumeBuilder) AddFile(path string, data sparseio.Stream, modTime time.Time) error {
	dir, leaf, err := b.walkParents(path)
	if err != nil {
		return err
	}
	for _, c := range dir.children {
		if c.name == leaf {
			return errors.Errorf("iso9660: duplicate path %q", path)
		}
	}
	dir.children = append(dir.children, &BuildNode{name: leaf, data: data, modTime: modTime})
	return nil
}

// AddDirectory stages an explicit empty directory at path.
func (b *VolumeBuilder) AddDirectory(path string) error {
	dir, leaf, err := b.walkParents(path)
	if err != nil {
		return err
	}
	for _, c := range dir.children {
		if c.name == leaf {
			if c.isDir {
				return nil
			}
			return errors.Errorf("iso9660: duplicate path %q", path)
		}
	}
	dir.children = append(dir.children, &BuildNode{name: leaf, isDir: true, modTime: b.ModTime})
	return nil
}

func (b *VolumeBuilder) walkParents(path string) (dir *BuildNode, leaf string, err error) {
	clean := strings.Trim(path, "/")
	if clean == "" {
		return nil, "", errors.New("iso9660: empty path")
	}
	parts := strings.Split(clean, "/")
	cur := b.root
	for _, part := range parts[:len(parts)-1] {
		var next *BuildNode
		for _, c := range cur.children {
			if c.isDir && c.name == part {
				next = c
				break
			}
		}
		if next == nil {
			next = &BuildNode{name: part, isDir: true, modTime: b.ModTime}
			cur.children = append(cur.children, next)
		}
		cur = next
	}
	return cur, parts[len(parts)-1], nil
}

// plannedEntry is one directory-tree node annotated with its assigned
// on-disk identifier and (once known) extent location.
type plannedEntry struct {
	node       *BuildNode
	isoName    string // normalized "STEM.EXT;1" form, empty for root
	jolietName string
	extentLBA  uint32
	dataLength uint32
	children   []*plannedEntry
	parent     *plannedEntry
	dirIndex   int // path table index, assigned breadth-first
}

// normalizeLevel1Name rewrites an arbitrary staged name into a
// level-1-compliant "STEM.EXT;1" identifier: stem truncated to 8
// characters, extension to 3, restricted to d-characters, uppercased.
// Collisions within the same directory are resolved by replacing the
// tail of the stem with a numeric suffix.
func normalizeLevel1Name(name string, isDir bool, used map[string]bool) string {
	if name == "" {
		return name
	}
	upper := strings.ToUpper(name)
	var stem, ext string
	if i := strings.LastIndexByte(upper, '.'); i >= 0 && !isDir {
		stem, ext = upper[:i], upper[i+1:]
	} else {
		stem = upper
	}

	clean := func(s string) string {
		var b strings.Builder
		for _, r := range s {
			if isDCharacter(r) {
				b.WriteRune(r)
			} else {
				b.WriteRune('_')
			}
		}
		return b.String()
	}
	stem, ext = clean(stem), clean(ext)

	if len(stem) > 8 {
		stem = stem[:8]
	}
	if len(ext) > 3 {
		ext = ext[:3]
	}

	candidate := func(s, e string) string {
		if isDir {
			return s
		}
		return s + "." + e
	}

	base := candidate(stem, ext)
	final := base
	for n := 1; used[final]; n++ {
		suffix := fmt.Sprintf("%d", n)
		trimmed := stem
		if len(trimmed)+len(suffix) > 8 {
			trimmed = trimmed[:8-len(suffix)]
		}
		final = candidate(trimmed+suffix, ext)
	}
	used[final] = true

	if isDir {
		return final
	}
	return final + ";1"
}

func normalizeJolietName(name string, used map[string]bool) string {
	if name == "" {
		return name
	}
	final := name
	if len(final) > 64 {
		final = final[:64]
	}
	for n := 1; used[final]; n++ {
		suffix := fmt.Sprintf("~%d", n)
		trimmed := name
		if len(trimmed)+len(suffix) > 64 {
			trimmed = trimmed[:64-len(suffix)]
		}
		final = trimmed + suffix
	}
	used[final] = true
	return final
}

// planTree assigns normalized names to every node, recursively, and
// returns the root plannedEntry. Directory entries are later assigned
// path-table indices in breadth-first order.
func planTree(node *BuildNode, parent *plannedEntry) *plannedEntry {
	pe := &plannedEntry{node: node, parent: parent}

	sorted := make([]*BuildNode, len(node.children))
	copy(sorted, node.children)
	sort.Slice(sorted, func(i, j int) bool {
		return CompareDirectoryEntryNames(sorted[i].name, sorted[j].name) < 0
	})

	isoUsed := map[string]bool{}
	jolietUsed := map[string]bool{}
	for _, child := range sorted {
		childPE := planTree(child, pe)
		childPE.isoName = normalizeLevel1Name(child.name, child.isDir, isoUsed)
		childPE.jolietName = normalizeJolietName(child.name, jolietUsed)
		pe.children = append(pe.children, childPE)
	}
	return pe
}

// assignDirIndices numbers every directory breadth-first starting at 1
// (root is entry 1 in an ISO-9660 path table).
func assignDirIndices(root *plannedEntry) []*plannedEntry {
	var dirs []*plannedEntry
	queue := []*plannedEntry{root}
	for len(queue) > 0 {
		d := queue[0]
		queue = queue[1:]
		d.dirIndex = len(dirs) + 1
		dirs = append(dirs, d)
		for _, c := range d.children {
			if c.node.isDir {
				queue = append(queue, c)
			}
		}
	}
	return dirs
}

// Build lays out and assembles the finished image as a read-only stream:
// system area, primary (and optional Joliet) volume descriptors, the path
// tables (two, or four with Joliet), directory records, then file data, in
// that order.
func (b *VolumeBuilder) Build() (*sparseio.BuiltStream, error) {
	root := planTree(b.root, nil)
	dirs := assignDirIndices(root)

	var jolietDirs []*plannedEntry
	if b.Joliet {
		jolietDirs = dirs
	}

	sector := uint32(16 + 1) // system area + primary descriptor
	if b.Joliet {
		sector++ // supplementary descriptor
	}
	sector++ // set terminator

	pathTableSectors := func(dirs []*plannedEntry, wide bool) uint32 {
		size := uint32(0)
		for _, d := range dirs {
			name := d.isoName
			if wide {
				name = d.jolietName
			}
			n := len(name)
			if n%2 == 1 {
				n++
			}
			size += uint32(8 + n)
		}
		return (size + SectorSize - 1) / SectorSize
	}

	lTableSize := pathTableSectors(dirs, false)
	primaryLLBA := sector
	sector += lTableSize
	primaryMLBA := sector
	sector += lTableSize

	var jolietLLBA, jolietMLBA, jTableSize uint32
	if b.Joliet {
		jTableSize = pathTableSectors(jolietDirs, true)
		jolietLLBA = sector
		sector += jTableSize
		jolietMLBA = sector
		sector += jTableSize
	}

	assignDirExtents(dirs, &sector)

	assignFileExtents(root, &sector)

	totalSectors := sector

	var extents []sparseio.BuilderExtent
	extents = append(extents, b.systemAreaExtent()...)
	extents = append(extents, b.descriptorExtents(root, primaryLLBA, primaryMLBA, jolietLLBA, jolietMLBA, totalSectors)...)
	extents = append(extents, pathTableExtents(dirs, primaryLLBA, primaryMLBA, false)...)
	if b.Joliet {
		extents = append(extents, pathTableExtents(jolietDirs, jolietLLBA, jolietMLBA, true)...)
	}
	extents = append(extents, directoryRecordExtents(dirs, b.Joliet)...)
	extents = append(extents, fileDataExtents(root)...)

	return sparseio.NewBuiltStream(int64(totalSectors)*SectorSize, extents), nil
}

func assignDirExtents(dirs []*plannedEntry, sector *uint32) {
	for _, d := range dirs {
		size := directoryRecordsSize(d)
		d.extentLBA = *sector
		d.dataLength = size
		*sector += (size + SectorSize - 1) / SectorSize
	}
}

func directoryRecordsSize(d *plannedEntry) uint32 {
	var total uint32
	recLen := func(nameLen int) uint32 {
		l := 33 + nameLen
		if nameLen%2 == 0 {
			l++
		}
		return uint32(l)
	}
	total += recLen(1) // self
	total += recLen(1) // parent
	for _, c := range d.children {
		total += recLen(len(c.isoName))
	}
	// Pad each directory's records out to a whole number of sectors;
	// records never cross a sector boundary.
	return ((total + SectorSize - 1) / SectorSize) * SectorSize
}

func assignFileExtents(d *plannedEntry, sector *uint32) {
	for _, c := range d.children {
		if c.node.isDir {
			assignFileExtents(c, sector)
			continue
		}
		length := c.node.data.Length()
		c.dataLength = uint32(length)
		c.extentLBA = *sector
		*sector += uint32((length + SectorSize - 1) / SectorSize)
	}
}

func (b *VolumeBuilder) systemAreaExtent() []sparseio.BuilderExtent {
	return []sparseio.BuilderExtent{{
		Start:  0,
		Length: 16 * SectorSize,
		ReadAt: func(off int64, p []byte) (int, error) {
			for i := range p {
				p[i] = 0
			}
			return len(p), nil
		},
	}}
}

func (b *VolumeBuilder) descriptorExtents(root *plannedEntry, lLBA, mLBA, jLLBA, jMLBA, totalSectors uint32) []sparseio.BuilderExtent {
	primary := b.buildPrimaryDescriptor(root, lLBA, mLBA, totalSectors)
	start := int64(16) * SectorSize
	extents := []sparseio.BuilderExtent{fixedBufferExtent(start, primary)}
	start += SectorSize

	if b.Joliet {
		joliet := b.buildJolietDescriptor(root, jLLBA, jMLBA, totalSectors)
		extents = append(extents, fixedBufferExtent(start, joliet))
		start += SectorSize
	}

	term := make([]byte, SectorSize)
	term[0] = VolumeDescriptorSetTerminator
	copy(term[1:6], StandardIdentifier)
	term[6] = 1
	extents = append(extents, fixedBufferExtent(start, term))

	return extents
}

func fixedBufferExtent(start int64, buf []byte) sparseio.BuilderExtent {
	return sparseio.BuilderExtent{
		Start:  start,
		Length: int64(len(buf)),
		ReadAt: func(off int64, p []byte) (int, error) {
			copy(p, buf[off-start:])
			return len(p), nil
		},
	}
}

func (b *VolumeBuilder) buildPrimaryDescriptor(root *plannedEntry, lLBA, mLBA, totalSectors uint32) []byte {
	buf := make([]byte, SectorSize)
	buf[0] = VolumeDescriptorPrimary
	copy(buf[1:6], StandardIdentifier)
	buf[6] = 1

	copy(buf[8:40], padRight(b.SystemIdentifier, 32))
	copy(buf[40:72], padRight(b.VolumeIdentifier, 32))

	putBothUint32(buf[80:88], totalSectors)
	putBothUint16(buf[120:124], 1) // volume set size
	putBothUint16(buf[124:128], 1) // volume sequence number
	putBothUint16(buf[128:132], SectorSize)

	putLittleEndianUint32(buf[140:144], lLBA)
	putBigEndianUint32(buf[148:152], mLBA)

	rootRec := encodeRootDirectoryRecord(root, false)
	copy(buf[156:190], rootRec)

	copy(buf[190:318], padRight(b.VolumeIdentifier, 128))
	copy(buf[574:702], padRight("", 128))

	now := encodeVolumeDescriptorNow(b.ModTime)
	copy(buf[813:830], now)
	copy(buf[830:847], now)

	buf[881] = 1 // file structure version
	return buf
}

func (b *VolumeBuilder) buildJolietDescriptor(root *plannedEntry, lLBA, mLBA, totalSectors uint32) []byte {
	buf := make([]byte, SectorSize)
	buf[0] = VolumeDescriptorSupplementary
	copy(buf[1:6], StandardIdentifier)
	buf[6] = 1
	copy(buf[88:91], jolietEscapeSequences[2])

	copy(buf[8:40], padRight(b.SystemIdentifier, 32))
	copy(buf[40:72], encodeUTF16BE(b.VolumeIdentifier))

	putBothUint32(buf[80:88], totalSectors)

	putBothUint16(buf[128:132], SectorSize)
	putLittleEndianUint32(buf[140:144], lLBA)
	putBigEndianUint32(buf[148:152], mLBA)

	rootRec := encodeRootDirectoryRecord(root, true)
	copy(buf[156:190], rootRec)

	now := encodeVolumeDescriptorNow(b.ModTime)
	copy(buf[813:830], now)
	copy(buf[830:847], now)
	buf[881] = 1
	return buf
}

func encodeVolumeDescriptorNow(t time.Time) []byte {
	b := make([]byte, 17)
	s := fmt.Sprintf("%04d%02d%02d%02d%02d%02d%02d", t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond()/1e7)
	copy(b, s)
	return b
}

func encodeRootDirectoryRecord(root *plannedEntry, joliet bool) []byte {
	rec := make([]byte, 34)
	rec[0] = 34
	putBothUint32(rec[2:10], root.extentLBA)
	putBothUint32(rec[10:18], root.dataLength)
	copy(rec[18:25], encodeDirectoryRecordTimestamp(time.Now().UTC())[:])
	rec[25] = RecordFlagDirectory
	putBothUint16(rec[28:32], 1)
	rec[32] = 1
	rec[33] = 0
	return rec
}

func pathTableExtents(dirs []*plannedEntry, lLBA, mLBA uint32, joliet bool) []sparseio.BuilderExtent {
	lBuf, mBuf := encodePathTables(dirs, joliet)
	return []sparseio.BuilderExtent{
		fixedBufferExtent(int64(lLBA)*SectorSize, padToSectors(lBuf)),
		fixedBufferExtent(int64(mLBA)*SectorSize, padToSectors(mBuf)),
	}
}

func padToSectors(buf []byte) []byte {
	size := ((len(buf) + SectorSize - 1) / SectorSize) * SectorSize
	out := make([]byte, size)
	copy(out, buf)
	return out
}

func encodePathTables(dirs []*plannedEntry, joliet bool) (lBuf, mBuf []byte) {
	for _, d := range dirs {
		name := d.isoName
		if joliet {
			name = d.jolietName
		}
		if name == "" {
			name = string([]byte{0})
		}
		nameBytes := []byte(name)
		if joliet {
			nameBytes = encodeUTF16BE(name)
		}
		nameLen := len(nameBytes)

		parentIdx := 1
		if d.parent != nil {
			parentIdx = d.parent.dirIndex
		}

		entry := make([]byte, 8+nameLen+nameLen%2)
		entry[0] = byte(nameLen)
		entry[1] = 0

		lEntry := append([]byte(nil), entry...)
		putLittleEndianUint32(lEntry[2:6], d.extentLBA)
		lEntry[6] = byte(parentIdx)
		lEntry[7] = byte(parentIdx >> 8)
		copy(lEntry[8:], nameBytes)
		lBuf = append(lBuf, lEntry...)

		mEntry := append([]byte(nil), entry...)
		putBigEndianUint32(mEntry[2:6], d.extentLBA)
		mEntry[6] = byte(parentIdx >> 8)
		mEntry[7] = byte(parentIdx)
		copy(mEntry[8:], nameBytes)
		mBuf = append(mBuf, mEntry...)
	}
	return
}

func directoryRecordExtents(dirs []*plannedEntry, joliet bool) []sparseio.BuilderExtent {
	var extents []sparseio.BuilderExtent
	for _, d := range dirs {
		buf := encodeDirectoryRecords(d, joliet)
		extents = append(extents, fixedBufferExtent(int64(d.extentLBA)*SectorSize, buf))
	}
	return extents
}

func encodeDirectoryRecords(d *plannedEntry, joliet bool) []byte {
	out := make([]byte, d.dataLength)

	writeRec := func(off int, name []byte, lba, length uint32, isDir bool, modTime time.Time) int {
		nameLen := len(name)
		recLen := 33 + nameLen
		if nameLen%2 == 0 {
			recLen++
		}
		rec := out[off : off+recLen]
		rec[0] = byte(recLen)
		putBothUint32(rec[2:10], lba)
		putBothUint32(rec[10:18], length)
		ts := encodeDirectoryRecordTimestamp(modTime)
		copy(rec[18:25], ts[:])
		if isDir {
			rec[25] = RecordFlagDirectory
		}
		putBothUint16(rec[28:32], 1)
		rec[32] = byte(nameLen)
		copy(rec[33:], name)
		return off + recLen
	}

	off := 0
	off = writeRec(off, SelfIdentifier, d.extentLBA, d.dataLength, true, time.Now().UTC())
	parentLBA, parentLen := d.extentLBA, d.dataLength
	if d.parent != nil {
		parentLBA, parentLen = d.parent.extentLBA, d.parent.dataLength
	}
	off = writeRec(off, ParentIdentifier, parentLBA, parentLen, true, time.Now().UTC())

	for _, c := range d.children {
		name := []byte(c.isoName)
		if joliet {
			name = encodeUTF16BE(c.jolietName)
		}
		off = writeRec(off, name, c.extentLBA, c.dataLength, c.node.isDir, c.node.modTime)
	}

	return out
}

func fileDataExtents(d *plannedEntry) []sparseio.BuilderExtent {
	var extents []sparseio.BuilderExtent
	for _, c := range d.children {
		if c.node.isDir {
			extents = append(extents, fileDataExtents(c)...)
			continue
		}
		stream := c.node.data
		start := int64(c.extentLBA) * SectorSize
		extents = append(extents, sparseio.BuilderExtent{
			Start:  start,
			Length: stream.Length(),
			ReadAt: func(off int64, p []byte) (int, error) {
				return stream.ReadAt(p, off-start)
			},
		})
	}
	return extents
}

// PatchISOLINUXChecksum recomputes and writes the ISOLINUX boot sector
// checksum in place: the 32-bit little-endian sum, modulo 2^32, of every
// 4-byte word in the 2048-byte sector other than bytes 8..64 (which are
// zeroed before summing) must equal 0x1D000000 minus the sum of the
// remaining words; isolinux.bin stores the required correction word at
// offset 0x1C0 so the total comes out to zero.
func PatchISOLINUXChecksum(sector []byte) error {
	if len(sector) != SectorSize {
		return errors.New("iso9660: isolinux boot sector must be exactly one sector")
	}
	scratch := append([]byte(nil), sector...)
	for i := 8; i < 64; i++ {
		scratch[i] = 0
	}

	var sum uint32
	for i := 0; i < SectorSize; i += 4 {
		if i == 0x1C0 {
			continue
		}
		sum += littleEndianUint32(scratch[i : i+4])
	}

	putLittleEndianUint32(sector[0x1C0:0x1C4], uint32(0)-sum)
	return nil
}
