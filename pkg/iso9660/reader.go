package iso9660

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/vorteil/vorteil/pkg/sparseio"
)

// Reader mounts an ISO-9660 volume image for read-only access, selecting
// among whichever of the plain, Joliet, and Rock Ridge namespaces the
// volume actually carries.
type Reader struct {
	s         sparseio.Stream
	ownership sparseio.Ownership

	descriptors []*VolumeDescriptor
	primary     *VolumeDescriptor
	joliet      *VolumeDescriptor

	rockRidgeAnnounced bool
	bootCatalogLBA     uint32
	hasBootCatalog     bool
}

// NewReader walks the volume descriptor set on s and returns a mounted
// Reader. s must already be positioned so that byte 0 is the start of the
// image (sector 0).
func NewReader(s sparseio.Stream, ownership sparseio.Ownership) (*Reader, error) {
	r := &Reader{s: s, ownership: ownership}

	descriptors, err := walkVolumeDescriptors(r.readSector)
	if err != nil {
		if ownership == sparseio.OwnershipOwn {
			_ = s.Close()
		}
		return nil, err
	}
	r.descriptors = descriptors

	for _, vd := range descriptors {
		switch vd.Type {
		case VolumeDescriptorPrimary:
			if r.primary == nil {
				r.primary = vd
			}
		case VolumeDescriptorSupplementary:
			if vd.IsJoliet && r.joliet == nil {
				r.joliet = vd
			}
		case VolumeDescriptorBoot:
			if len(vd.raw) >= 0x47+4 && string(vd.raw[7:39]) == padRight(ElToritoSystemIdentifier, 32) {
				r.bootCatalogLBA = littleEndianUint32(vd.raw[0x47 : 0x47+4])
				r.hasBootCatalog = true
			}
		}
	}

	if r.primary == nil {
		if ownership == sparseio.OwnershipOwn {
			_ = s.Close()
		}
		return nil, errors.Wrap(sparseio.ErrInvalidFormat, "no primary volume descriptor found")
	}

	if root := r.primary.RootDirectoryRecord; root != nil {
		entries, err := r.systemUseEntriesFor(root, false)
		if err == nil {
			r.rockRidgeAnnounced = isRockRidgeAnnounced(entries)
		}
	}

	return r, nil
}

func (r *Reader) readSector(lba int64) ([]byte, error) {
	buf := make([]byte, SectorSize)
	_, err := r.s.ReadAt(buf, lba*SectorSize)
	return buf, err
}

// HasVariant reports whether the requested namespace is present on the
// mounted volume.
func (r *Reader) HasVariant(v Variant) bool {
	switch v {
	case VariantJoliet:
		return r.joliet != nil
	case VariantRockRidge:
		return r.rockRidgeAnnounced
	default:
		return r.primary != nil
	}
}

func (r *Reader) rootFor(v Variant) (*DirectoryRecord, bool, error) {
	switch v {
	case VariantJoliet:
		if r.joliet == nil {
			return nil, false, errors.Wrap(sparseio.ErrVariantUnavailable, "joliet")
		}
		return r.joliet.RootDirectoryRecord, true, nil
	case VariantRockRidge:
		if !r.rockRidgeAnnounced {
			return nil, false, errors.Wrap(sparseio.ErrVariantUnavailable, "rockridge")
		}
		return r.primary.RootDirectoryRecord, false, nil
	default:
		return r.primary.RootDirectoryRecord, false, nil
	}
}

// readDirectory decodes every record in a directory's extent, skipping
// sector-padding zero bytes.
func (r *Reader) readDirectory(rec *DirectoryRecord, joliet bool) ([]*DirectoryRecord, error) {
	length := int64(rec.DataLength)
	buf := make([]byte, length)
	if _, err := r.s.ReadAt(buf, int64(rec.ExtentLBA)*SectorSize); err != nil {
		return nil, errors.Wrap(err, "reading directory extent")
	}

	var out []*DirectoryRecord
	for sector := int64(0); sector < length; sector += SectorSize {
		end := sector + SectorSize
		if end > length {
			end = length
		}
		chunk := buf[sector:end]
		for len(chunk) > 0 {
			entry, n, err := decodeDirectoryRecord(chunk, joliet)
			if err != nil {
				return nil, err
			}
			if n == 0 {
				break
			}
			out = append(out, entry)
			chunk = chunk[n:]
		}
	}
	return out, nil
}

// Readdir lists the children of path within the given namespace. The root
// is named "/" or "".
func (r *Reader) Readdir(path string, v Variant) ([]*DirectoryRecord, error) {
	rec, joliet, err := r.resolvePath(path, v)
	if err != nil {
		return nil, err
	}
	if !rec.IsDirectory() {
		return nil, errors.Errorf("iso9660: %q is not a directory", path)
	}
	entries, err := r.readDirectory(rec, joliet)
	if err != nil {
		return nil, err
	}

	var out []*DirectoryRecord
	for _, e := range entries {
		if e.IsSelf() || e.IsParent() {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// resolvePath walks path component by component from the selected
// namespace's root.
func (r *Reader) resolvePath(path string, v Variant) (*DirectoryRecord, bool, error) {
	root, joliet, err := r.rootFor(v)
	if err != nil {
		return nil, false, err
	}
	if root == nil {
		return nil, false, errors.Wrap(sparseio.ErrInvalidFormat, "volume has no root directory record")
	}

	clean := strings.Trim(path, "/")
	if clean == "" {
		return root, joliet, nil
	}

	cur := root
	for _, part := range strings.Split(clean, "/") {
		entries, err := r.readDirectory(cur, joliet)
		if err != nil {
			return nil, false, err
		}
		found, err := findChild(entries, part, v == VariantRockRidge, r)
		if err != nil {
			return nil, false, err
		}
		if found == nil {
			return nil, false, errors.Wrapf(ErrNoSuchFile, "%q", path)
		}
		cur = found
	}
	return cur, joliet, nil
}

func findChild(entries []*DirectoryRecord, name string, rockRidge bool, r *Reader) (*DirectoryRecord, error) {
	for _, e := range entries {
		if e.IsSelf() || e.IsParent() {
			continue
		}
		candidate := e.Name()
		if rockRidge {
			info, err := r.rockRidgeInfo(e)
			if err == nil && info.AlternateName != "" {
				candidate = info.AlternateName
			}
		} else {
			stem, ext, _ := SplitVersionedName(candidate)
			if ext != "" {
				candidate = stem + "." + ext
			} else {
				candidate = stem
			}
		}
		if strings.EqualFold(candidate, name) {
			return e, nil
		}
	}
	return nil, nil
}

// systemUseEntriesFor walks the SUSP area of a record, if any.
func (r *Reader) systemUseEntriesFor(rec *DirectoryRecord, joliet bool) ([]susEntry, error) {
	if len(rec.SystemUse) == 0 {
		return nil, nil
	}
	return walkSystemUseArea(rec.SystemUse, r.s.ReadAt)
}

// rockRidgeInfo decodes the Rock Ridge fields of a single directory
// record.
func (r *Reader) rockRidgeInfo(rec *DirectoryRecord) (*RockRidgeInfo, error) {
	entries, err := r.systemUseEntriesFor(rec, false)
	if err != nil {
		return nil, err
	}
	return decodeRockRidge(entries)
}

// Open returns a read-only stream over a regular file's data, rejecting
// non-contiguous (interleaved) extents.
func (r *Reader) Open(path string, v Variant) (sparseio.Stream, error) {
	rec, _, err := r.resolvePath(path, v)
	if err != nil {
		return nil, err
	}
	if rec.IsDirectory() {
		return nil, errors.Errorf("iso9660: %q is a directory", path)
	}
	if rec.NonContiguous() {
		return nil, errors.Wrapf(sparseio.ErrNonContiguousUnsupported, "%q", path)
	}

	if v == VariantRockRidge {
		info, err := r.rockRidgeInfo(rec)
		if err == nil && info.HasSymlink {
			return nil, errors.Errorf("iso9660: %q is a symbolic link to %q", path, info.Symlink)
		}
	}

	return sparseio.NewSubStream(r.s, int64(rec.ExtentLBA)*SectorSize, int64(rec.DataLength), sparseio.OwnershipBorrow)
}

// Close releases the mounted volume per Reader's ownership tag.
func (r *Reader) Close() error {
	if r.ownership != sparseio.OwnershipOwn {
		return nil
	}
	return r.s.Close()
}
