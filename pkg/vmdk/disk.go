package vmdk

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/vorteil/vorteil/pkg/sparseio"
)

// OpenMode, OpenAccess and OpenShare mirror the parameters a real file
// locator's Open method takes; this package only consumes the interface,
// never implements it against a real filesystem.
type OpenMode int

const (
	OpenRead OpenMode = iota
	OpenReadWrite
)

type OpenAccess int

const (
	AccessRandom OpenAccess = iota
	AccessSequential
)

type OpenShare int

const (
	ShareNone OpenShare = iota
	ShareRead
)

// FileLocator is the collaborator that turns a named sibling or parent
// file into a Stream. Its implementation (real filesystem, in-memory map,
// archive-backed) lives outside this package.
type FileLocator interface {
	Open(name string, mode OpenMode, access OpenAccess, share OpenShare) (sparseio.Stream, error)
	Exists(name string) bool
	GetRelative(subdir string) FileLocator
	FullPath(name string) string
}

const maxStandaloneDescriptorBytes = 20 * 1024

// Disk is an opened VMDK virtual disk: a single content stream assembled
// from the descriptor's extent list, with any parent chain already
// composed in.
type Disk struct {
	Descriptor *Descriptor
	content    sparseio.Stream
}

// Length returns the disk's total addressable size in bytes.
func (d *Disk) Length() int64 { return d.content.Length() }

// OpenContent returns the composed read path over the disk's data:
// extents concatenated in descriptor order, each sparse extent already
// wrapping its resolved parent layer.
func (d *Disk) OpenContent() sparseio.Stream { return d.content }

func (d *Disk) Close() error { return d.content.Close() }

// OpenDisk opens the named disk through locator, parses its descriptor
// (embedded in a hosted-sparse header, or standalone text), opens every
// extent, and resolves the parent chain.
func OpenDisk(locator FileLocator, name string) (*Disk, error) {
	return openDiskChain(locator, name, map[string]bool{})
}

func openDiskChain(locator FileLocator, name string, visited map[string]bool) (*Disk, error) {
	full := locator.FullPath(name)
	if visited[full] {
		return nil, errors.Wrapf(sparseio.ErrInvalidFormat, "vmdk: cyclic parent chain at %q", full)
	}
	visited[full] = true

	s, err := locator.Open(name, OpenRead, AccessRandom, ShareRead)
	if err != nil {
		return nil, errors.Wrapf(err, "vmdk: opening %q", name)
	}

	lead := make([]byte, 4)
	if _, err := s.ReadAt(lead, 0); err != nil {
		return nil, errors.Wrapf(err, "vmdk: reading %q", name)
	}

	var descriptor *Descriptor
	var extentOwner sparseio.Stream

	if littleEndianUint32(lead) == Magic {
		hdrBuf := make([]byte, 512)
		if _, err := s.ReadAt(hdrBuf, 0); err != nil {
			return nil, errors.Wrap(err, "vmdk: reading embedded header")
		}
		var hdr Header
		if err := readStruct(hdrBuf, &hdr); err != nil {
			return nil, errors.Wrap(err, "vmdk: decoding embedded header")
		}
		if hdr.DescriptorOffset == 0 {
			return nil, errors.Wrap(sparseio.ErrInvalidFormat, "vmdk: sparse extent has no embedded descriptor")
		}
		descBuf := make([]byte, hdr.DescriptorSize*SectorSize)
		if _, err := s.ReadAt(descBuf, int64(hdr.DescriptorOffset)*SectorSize); err != nil {
			return nil, errors.Wrap(err, "vmdk: reading embedded descriptor")
		}
		descriptor, err = ParseDescriptor(stripNulls(descBuf))
		if err != nil {
			return nil, err
		}
		extentOwner = s
	} else {
		buf := make([]byte, maxStandaloneDescriptorBytes)
		n, _ := s.ReadAt(buf, 0)
		descriptor, err = ParseDescriptor(string(buf[:n]))
		if err != nil {
			return nil, err
		}
		if err := s.Close(); err != nil {
			return nil, err
		}
	}

	var parent sparseio.Stream
	if descriptor.HasParent() {
		parentName := strings.ReplaceAll(descriptor.ParentFileNameHint, `\`, "/")
		parentDisk, err := openDiskChain(locator, parentName, visited)
		if err != nil {
			return nil, errors.Wrap(err, "vmdk: resolving parent chain")
		}
		parent = parentDisk.content
	}

	extents, length, err := openExtents(locator, descriptor, extentOwner, parent)
	if err != nil {
		return nil, err
	}
	content := sparseio.NewBuiltStream(length, extents)

	return &Disk{Descriptor: descriptor, content: content}, nil
}

// openExtents opens every extent line in order and returns contiguous
// BuilderExtents concatenating them at their declared sector boundaries.
// extentOwner, if non-nil, is the already-open file backing a self
// describing single sparse extent (descriptor and extent share one file).
func openExtents(locator FileLocator, d *Descriptor, extentOwner, parent sparseio.Stream) ([]sparseio.BuilderExtent, int64, error) {
	var built []sparseio.BuilderExtent
	var cursor int64

	for _, line := range d.Extents {
		lengthBytes := line.Sectors * SectorSize
		start := cursor
		cursor += lengthBytes

		var extentParent sparseio.Stream
		if parent != nil {
			var perr error
			extentParent, perr = sparseio.NewSubStream(parent, start, lengthBytes, sparseio.OwnershipBorrow)
			if perr != nil {
				return nil, 0, errors.Wrap(perr, "vmdk: sub-streaming parent for extent range")
			}
		}

		var stream sparseio.Stream
		var err error

		switch line.Type {
		case ExtentTypeZero:
			stream = sparseio.NewZeroStream(lengthBytes)
		case ExtentTypeFlat, ExtentTypeVMFS:
			var raw sparseio.Stream
			if extentOwner != nil {
				raw = extentOwner
			} else {
				raw, err = locator.Open(line.Filename, OpenRead, AccessRandom, ShareRead)
				if err != nil {
					return nil, 0, errors.Wrapf(err, "vmdk: opening flat extent %q", line.Filename)
				}
			}
			off := line.Offset * SectorSize
			stream, err = sparseio.NewSubStream(raw, off, lengthBytes, sparseio.OwnershipOwn)
			if err != nil {
				return nil, 0, err
			}
		case ExtentTypeSparse:
			var raw sparseio.Stream
			if extentOwner != nil {
				raw = extentOwner
			} else {
				raw, err = locator.Open(line.Filename, OpenRead, AccessRandom, ShareRead)
				if err != nil {
					return nil, 0, errors.Wrapf(err, "vmdk: opening sparse extent %q", line.Filename)
				}
			}
			gd, _, err := openHostedSparseGrainDirectory(raw)
			if err != nil {
				return nil, 0, err
			}
			stream = &sparseExtentStream{gd: gd, length: lengthBytes, backing: raw, ownership: sparseio.OwnershipOwn, parent: extentParent}
		case ExtentTypeVMFSSparse:
			raw, err := locator.Open(line.Filename, OpenRead, AccessRandom, ShareRead)
			if err != nil {
				return nil, 0, errors.Wrapf(err, "vmdk: opening vmfs-sparse extent %q", line.Filename)
			}
			gd, _, err := openVMFSSparseGrainDirectory(raw)
			if err != nil {
				return nil, 0, err
			}
			stream = &sparseExtentStream{gd: gd, length: lengthBytes, backing: raw, ownership: sparseio.OwnershipOwn, parent: extentParent}
		default:
			return nil, 0, errors.Wrapf(sparseio.ErrExtentUnsupported, "vmdk: extent type %q", line.Type)
		}

		built = append(built, extentBuilderEntry(start, lengthBytes, stream))
	}

	return built, cursor, nil
}

func extentBuilderEntry(start, length int64, stream sparseio.Stream) sparseio.BuilderExtent {
	return sparseio.BuilderExtent{
		Start:  start,
		Length: length,
		ReadAt: func(off int64, p []byte) (int, error) {
			return stream.ReadAt(p, off-start)
		},
		DisposeReadState: stream.Close,
	}
}

func stripNulls(b []byte) string {
	if i := indexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func littleEndianUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

