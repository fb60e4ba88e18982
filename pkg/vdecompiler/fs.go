package vdecompiler

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"path/filepath"

	"github.com/vorteil/vorteil/pkg/ext4"
	"github.com/vorteil/vorteil/pkg/sparseio"
	"github.com/vorteil/vorteil/pkg/vimg"
)

type fsInfo struct {
	resolver *ext4.Resolver
}

// resolver lazily opens an ext4.Resolver scoped to the root partition's
// byte range, so inode lookups and file-data reads go through the same
// extent-tree/classic-block-pointer dispatch the rest of this module
// relies on rather than a second implementation of it.
func (iio *IO) resolver() (*ext4.Resolver, error) {

	if iio.fs.resolver != nil {
		return iio.fs.resolver, nil
	}

	entry, err := iio.GPTEntry(UTF16toString(vimg.RootPartitionName))
	if err != nil {
		return nil, err
	}

	whole := newSeekerStream(iio.img, int64(iio.img.size))
	first := int64(entry.FirstLBA) * vimg.SectorSize
	length := int64(entry.LastLBA-entry.FirstLBA+1) * vimg.SectorSize

	part, err := sparseio.NewSubStream(whole, first, length, sparseio.OwnershipBorrow)
	if err != nil {
		return nil, err
	}

	r, err := ext4.OpenResolver(part)
	if err != nil {
		return nil, err
	}

	iio.fs.resolver = r

	return r, nil

}

// Superblock returns the decoded ext superblock for the root partition.
func (iio *IO) Superblock() (*ext4.Superblock, error) {

	r, err := iio.resolver()
	if err != nil {
		return nil, err
	}

	return r.Superblock(), nil

}

// ResolveInode looks up an inode on the file-system.
func (iio *IO) ResolveInode(ino int) (*ext4.Inode, error) {

	r, err := iio.resolver()
	if err != nil {
		return nil, err
	}

	return r.ReadInode(uint32(ino))

}

// InodeReader reads all of the data stored for an inode.
func (iio *IO) InodeReader(inode *ext4.Inode) (io.Reader, error) {

	r, err := iio.resolver()
	if err != nil {
		return nil, err
	}

	s, err := r.Open(inode)
	if err != nil {
		return nil, err
	}

	return sparseio.NewCursor(s), nil

}

// Readdir returns a list of directory entries within a directory.
func (iio *IO) Readdir(inode *ext4.Inode) ([]*DirectoryEntry, error) {

	rdr, err := iio.InodeReader(inode)
	if err != nil {
		return nil, err
	}

	dirent := new(Dirent)
	list := make([]*DirectoryEntry, 0)

	for {
		err = binary.Read(rdr, binary.LittleEndian, dirent)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		l := int(dirent.Size)
		buf := new(bytes.Buffer)
		_, err = io.CopyN(buf, rdr, int64(l-8))
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		name := cstring(buf.Bytes()[:dirent.NameLen])

		if name == "" || dirent.Inode == 0 {
			continue
		}

		list = append(list, &DirectoryEntry{
			Name:  name,
			Type:  dirent.Type,
			Inode: int(dirent.Inode),
		})
	}

	return list, nil

}

func (iio *IO) resolveChildInodeNumber(inode *ext4.Inode, path string) (int, error) {

	_, base := filepath.Split(path)

	list, err := iio.Readdir(inode)
	if err != nil {
		return 0, err
	}

	for _, entry := range list {
		if entry.Name == base {
			return entry.Inode, nil
		}
	}

	return 0, fmt.Errorf("file not found: %s", path)

}

// ResolvePathToInodeNo translates a filepath into an inode number if it can be
// found on the disk.
func (iio *IO) ResolvePathToInodeNo(path string) (int, error) {

	path = filepath.Join("/", path)
	path = filepath.ToSlash(path)
	dir, base := filepath.Split(path)
	if (dir == "" || dir == "/" || dir == "\"") && base == "" {
		return ext4.RootDirInode, nil
	}

	parent, err := iio.ResolvePathToInodeNo(dir)
	if err != nil {
		return 0, err
	}

	inode, err := iio.ResolveInode(parent)
	if err != nil {
		return 0, err
	}

	return iio.resolveChildInodeNumber(inode, path)

}

// Dirent is the fixed-size portion of an on-disk ext directory-entry
// record; the entry's name follows immediately after as NameLen bytes.
type Dirent struct {
	Inode   uint32
	Size    uint16
	NameLen uint8
	Type    uint8
}

// DirectoryEntry is a decoded directory entry: a name and the inode number
// it resolves to.
type DirectoryEntry struct {
	Inode int
	Type  uint8
	Name  string
}
