package vdecompiler

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"github.com/vorteil/vorteil/pkg/ext4"
)

// InodeIsRegularFile returns true if the permission bits in the inode represent
// a regular file.
func InodeIsRegularFile(inode *ext4.Inode) bool {
	return ext4.IsRegular(inode)
}

// InodeIsDirectory returns true if the permission bits in the inode represent
// a directory.
func InodeIsDirectory(inode *ext4.Inode) bool {
	return ext4.IsDir(inode)
}

// InodeIsSymlink returns true if the permission bits in the inode represent
// a symlink.
func InodeIsSymlink(inode *ext4.Inode) bool {
	return ext4.IsSymlink(inode)
}

// InodeSize returns the size of the file represented by the inode. It is
// safer to use this than to use the size fields directly because different
// versions of ext might have upper and lower bits stored separately that need
// combining.
func InodeSize(inode *ext4.Inode) int64 {
	return ext4.Size(inode)
}

// InodePermissionsString returns a string-representation of an inode's
// permissions modelled off the string you see with `ls -l`, e.g. `drwxr-x---`.
func InodePermissionsString(inode *ext4.Inode) string {

	mode := []byte("----------")

	if InodeIsDirectory(inode) {
		mode[0] = 'd'
	} else if InodeIsSymlink(inode) {
		mode[0] = 'l'
	}

	modeChars := []byte{'r', 'w', 'x'}
	for i := 0; i < 9; i++ {
		if (inode.Permissions & (1 << (8 - i))) > 0 {
			mode[1+i] = modeChars[i%3]
		}
	}

	return string(mode)

}
