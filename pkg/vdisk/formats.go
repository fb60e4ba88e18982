package vdisk

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

// Format identifies the on-disk container format an image's bytes are
// wrapped in. vdecompiler.Open sniffs an image's header to assign one
// of these during format detection; it never needs anything beyond the
// containers this module's readers (pkg/vmdk, raw) actually parse.
type Format string

// Disk image formats this module can read.
const (
	// RAWFormat is a disk image with no container: partition table and
	// filesystem bytes start at offset zero.
	RAWFormat Format = "raw"
	// VMDKSparseFormat is a VMDK hosted-sparse ("monolithic sparse") image.
	VMDKSparseFormat Format = "vmdk-sparse"
	// VMDKStreamOptimizedFormat is a VMDK stream-optimized (compressed) image.
	VMDKStreamOptimizedFormat Format = "vmdk-stream-optimized"
)

// String returns a string representation of the Format.
func (x Format) String() string {
	return string(x)
}
