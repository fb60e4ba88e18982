package sparseio

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "errors"

// IoKind classifies the reason a stream operation failed. Packages in this
// module report these failures by wrapping one of the sentinels with
// github.com/pkg/errors (Wrap/Wrapf) so callers can dispatch on errors.Is.
type IoKind error

// Sentinel error kinds shared by every reader/builder in this module.
var (
	// ErrInvalidFormat is returned when a magic number or identifier does
	// not match what the format requires (ISO "CD001", VDI signature, VMDK
	// magic, Ext magic, journal magic).
	ErrInvalidFormat IoKind = errors.New("invalid format")

	// ErrInvalidEncoding is returned when writing a string containing
	// disallowed characters, or when a date/UUID field cannot be parsed.
	ErrInvalidEncoding IoKind = errors.New("invalid encoding")

	// ErrOutOfRange is returned for a seek before the start of a stream.
	// Date fields outside their representable range are handled locally
	// (fall back to a sentinel minimum) and never surface this error.
	ErrOutOfRange IoKind = errors.New("out of range")

	// ErrNonContiguousUnsupported is returned for an ISO file whose
	// directory record specifies a non-zero file-unit-size or
	// interleave-gap-size.
	ErrNonContiguousUnsupported IoKind = errors.New("non-contiguous extents unsupported")

	// ErrTripleIndirectUnsupported is returned when the classic Ext block
	// map needs a third indirection level.
	ErrTripleIndirectUnsupported IoKind = errors.New("triple indirect blocks unsupported")

	// ErrVariantUnavailable is returned when none of the caller's
	// requested ISO variants (Joliet, Rock Ridge, plain ISO-9660) are
	// present on the volume.
	ErrVariantUnavailable IoKind = errors.New("no requested iso9660 variant available")

	// ErrExtentUnsupported is returned for a VMDK extent type this read
	// path does not implement (e.g. SeSparse, VSANSparse).
	ErrExtentUnsupported IoKind = errors.New("extent type unsupported")

	// ErrWriteNotSupported is returned by any write call against a
	// read-only reader (Ext, ISO) or a read-only stream wrapper.
	ErrWriteNotSupported IoKind = errors.New("write not supported")

	// ErrWriteBeyondEnd is returned when a write would extend past the
	// fixed length of a stream (mirror, sub-stream, VDI, striped).
	ErrWriteBeyondEnd IoKind = errors.New("write beyond end of stream")

	// ErrOversizedAlignment is returned when an aligning stream's
	// rounded-out I/O window would exceed the maximum representable
	// window size.
	ErrOversizedAlignment IoKind = errors.New("oversized alignment window")
)
