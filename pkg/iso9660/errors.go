package iso9660

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "errors"

// ErrInvalidSUSPEntry is returned when a SUSP/Rock Ridge system-use entry
// is malformed: a truncated header, a length that runs past the entry, or
// a CE continuation chain that doesn't terminate.
var ErrInvalidSUSPEntry = errors.New("malformed SUSP system use entry")

// ErrNoSuchFile is returned by path resolution when no directory record
// matches a requested path component.
var ErrNoSuchFile = errors.New("no such file in iso9660 volume")

// ErrBootCatalogInvalid is returned when a boot record descriptor points
// at a boot catalog sector whose validation entry checksum doesn't sum to
// zero, or whose signature bytes are wrong.
var ErrBootCatalogInvalid = errors.New("invalid el torito boot catalog")
