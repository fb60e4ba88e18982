package vmdk

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// IdSource produces the 8 hex digit content IDs a descriptor file's CID and
// parentCID fields expect. It exists as an interface so tests can supply a
// deterministic sequence instead of real randomness.
type IdSource interface {
	NextID() string
}

// uuidIdSource, the DefaultIdSource, derives a content ID from the leading
// bytes of a random UUID rather than from math/rand.
type uuidIdSource struct{}

func (uuidIdSource) NextID() string {
	u := uuid.New()
	return strings.ToUpper(hex.EncodeToString(u[:4]))
}

// DefaultIdSource is used by the sparse and stream-optimized writers unless
// replaced, e.g. by a test wanting reproducible descriptor output.
var DefaultIdSource IdSource = uuidIdSource{}

func generateDiskUID() string {
	return DefaultIdSource.NextID()
}
