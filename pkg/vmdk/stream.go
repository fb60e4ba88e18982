package vmdk

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"github.com/pkg/errors"
	"github.com/vorteil/vorteil/pkg/sparseio"
)

// sparseExtentStream is a sparseio.Stream over one hosted-sparse or
// VMFS-sparse extent. Any logical range not covered by an allocated grain
// defers to an optional parent stream (for a differencing disk's child
// extent) or, absent a parent, reads as zero.
type sparseExtentStream struct {
	gd        *grainDirectory
	length    int64
	parent    sparseio.Stream
	ownership sparseio.Ownership
	backing   sparseio.Stream
}

func (s *sparseExtentStream) Length() int64 { return s.length }

func (s *sparseExtentStream) ReadAt(p []byte, pos int64) (int, error) {
	if pos < 0 {
		return 0, errors.Wrap(sparseio.ErrOutOfRange, "vmdk: read before start of extent")
	}
	if pos >= s.length {
		return 0, nil
	}
	total := int64(len(p))
	if pos+total > s.length {
		total = s.length - pos
	}

	var done int64
	for done < total {
		cur := pos + done
		sector, remaining, err := s.gd.grainAt(cur)
		if err != nil {
			return int(done), err
		}
		take := total - done
		if take > remaining {
			take = remaining
		}

		switch {
		case sector != 0:
			diskStart := int64(sector) * SectorSize
			grainOffset := (cur % s.gd.gtCoverage) % s.gd.grainBytes
			if _, err := s.gd.s.ReadAt(p[done:done+take], diskStart+grainOffset); err != nil {
				return int(done), errors.Wrap(err, "vmdk: reading grain")
			}
		case s.parent != nil:
			if _, err := s.parent.ReadAt(p[done:done+take], cur); err != nil {
				return int(done), errors.Wrap(err, "vmdk: reading parent layer")
			}
		default:
			zeroFill(p[done : done+take])
		}

		done += take
	}

	return int(total), nil
}

func (s *sparseExtentStream) WriteAt(p []byte, pos int64) (int, error) {
	return 0, errors.Wrap(sparseio.ErrWriteNotSupported, "vmdk: sparse extent stream")
}

func (s *sparseExtentStream) Extents() ([]sparseio.Extent, error) {
	return s.ExtentsInRange(0, s.length)
}

func (s *sparseExtentStream) ExtentsInRange(start, count int64) ([]sparseio.Extent, error) {
	end := start + count
	if end > s.length {
		end = s.length
	}

	var own []sparseio.Extent
	for pos := start; pos < end; {
		sector, remaining, err := s.gd.grainAt(pos)
		if err != nil {
			return nil, err
		}
		take := remaining
		if pos+take > end {
			take = end - pos
		}
		if sector != 0 {
			own = append(own, sparseio.Extent{Start: pos, Length: take})
		}
		pos += take
	}

	if s.parent == nil {
		return own, nil
	}
	parentExtents, err := s.parent.ExtentsInRange(start, end-start)
	if err != nil {
		return nil, err
	}
	return unionExtents(own, parentExtents), nil
}

// OpenHostedSparseStream opens the grain engine at the start of backing
// and returns a sparseio.Stream over its full declared capacity. Unlike
// OpenDisk, it does not look for a descriptor, parent, or multi-extent
// layout: it is for callers that already know backing is a single
// self-describing hosted-sparse extent (header, descriptor and grain
// data all in one file, as SparseWriter produces) and only need the
// grain-table read path.
func OpenHostedSparseStream(backing sparseio.Stream, ownership sparseio.Ownership) (sparseio.Stream, error) {
	gd, hdr, err := openHostedSparseGrainDirectory(backing)
	if err != nil {
		return nil, err
	}
	length := int64(hdr.Capacity) * SectorSize
	return &sparseExtentStream{gd: gd, length: length, backing: backing, ownership: ownership}, nil
}

func (s *sparseExtentStream) Close() error {
	if s.ownership == sparseio.OwnershipOwn {
		if err := s.backing.Close(); err != nil {
			return err
		}
	}
	if s.parent != nil {
		return s.parent.Close()
	}
	return nil
}

func zeroFill(p []byte) {
	for i := range p {
		p[i] = 0
	}
}

// unionExtents merges two already-sorted, non-overlapping-within-themselves
// extent lists into one sorted, non-overlapping list covering positions
// present in either input.
func unionExtents(a, b []sparseio.Extent) []sparseio.Extent {
	all := append(append([]sparseio.Extent(nil), a...), b...)
	if len(all) == 0 {
		return nil
	}
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j-1].Start > all[j].Start; j-- {
			all[j-1], all[j] = all[j], all[j-1]
		}
	}

	out := []sparseio.Extent{all[0]}
	for _, e := range all[1:] {
		last := &out[len(out)-1]
		if e.Start <= last.Start+last.Length {
			if end := e.Start + e.Length; end > last.Start+last.Length {
				last.Length = end - last.Start
			}
			continue
		}
		out = append(out, e)
	}
	return out
}
