package sparseio

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

// CircularStream wraps a fixed-length parent stream so that positions wrap
// modulo the parent's length. Every read/write is chunked so no single
// underlying call crosses the wrap point.
type CircularStream struct {
	parent    Stream
	ownership Ownership
}

// NewCircularStream wraps parent with wraparound addressing.
func NewCircularStream(parent Stream, ownership Ownership) *CircularStream {
	return &CircularStream{parent: parent, ownership: ownership}
}

func (c *CircularStream) Length() int64 { return c.parent.Length() }

func (c *CircularStream) wrap(pos int64) int64 {
	l := c.parent.Length()
	if l == 0 {
		return 0
	}
	pos %= l
	if pos < 0 {
		pos += l
	}
	return pos
}

func (c *CircularStream) ReadAt(p []byte, pos int64) (int, error) {
	l := c.parent.Length()
	if l == 0 || len(p) == 0 {
		return 0, nil
	}

	pos = c.wrap(pos)
	var done int
	for done < len(p) {
		chunk := len(p) - done
		if avail := int(l - pos); chunk > avail {
			chunk = avail
		}
		n, err := c.parent.ReadAt(p[done:done+chunk], pos)
		done += n
		if err != nil {
			return done, err
		}
		if n == 0 {
			break
		}
		pos = c.wrap(pos + int64(n))
	}

	return done, nil
}

func (c *CircularStream) WriteAt(p []byte, pos int64) (int, error) {
	l := c.parent.Length()
	if l == 0 || len(p) == 0 {
		return 0, nil
	}

	pos = c.wrap(pos)
	var done int
	for done < len(p) {
		chunk := len(p) - done
		if avail := int(l - pos); chunk > avail {
			chunk = avail
		}
		n, err := c.parent.WriteAt(p[done:done+chunk], pos)
		done += n
		if err != nil {
			return done, err
		}
		pos = c.wrap(pos + int64(n))
	}

	return done, nil
}

func (c *CircularStream) Extents() ([]Extent, error) { return c.parent.Extents() }

func (c *CircularStream) ExtentsInRange(start, count int64) ([]Extent, error) {
	return c.parent.ExtentsInRange(start, count)
}

func (c *CircularStream) Close() error {
	if c.ownership == OwnershipOwn {
		return c.parent.Close()
	}
	return nil
}
