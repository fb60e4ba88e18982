package vmdk

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bufio"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ExtentAccess is the access mode a descriptor's extent line grants.
type ExtentAccess string

const (
	ExtentAccessRW       ExtentAccess = "RW"
	ExtentAccessRDONLY   ExtentAccess = "RDONLY"
	ExtentAccessNOACCESS ExtentAccess = "NOACCESS"
)

// ExtentType names the grain engine an extent line selects.
type ExtentType string

const (
	ExtentTypeFlat        ExtentType = "FLAT"
	ExtentTypeSparse      ExtentType = "SPARSE"
	ExtentTypeZero        ExtentType = "ZERO"
	ExtentTypeVMFS        ExtentType = "VMFS"
	ExtentTypeVMFSSparse  ExtentType = "VMFSSPARSE"
	ExtentTypeVMFSRDM     ExtentType = "VMFSRDM"
	ExtentTypeVMFSRaw     ExtentType = "VMFSRAW"
)

// ExtentLine is one parsed "<access> <sectors> <type> \"<filename>\" [offset]"
// line from a descriptor's "Extent description" section.
type ExtentLine struct {
	Access    ExtentAccess
	Sectors   int64
	Type      ExtentType
	Filename  string
	Offset    int64
	HasOffset bool
}

// Descriptor is the parsed contents of a VMDK ".vmdk" text descriptor: the
// small header of key=value pairs, the extent list, and the disk database
// ("#DDB") section of further key=value pairs.
type Descriptor struct {
	Version      int
	CID          string
	ParentCID    string
	CreateType   string
	ParentFileNameHint string

	Extents []ExtentLine

	DDB map[string]string
}

// HasParent reports whether the descriptor chains to a backing/parent disk.
func (d *Descriptor) HasParent() bool {
	return d.ParentCID != "" && !strings.EqualFold(d.ParentCID, "ffffffff")
}

// ParseDescriptor parses the text contents of a ".vmdk" descriptor, whether
// it was read from a standalone descriptor file (monolithicFlat/twoGbMaxExtentFlat)
// or extracted from the descriptor sectors embedded after a sparse
// extent's header.
func ParseDescriptor(text string) (*Descriptor, error) {
	d := &Descriptor{DDB: make(map[string]string)}

	scanner := bufio.NewScanner(strings.NewReader(text))
	inDDB := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			if strings.Contains(line, "DDB") {
				inDDB = true
			}
			continue
		}

		if inDDB {
			k, v, ok := splitKV(line)
			if !ok {
				continue
			}
			d.DDB[k] = unquote(v)
			continue
		}

		if strings.Contains(line, "=") && !isExtentLine(line) {
			k, v, ok := splitKV(line)
			if !ok {
				continue
			}
			switch strings.ToLower(k) {
			case "version":
				n, err := strconv.Atoi(unquote(v))
				if err != nil {
					return nil, errors.Wrap(err, "vmdk: parsing descriptor version")
				}
				d.Version = n
			case "cid":
				d.CID = unquote(v)
			case "parentcid":
				d.ParentCID = unquote(v)
			case "createtype":
				d.CreateType = unquote(v)
			case "parentfilenamehint":
				d.ParentFileNameHint = unquote(v)
			}
			continue
		}

		if isExtentLine(line) {
			e, err := parseExtentLine(line)
			if err != nil {
				return nil, err
			}
			d.Extents = append(d.Extents, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "vmdk: scanning descriptor")
	}

	return d, nil
}

func isExtentLine(line string) bool {
	for _, a := range []string{"RW ", "RDONLY ", "NOACCESS "} {
		if strings.HasPrefix(line, a) {
			return true
		}
	}
	return false
}

func parseExtentLine(line string) (ExtentLine, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return ExtentLine{}, errors.Errorf("vmdk: malformed extent line %q", line)
	}

	e := ExtentLine{Access: ExtentAccess(fields[0])}

	sectors, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return ExtentLine{}, errors.Wrapf(err, "vmdk: extent sector count %q", fields[1])
	}
	e.Sectors = sectors
	e.Type = ExtentType(fields[2])

	rest := strings.Join(fields[3:], " ")
	if rest == "" {
		return e, nil
	}

	if i := strings.IndexByte(rest, '"'); i >= 0 {
		j := strings.IndexByte(rest[i+1:], '"')
		if j < 0 {
			return ExtentLine{}, errors.Errorf("vmdk: unterminated filename in extent line %q", line)
		}
		e.Filename = rest[i+1 : i+1+j]
		rest = strings.TrimSpace(rest[i+1+j+1:])
	}

	if rest != "" {
		off, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return ExtentLine{}, errors.Wrapf(err, "vmdk: extent offset %q", rest)
		}
		e.Offset = off
		e.HasOffset = true
	}

	return e, nil
}

func splitKV(line string) (key, value string, ok bool) {
	i := strings.IndexByte(line, '=')
	if i < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:]), true
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
