package main

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"errors"
	"fmt"
	"os"

	"github.com/sisatech/tablewriter"
)

// NumbersMode determines which numbers format a PrintableSize should
// render to.
var NumbersMode int

// SetNumbersMode parses s and sets NumbersMode accordingly.
func SetNumbersMode(s string) error {
	switch s {
	case "", "short":
		NumbersMode = 0
	case "dec", "decimal":
		NumbersMode = 1
	case "hex", "hexadecimal":
		NumbersMode = 2
	default:
		return fmt.Errorf("numbers mode must be one of 'dec', 'hex', or 'short'")
	}
	return nil
}

// PrintableSize is a wrapper around int64 to alter its string formatting
// behaviour according to NumbersMode.
type PrintableSize int64

func (c PrintableSize) String() string {
	switch NumbersMode {
	case 0:
		x := int64(c)
		if x == 0 {
			return "0"
		}
		var units int
		suffixes := []string{"", "K", "M", "G"}
		for x%1024 == 0 && units < len(suffixes)-1 {
			x /= 1024
			units++
		}
		return fmt.Sprintf("%d%s", x, suffixes[units])
	case 1:
		return fmt.Sprintf("%d", int64(c))
	case 2:
		return fmt.Sprintf("%#x", int64(c))
	default:
		panic("invalid NumbersMode")
	}
}

// PlainTable prints data in a grid, skipping the first (header-spacing) row.
func PlainTable(vals [][]string) {
	if len(vals) == 0 {
		panic(errors.New("no rows provided"))
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetColumnSeparator("")
	for i := 1; i < len(vals); i++ {
		table.Append(vals[i])
	}
	table.Render()
}
