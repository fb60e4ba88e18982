package main

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/vorteil/vorteil/pkg/vdecompiler"
)

var lsCmd = &cobra.Command{
	Use:   "ls IMAGE [PATH]",
	Short: "List the contents of a directory inside an image's filesystem.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		long, err := cmd.Flags().GetBool("long")
		if err != nil {
			return err
		}
		all, err := cmd.Flags().GetBool("all")
		if err != nil {
			return err
		}

		fpath := "/"
		if len(args) > 1 {
			fpath = args[1]
		}

		iio, err := vdecompiler.Open(args[0])
		if err != nil {
			return err
		}
		defer iio.Close()

		ino, err := iio.ResolvePathToInodeNo(fpath)
		if err != nil {
			return err
		}

		inode, err := iio.ResolveInode(ino)
		if err != nil {
			return err
		}

		if !vdecompiler.InodeIsDirectory(inode) {
			return fmt.Errorf("not a directory: %s", fpath)
		}

		entries, err := iio.Readdir(inode)
		if err != nil {
			return err
		}

		if !long {
			for _, entry := range entries {
				if !all && strings.HasPrefix(entry.Name, ".") {
					continue
				}
				fmt.Println(entry.Name)
			}
			return nil
		}

		table := [][]string{{"", "", "", ""}}
		for _, entry := range entries {
			if !all && strings.HasPrefix(entry.Name, ".") {
				continue
			}
			child, err := iio.ResolveInode(entry.Inode)
			if err != nil {
				return err
			}
			ts := time.Unix(int64(child.ModificationTime), 0)
			table = append(table, []string{
				vdecompiler.InodePermissionsString(child),
				PrintableSize(vdecompiler.InodeSize(child)).String(),
				ts.Format(time.RFC3339),
				entry.Name,
			})
		}
		PlainTable(table)
		return nil
	},
}

func init() {
	lsCmd.Flags().BoolP("long", "l", false, "Use a long listing format.")
	lsCmd.Flags().BoolP("all", "a", false, "Do not ignore entries starting with '.'.")
}
