package main

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/vorteil/vorteil/pkg/vdecompiler"
)

var statCmd = &cobra.Command{
	Use:   "stat IMAGE FILE_PATH",
	Short: "Print inode metadata for a file or directory inside an image's filesystem.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		iio, err := vdecompiler.Open(args[0])
		if err != nil {
			return err
		}
		defer iio.Close()

		ino, err := iio.ResolvePathToInodeNo(args[1])
		if err != nil {
			return err
		}

		inode, err := iio.ResolveInode(ino)
		if err != nil {
			return err
		}

		fmt.Printf("Inode:       %d\n", ino)
		fmt.Printf("Permissions: %s\n", vdecompiler.InodePermissionsString(inode))
		fmt.Printf("Size:        %s\n", PrintableSize(vdecompiler.InodeSize(inode)))
		fmt.Printf("Modified:    %s\n", time.Unix(int64(inode.ModificationTime), 0).Format(time.RFC3339))
		return nil
	},
}
