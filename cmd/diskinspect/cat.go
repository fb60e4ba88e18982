package main

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/vorteil/vorteil/pkg/vdecompiler"
)

var catCmd = &cobra.Command{
	Use:   "cat IMAGE FILE_PATH",
	Short: "Print the contents of a file inside an image's filesystem.",
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

		if !vdecompiler.InodeIsRegularFile(inode) {
			return fmt.Errorf("not a regular file: %s", args[1])
		}

		r, err := iio.InodeReader(inode)
		if err != nil {
			return err
		}

		_, err = io.Copy(os.Stdout, r)
		return err
	},
}
