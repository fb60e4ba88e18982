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

var kernelCmd = &cobra.Command{
	Use:   "kernel IMAGE [FILE]",
	Short: "List or extract files from an image's kernel bundle.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		iio, err := vdecompiler.Open(args[0])
		if err != nil {
			return err
		}
		defer iio.Close()

		if len(args) > 1 {
			r, err := iio.KernelFile(args[1])
			if err != nil {
				return err
			}
			_, err = io.Copy(os.Stdout, r)
			return err
		}

		files, err := iio.KernelFiles()
		if err != nil {
			return err
		}

		for _, f := range files {
			fmt.Printf("%s\t%s\n", PrintableSize(int64(f.Size)), f.Name)
		}
		return nil
	},
}
