package main

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/vorteil/vorteil/pkg/vdecompiler"
)

var formatCmd = &cobra.Command{
	Use:   "format IMAGE",
	Short: "Print the detected disk image format.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		iio, err := vdecompiler.Open(args[0])
		if err != nil {
			return err
		}
		defer iio.Close()

		format, err := iio.ImageFormat()
		if err != nil {
			return err
		}

		fmt.Printf("Image file format: %s\n", format)
		return nil
	},
}
