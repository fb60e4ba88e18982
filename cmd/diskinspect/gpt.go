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

var gptCmd = &cobra.Command{
	Use:   "gpt IMAGE",
	Short: "Print the image's GPT header and partition entries.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		numbers, err := cmd.Flags().GetString("numbers")
		if err != nil {
			return err
		}
		if err := SetNumbersMode(numbers); err != nil {
			return err
		}

		iio, err := vdecompiler.Open(args[0])
		if err != nil {
			return err
		}
		defer iio.Close()

		header, err := iio.GPTHeader()
		if err != nil {
			return err
		}

		entries, err := iio.GPTEntries()
		if err != nil {
			return err
		}

		fmt.Printf("GPT Header LBA:    %s\n", PrintableSize(int64(header.CurrentLBA)))
		fmt.Printf("Backup LBA:        %s\n", PrintableSize(int64(header.BackupLBA)))
		fmt.Printf("First usable LBA:  %s\n", PrintableSize(int64(header.FirstUsableLBA)))
		fmt.Printf("Last usable LBA:   %s\n", PrintableSize(int64(header.LastUsableLBA)))
		fmt.Printf("First entries LBA: %s\n", PrintableSize(int64(header.StartLBAParts)))
		fmt.Println("Entries:")
		for i, entry := range entries {
			name := vdecompiler.GPTEntryName(entry)
			if name == "" {
				continue
			}
			fmt.Printf("  %d: %s\n", i, name)
			fmt.Printf("     First LBA: %s\n", PrintableSize(int64(entry.FirstLBA)))
			fmt.Printf("     Last LBA:  %s\n", PrintableSize(int64(entry.LastLBA)))
		}
		return nil
	},
}

func init() {
	gptCmd.Flags().StringP("numbers", "n", "short", "Number printing format (short, dec, hex).")
}
