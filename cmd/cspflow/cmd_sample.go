package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"cspflow/internal/batch"
)

var samplePath string

var sampleCmd = &cobra.Command{
	Use:   "sample",
	Short: "Write a starter input document",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := batch.WriteSampleInput(samplePath); err != nil {
			return err
		}
		fmt.Printf("Sample input written to %s\n", samplePath)
		fmt.Println("Fill in the credentials and user list, then run: cspflow run -i", samplePath)
		return nil
	},
}

func init() {
	sampleCmd.Flags().StringVarP(&samplePath, "output", "o", "input.json", "where to write the sample")
}
