package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the telebridge version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("telebridge", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
