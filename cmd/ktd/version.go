package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version, commit, and build date",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("%s %s (%s) built %s\n",
			color.CyanString("ktd"), formatVersion(version), commit, date)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
