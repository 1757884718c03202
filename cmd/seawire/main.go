package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	swshare "github.com/seawire-net/seawire/share"
)

var rootCmd = &cobra.Command{
	Use:           "seawire",
	Short:         "HTTP proxying over a single satellite link",
	Long:          "seawire multiplexes the crew's HTTP traffic over one persistent\nTCP connection to a shore-side egress.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the seawire version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(swshare.BuildVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "seawire: %s\n", err)
		os.Exit(1)
	}
}
