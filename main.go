package main

import (
	"os"

	"github.com/spf13/cobra"
	"sdaa/cmd/dump"
	"sdaa/cmd/emit"
	"sdaa/cmd/replay"
)

var rootCmd = &cobra.Command{
	Use:   "sdaa",
	Short: "Capture fixed-size UDP record streams with gap filling",
}

func init() {
	rootCmd.AddCommand(dump.DumpCmd)
	rootCmd.AddCommand(replay.ReplayCmd)
	rootCmd.AddCommand(emit.EmitCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
