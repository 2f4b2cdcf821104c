package main

import (
	"fmt"
	"os"

	"github.com/bosondata/badwolf/internal/cli/cmd"
)

func main() {
	rootCmd := cmd.NewRootCommand("badwolf")
	cmd.RegisterCommands(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
