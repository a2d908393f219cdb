package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
	verbose bool
	version = "dev" // Will be set by build flags
)

var rootCmd = &cobra.Command{
	Use:   "skipplus-node",
	Short: "SKIP+ self-stabilizing overlay and distributed hash table",
	Long: `skipplus-node runs one or more SKIP+ overlay nodes in a single process,
each exposing a skip-graph participant and a distributed hash table built on
top of it. Nodes periodically re-linearise themselves against their current
neighborhood and can join an existing overlay by connecting to any live node.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(runCmd)
}

// Commands are defined in separate files:
// - runCmd in run.go

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
