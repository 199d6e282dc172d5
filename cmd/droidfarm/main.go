// Package main provides the entry point for the droidfarm CLI.
//
// droidfarm drives a fleet of Android emulators through image-matching
// workflows: batch account processing, workflow management, template capture
// and an HTTP control surface.
package main

import (
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

// Version information set at build time via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "droidfarm",
	Short: "Android emulator fleet automation",
	Long: `droidfarm automates a fleet of Android emulators: it interprets
image-matching workflows, batches account files across devices, and serves
an HTTP/WebSocket control surface for monitoring.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		debug, _ := cmd.Flags().GetBool("debug")
		if debug {
			log.SetLevel(log.DebugLevel)
			log.Debug("Debug logging enabled")
		}
	},
}

// Execute runs the root command. Called once from main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to droidfarm.yaml (default: working directory)")
	rootCmd.Version = version
	rootCmd.SetVersionTemplate("droidfarm {{.Version}} (" + commit + ", " + date + ")\n")
}

func main() {
	Execute()
}
