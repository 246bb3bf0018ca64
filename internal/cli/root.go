// Package cli implements the coreclaw command surface.
package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/ostheimer/coreclaw/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"   ____                 ____ _\n" +
		"  / ___|___  _ __ ___  / ___| | __ ___      __\n" +
		" | |   / _ \\| '__/ _ \\| |   | |/ _` \\ \\ /\\ / /\n" +
		" | |__| (_) | | |  __/| |___| | (_| |\\ V  V /\n" +
		"  \\____\\___/|_|  \\___| \\____|_|\\__,_| \\_/\\_/\n"
)

var rootCmd = &cobra.Command{
	Use:   "coreclaw",
	Short: "CoreClaw - business communication orchestrator",
	Long:  color.CyanString(logo) + "\nA single-host orchestration daemon for AI-assisted business communication.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(draftCmd)
	rootCmd.AddCommand(skillCmd)
}
