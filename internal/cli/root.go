package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "evalgen [positions-file]",
	Short: "Drive a chess engine over a file of positions",
	Long: `evalgen feeds every FEN position in a file to a UCI-style chess engine
at a fixed depth, keeping the engine alive across crashes, stalls and bad
output so a long dataset run finishes unattended. The engine records its
own evaluations; evalgen only drives it.

Running 'evalgen <positions-file>' without a subcommand is equivalent to
'evalgen run <positions-file>'.`,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default behavior: run the 'run' command
		return runCmd.RunE(cmd, args)
	},
}

func init() {
	// Add subcommands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)

	// Run flags are accepted on the root command too
	addRunFlags(runCmd.Flags())
	addRunFlags(rootCmd.Flags())

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to evalgen.json config file (default: search up directory tree)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (default from config: info)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
