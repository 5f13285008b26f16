package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
	logFile    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "autoforge",
		Short: "Autonomous software-improvement pipeline",
		Long: `Autoforge runs an autonomous improvement pipeline against registered
repositories.

It handles the full cycle:
- Scout: survey the repository and record findings
- Strategize: draft scored improvement proposals
- Build: implement the winning proposal on a branch and open a PR
- Review: validate the PR, with one remediation round on rejection
- Merge: squash-merge approved work under a per-project lock`,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Log file path (overrides config)")

	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(superviseCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(enqueueCmd())
	rootCmd.AddCommand(abortCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("autoforge v0.1.0")
		},
	}
}
