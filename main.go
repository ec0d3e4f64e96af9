package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var envFile string
	serve := newServeCommand(&envFile)

	cmd := &cobra.Command{
		Use:           "school-records",
		Short:         "School records server: students, classes, declarations and rosters",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional .env file with SCHOOL_* settings")
	cmd.AddCommand(serve)
	cmd.AddCommand(newNormalizeCommand())
	return cmd
}
