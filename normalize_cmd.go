package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"school-records-server/normalize"
	"school-records-server/records"
)

func newNormalizeCommand() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "normalize <file>",
		Short: "Upgrade a database backup to the current format",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNormalize(args[0], out, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Write the result to this file instead of stdout")
	return cmd
}

// runNormalize writes the normalized database to out (or stdout) and a
// summary of the steps that ran to summary.
func runNormalize(in, out string, stdout, summary io.Writer) error {
	data, err := os.ReadFile(in)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", in, err)
	}
	n := normalize.New()
	database, report, err := n.NormalizeJSON(data)
	if err != nil {
		return fmt.Errorf("%s: %w", in, err)
	}
	n.AssignStudentIDs(database, &report)

	result, err := json.MarshalIndent(database, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode database: %w", err)
	}
	result = append(result, '\n')

	if out == "" {
		if _, err := stdout.Write(result); err != nil {
			return err
		}
	} else if err := os.WriteFile(out, result, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}

	if !report.Changed() {
		fmt.Fprintln(summary, "Already in the current format, nothing changed.")
		return nil
	}
	fmt.Fprintln(summary, records.UpgradeNotice)
	if report.WrappedLegacyArray {
		fmt.Fprintln(summary, "  wrapped legacy student list")
	}
	steps := []struct {
		label string
		count int
	}{
		{"fields renamed", report.FieldsRenamed},
		{"class ids assigned", report.ClassIDsAssigned},
		{"teachers split", report.TeachersSplit},
		{"students linked to classes", report.StudentsRelinked},
		{"students left without class", report.StudentsUnmatched},
		{"dangling class links cleared", report.ClassLinksCleared},
		{"student ids assigned", report.StudentIDsAssigned},
	}
	for _, s := range steps {
		if s.count > 0 {
			fmt.Fprintf(summary, "  %s: %d\n", s.label, s.count)
		}
	}
	for _, w := range report.Warnings {
		fmt.Fprintf(summary, "  warning: %s\n", w)
	}
	return nil
}
