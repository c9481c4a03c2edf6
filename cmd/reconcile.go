package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Remove face vectors that no person references",
	Long: `Compare the vector index with the person registry. Vectors older than the
orphan grace period that no person references are removed. Persons whose
vector is missing are reported but never deleted.

Examples:
  face-recognizer reconcile --dry-run
  face-recognizer reconcile`,
	Args: cobra.NoArgs,
	RunE: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)

	reconcileCmd.Flags().Bool("dry-run", false, "Only report orphans, do not delete them")
	reconcileCmd.Flags().Bool("json", false, "Output as JSON")
}

func runReconcile(cmd *cobra.Command, args []string) error {
	dryRun := mustGetBool(cmd, "dry-run")
	jsonOutput := mustGetBool(cmd, "json")

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.service.Store().Reconcile(cmd.Context(), dryRun)
	if jsonOutput && report != nil {
		if perr := printJSON(report); perr != nil {
			return perr
		}
		return err
	}
	if report != nil {
		fmt.Printf("Orphaned vectors: %d\n", len(report.Orphans))
		for _, id := range report.Orphans {
			fmt.Printf("  %s\n", id)
		}
		if dryRun {
			fmt.Println("Dry run, nothing removed")
		} else {
			fmt.Printf("Removed: %d\n", report.Removed)
		}
		if len(report.Dangling) > 0 {
			fmt.Printf("Persons without a vector: %d\n", len(report.Dangling))
			for _, p := range report.Dangling {
				fmt.Printf("  %d  %s\n", p.ID, p.Name)
			}
		}
	}
	return err
}
