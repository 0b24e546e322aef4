package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newCheckCmd(e *env) *cobra.Command {
	var resourceID string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Runs a single check of one resource and prints the summary as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := e.buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			result, checkErr := a.Runner.Check(cmd.Context(), resourceID)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return fmt.Errorf("encode result: %w", err)
			}
			if checkErr != nil {
				return fmt.Errorf("check %s: %w", resourceID, checkErr)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&resourceID, "resource", "", "resource id to check")
	_ = cmd.MarkFlagRequired("resource")
	return cmd
}
