package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/sitewatch/internal/storage"
)

func newInitBucketsCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "init-buckets",
		Short: "Creates the images and htmls buckets if they do not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := e.buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.InitBuckets(cmd.Context()); err != nil {
				return withCode(ExitStartup, err)
			}
			for _, b := range storage.Buckets() {
				fmt.Fprintf(cmd.OutOrStdout(), "bucket %s ready\n", b)
			}
			return nil
		},
	}
}
