package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Build metadata, set with -ldflags "-X github.com/JakeFAU/sitewatch/internal/cli.Version=...".
var (
	Version = "dev"
	Commit  = "none"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Prints the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sitewatch %s (%s, %s)\n", Version, Commit, runtime.Version())
		},
	}
}
