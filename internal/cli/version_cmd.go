package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the weo version",
		Args:  cobra.NoArgs,
		// No configuration or logging is needed
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(*cobra.Command, []string) error {
			_, _ = fmt.Fprintf(a.stdout, "weo version %s (commit: %s)\n", version, commit)
			return nil
		},
	}
}
