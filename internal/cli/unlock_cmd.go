package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newUnlockUserCounterCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock-user-counter",
		Short: "Release the uid counter left held by a crashed run",
		Long: "Renames uid=inuse back to uid=nextuid. Only run this when no other weo " +
			"process can be holding the counter.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.unlock(cmd.Context(), "uid=nextuid", identityService.UnlockUserCounter)
		},
	}
}

func newUnlockGroupCounterCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock-group-counter",
		Short: "Release the gid counter left held by a crashed run",
		Long: "Renames cn=inuse back to cn=nextgid. Only run this when no other weo " +
			"process can be holding the counter.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.unlock(cmd.Context(), "cn=nextgid", identityService.UnlockGroupCounter)
		},
	}
}

func (a *app) unlock(ctx context.Context, counter string, fn func(identityService, context.Context) error) error {
	report := newReport(a.stdout, a.stderr)
	report.Progressf("Okay, unlocking %s", counter)

	a.withService(ctx, report, func(svc identityService) {
		report.Fail(ctx, fn(svc, ctx))
	})

	return report.Finish(
		fmt.Sprintf("Failed to unlock %s :(", counter),
		fmt.Sprintf("Counter %s successfully unlocked.", counter))
}
