package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wics-uw/weo/internal/identity"
)

func newRenewUserCmd(a *app) *cobra.Command {
	var (
		username string
		numTerms int
	)

	cmd := &cobra.Command{
		Use:   "renew-user",
		Short: "Renew a user's membership for one or more terms",
		Long: "Appends term tags to the user, starting with the current term. At most " +
			fmt.Sprint(identity.MaxRenewalTerms) + " terms are added at a time.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			report := newReport(a.stdout, a.stderr)
			if cmd.Flags().Changed("num-terms") {
				report.Progressf("Okay, renewing user %s for %d terms", username, numTerms)
			} else {
				report.Progressf("Okay, renewing user %s", username)
			}

			// Bad arguments are reported without touching the directory
			report.Fail(ctx, identity.ValidateReference("renew_user", username))
			report.Fail(ctx, identity.ValidateTermCount(username, numTerms))
			if report.Failed() {
				return report.Finish(
					fmt.Sprintf("Failed to renew user %s for specified terms :(", username), "")
			}

			a.withService(ctx, report, func(svc identityService) {
				renewal, err := svc.RenewUser(ctx, username, numTerms)
				if renewal == nil {
					report.Fail(ctx, err)
					return
				}

				if renewal.Clamped {
					fmt.Fprintf(a.stderr, "Warning: a member can be renewed for at most %d terms at a time, renewing for %d\n",
						identity.MaxRenewalTerms, identity.MaxRenewalTerms)
				}
				for _, term := range renewal.Terms {
					report.Fail(ctx, term.Err)
				}
				if renewed := renewal.Renewed(); len(renewed) > 0 {
					a.tracef("renewed %s for %s", username, strings.Join(renewed, ", "))
				}
			})

			return report.Finish(
				fmt.Sprintf("Failed to renew user %s for specified terms :(", username),
				fmt.Sprintf("User %s successfully renewed!", username))
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "User name")
	cmd.Flags().IntVar(&numTerms, "num-terms", 1, "Number of terms to renew for, up to 3")
	_ = cmd.MarkFlagRequired("username")

	return cmd
}
