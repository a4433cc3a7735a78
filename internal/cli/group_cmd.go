package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wics-uw/weo/internal/identity"
)

func newAddGroupCmd(a *app) *cobra.Command {
	var groupname, groupdesc string

	cmd := &cobra.Command{
		Use:   "add-group",
		Short: "Add a group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := identity.ValidateName(groupname, identity.ClassGroup); err != nil {
				return err
			}

			report := newReport(a.stdout, a.stderr)
			report.Progressf("Okay, adding group %s", groupname)

			a.withService(ctx, report, func(svc identityService) {
				_, err := svc.CreateGroup(ctx, groupname, groupdesc)
				report.Fail(ctx, err)
			})

			return report.Finish(
				fmt.Sprintf("Failed to add group %s :(", groupname),
				fmt.Sprintf("Group %s successfully added.", groupname))
		},
	}

	cmd.Flags().StringVar(&groupname, "groupname", "", "Group name, 3-10 lowercase ASCII letters")
	cmd.Flags().StringVar(&groupdesc, "groupdesc", "", "Group description")
	_ = cmd.MarkFlagRequired("groupname")

	return cmd
}

func newAddUserToGroupCmd(a *app) *cobra.Command {
	var username, groupname string

	cmd := &cobra.Command{
		Use:   "add-user-to-group",
		Short: "Add a user to a group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			report := newReport(a.stdout, a.stderr)
			report.Progressf("Okay, adding user %s to group %s", username, groupname)

			a.withService(ctx, report, func(svc identityService) {
				report.Fail(ctx, svc.AddMembership(ctx, groupname, username))
			})

			return report.Finish(
				fmt.Sprintf("Failed to add user %s to group %s :(", username, groupname),
				fmt.Sprintf("User %s successfully added to group %s", username, groupname))
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "User name")
	cmd.Flags().StringVar(&groupname, "groupname", "", "Group name")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("groupname")

	return cmd
}

func newRemoveUserFromGroupCmd(a *app) *cobra.Command {
	var username, groupname string

	cmd := &cobra.Command{
		Use:   "remove-user-from-group",
		Short: "Remove a user from a group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			report := newReport(a.stdout, a.stderr)
			report.Progressf("Okay, removing user %s from group %s", username, groupname)

			a.withService(ctx, report, func(svc identityService) {
				report.Fail(ctx, svc.RemoveMembership(ctx, groupname, username))
			})

			return report.Finish(
				fmt.Sprintf("Failed to remove user %s from group %s :(", username, groupname),
				fmt.Sprintf("User %s successfully removed from group %s", username, groupname))
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "User name")
	cmd.Flags().StringVar(&groupname, "groupname", "", "Group name")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("groupname")

	return cmd
}
