package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wics-uw/weo/internal/identity"
	"github.com/wics-uw/weo/internal/kerberos"
)

func newAddUserCmd(a *app) *cobra.Command {
	var username, fullname string

	cmd := &cobra.Command{
		Use:   "add-user",
		Short: "Add a user with a private group and a Kerberos principal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := identity.ValidateName(username, identity.ClassUser); err != nil {
				return err
			}

			report := newReport(a.stdout, a.stderr)
			report.Progressf("Okay, adding user %s", username)

			// Entered before any connection is opened
			password, err := kerberos.RequestSecret(ctx, a.prompter, "Please enter the new user's password: ")
			if err != nil {
				return err
			}

			var user *identity.User
			a.withService(ctx, report, func(svc identityService) {
				user, err = svc.CreateUser(ctx, username, fullname)
				report.Fail(ctx, err)
			})

			// The directory records stay if the principal cannot be added
			if user != nil {
				issuer := a.newIssuer(a.cfg, a.prompter)
				report.Fail(ctx, issuer.Register(ctx, username, password))
			}

			return report.Finish(
				fmt.Sprintf("Failed to add user %s :(", username),
				fmt.Sprintf("User %s successfully added.", username))
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "User name, 3-8 lowercase ASCII letters")
	cmd.Flags().StringVar(&fullname, "fullname", "", "User's full name")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("fullname")

	return cmd
}

func newAddLDAPUserCmd(a *app) *cobra.Command {
	var username, fullname string

	cmd := &cobra.Command{
		Use:   "add-ldap-user",
		Short: "Add a user and private group to the directory only",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := identity.ValidateName(username, identity.ClassUser); err != nil {
				return err
			}

			report := newReport(a.stdout, a.stderr)
			report.Progressf("Okay, adding user %s", username)

			a.withService(ctx, report, func(svc identityService) {
				_, err := svc.CreateUser(ctx, username, fullname)
				report.Fail(ctx, err)
			})

			return report.Finish(
				fmt.Sprintf("Failed to add user %s :(", username),
				fmt.Sprintf("User %s successfully added.", username))
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "User name, 3-8 lowercase ASCII letters")
	cmd.Flags().StringVar(&fullname, "fullname", "", "User's full name")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("fullname")

	return cmd
}

func newAddKrbPrincCmd(a *app) *cobra.Command {
	var username string

	cmd := &cobra.Command{
		Use:   "add-krb-princ",
		Short: "Add a Kerberos principal for an existing user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := identity.ValidateName(username, identity.ClassUser); err != nil {
				return err
			}

			realm := a.cfg.Kerberos.Realm
			report := newReport(a.stdout, a.stderr)
			report.Progressf("Okay, adding Kerberos principal %s@%s", username, realm)

			issuer := a.newIssuer(a.cfg, a.prompter)
			report.Fail(ctx, issuer.Register(ctx, username, ""))

			return report.Finish(
				fmt.Sprintf("Failed to add Kerberos principal %s@%s :(", username, realm),
				fmt.Sprintf("Principal %s@%s successfully added.", username, realm))
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "User name, 3-8 lowercase ASCII letters")
	_ = cmd.MarkFlagRequired("username")

	return cmd
}
