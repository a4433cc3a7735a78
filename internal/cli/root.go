// Package cli implements the weo command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/hashicorp/terraform-plugin-log/tfsdklog"
	"github.com/spf13/cobra"

	"github.com/wics-uw/weo/internal/config"
	"github.com/wics-uw/weo/internal/identity"
	"github.com/wics-uw/weo/internal/kerberos"
	ldapclient "github.com/wics-uw/weo/internal/ldap"
)

var (
	version = "dev"
	commit  = "none"
)

// SubsystemCLI is the logging subsystem for command dispatch.
const SubsystemCLI = "cli"

var subsystems = []string{
	SubsystemCLI,
	identity.SubsystemIdentity,
	ldapclient.SubsystemLDAP,
	ldapclient.SubsystemKerberos,
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return run(ctx, newApp(os.Stdout, os.Stderr), os.Args[1:])
}

func run(ctx context.Context, a *app, args []string) int {
	rootCmd := newRootCmd(a)
	rootCmd.SetArgs(args)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var reported *reportedError
		if !errors.As(err, &reported) {
			fmt.Fprintf(a.stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "weo",
		Short: "Manage WiCS accounts, groups and Kerberos principals",
		Long: "weo provisions member accounts in the WiCS LDAP directory and Kerberos realm.\n\n" +
			"User names are 3-8 lowercase ASCII letters; group names are 3-10.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	rootCmd.SetOut(a.stdout)
	rootCmd.SetErr(a.stderr)

	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Trace directory requests to stdout")
	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "", "Path to the configuration file (default $WEO_CONFIG or "+config.DefaultPath+")")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: trace, debug, info, warn, error")

	rootCmd.AddCommand(newAddUserCmd(a))
	rootCmd.AddCommand(newAddLDAPUserCmd(a))
	rootCmd.AddCommand(newAddKrbPrincCmd(a))
	rootCmd.AddCommand(newAddGroupCmd(a))
	rootCmd.AddCommand(newAddUserToGroupCmd(a))
	rootCmd.AddCommand(newRemoveUserFromGroupCmd(a))
	rootCmd.AddCommand(newRenewUserCmd(a))
	rootCmd.AddCommand(newUnlockUserCounterCmd(a))
	rootCmd.AddCommand(newUnlockGroupCounterCmd(a))
	rootCmd.AddCommand(newVersionCmd(a))

	return rootCmd
}

// setup loads configuration and installs the loggers on the command context.
func (a *app) setup(cmd *cobra.Command) error {
	path, explicit := config.ResolvePath(a.configPath)
	cfg, err := config.Load(path, explicit)
	if err != nil {
		return err
	}
	a.cfg = cfg

	levelName := cfg.LogLevel
	switch {
	case cmd.Flags().Changed("log-level"):
		levelName = a.logLevel
	case a.verbose:
		levelName = "trace"
	}
	level := hclog.LevelFromString(levelName)
	if level == hclog.NoLevel {
		return fmt.Errorf("unknown log level %q", levelName)
	}

	ctx := a.newLogger(cmd.Context(), level)
	ctx = tflog.SetField(ctx, "run_id", uuid.NewString())
	for _, subsystem := range subsystems {
		ctx = tflog.NewSubsystem(ctx, subsystem, tflog.WithLevel(level), tflog.WithRootFields())
	}

	tflog.SubsystemDebug(ctx, SubsystemCLI, "Starting command", map[string]any{
		"command":     cmd.CommandPath(),
		"config_path": path,
		"config_read": explicit,
	})
	cmd.SetContext(ctx)

	a.tracef("config: %s", path)
	return nil
}

func newRootLogger(ctx context.Context, level hclog.Level) context.Context {
	return tfsdklog.NewRootProviderLogger(ctx,
		tfsdklog.WithLogName("weo"),
		tfsdklog.WithLevel(level),
		tfsdklog.WithoutLocation(),
	)
}

// app carries the resolved settings and the factories commands use to reach
// the directory and the credential service.
type app struct {
	stdout io.Writer
	stderr io.Writer

	verbose    bool
	configPath string
	logLevel   string
	cfg        *config.Config

	prompter  kerberos.Prompter
	newLogger func(ctx context.Context, level hclog.Level) context.Context
	connect   func(ctx context.Context, cfg *config.Config, verbose bool) (identityService, io.Closer, error)
	newIssuer func(cfg *config.Config, prompter kerberos.Prompter) kerberos.Issuer
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		stdout:    stdout,
		stderr:    stderr,
		prompter:  newTerminalPrompter(os.Stdin, stderr),
		newLogger: newRootLogger,
		connect:   connectDirectory,
		newIssuer: newKadminIssuer,
	}
}

// tracef prints a "--> " line in verbose mode.
func (a *app) tracef(format string, args ...any) {
	if a.verbose {
		fmt.Fprintf(a.stdout, "--> "+format+"\n", args...)
	}
}

// identityService is the part of identity.Manager the commands call.
type identityService interface {
	CreateUser(ctx context.Context, name, fullName string) (*identity.User, error)
	CreateGroup(ctx context.Context, name, description string) (*identity.Group, error)
	AddMembership(ctx context.Context, group, user string) error
	RemoveMembership(ctx context.Context, group, user string) error
	RenewUser(ctx context.Context, name string, termCount int) (*identity.Renewal, error)
	UnlockUserCounter(ctx context.Context) error
	UnlockGroupCounter(ctx context.Context) error
}

var _ identityService = (*identity.Manager)(nil)

// connectDirectory opens the process's single directory session.
func connectDirectory(ctx context.Context, cfg *config.Config, verbose bool) (identityService, io.Closer, error) {
	client, err := ldapclient.NewClient(ctx, cfg.ConnectionConfig(verbose))
	if err != nil {
		return nil, nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, nil, err
	}
	return identity.NewManager(client, cfg.Layout(), cfg.LockOptions()), client, nil
}

func newKadminIssuer(cfg *config.Config, prompter kerberos.Prompter) kerberos.Issuer {
	return kerberos.NewKadminIssuer(cfg.IssuerConfig(), prompter)
}

// withService connects, runs fn and closes the session. A connection failure
// is recorded on the report.
func (a *app) withService(ctx context.Context, report *Report, fn func(identityService)) {
	svc, closer, err := a.connect(ctx, a.cfg, a.verbose)
	if err != nil {
		report.Fail(ctx, fmt.Errorf("connect to directory: %w", err))
		return
	}
	defer func() {
		if err := closer.Close(); err != nil {
			tflog.SubsystemWarn(ctx, SubsystemCLI, "Failed to close directory session", map[string]any{
				"error": err.Error(),
			})
		}
	}()
	fn(svc)
}
