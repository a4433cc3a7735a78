// Package kerberos registers principals for newly created identities.
package kerberos

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/krberror"

	"github.com/wics-uw/weo/internal/identity"
	ldapclient "github.com/wics-uw/weo/internal/ldap"
)

const (
	DefaultRealm          = "WICS.UWATERLOO.CA"
	DefaultAdminPrincipal = "sysadmin/admin"
	DefaultKrb5Conf       = "/etc/krb5.conf"
	DefaultKadminPath     = "kadmin"
)

// Issuer registers a secret for an identity with the credential service.
// An empty secret asks the issuer to obtain one itself.
type Issuer interface {
	Register(ctx context.Context, name, secret string) error
}

// Prompter reads a secret without echo.
type Prompter interface {
	ReadSecret(ctx context.Context, prompt string) (string, error)
}

// Command is an external program invocation.
type Command struct {
	Path  string
	Args  []string
	Env   []string // Appended to the current environment
	Stdin io.Reader
}

// CommandRunner runs a Command and returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, c Command) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Stdin = c.Stdin
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	return cmd.CombinedOutput()
}

// Config identifies the realm and the administrative identity used to add
// principals.
type Config struct {
	Realm          string
	AdminPrincipal string
	AdminKeytab    string // When set, no admin password is prompted for
	Krb5Conf       string
	KadminPath     string
}

func (c Config) withDefaults() Config {
	if c.Realm == "" {
		c.Realm = DefaultRealm
	}
	if c.AdminPrincipal == "" {
		c.AdminPrincipal = DefaultAdminPrincipal
	}
	if c.Krb5Conf == "" {
		c.Krb5Conf = DefaultKrb5Conf
	}
	if c.KadminPath == "" {
		c.KadminPath = DefaultKadminPath
	}
	return c
}

// KadminIssuer adds principals with kadmin after confirming the admin
// identity can log in to the KDC.
type KadminIssuer struct {
	config   Config
	prompter Prompter
	runner   CommandRunner
	login    func(ctx context.Context, adminPassword string) error

	adminPassword string
}

// NewKadminIssuer creates a KadminIssuer.
func NewKadminIssuer(cfg Config, prompter Prompter) *KadminIssuer {
	i := &KadminIssuer{
		config:   cfg.withDefaults(),
		prompter: prompter,
		runner:   ExecRunner{},
	}
	i.login = i.preflight
	return i
}

// Principal returns name@REALM.
func (i *KadminIssuer) Principal(name string) string {
	return name + "@" + i.config.Realm
}

// Register adds name@REALM with the given secret.
func (i *KadminIssuer) Register(ctx context.Context, name, secret string) error {
	principal := i.Principal(name)

	if secret == "" {
		var err error
		secret, err = RequestSecret(ctx, i.prompter, fmt.Sprintf("Enter password for principal %s: ", principal))
		if err != nil {
			return err
		}
	}

	adminPassword, err := i.adminCredential(ctx)
	if err != nil {
		return err
	}

	if err := i.login(ctx, adminPassword); err != nil {
		ldapclient.LogKerberosEvent(ctx, "authentication_failed", map[string]any{
			"principal": i.adminPrincipal(),
			"error":     err.Error(),
		})
		return err
	}

	var stdin strings.Builder
	if i.config.AdminKeytab == "" {
		stdin.WriteString(adminPassword + "\n")
	}
	stdin.WriteString(secret + "\n" + secret + "\n")

	cmd := Command{
		Path:  i.config.KadminPath,
		Args:  i.kadminArgs(principal),
		Stdin: strings.NewReader(stdin.String()),
	}
	if i.config.Krb5Conf != DefaultKrb5Conf {
		cmd.Env = []string{"KRB5_CONFIG=" + i.config.Krb5Conf}
	}

	output, err := i.runner.Run(ctx, cmd)
	if err == nil {
		err = kadminFailure(output)
	}
	if err != nil {
		ldapclient.LogKerberosEvent(ctx, "principal_registration_failed", map[string]any{
			"principal": principal,
			"error":     err.Error(),
		})
		return identity.NewError(classifyKadminOutput(output), "register_principal", principal,
			fmt.Errorf("kadmin: %w", err))
	}

	ldapclient.LogKerberosEvent(ctx, "principal_registered", map[string]any{
		"principal": principal,
	})
	return nil
}

func (i *KadminIssuer) adminPrincipal() string {
	return i.config.AdminPrincipal + "@" + i.config.Realm
}

// adminCredential returns the admin password, prompting once per issuer.
// With a keytab there is no password.
func (i *KadminIssuer) adminCredential(ctx context.Context) (string, error) {
	if i.config.AdminKeytab != "" || i.adminPassword != "" {
		return i.adminPassword, nil
	}
	if i.prompter == nil {
		return "", identity.NewError(identity.KindAuthenticationFailure, "admin_login", i.adminPrincipal(),
			errors.New("no keytab configured and no terminal to prompt for the admin password"))
	}

	password, err := i.prompter.ReadSecret(ctx, "Enter Kerberos admin password: ")
	if err != nil {
		return "", fmt.Errorf("read admin password: %w", err)
	}
	i.adminPassword = password
	return password, nil
}

func (i *KadminIssuer) kadminArgs(principal string) []string {
	args := []string{"-r", i.config.Realm, "-p", i.config.AdminPrincipal}
	if i.config.AdminKeytab != "" {
		args = append(args, "-k", "-t", i.config.AdminKeytab)
	}
	return append(args, "-q", "addprinc "+principal)
}

// preflight logs the admin identity in to the KDC so that credential and
// reachability problems surface with a clear kind before kadmin runs.
func (i *KadminIssuer) preflight(ctx context.Context, adminPassword string) error {
	krb5conf, err := config.Load(i.config.Krb5Conf)
	if err != nil {
		return identity.NewError(identity.KindUnknown, "load_krb5_config", i.config.Krb5Conf, err)
	}

	settings := client.DisablePAFXFAST(true)

	var cl *client.Client
	if i.config.AdminKeytab != "" {
		kt, err := keytab.Load(i.config.AdminKeytab)
		if err != nil {
			ldapclient.LogKerberosEvent(ctx, "keytab_load_failed", map[string]any{
				"keytab": i.config.AdminKeytab,
				"error":  err.Error(),
			})
			return identity.NewError(identity.KindAuthenticationFailure, "load_keytab", i.config.AdminKeytab, err)
		}
		ldapclient.LogKerberosEvent(ctx, "keytab_loaded", map[string]any{"keytab": i.config.AdminKeytab})
		cl = client.NewWithKeytab(i.config.AdminPrincipal, i.config.Realm, kt, krb5conf, settings)
	} else {
		cl = client.NewWithPassword(i.config.AdminPrincipal, i.config.Realm, adminPassword, krb5conf, settings)
	}
	defer cl.Destroy()

	if err := cl.Login(); err != nil {
		return identity.NewError(classifyLoginError(err), "admin_login", i.adminPrincipal(), err)
	}

	ldapclient.LogKerberosEvent(ctx, "ticket_acquired", map[string]any{"principal": i.adminPrincipal()})
	return nil
}

// classifyLoginError maps a gokrb5 error onto an identity kind.
func classifyLoginError(err error) identity.Kind {
	var kerr krberror.Krberror
	if errors.As(err, &kerr) && kerr.RootCause == krberror.NetworkingError {
		return identity.KindConnectionFailure
	}
	return identity.KindAuthenticationFailure
}

// kadminFailure detects a failed query in output; kadmin can exit zero after
// a rejected -q command.
func kadminFailure(output []byte) error {
	for line := range bytes.Lines(output) {
		text := strings.TrimSpace(string(line))
		if strings.HasPrefix(text, "add_principal:") || strings.HasPrefix(text, "kadmin:") {
			return errors.New(text)
		}
	}
	return nil
}

func classifyKadminOutput(output []byte) identity.Kind {
	text := strings.ToLower(string(output))
	switch {
	case strings.Contains(text, "already exists"):
		return identity.KindNameAlreadyExists
	case strings.Contains(text, "cannot contact any kdc"),
		strings.Contains(text, "cannot resolve"),
		strings.Contains(text, "connection refused"):
		return identity.KindConnectionFailure
	case strings.Contains(text, "incorrect password"),
		strings.Contains(text, "while initializing kadmin interface"),
		strings.Contains(text, "operation requires"),
		strings.Contains(text, "not found in kerberos database"):
		return identity.KindAuthenticationFailure
	default:
		return identity.KindUnknown
	}
}

// RequestSecret prompts for a secret twice and fails with PasswordMismatch
// if the entries differ.
func RequestSecret(ctx context.Context, prompter Prompter, prompt string) (string, error) {
	if prompter == nil {
		return "", errors.New("no terminal available to read a password")
	}

	first, err := prompter.ReadSecret(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	second, err := prompter.ReadSecret(ctx, "Retype password: ")
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}

	if first != second {
		return "", identity.NewError(identity.KindPasswordMismatch, "read_password", "", errors.New("passwords don't match"))
	}
	if first == "" {
		return "", errors.New("password cannot be empty")
	}
	return first, nil
}

var _ Issuer = (*KadminIssuer)(nil)
