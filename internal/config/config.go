// Package config loads weo's settings from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/wics-uw/weo/internal/identity"
	"github.com/wics-uw/weo/internal/kerberos"
	ldapclient "github.com/wics-uw/weo/internal/ldap"
)

const (
	// DefaultPath is read when neither --config nor WEO_CONFIG is given. It
	// may be absent.
	DefaultPath = "/etc/weo/config.yaml"

	// DefaultLDAPURL is used when no URLs and no discovery domain are set.
	DefaultLDAPURL = "ldaps://auth1.wics.uwaterloo.ca"

	EnvConfig = "WEO_CONFIG"
)

// Config is the complete runtime configuration.
type Config struct {
	LDAP     LDAPConfig     `yaml:"ldap"`
	Kerberos KerberosConfig `yaml:"kerberos"`
	Lock     LockConfig     `yaml:"lock"`
	LogLevel string         `yaml:"log_level" default:"warn"`
}

// LDAPConfig selects and authenticates to the directory.
type LDAPConfig struct {
	URLs         []string      `yaml:"urls"`
	Domain       string        `yaml:"domain"` // SRV discovery when URLs is empty
	BaseDN       string        `yaml:"base_dn" default:"dc=wics,dc=uwaterloo,dc=ca"`
	Auth         string        `yaml:"auth" default:"kerberos"`
	Timeout      time.Duration `yaml:"timeout" default:"30s"`
	SkipStartTLS bool          `yaml:"skip_starttls"`

	BindDN       string `yaml:"bind_dn"`
	BindPassword string `yaml:"bind_password"`

	Principal string `yaml:"principal"`
	Keytab    string `yaml:"keytab"`
	CCache    string `yaml:"ccache"`
	SPN       string `yaml:"spn"`

	CACertFile     string `yaml:"ca_cert_file"`
	ClientCertFile string `yaml:"client_cert_file"`
	ClientKeyFile  string `yaml:"client_key_file"`
}

// KerberosConfig describes the realm principals are added to.
type KerberosConfig struct {
	Realm          string `yaml:"realm" default:"WICS.UWATERLOO.CA"`
	AdminPrincipal string `yaml:"admin_principal" default:"sysadmin/admin"`
	AdminKeytab    string `yaml:"admin_keytab"`
	Krb5Conf       string `yaml:"krb5_conf" default:"/etc/krb5.conf"`
	Kadmin         string `yaml:"kadmin" default:"kadmin"`
}

// LockConfig tunes counter lock acquisition.
type LockConfig struct {
	Attempts int           `yaml:"attempts" default:"3"`
	Backoff  time.Duration `yaml:"backoff" default:"5s"`
}

// ResolvePath picks the config file: the flag value, then WEO_CONFIG, then
// DefaultPath. explicit reports whether the file must exist.
func ResolvePath(flag string) (path string, explicit bool) {
	if flag != "" {
		return flag, true
	}
	if env := os.Getenv(EnvConfig); env != "" {
		return env, true
	}
	return DefaultPath, false
}

// Load reads the file at path, applies defaults and environment overrides,
// and validates the result. A missing file is an error only when explicit.
func Load(path string, explicit bool) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply config defaults: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration with environment overrides.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("WEO_LDAP_URL"); v != "" {
		c.LDAP.URLs = splitList(v)
	}
	setFromEnv(&c.LDAP.BaseDN, "WEO_BASE_DN")
	setFromEnv(&c.LDAP.Auth, "WEO_LDAP_AUTH")
	setFromEnv(&c.LDAP.BindPassword, "WEO_LDAP_BIND_PASSWORD")
	setFromEnv(&c.Kerberos.Realm, "WEO_KRB5_REALM")
	setFromEnv(&c.Kerberos.AdminPrincipal, "WEO_KRB5_ADMIN")
	setFromEnv(&c.Kerberos.AdminKeytab, "WEO_KRB5_KEYTAB")
	setFromEnv(&c.LogLevel, "WEO_LOG_LEVEL")
}

func setFromEnv(field *string, key string) {
	if v := os.Getenv(key); v != "" {
		*field = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	for _, url := range c.LDAP.URLs {
		if _, err := ldapclient.ParseLDAPURL(url); err != nil {
			result = multierror.Append(result, fmt.Errorf("ldap.urls: %w", err))
		}
	}

	if err := ldapclient.ValidateDN(c.LDAP.BaseDN); err != nil {
		result = multierror.Append(result, fmt.Errorf("ldap.base_dn: %w", err))
	}

	method, ok := ldapclient.ParseAuthMethod(c.LDAP.Auth)
	if !ok {
		result = multierror.Append(result, fmt.Errorf("ldap.auth: unknown method %q", c.LDAP.Auth))
	}
	switch method {
	case ldapclient.AuthMethodSimpleBind:
		if c.LDAP.BindDN == "" {
			result = multierror.Append(result, errors.New("ldap.bind_dn is required for simple authentication"))
		}
	case ldapclient.AuthMethodKerberos:
		if c.LDAP.Keytab != "" && c.LDAP.Principal == "" {
			result = multierror.Append(result, errors.New("ldap.principal is required with ldap.keytab"))
		}
	case ldapclient.AuthMethodExternal:
		if c.LDAP.ClientCertFile == "" || c.LDAP.ClientKeyFile == "" {
			result = multierror.Append(result, errors.New("ldap.client_cert_file and ldap.client_key_file are required for external authentication"))
		}
	}

	if c.LDAP.Timeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("ldap.timeout must be positive, got %s", c.LDAP.Timeout))
	}

	if c.Kerberos.Realm == "" || strings.ToUpper(c.Kerberos.Realm) != c.Kerberos.Realm {
		result = multierror.Append(result, fmt.Errorf("kerberos.realm must be a non-empty upper-case realm, got %q", c.Kerberos.Realm))
	}
	if c.Kerberos.AdminPrincipal == "" {
		result = multierror.Append(result, errors.New("kerberos.admin_principal cannot be empty"))
	}

	if c.Lock.Attempts < 1 {
		result = multierror.Append(result, fmt.Errorf("lock.attempts must be at least 1, got %d", c.Lock.Attempts))
	}
	if c.Lock.Backoff < 0 {
		result = multierror.Append(result, fmt.Errorf("lock.backoff cannot be negative, got %s", c.Lock.Backoff))
	}

	if hclog.LevelFromString(c.LogLevel) == hclog.NoLevel {
		result = multierror.Append(result, fmt.Errorf("log_level: unknown level %q", c.LogLevel))
	}

	if result != nil {
		result.ErrorFormat = inlineFormat
	}
	return result.ErrorOrNil()
}

func inlineFormat(errs []error) string {
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

// ConnectionConfig builds the directory session settings.
func (c *Config) ConnectionConfig(debug bool) *ldapclient.ConnectionConfig {
	conn := ldapclient.DefaultConfig()

	conn.LDAPURLs = c.LDAP.URLs
	conn.Domain = c.LDAP.Domain
	if len(conn.LDAPURLs) == 0 && conn.Domain == "" {
		conn.LDAPURLs = []string{DefaultLDAPURL}
	}
	conn.BaseDN = c.LDAP.BaseDN
	conn.Timeout = c.LDAP.Timeout
	conn.SkipStartTLS = c.LDAP.SkipStartTLS

	conn.AuthMethod, _ = ldapclient.ParseAuthMethod(c.LDAP.Auth)
	switch conn.AuthMethod {
	case ldapclient.AuthMethodSimpleBind:
		conn.Username = c.LDAP.BindDN
		conn.Password = c.LDAP.BindPassword
	case ldapclient.AuthMethodKerberos:
		conn.Username = c.LDAP.Principal
		conn.Password = c.LDAP.BindPassword
	}

	conn.KerberosRealm = c.Kerberos.Realm
	conn.KerberosConfig = c.Kerberos.Krb5Conf
	conn.KerberosKeytab = c.LDAP.Keytab
	conn.KerberosCCache = c.LDAP.CCache
	conn.KerberosSPN = c.LDAP.SPN

	conn.TLSCACertFile = c.LDAP.CACertFile
	conn.TLSClientCertFile = c.LDAP.ClientCertFile
	conn.TLSClientKeyFile = c.LDAP.ClientKeyFile

	conn.Debug = debug
	return conn
}

// IssuerConfig builds the credential issuer settings.
func (c *Config) IssuerConfig() kerberos.Config {
	return kerberos.Config{
		Realm:          c.Kerberos.Realm,
		AdminPrincipal: c.Kerberos.AdminPrincipal,
		AdminKeytab:    c.Kerberos.AdminKeytab,
		Krb5Conf:       c.Kerberos.Krb5Conf,
		KadminPath:     c.Kerberos.Kadmin,
	}
}

// LockOptions builds the counter lock settings.
func (c *Config) LockOptions() identity.LockOptions {
	return identity.LockOptions{
		Attempts: c.Lock.Attempts,
		Backoff:  c.Lock.Backoff,
	}
}

// Layout returns the directory layout under the configured base.
func (c *Config) Layout() identity.Layout {
	return identity.NewLayout(c.LDAP.BaseDN)
}
