package ldap

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// ConnectionConfig holds configuration for the directory session.
type ConnectionConfig struct {
	// Connection settings
	Domain   string        // Domain for SRV discovery
	LDAPURLs []string      // Direct LDAP URLs (overrides domain)
	BaseDN   string        // Base DN of the directory tree
	Timeout  time.Duration // Per-request and dial timeout

	// Authentication settings
	AuthMethod     AuthMethod // Explicit method; AuthMethodAuto infers one from the fields below
	Username       string     // Bind DN for simple bind, principal for Kerberos
	Password       string     // Password for simple bind or Kerberos password login
	KerberosRealm  string     // Kerberos realm for GSSAPI authentication
	KerberosKeytab string     // Path to a service keytab
	KerberosConfig string     // Path to krb5.conf
	KerberosCCache string     // Path to a credential cache
	KerberosSPN    string     // Overrides the ldap/<host> service principal

	// TLS settings
	TLSConfig         *tls.Config // Custom TLS configuration
	SkipStartTLS      bool        // Do not upgrade ldap:// connections with StartTLS
	TLSCACertFile     string      // Path to CA certificate file
	TLSClientCertFile string      // Path to client certificate file (EXTERNAL bind)
	TLSClientKeyFile  string      // Path to client private key file (EXTERNAL bind)

	// Dial settings
	DialAttempts int           // Passes over the server list before giving up
	DialBackoff  time.Duration // Pause between passes

	// Debug enables go-ldap packet tracing on the session's connection.
	Debug bool
}

// DefaultConfig returns a secure default configuration.
func DefaultConfig() *ConnectionConfig {
	return &ConnectionConfig{
		Timeout:      30 * time.Second,
		AuthMethod:   AuthMethodAuto,
		DialAttempts: 2,
		DialBackoff:  time.Second,
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
}

// ServerInfo contains information about an LDAP server.
type ServerInfo struct {
	Host     string
	Port     int
	UseTLS   bool
	Priority int
	Weight   int
	Source   string // "srv", "config", "fallback"
}

// Client is an authenticated session against the directory. Each method is a
// single protocol round trip; none of them retries.
type Client interface {
	// Connection management
	Connect(ctx context.Context) error
	Close() error

	// Read returns the entry at dn (base-scope search).
	Read(ctx context.Context, dn string, attributes []string) (*ldap.Entry, error)
	Add(ctx context.Context, req *AddRequest) error
	Modify(ctx context.Context, req *ModifyRequest) error
	ModifyDN(ctx context.Context, req *ModifyDNRequest) error
	Delete(ctx context.Context, dn string) error
}

// AddRequest encapsulates LDAP add parameters.
type AddRequest struct {
	DN         string
	Attributes map[string][]string
}

// ModifyRequest encapsulates LDAP modify parameters. The whole request is
// applied atomically by the server.
type ModifyRequest struct {
	DN                string
	AddAttributes     map[string][]string
	ReplaceAttributes map[string][]string
	DeleteAttributes  map[string][]string // nil or empty values delete the whole attribute
}

// ModifyDNRequest renames an entry within its parent.
type ModifyDNRequest struct {
	DN           string
	NewRDN       string
	DeleteOldRDN bool
	NewSuperior  string
}

// AuthMethod defines authentication method types.
type AuthMethod int

const (
	AuthMethodAuto       AuthMethod = iota // Infer from the configured credentials
	AuthMethodSimpleBind                   // DN/password authentication
	AuthMethodKerberos                     // SASL GSSAPI/Kerberos authentication
	AuthMethodExternal                     // SASL EXTERNAL with a TLS client certificate
)

// String returns string representation of authentication method.
func (a AuthMethod) String() string {
	switch a {
	case AuthMethodAuto:
		return "auto"
	case AuthMethodSimpleBind:
		return "simple"
	case AuthMethodKerberos:
		return "kerberos"
	case AuthMethodExternal:
		return "external"
	default:
		return "unknown"
	}
}

// ParseAuthMethod maps a configuration string onto an AuthMethod.
func ParseAuthMethod(s string) (AuthMethod, bool) {
	switch s {
	case "", "auto":
		return AuthMethodAuto, true
	case "simple":
		return AuthMethodSimpleBind, true
	case "kerberos", "gssapi":
		return AuthMethodKerberos, true
	case "external":
		return AuthMethodExternal, true
	default:
		return AuthMethodAuto, false
	}
}

// GetAuthMethod determines the authentication method from the configuration.
func (c *ConnectionConfig) GetAuthMethod() AuthMethod {
	if c.AuthMethod != AuthMethodAuto {
		return c.AuthMethod
	}

	// External authentication (certificates)
	if c.TLSClientCertFile != "" && c.TLSClientKeyFile != "" {
		return AuthMethodExternal
	}

	// A bind DN with a password is a scoped service account
	if c.Password != "" && c.KerberosRealm == "" {
		return AuthMethodSimpleBind
	}

	// Kerberos is the default: an operator's ticket or a service keytab
	return AuthMethodKerberos
}

// ConnectionError represents connection-related errors.
type ConnectionError struct {
	message string
	cause   error
}

func (e *ConnectionError) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

func (e *ConnectionError) Unwrap() error {
	return e.cause
}

// NewConnectionError creates a new connection error.
func NewConnectionError(message string, cause error) *ConnectionError {
	return &ConnectionError{
		message: message,
		cause:   cause,
	}
}
