package ldap

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// traceOutput receives go-ldap packet dumps when ConnectionConfig.Debug is set.
var traceOutput = os.Stdout

// dialer resolves the configured servers and opens authenticated connections,
// failing over across servers in order.
type dialer struct {
	config    *ConnectionConfig
	servers   []*ServerInfo
	discovery *SRVDiscovery
	tlsConfig *tls.Config
}

// newDialer validates the configuration and resolves the server list.
func newDialer(ctx context.Context, config *ConnectionConfig) (*dialer, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	tlsConfig, err := buildTLSConfig(config)
	if err != nil {
		return nil, fmt.Errorf("invalid TLS configuration: %w", err)
	}

	d := &dialer{
		config:    config,
		discovery: NewSRVDiscovery(ctx),
		tlsConfig: tlsConfig,
	}

	if err := d.discoverServers(ctx); err != nil {
		return nil, fmt.Errorf("server discovery failed: %w", err)
	}

	return d, nil
}

// discoverServers discovers available servers.
func (d *dialer) discoverServers(ctx context.Context) error {
	start := time.Now()
	var servers []*ServerInfo

	if len(d.config.LDAPURLs) > 0 {
		for _, url := range d.config.LDAPURLs {
			server, err := ParseLDAPURL(url)
			if err != nil {
				return fmt.Errorf("invalid LDAP URL %s: %w", url, err)
			}
			servers = append(servers, server)
		}
	} else {
		discoveryCtx, cancel := context.WithTimeout(ctx, d.config.Timeout)
		defer cancel()

		discovered, err := d.discovery.DiscoverServers(discoveryCtx, d.config.Domain)
		if err != nil {
			return err
		}
		servers = discovered
	}

	if len(servers) == 0 {
		return errors.New("no servers discovered")
	}

	d.servers = servers

	tflog.SubsystemDebug(ctx, SubsystemLDAP, "Server list resolved", map[string]any{
		"duration_ms":  time.Since(start).Milliseconds(),
		"server_count": len(servers),
	})
	return nil
}

// dial returns an authenticated connection to the first server that accepts one.
func (d *dialer) dial(ctx context.Context) (*ldap.Conn, *ServerInfo, error) {
	var lastErr error

	for attempt := 1; attempt <= d.config.DialAttempts; attempt++ {
		for _, server := range d.servers {
			fields := map[string]any{
				"server":  ServerInfoToURL(server),
				"source":  server.Source,
				"attempt": attempt,
			}
			LogConnectionEvent(ctx, "connection_attempt", fields)

			conn, err := d.dialServer(ctx, server)
			if err != nil {
				lastErr = err
				fields["error"] = err.Error()
				LogConnectionEvent(ctx, "connection_failed", fields)

				// A rejected identity will be rejected by every replica
				if IsAuthenticationError(err) || IsPermissionError(err) {
					return nil, nil, err
				}
				continue
			}

			LogConnectionEvent(ctx, "connection_established", fields)
			return conn, server, nil
		}

		if attempt < d.config.DialAttempts {
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(d.config.DialBackoff):
			}
		}
	}

	return nil, nil, NewConnectionError("no directory server reachable", lastErr)
}

// dialServer connects and authenticates against a specific server.
func (d *dialer) dialServer(ctx context.Context, server *ServerInfo) (*ldap.Conn, error) {
	url := ServerInfoToURL(server)
	netDialer := &net.Dialer{Timeout: d.config.Timeout}

	var conn *ldap.Conn
	var err error

	if server.UseTLS {
		conn, err = ldap.DialURL(url, ldap.DialWithTLSConfig(d.tlsConfig), ldap.DialWithDialer(netDialer))
	} else {
		conn, err = ldap.DialURL(url, ldap.DialWithDialer(netDialer))
		if err == nil && !d.config.SkipStartTLS {
			if tlsErr := conn.StartTLS(d.tlsConfig); tlsErr != nil {
				conn.Close()
				return nil, WrapErrorWithDN("start_tls", "", tlsErr)
			}
		}
	}
	if err != nil {
		return nil, NewConnectionError(fmt.Sprintf("failed to connect to %s", url), err)
	}

	conn.SetTimeout(d.config.Timeout)

	if err := d.authenticate(ctx, conn, server); err != nil {
		conn.Close()
		return nil, err
	}

	// Enabled after the bind so credentials never reach the packet dump
	if d.config.Debug {
		ldap.Logger(log.New(traceOutput, "--> ", 0))
		conn.Debug.Enable(true)
	}

	return conn, nil
}

// authenticate binds the connection using the configured method.
func (d *dialer) authenticate(ctx context.Context, conn *ldap.Conn, server *ServerInfo) error {
	authMethod := d.config.GetAuthMethod()
	fields := map[string]any{
		"auth_method": authMethod.String(),
		"username":    d.config.Username,
	}

	return LogOperation(ctx, SubsystemLDAP, "bind", fields, func() error {
		var err error

		switch authMethod {
		case AuthMethodSimpleBind:
			if d.config.Username == "" {
				return errors.New("username is required for simple bind authentication")
			}
			err = conn.Bind(d.config.Username, d.config.Password)
		case AuthMethodKerberos:
			err = performKerberosAuth(ctx, conn, d.config, server)
		case AuthMethodExternal:
			err = conn.ExternalBind()
		default:
			return fmt.Errorf("unsupported authentication method: %s", authMethod.String())
		}

		if err != nil {
			LogConnectionEvent(ctx, "authentication_failed", fields)
			wrapped := NewLDAPError("bind", err)
			if wrapped.Category == ErrorCategoryUnknown {
				wrapped.Category = ErrorCategoryAuthentication
			}
			return wrapped
		}

		LogConnectionEvent(ctx, "authentication_success", fields)
		return nil
	})
}

// buildTLSConfig layers the CA bundle and client certificate onto the base TLS config.
func buildTLSConfig(config *ConnectionConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.TLSConfig != nil {
		tlsConfig = config.TLSConfig.Clone()
	}

	if config.TLSCACertFile != "" {
		pem, err := os.ReadFile(config.TLSCACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", config.TLSCACertFile)
		}
		tlsConfig.RootCAs = pool
	}

	if config.TLSClientCertFile != "" || config.TLSClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(config.TLSClientCertFile, config.TLSClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// validateConfig validates the connection configuration.
func validateConfig(config *ConnectionConfig) error {
	if config == nil {
		return errors.New("configuration cannot be nil")
	}

	if len(config.LDAPURLs) == 0 && config.Domain == "" {
		return errors.New("either domain or LDAP URLs must be specified")
	}

	if config.BaseDN == "" {
		return errors.New("base DN must be specified")
	}

	if config.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}

	if config.DialAttempts < 1 {
		return errors.New("DialAttempts must be at least 1")
	}

	if config.DialBackoff < 0 {
		return errors.New("DialBackoff cannot be negative")
	}

	if config.GetAuthMethod() == AuthMethodExternal &&
		(config.TLSClientCertFile == "" || config.TLSClientKeyFile == "") {
		return errors.New("external authentication requires a client certificate and key")
	}

	return nil
}
