package ldap

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldap/v3/gssapi"
	krb5client "github.com/jcmturner/gokrb5/v8/client"
)

const defaultKrb5Conf = "/etc/krb5.conf"

// performKerberosAuth performs a SASL GSSAPI bind on an LDAP connection.
func performKerberosAuth(ctx context.Context, conn *ldap.Conn, cfg *ConnectionConfig, serverInfo *ServerInfo) error {
	gssapiClient, source, err := createGSSAPIClient(cfg)
	if err != nil {
		LogKerberosEvent(ctx, "ticket_acquisition_failed", map[string]any{"error": err.Error()})
		return fmt.Errorf("failed to create GSSAPI client: %w", err)
	}
	defer func() {
		_ = gssapiClient.DeleteSecContext()
	}()

	LogKerberosEvent(ctx, "credential_source_selected", map[string]any{
		"source":    source,
		"principal": cfg.Username,
		"realm":     cfg.KerberosRealm,
	})

	spn, err := buildServicePrincipal(cfg, serverInfo)
	if err != nil {
		return fmt.Errorf("failed to build service principal: %w", err)
	}

	if err := conn.GSSAPIBind(gssapiClient, spn, ""); err != nil {
		return fmt.Errorf("GSSAPI bind to %s failed: %w", spn, err)
	}

	LogKerberosEvent(ctx, "ticket_acquired", map[string]any{"spn": spn})
	return nil
}

// createGSSAPIClient creates a GSSAPI client from the first usable credential.
// Priority order: credential cache, keytab, password.
func createGSSAPIClient(cfg *ConnectionConfig) (*gssapi.Client, string, error) {
	krb5confPath := cfg.KerberosConfig
	if krb5confPath == "" {
		krb5confPath = defaultKrb5Conf
	}

	if !fileExists(krb5confPath) {
		return nil, "", fmt.Errorf("kerberos configuration file not found at %s", krb5confPath)
	}

	// An operator's own ticket, the way kinit leaves it
	if cfg.KerberosCCache != "" && fileExists(cfg.KerberosCCache) {
		client, err := gssapi.NewClientFromCCache(cfg.KerberosCCache, krb5confPath, krb5client.DisablePAFXFAST(true))
		return client, "ccache", err
	}

	// A scoped service identity
	if cfg.KerberosKeytab != "" {
		if cfg.Username == "" || cfg.KerberosRealm == "" {
			return nil, "", fmt.Errorf("keytab authentication requires a principal and realm")
		}
		if !fileExists(cfg.KerberosKeytab) {
			return nil, "", fmt.Errorf("keytab not found at %s", cfg.KerberosKeytab)
		}
		client, err := gssapi.NewClientWithKeytab(cfg.Username, cfg.KerberosRealm, cfg.KerberosKeytab, krb5confPath, krb5client.DisablePAFXFAST(true))
		return client, "keytab", err
	}

	if cfg.Username != "" && cfg.Password != "" && cfg.KerberosRealm != "" {
		client, err := gssapi.NewClientWithPassword(cfg.Username, cfg.KerberosRealm, cfg.Password, krb5confPath, krb5client.DisablePAFXFAST(true))
		return client, "password", err
	}

	defaultCCache := getDefaultCCachePath()
	if fileExists(defaultCCache) {
		client, err := gssapi.NewClientFromCCache(defaultCCache, krb5confPath, krb5client.DisablePAFXFAST(true))
		return client, "default_ccache", err
	}

	return nil, "", fmt.Errorf("no Kerberos credentials found: run kinit, or configure a keytab for the service principal")
}

// buildServicePrincipal constructs the LDAP service principal name from server info.
// If cfg.KerberosSPN is set, it overrides the automatic SPN construction.
func buildServicePrincipal(cfg *ConnectionConfig, serverInfo *ServerInfo) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("configuration is required for service principal")
	}

	if cfg.KerberosSPN != "" {
		return cfg.KerberosSPN, nil
	}

	if serverInfo == nil || serverInfo.Host == "" {
		return "", fmt.Errorf("hostname is required for service principal")
	}

	hostname := serverInfo.Host
	if colonPos := strings.Index(hostname, ":"); colonPos != -1 {
		hostname = hostname[:colonPos]
	}

	return "ldap/" + hostname, nil
}

// getDefaultCCachePath returns the default credential cache location.
func getDefaultCCachePath() string {
	if ccache := os.Getenv("KRB5CCNAME"); ccache != "" {
		return strings.TrimPrefix(ccache, "FILE:")
	}
	return fmt.Sprintf("/tmp/krb5cc_%d", os.Getuid())
}

// fileExists checks if a file exists and is readable.
func fileExists(path string) bool {
	if path == "" {
		return false
	}
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	file.Close()
	return true
}
