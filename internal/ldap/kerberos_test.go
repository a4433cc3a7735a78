package ldap

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildServicePrincipal(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *ConnectionConfig
		server  *ServerInfo
		want    string
		wantErr bool
	}{
		{
			name:    "nil config",
			wantErr: true,
		},
		{
			name:   "from host",
			cfg:    &ConnectionConfig{},
			server: &ServerInfo{Host: "auth1.wics.uwaterloo.ca", Port: 636},
			want:   "ldap/auth1.wics.uwaterloo.ca",
		},
		{
			name:   "host with port",
			cfg:    &ConnectionConfig{},
			server: &ServerInfo{Host: "auth1.example.com:636"},
			want:   "ldap/auth1.example.com",
		},
		{
			name:   "override",
			cfg:    &ConnectionConfig{KerberosSPN: "ldap/auth.example.com@EXAMPLE.COM"},
			server: &ServerInfo{Host: "10.0.0.5"},
			want:   "ldap/auth.example.com@EXAMPLE.COM",
		},
		{
			name:    "missing host",
			cfg:     &ConnectionConfig{},
			server:  &ServerInfo{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildServicePrincipal(tt.cfg, tt.server)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetDefaultCCachePath(t *testing.T) {
	t.Run("from environment", func(t *testing.T) {
		t.Setenv("KRB5CCNAME", "FILE:/tmp/krb5cc_test")
		assert.Equal(t, "/tmp/krb5cc_test", getDefaultCCachePath())
	})

	t.Run("default", func(t *testing.T) {
		t.Setenv("KRB5CCNAME", "")
		assert.Equal(t, fmt.Sprintf("/tmp/krb5cc_%d", os.Getuid()), getDefaultCCachePath())
	})
}

func TestCreateGSSAPIClient_Errors(t *testing.T) {
	dir := t.TempDir()
	krb5conf := filepath.Join(dir, "krb5.conf")
	require.NoError(t, os.WriteFile(krb5conf, []byte("[libdefaults]\n default_realm = EXAMPLE.COM\n"), 0o600))

	tests := []struct {
		name     string
		cfg      *ConnectionConfig
		errorMsg string
	}{
		{
			name:     "missing krb5.conf",
			cfg:      &ConnectionConfig{KerberosConfig: filepath.Join(dir, "absent.conf")},
			errorMsg: "kerberos configuration file not found",
		},
		{
			name:     "keytab without principal",
			cfg:      &ConnectionConfig{KerberosConfig: krb5conf, KerberosKeytab: filepath.Join(dir, "weo.keytab")},
			errorMsg: "requires a principal and realm",
		},
		{
			name: "missing keytab",
			cfg: &ConnectionConfig{
				KerberosConfig: krb5conf,
				KerberosKeytab: filepath.Join(dir, "weo.keytab"),
				Username:       "weo",
				KerberosRealm:  "EXAMPLE.COM",
			},
			errorMsg: "keytab not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("KRB5CCNAME", filepath.Join(dir, "no-ccache"))
			_, _, err := createGSSAPIClient(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}

	t.Run("no credentials", func(t *testing.T) {
		t.Setenv("KRB5CCNAME", filepath.Join(dir, "no-ccache"))
		_, _, err := createGSSAPIClient(&ConnectionConfig{KerberosConfig: krb5conf})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no Kerberos credentials found")
	})
}

func TestFileExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "present")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	assert.True(t, fileExists(path))
	assert.False(t, fileExists(path+".missing"))
	assert.False(t, fileExists(""))
}
