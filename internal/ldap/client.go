package ldap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// client implements the Client interface over a single authenticated
// connection. The directory session binds once per process.
type client struct {
	config *ConnectionConfig
	dialer *dialer
	trace  io.Writer

	mu     sync.Mutex
	conn   *ldap.Conn
	server *ServerInfo
}

// NewClient creates a new directory session. No network traffic happens
// until Connect is called.
func NewClient(ctx context.Context, config *ConnectionConfig) (Client, error) {
	if config == nil {
		config = DefaultConfig()
	}

	tflog.SubsystemDebug(ctx, SubsystemLDAP, "Creating new LDAP client", map[string]any{
		"domain":          config.Domain,
		"ldap_urls_count": len(config.LDAPURLs),
		"base_dn":         config.BaseDN,
		"auth_method":     config.GetAuthMethod().String(),
	})

	d, err := newDialer(ctx, config)
	if err != nil {
		return nil, err
	}

	c := &client{
		config: config,
		dialer: d,
	}
	if config.Debug {
		c.trace = traceOutput
	}

	return c, nil
}

// Connect dials and authenticates. Calling it on a connected client is a no-op.
func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	start := time.Now()
	conn, server, err := c.dialer.dial(ctx)
	if err != nil {
		return WrapError("connect", err)
	}

	c.conn = conn
	c.server = server

	tflog.SubsystemInfo(ctx, SubsystemLDAP, "LDAP session established", map[string]any{
		"server":      ServerInfoToURL(server),
		"auth_method": c.config.GetAuthMethod().String(),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return nil
}

// Close closes the client's connection.
func (c *client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	err := c.conn.Close()
	c.conn = nil
	return err
}

// connection returns the bound connection or an error if Connect has not succeeded.
func (c *client) connection() (*ldap.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, NewConnectionError("LDAP session is not connected", nil)
	}
	return c.conn, nil
}

// Read returns the entry at dn.
func (c *client) Read(ctx context.Context, dn string, attributes []string) (*ldap.Entry, error) {
	if dn == "" {
		return nil, fmt.Errorf("DN cannot be empty")
	}

	conn, err := c.connection()
	if err != nil {
		return nil, WrapErrorWithDN("read", dn, err)
	}

	fields := map[string]any{
		"dn":         dn,
		"attributes": attributes,
	}
	c.tracef("read dn: %s", dn)

	var entry *ldap.Entry
	err = LogOperation(ctx, SubsystemLDAP, "read", fields, func() error {
		req := ldap.NewSearchRequest(
			dn,
			ldap.ScopeBaseObject,
			ldap.NeverDerefAliases,
			1,
			int(c.config.Timeout.Seconds()),
			false,
			"(objectClass=*)",
			attributes,
			nil,
		)

		result, searchErr := conn.Search(req)
		if searchErr != nil {
			return searchErr
		}
		if len(result.Entries) == 0 {
			return ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("no entry returned"))
		}
		entry = result.Entries[0]
		return nil
	})
	if err != nil {
		LogLDAPError(ctx, SubsystemLDAP, "read", err, fields)
		return nil, WrapErrorWithDN("read", dn, err)
	}

	return entry, nil
}

// Add creates a new LDAP entry.
func (c *client) Add(ctx context.Context, req *AddRequest) error {
	if req == nil {
		return fmt.Errorf("add request cannot be nil")
	}
	if req.DN == "" {
		return fmt.Errorf("DN cannot be empty")
	}

	conn, err := c.connection()
	if err != nil {
		return WrapErrorWithDN("add", req.DN, err)
	}

	ldapReq := ldap.NewAddRequest(req.DN, nil)
	for _, attr := range sortedKeys(req.Attributes) {
		ldapReq.Attribute(attr, req.Attributes[attr])
	}

	c.tracef("add dn: %s", req.DN)
	c.tracef("modlist: %s", formatAttributes(req.Attributes))

	fields := map[string]any{"dn": req.DN}
	err = LogOperation(ctx, SubsystemLDAP, "add", fields, func() error {
		return conn.Add(ldapReq)
	})
	if err != nil {
		LogLDAPError(ctx, SubsystemLDAP, "add", err, fields)
		return WrapErrorWithDN("add", req.DN, err)
	}
	return nil
}

// Modify modifies an existing LDAP entry.
func (c *client) Modify(ctx context.Context, req *ModifyRequest) error {
	if req == nil {
		return fmt.Errorf("modify request cannot be nil")
	}
	if req.DN == "" {
		return fmt.Errorf("DN cannot be empty")
	}

	conn, err := c.connection()
	if err != nil {
		return WrapErrorWithDN("modify", req.DN, err)
	}

	ldapReq := buildModifyRequest(req)
	if len(ldapReq.Changes) == 0 {
		return fmt.Errorf("modify request for %s has no changes", req.DN)
	}

	c.tracef("modify dn: %s", req.DN)
	c.tracef("modlist: %s", formatChanges(ldapReq.Changes))

	fields := map[string]any{
		"dn":      req.DN,
		"changes": len(ldapReq.Changes),
	}
	err = LogOperation(ctx, SubsystemLDAP, "modify", fields, func() error {
		return conn.Modify(ldapReq)
	})
	if err != nil {
		LogLDAPError(ctx, SubsystemLDAP, "modify", err, fields)
		return WrapErrorWithDN("modify", req.DN, err)
	}
	return nil
}

// ModifyDN renames an LDAP entry.
func (c *client) ModifyDN(ctx context.Context, req *ModifyDNRequest) error {
	if req == nil {
		return fmt.Errorf("modify DN request cannot be nil")
	}

	if req.DN == "" {
		return fmt.Errorf("DN cannot be empty")
	}

	if req.NewRDN == "" {
		return fmt.Errorf("new RDN cannot be empty")
	}

	conn, err := c.connection()
	if err != nil {
		return WrapErrorWithDN("modify_dn", req.DN, err)
	}

	c.tracef("modrdn dn: %s newrdn: %s", req.DN, req.NewRDN)

	fields := map[string]any{
		"dn":      req.DN,
		"new_rdn": req.NewRDN,
	}
	err = LogOperation(ctx, SubsystemLDAP, "modify_dn", fields, func() error {
		return conn.ModifyDN(ldap.NewModifyDNRequest(req.DN, req.NewRDN, req.DeleteOldRDN, req.NewSuperior))
	})
	if err != nil {
		LogLDAPError(ctx, SubsystemLDAP, "modify_dn", err, fields)
		return WrapErrorWithDN("modify_dn", req.DN, err)
	}
	return nil
}

// Delete removes an LDAP entry.
func (c *client) Delete(ctx context.Context, dn string) error {
	if dn == "" {
		return fmt.Errorf("DN cannot be empty")
	}

	conn, err := c.connection()
	if err != nil {
		return WrapErrorWithDN("delete", dn, err)
	}

	c.tracef("delete dn: %s", dn)

	fields := map[string]any{"dn": dn}
	err = LogOperation(ctx, SubsystemLDAP, "delete", fields, func() error {
		return conn.Del(ldap.NewDelRequest(dn, nil))
	})
	if err != nil {
		LogLDAPError(ctx, SubsystemLDAP, "delete", err, fields)
		return WrapErrorWithDN("delete", dn, err)
	}
	return nil
}

// tracef writes a request summary to the trace output in verbose mode.
func (c *client) tracef(format string, args ...any) {
	if c.trace == nil {
		return
	}
	fmt.Fprintf(c.trace, "--> "+format+"\n", args...)
}

// buildModifyRequest converts a ModifyRequest into a go-ldap request with a
// deterministic change order.
func buildModifyRequest(req *ModifyRequest) *ldap.ModifyRequest {
	ldapReq := ldap.NewModifyRequest(req.DN, nil)

	for _, attr := range sortedKeys(req.AddAttributes) {
		ldapReq.Add(attr, req.AddAttributes[attr])
	}

	for _, attr := range sortedKeys(req.ReplaceAttributes) {
		ldapReq.Replace(attr, req.ReplaceAttributes[attr])
	}

	for _, attr := range sortedKeys(req.DeleteAttributes) {
		values := req.DeleteAttributes[attr]
		if values == nil {
			values = []string{}
		}
		ldapReq.Delete(attr, values)
	}

	return ldapReq
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatAttributes(attrs map[string][]string) string {
	parts := make([]string, 0, len(attrs))
	for _, attr := range sortedKeys(attrs) {
		parts = append(parts, fmt.Sprintf("(%s, %v)", attr, attrs[attr]))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func formatChanges(changes []ldap.Change) string {
	parts := make([]string, 0, len(changes))
	for _, change := range changes {
		var op string
		switch change.Operation {
		case ldap.AddAttribute:
			op = "MOD_ADD"
		case ldap.ReplaceAttribute:
			op = "MOD_REPLACE"
		case ldap.DeleteAttribute:
			op = "MOD_DELETE"
		default:
			op = fmt.Sprintf("MOD_%d", change.Operation)
		}
		parts = append(parts, fmt.Sprintf("(%s, %s, %v)", op, change.Modification.Type, change.Modification.Vals))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
