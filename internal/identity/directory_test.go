package identity

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/mock"

	ldapclient "github.com/wics-uw/weo/internal/ldap"
)

// memoryDirectory is an in-memory Directory with atomic renames, enough to
// exercise the counter protocol across goroutines.
type memoryDirectory struct {
	mu      sync.Mutex
	entries map[string]map[string][]string
	renames []string

	// Per-call failure injection, keyed by operation and DN
	fail map[string]error
}

func newMemoryDirectory() *memoryDirectory {
	return &memoryDirectory{
		entries: map[string]map[string][]string{},
		fail:    map[string]error{},
	}
}

// seedCounters creates both counters in their available state.
func (d *memoryDirectory) seedCounters(layout Layout, uid, gid, groupGID int) {
	d.entries[layout.UserCounter().AvailableDN()] = map[string][]string{
		"uidNumber": {fmt.Sprint(uid)},
		"gidNumber": {fmt.Sprint(gid)},
	}
	d.entries[layout.GroupCounter().AvailableDN()] = map[string][]string{
		"gidNumber": {fmt.Sprint(groupGID)},
	}
}

func (d *memoryDirectory) failOn(op, dn string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail[op+" "+dn] = err
}

func (d *memoryDirectory) injected(op, dn string) error {
	return d.fail[op+" "+dn]
}

func (d *memoryDirectory) get(dn string) (map[string][]string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.entries[dn]
	if !ok {
		return nil, false
	}
	return maps.Clone(entry), true
}

func (d *memoryDirectory) renameLog() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.renames)
}

func noSuchObject(dn string) error {
	return ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("no such object: "+dn))
}

func (d *memoryDirectory) Read(_ context.Context, dn string, attributes []string) (*ldap.Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.injected("read", dn); err != nil {
		return nil, err
	}
	entry, ok := d.entries[dn]
	if !ok {
		return nil, noSuchObject(dn)
	}

	attrs := map[string][]string{}
	for _, a := range attributes {
		if v, ok := entry[a]; ok {
			attrs[a] = slices.Clone(v)
		}
	}
	return ldap.NewEntry(dn, attrs), nil
}

func (d *memoryDirectory) Add(_ context.Context, req *ldapclient.AddRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.injected("add", req.DN); err != nil {
		return err
	}
	if _, exists := d.entries[req.DN]; exists {
		return ldap.NewError(ldap.LDAPResultEntryAlreadyExists, errors.New("already exists"))
	}

	entry := map[string][]string{}
	for k, v := range req.Attributes {
		entry[k] = slices.Clone(v)
	}
	d.entries[req.DN] = entry
	return nil
}

func (d *memoryDirectory) Modify(_ context.Context, req *ldapclient.ModifyRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.injected("modify", req.DN); err != nil {
		return err
	}
	entry, ok := d.entries[req.DN]
	if !ok {
		return noSuchObject(req.DN)
	}

	// Apply to a copy so a failing change leaves the entry untouched
	updated := maps.Clone(entry)
	for attr, values := range req.AddAttributes {
		for _, v := range values {
			if slices.Contains(updated[attr], v) {
				return ldap.NewError(ldap.LDAPResultAttributeOrValueExists, errors.New("value exists"))
			}
			updated[attr] = append(slices.Clone(updated[attr]), v)
		}
	}
	for attr, values := range req.ReplaceAttributes {
		updated[attr] = slices.Clone(values)
	}
	for attr, values := range req.DeleteAttributes {
		current, ok := updated[attr]
		if !ok {
			return ldap.NewError(ldap.LDAPResultNoSuchAttribute, errors.New("no such attribute"))
		}
		if len(values) == 0 {
			delete(updated, attr)
			continue
		}
		for _, v := range values {
			idx := slices.Index(current, v)
			if idx < 0 {
				return ldap.NewError(ldap.LDAPResultNoSuchAttribute, errors.New("no such value"))
			}
			current = slices.Delete(slices.Clone(current), idx, idx+1)
		}
		updated[attr] = current
	}

	d.entries[req.DN] = updated
	return nil
}

func (d *memoryDirectory) ModifyDN(_ context.Context, req *ldapclient.ModifyDNRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.renames = append(d.renames, req.DN+" -> "+req.NewRDN)

	if err := d.injected("modify_dn", req.DN); err != nil {
		return err
	}
	entry, ok := d.entries[req.DN]
	if !ok {
		return noSuchObject(req.DN)
	}

	_, parent, _ := strings.Cut(req.DN, ",")
	target := req.NewRDN + "," + parent
	if _, exists := d.entries[target]; exists {
		return ldap.NewError(ldap.LDAPResultEntryAlreadyExists, errors.New("already exists"))
	}

	delete(d.entries, req.DN)
	d.entries[target] = entry
	return nil
}

func (d *memoryDirectory) Delete(_ context.Context, dn string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.injected("delete", dn); err != nil {
		return err
	}
	if _, ok := d.entries[dn]; !ok {
		return noSuchObject(dn)
	}
	delete(d.entries, dn)
	return nil
}

// MockDirectory is a testify mock of Directory for failure injection.
type MockDirectory struct {
	mock.Mock
}

func (m *MockDirectory) Read(ctx context.Context, dn string, attributes []string) (*ldap.Entry, error) {
	args := m.Called(ctx, dn, attributes)
	entry, _ := args.Get(0).(*ldap.Entry)
	return entry, args.Error(1)
}

func (m *MockDirectory) Add(ctx context.Context, req *ldapclient.AddRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *MockDirectory) Modify(ctx context.Context, req *ldapclient.ModifyRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *MockDirectory) ModifyDN(ctx context.Context, req *ldapclient.ModifyDNRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *MockDirectory) Delete(ctx context.Context, dn string) error {
	args := m.Called(ctx, dn)
	return args.Error(0)
}

var _ Directory = (*memoryDirectory)(nil)
var _ Directory = (*MockDirectory)(nil)
var _ Directory = ldapclient.Client(nil)
