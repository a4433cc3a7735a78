package identity

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/hashicorp/terraform-plugin-log/tflogtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	ldapclient "github.com/wics-uw/weo/internal/ldap"
)

func newTestManager(dir Directory, now time.Time) *Manager {
	m := NewManager(dir, testLayout, fastLock())
	m.now = func() time.Time { return now }
	return m
}

func seededDirectory() *memoryDirectory {
	dir := newMemoryDirectory()
	dir.seedCounters(testLayout, 1000, 1000, 5000)
	dir.entries["cn=ops,ou=Group,dc=example,dc=com"] = map[string][]string{
		"objectClass": {"group", "posixGroup", "top"},
		"cn":          {"ops"},
		"gidNumber":   {"4999"},
	}
	return dir
}

func TestManager_CreateUser(t *testing.T) {
	dir := seededDirectory()
	m := newTestManager(dir, date(2024, time.October, 10))

	user, err := m.CreateUser(context.Background(), "jdoe", "Jane Doe")
	require.NoError(t, err)

	assert.Equal(t, &User{
		Name:     "jdoe",
		FullName: "Jane Doe",
		DN:       "uid=jdoe,ou=People,dc=example,dc=com",
		GroupDN:  "cn=jdoe,ou=Group,dc=example,dc=com",
		UID:      1000,
		GID:      1000,
		Term:     "f2024",
	}, user)

	record, ok := dir.get(user.DN)
	require.True(t, ok)
	assert.Equal(t, map[string][]string{
		"objectClass":   {"account", "member", "posixAccount", "shadowAccount", "top"},
		"uid":           {"jdoe"},
		"cn":            {"Jane Doe"},
		"homeDirectory": {"/home/jdoe"},
		"loginShell":    {"/bin/bash"},
		"uidNumber":     {"1000"},
		"gidNumber":     {"1000"},
		"term":          {"f2024"},
	}, record)

	group, ok := dir.get(user.GroupDN)
	require.True(t, ok)
	assert.Equal(t, map[string][]string{
		"objectClass": {"group", "posixGroup", "top"},
		"cn":          {"jdoe"},
		"gidNumber":   {"1000"},
	}, group)

	assert.Equal(t, "1001", counterValue(t, dir, userCounterDN, "uidNumber"))
	assert.Equal(t, "1001", counterValue(t, dir, userCounterDN, "gidNumber"))
}

func TestManager_CreateUser_InvalidInput(t *testing.T) {
	tests := []struct {
		name     string
		user     string
		fullName string
	}{
		{"uppercase", "JDoe", "Jane Doe"},
		{"too long", "abcdefghi", "Jane Doe"},
		{"empty full name", "jdoe", "  "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := new(MockDirectory)
			m := newTestManager(dir, time.Now())

			user, err := m.CreateUser(context.Background(), tt.user, tt.fullName)
			assert.Nil(t, user)
			assert.ErrorIs(t, err, ErrInvalidName)
			// Never touches the lock
			dir.AssertNotCalled(t, "ModifyDN", mock.Anything, mock.Anything)
		})
	}
}

func TestManager_CreateUser_DuplicateRestoresCounter(t *testing.T) {
	dir := seededDirectory()
	dir.entries["uid=jdoe,ou=People,dc=example,dc=com"] = map[string][]string{"uid": {"jdoe"}}
	m := newTestManager(dir, time.Now())

	user, err := m.CreateUser(context.Background(), "jdoe", "Jane Doe")

	assert.Nil(t, user)
	assert.ErrorIs(t, err, ErrNameAlreadyExists)
	assert.Equal(t, "1000", counterValue(t, dir, userCounterDN, "uidNumber"))
	_, groupExists := dir.get("cn=jdoe,ou=Group,dc=example,dc=com")
	assert.False(t, groupExists)
}

func TestManager_CreateUser_PrivateGroupFailureRemovesUser(t *testing.T) {
	dir := seededDirectory()
	// A group of the same name already exists
	dir.entries["cn=jdoe,ou=Group,dc=example,dc=com"] = map[string][]string{"cn": {"jdoe"}}
	m := newTestManager(dir, time.Now())

	user, err := m.CreateUser(context.Background(), "jdoe", "Jane Doe")

	assert.Nil(t, user)
	assert.ErrorIs(t, err, ErrNameAlreadyExists)
	_, userExists := dir.get("uid=jdoe,ou=People,dc=example,dc=com")
	assert.False(t, userExists, "user record must be removed")
	assert.Equal(t, "1000", counterValue(t, dir, userCounterDN, "uidNumber"))
}

func TestManager_CreateUser_RemoveFailureKeepsCounterAdvanced(t *testing.T) {
	dir := seededDirectory()
	dir.failOn("add", "cn=jdoe,ou=Group,dc=example,dc=com", ldap.NewError(ldap.LDAPResultUnwillingToPerform, errors.New("no")))
	dir.failOn("delete", "uid=jdoe,ou=People,dc=example,dc=com", ldap.NewError(ldap.LDAPResultServerDown, errors.New("down")))
	m := newTestManager(dir, time.Now())

	user, err := m.CreateUser(context.Background(), "jdoe", "Jane Doe")

	assert.Nil(t, user)
	assert.ErrorIs(t, err, ErrCompensationFailure)
	assert.Equal(t, KindCompensationFailure, KindOf(err))
	assert.Equal(t, "1001", counterValue(t, dir, userCounterDN, "uidNumber"))
}

func TestManager_CreateUser_LockTimeout(t *testing.T) {
	dir := seededDirectory()
	holder := NewCounterLock(dir, testLayout.UserCounter(), LockOptions{Attempts: 1})
	require.NoError(t, holder.Acquire(context.Background()))

	m := newTestManager(dir, time.Now())
	user, err := m.CreateUser(context.Background(), "jdoe", "Jane Doe")

	assert.Nil(t, user)
	assert.ErrorIs(t, err, ErrLockTimeout)
	_, exists := dir.get("uid=jdoe,ou=People,dc=example,dc=com")
	assert.False(t, exists)
}

func TestManager_CreateUser_Logs(t *testing.T) {
	var output bytes.Buffer
	ctx := tflogtest.RootLogger(context.Background(), &output)
	ctx = tflog.NewSubsystem(ctx, SubsystemIdentity)

	m := newTestManager(seededDirectory(), time.Now())
	_, err := m.CreateUser(ctx, "jdoe", "Jane Doe")
	require.NoError(t, err)

	entries, err := tflogtest.MultilineJSONDecode(&output)
	require.NoError(t, err)

	var messages []string
	for _, entry := range entries {
		if msg, ok := entry["@message"].(string); ok {
			messages = append(messages, msg)
		}
	}
	assert.Contains(t, messages, "Creating user")
	assert.Contains(t, messages, "User created")
}

func TestManager_CreateGroup(t *testing.T) {
	t.Run("with description", func(t *testing.T) {
		dir := seededDirectory()
		m := newTestManager(dir, time.Now())

		group, err := m.CreateGroup(context.Background(), "syscom", "Systems Committee")
		require.NoError(t, err)
		assert.Equal(t, &Group{
			Name:        "syscom",
			Description: "Systems Committee",
			DN:          "cn=syscom,ou=Group,dc=example,dc=com",
			GID:         5000,
		}, group)

		record, ok := dir.get(group.DN)
		require.True(t, ok)
		assert.Equal(t, map[string][]string{
			"objectClass": {"group", "posixGroup", "top"},
			"cn":          {"syscom"},
			"gidNumber":   {"5000"},
			"description": {"Systems Committee"},
		}, record)
		assert.Equal(t, "5001", counterValue(t, dir, groupCounterDN, "gidNumber"))
	})

	t.Run("without description", func(t *testing.T) {
		dir := seededDirectory()
		m := newTestManager(dir, time.Now())

		group, err := m.CreateGroup(context.Background(), "webmaster", "")
		require.NoError(t, err)
		record, _ := dir.get(group.DN)
		assert.NotContains(t, record, "description")
	})

	t.Run("ten character name", func(t *testing.T) {
		m := newTestManager(seededDirectory(), time.Now())
		_, err := m.CreateGroup(context.Background(), "abcdefghij", "")
		assert.NoError(t, err)
	})

	t.Run("duplicate restores counter", func(t *testing.T) {
		dir := seededDirectory()
		m := newTestManager(dir, time.Now())

		group, err := m.CreateGroup(context.Background(), "ops", "Operations")
		assert.Nil(t, group)
		assert.ErrorIs(t, err, ErrNameAlreadyExists)
		assert.Equal(t, "5000", counterValue(t, dir, groupCounterDN, "gidNumber"))
	})

	t.Run("invalid name", func(t *testing.T) {
		dir := new(MockDirectory)
		m := newTestManager(dir, time.Now())

		_, err := m.CreateGroup(context.Background(), "abcdefghijk", "")
		assert.ErrorIs(t, err, ErrInvalidName)
		dir.AssertNotCalled(t, "ModifyDN", mock.Anything, mock.Anything)
	})
}

func TestManager_Membership(t *testing.T) {
	ctx := context.Background()
	dir := seededDirectory()
	m := newTestManager(dir, time.Now())

	require.NoError(t, m.AddMembership(ctx, "ops", "jdoe"))
	group, _ := dir.get("cn=ops,ou=Group,dc=example,dc=com")
	assert.Equal(t, []string{"uid=jdoe,ou=People,dc=example,dc=com"}, group["uniqueMember"])

	require.NoError(t, m.AddMembership(ctx, "ops", "asmith"))
	require.NoError(t, m.RemoveMembership(ctx, "ops", "jdoe"))
	group, _ = dir.get("cn=ops,ou=Group,dc=example,dc=com")
	assert.Equal(t, []string{"uid=asmith,ou=People,dc=example,dc=com"}, group["uniqueMember"])
}

func TestManager_MembershipFailuresLeaveCountersUntouched(t *testing.T) {
	tests := []struct {
		name     string
		call     func(m *Manager) error
		wantKind Kind
	}{
		{
			name:     "add to missing group",
			call:     func(m *Manager) error { return m.AddMembership(context.Background(), "nogroup", "jdoe") },
			wantKind: KindNotFound,
		},
		{
			name:     "remove non-member",
			call:     func(m *Manager) error { return m.RemoveMembership(context.Background(), "ops", "jdoe") },
			wantKind: KindNotFound,
		},
		{
			name:     "empty group name",
			call:     func(m *Manager) error { return m.AddMembership(context.Background(), "", "jdoe") },
			wantKind: KindInvalidName,
		},
		{
			name:     "counter as group",
			call:     func(m *Manager) error { return m.AddMembership(context.Background(), "inuse", "jdoe") },
			wantKind: KindInvalidName,
		},
		{
			name:     "counter as member",
			call:     func(m *Manager) error { return m.RemoveMembership(context.Background(), "ops", "nextuid") },
			wantKind: KindInvalidName,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := seededDirectory()
			m := newTestManager(dir, time.Now())

			err := tt.call(m)
			assert.Equal(t, tt.wantKind, KindOf(err))

			assert.Equal(t, "1000", counterValue(t, dir, userCounterDN, "uidNumber"))
			assert.Equal(t, "5000", counterValue(t, dir, groupCounterDN, "gidNumber"))
			assert.Empty(t, dir.renameLog())

			// Later operations in the same run still work
			require.NoError(t, m.AddMembership(context.Background(), "ops", "asmith"))
		})
	}
}

func TestManager_MembershipEscapesNames(t *testing.T) {
	dir := new(MockDirectory)
	dir.On("Modify", mock.Anything, &ldapclient.ModifyRequest{
		DN:            `cn=a\,ou\=x,ou=Group,dc=example,dc=com`,
		AddAttributes: map[string][]string{"uniqueMember": {`uid=b\+c,ou=People,dc=example,dc=com`}},
	}).Return(nil)

	m := newTestManager(dir, time.Now())
	require.NoError(t, m.AddMembership(context.Background(), "a,ou=x", "b+c"))
	dir.AssertExpectations(t)
}

func TestManager_RenewUser(t *testing.T) {
	dir := seededDirectory()
	dir.entries["uid=jdoe,ou=People,dc=example,dc=com"] = map[string][]string{"term": {"w2024"}}
	m := newTestManager(dir, date(2024, time.June, 1))

	renewal, err := m.RenewUser(context.Background(), "jdoe", 5)
	require.NoError(t, err)

	assert.True(t, renewal.Clamped)
	assert.Equal(t, 5, renewal.Requested)
	assert.Equal(t, []string{"s2024", "f2024", "w2025"}, renewal.Renewed())
	assert.Empty(t, renewal.Failed())

	record, _ := dir.get("uid=jdoe,ou=People,dc=example,dc=com")
	assert.Equal(t, []string{"w2024", "s2024", "f2024", "w2025"}, record["term"])
}

func TestManager_RenewUser_PerTermOutcomes(t *testing.T) {
	dn := "uid=jdoe,ou=People,dc=example,dc=com"
	dir := new(MockDirectory)
	termIs := func(term string) any {
		return mock.MatchedBy(func(req *ldapclient.ModifyRequest) bool {
			return req.DN == dn && len(req.AddAttributes["term"]) == 1 && req.AddAttributes["term"][0] == term
		})
	}
	dir.On("Modify", mock.Anything, termIs("w2024")).Return(nil)
	dir.On("Modify", mock.Anything, termIs("s2024")).Return(
		ldap.NewError(ldap.LDAPResultAttributeOrValueExists, errors.New("value exists")))
	dir.On("Modify", mock.Anything, termIs("f2024")).Return(nil)

	m := newTestManager(dir, date(2024, time.February, 15))
	renewal, err := m.RenewUser(context.Background(), "jdoe", 3)

	require.Error(t, err)
	require.NotNil(t, renewal)
	assert.Equal(t, []string{"w2024", "f2024"}, renewal.Renewed())
	assert.Equal(t, []string{"s2024"}, renewal.Failed())
	assert.False(t, renewal.Clamped)
	dir.AssertNumberOfCalls(t, "Modify", 3)
}

func TestManager_RenewUser_InvalidTermCount(t *testing.T) {
	for _, n := range []int{0, -1} {
		dir := new(MockDirectory)
		m := newTestManager(dir, time.Now())

		renewal, err := m.RenewUser(context.Background(), "jdoe", n)
		assert.Nil(t, renewal)
		assert.ErrorIs(t, err, ErrInvalidTermCount)
		dir.AssertNotCalled(t, "Modify", mock.Anything, mock.Anything)
	}
}

func TestManager_ReservedNamesLeaveCountersUsable(t *testing.T) {
	ctx := context.Background()

	for _, name := range []string{"nextuid", "nextgid", "inuse"} {
		t.Run(name, func(t *testing.T) {
			dir := seededDirectory()
			m := newTestManager(dir, time.Now())

			user, err := m.CreateUser(ctx, name, "Counter Name")
			assert.Nil(t, user)
			assert.ErrorIs(t, err, ErrInvalidName)

			group, err := m.CreateGroup(ctx, name, "")
			assert.Nil(t, group)
			assert.ErrorIs(t, err, ErrInvalidName)

			_, err = m.RenewUser(ctx, name, 1)
			assert.ErrorIs(t, err, ErrInvalidName)

			assert.Empty(t, dir.renameLog())
			_, userAvailable := dir.get(userCounterDN)
			_, groupAvailable := dir.get(groupCounterDN)
			assert.True(t, userAvailable)
			assert.True(t, groupAvailable)

			// Both counters still allocate afterwards
			_, err = m.CreateUser(ctx, "alice", "Alice")
			require.NoError(t, err)
			_, err = m.CreateGroup(ctx, "chess", "")
			require.NoError(t, err)
		})
	}
}

func TestManager_Unlock(t *testing.T) {
	ctx := context.Background()
	dir := seededDirectory()
	m := newTestManager(dir, time.Now())

	// Simulate a crashed holder
	require.NoError(t, NewCounterLock(dir, testLayout.UserCounter(), LockOptions{Attempts: 1}).Acquire(ctx))
	require.NoError(t, NewCounterLock(dir, testLayout.GroupCounter(), LockOptions{Attempts: 1}).Acquire(ctx))

	require.NoError(t, m.UnlockUserCounter(ctx))
	require.NoError(t, m.UnlockGroupCounter(ctx))

	_, userAvailable := dir.get(userCounterDN)
	_, groupAvailable := dir.get(groupCounterDN)
	assert.True(t, userAvailable)
	assert.True(t, groupAvailable)

	// Unlocking an available counter reports NotFound
	assert.ErrorIs(t, m.UnlockUserCounter(ctx), ErrNotFound)
}
