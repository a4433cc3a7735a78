package identity

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	ldapclient "github.com/wics-uw/weo/internal/ldap"
)

const (
	homeDirectoryPrefix = "/home/"
	defaultLoginShell   = "/bin/bash"
	memberAttribute     = "uniqueMember"
	termAttribute       = "term"
)

var (
	userObjectClasses  = []string{"account", "member", "posixAccount", "shadowAccount", "top"}
	groupObjectClasses = []string{"group", "posixGroup", "top"}
)

// User is a created user record and its private group.
type User struct {
	Name     string
	FullName string
	DN       string
	GroupDN  string
	UID      int
	GID      int
	Term     string
}

// Group is a created group record.
type Group struct {
	Name        string
	Description string
	DN          string
	GID         int
}

// TermOutcome is the result of appending one term tag.
type TermOutcome struct {
	Term string
	Err  error
}

// Renewal reports a renewUser call term by term.
type Renewal struct {
	User      string
	Requested int
	Clamped   bool
	Terms     []TermOutcome
}

// Renewed returns the tags that were appended.
func (r *Renewal) Renewed() []string {
	var terms []string
	for _, t := range r.Terms {
		if t.Err == nil {
			terms = append(terms, t.Term)
		}
	}
	return terms
}

// Failed returns the tags whose append failed.
func (r *Renewal) Failed() []string {
	var terms []string
	for _, t := range r.Terms {
		if t.Err != nil {
			terms = append(terms, t.Term)
		}
	}
	return terms
}

// Manager creates and updates identity records.
type Manager struct {
	dir       Directory
	layout    Layout
	allocator *Allocator
	lockOpts  LockOptions
	now       func() time.Time
}

// NewManager creates a Manager over dir.
func NewManager(dir Directory, layout Layout, opts LockOptions) *Manager {
	return &Manager{
		dir:       dir,
		layout:    layout,
		allocator: NewAllocator(dir, layout, opts),
		lockOpts:  opts.withDefaults(),
		now:       time.Now,
	}
}

// Layout returns the directory layout the manager writes to.
func (m *Manager) Layout() Layout {
	return m.layout
}

// CreateUser allocates a uid/gid pair and creates the user record and its
// private group. Either both records exist and the counter is advanced, or
// neither exists and the counter is restored. A non-nil User is returned
// whenever the records were committed, even if the lock release then failed.
func (m *Manager) CreateUser(ctx context.Context, name, fullName string) (*User, error) {
	if err := ValidateName(name, ClassUser); err != nil {
		return nil, err
	}
	if strings.TrimSpace(fullName) == "" {
		return nil, NewError(KindInvalidName, "create_user", name, errors.New("full name cannot be empty"))
	}

	user := &User{
		Name:     name,
		FullName: fullName,
		DN:       m.layout.UserDN(name),
		GroupDN:  m.layout.GroupDN(name),
		Term:     TermTag(m.now()),
	}

	tflog.SubsystemInfo(ctx, SubsystemIdentity, "Creating user", map[string]any{
		"user": name,
		"term": user.Term,
	})

	committed := false
	_, err := m.allocator.AllocateUser(ctx, func(ctx context.Context, ids UserIDs) error {
		user.UID, user.GID = ids.UID, ids.GID
		if err := m.createUserRecords(ctx, user); err != nil {
			return err
		}
		committed = true
		return nil
	})
	if !committed {
		return nil, err
	}

	tflog.SubsystemInfo(ctx, SubsystemIdentity, "User created", map[string]any{
		"user": name,
		"uid":  user.UID,
		"gid":  user.GID,
	})
	return user, err
}

// createUserRecords adds the user record and then the private group. If the
// group cannot be added the user record is deleted again.
func (m *Manager) createUserRecords(ctx context.Context, user *User) error {
	uid := strconv.Itoa(user.UID)
	gid := strconv.Itoa(user.GID)

	err := m.dir.Add(ctx, &ldapclient.AddRequest{
		DN: user.DN,
		Attributes: map[string][]string{
			"objectClass":   userObjectClasses,
			"uid":           {user.Name},
			"cn":            {user.FullName},
			"homeDirectory": {homeDirectoryPrefix + user.Name},
			"loginShell":    {defaultLoginShell},
			"uidNumber":     {uid},
			"gidNumber":     {gid},
			termAttribute:   {user.Term},
		},
	})
	if err != nil {
		return classify("add_user", user.DN, err)
	}

	err = m.dir.Add(ctx, &ldapclient.AddRequest{
		DN: user.GroupDN,
		Attributes: map[string][]string{
			"objectClass": groupObjectClasses,
			"cn":          {user.Name},
			"gidNumber":   {gid},
		},
	})
	if err == nil {
		return nil
	}

	groupErr := classify("add_private_group", user.GroupDN, err)
	tflog.SubsystemError(ctx, SubsystemIdentity, "Failed to add private group, removing user record", map[string]any{
		"user":  user.Name,
		"error": groupErr.Error(),
	})

	if delErr := m.dir.Delete(ctx, user.DN); delErr != nil {
		tflog.SubsystemError(ctx, SubsystemIdentity, "Failed to remove user record", map[string]any{
			"dn":    user.DN,
			"error": delErr.Error(),
		})
		return NewError(KindCompensationFailure, "remove_user", user.DN, appendErrors(groupErr, delErr))
	}

	return groupErr
}

// CreateGroup allocates a gid and creates the group record.
func (m *Manager) CreateGroup(ctx context.Context, name, description string) (*Group, error) {
	if err := ValidateName(name, ClassGroup); err != nil {
		return nil, err
	}

	group := &Group{
		Name:        name,
		Description: description,
		DN:          m.layout.GroupDN(name),
	}

	tflog.SubsystemInfo(ctx, SubsystemIdentity, "Creating group", map[string]any{
		"group": name,
	})

	committed := false
	_, err := m.allocator.AllocateGroup(ctx, func(ctx context.Context, gid int) error {
		group.GID = gid

		attrs := map[string][]string{
			"objectClass": groupObjectClasses,
			"cn":          {name},
			"gidNumber":   {strconv.Itoa(gid)},
		}
		if description != "" {
			attrs["description"] = []string{description}
		}

		if err := m.dir.Add(ctx, &ldapclient.AddRequest{DN: group.DN, Attributes: attrs}); err != nil {
			return classify("add_group", group.DN, err)
		}
		committed = true
		return nil
	})
	if !committed {
		return nil, err
	}

	tflog.SubsystemInfo(ctx, SubsystemIdentity, "Group created", map[string]any{
		"group": name,
		"gid":   group.GID,
	})
	return group, err
}

// AddMembership adds user to group's uniqueMember set.
func (m *Manager) AddMembership(ctx context.Context, group, user string) error {
	return m.modifyMembership(ctx, "add_membership", group, user, true)
}

// RemoveMembership removes user from group's uniqueMember set.
func (m *Manager) RemoveMembership(ctx context.Context, group, user string) error {
	return m.modifyMembership(ctx, "remove_membership", group, user, false)
}

func (m *Manager) modifyMembership(ctx context.Context, op, group, user string, add bool) error {
	if err := ValidateReference(op, group); err != nil {
		return err
	}
	if err := ValidateReference(op, user); err != nil {
		return err
	}

	groupDN := m.layout.GroupDN(group)
	member := map[string][]string{memberAttribute: {m.layout.UserDN(user)}}

	req := &ldapclient.ModifyRequest{DN: groupDN}
	if add {
		req.AddAttributes = member
	} else {
		req.DeleteAttributes = member
	}

	fields := map[string]any{
		"group": group,
		"user":  user,
	}

	if err := m.dir.Modify(ctx, req); err != nil {
		fields["error"] = err.Error()
		tflog.SubsystemError(ctx, SubsystemIdentity, "Membership change failed", fields)
		return classify(op, groupDN, err)
	}

	tflog.SubsystemInfo(ctx, SubsystemIdentity, "Membership changed", fields)
	return nil
}

// RenewUser appends termCount term tags, starting with the current term.
// Counts above MaxRenewalTerms are clamped. Every tag is attempted; the
// Renewal lists each outcome and the error aggregates the failures.
func (m *Manager) RenewUser(ctx context.Context, name string, termCount int) (*Renewal, error) {
	if err := ValidateReference("renew_user", name); err != nil {
		return nil, err
	}
	if err := ValidateTermCount(name, termCount); err != nil {
		return nil, err
	}

	renewal := &Renewal{User: name, Requested: termCount}
	if termCount > MaxRenewalTerms {
		tflog.SubsystemWarn(ctx, SubsystemIdentity, "A member can be renewed for at most 3 terms at a time, renewing for the maximum", map[string]any{
			"user":      name,
			"requested": termCount,
		})
		termCount = MaxRenewalTerms
		renewal.Clamped = true
	}

	dn := m.layout.UserDN(name)
	var result *multierror.Error

	for _, term := range RenewalTerms(m.now(), termCount) {
		err := m.dir.Modify(ctx, &ldapclient.ModifyRequest{
			DN:            dn,
			AddAttributes: map[string][]string{termAttribute: {term}},
		})
		if err != nil {
			err = classify("renew_user", dn, err)
			tflog.SubsystemError(ctx, SubsystemIdentity, "Failed to renew user for term", map[string]any{
				"user":  name,
				"term":  term,
				"error": err.Error(),
			})
			result = appendErrors(result, err)
		} else {
			tflog.SubsystemInfo(ctx, SubsystemIdentity, "Renewed user for term", map[string]any{
				"user": name,
				"term": term,
			})
		}
		renewal.Terms = append(renewal.Terms, TermOutcome{Term: term, Err: err})
	}

	return renewal, result.ErrorOrNil()
}

// UnlockUserCounter forces the user counter back to its available name.
func (m *Manager) UnlockUserCounter(ctx context.Context) error {
	return m.unlock(ctx, m.layout.UserCounter())
}

// UnlockGroupCounter forces the group counter back to its available name.
func (m *Manager) UnlockGroupCounter(ctx context.Context) error {
	return m.unlock(ctx, m.layout.GroupCounter())
}

func (m *Manager) unlock(ctx context.Context, counter Counter) error {
	tflog.SubsystemWarn(ctx, SubsystemIdentity, "Forcing counter lock release", map[string]any{
		"counter": counter.Name,
		"dn":      counter.HeldDN(),
	})
	return NewCounterLock(m.dir, counter, m.lockOpts).Release(ctx)
}
