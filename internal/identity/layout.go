package identity

import (
	ldapclient "github.com/wics-uw/weo/internal/ldap"
)

const (
	// DefaultBaseDN is the WiCS directory suffix.
	DefaultBaseDN = "dc=wics,dc=uwaterloo,dc=ca"

	peopleRDN = "ou=People"
	groupRDN  = "ou=Group"

	// Counter lock states, encoded in the counter entry's RDN value.
	userCounterAvailable  = "nextuid"
	groupCounterAvailable = "nextgid"
	counterHeld           = "inuse"
)

// Layout maps identity names onto directory paths under a base DN.
type Layout struct {
	BaseDN string
}

// NewLayout returns a Layout rooted at baseDN, or DefaultBaseDN when empty.
func NewLayout(baseDN string) Layout {
	if baseDN == "" {
		baseDN = DefaultBaseDN
	}
	return Layout{BaseDN: baseDN}
}

// PeopleDN returns ou=People,<base>.
func (l Layout) PeopleDN() string { return peopleRDN + "," + l.BaseDN }

// GroupsDN returns ou=Group,<base>.
func (l Layout) GroupsDN() string { return groupRDN + "," + l.BaseDN }

// UserDN returns uid=<name>,ou=People,<base>.
func (l Layout) UserDN(name string) string {
	return ldapclient.JoinDN("uid", name, l.PeopleDN())
}

// GroupDN returns cn=<name>,ou=Group,<base>.
func (l Layout) GroupDN(name string) string {
	return ldapclient.JoinDN("cn", name, l.GroupsDN())
}

// UserCounter describes the uid/gid counter under ou=People.
func (l Layout) UserCounter() Counter {
	return Counter{
		Name:      "user",
		RDNAttr:   "uid",
		Parent:    l.PeopleDN(),
		Available: userCounterAvailable,
		Held:      counterHeld,
		Fields:    []string{"uidNumber", "gidNumber"},
	}
}

// GroupCounter describes the gid counter under ou=Group.
func (l Layout) GroupCounter() Counter {
	return Counter{
		Name:      "group",
		RDNAttr:   "cn",
		Parent:    l.GroupsDN(),
		Available: groupCounterAvailable,
		Held:      counterHeld,
		Fields:    []string{"gidNumber"},
	}
}

// Counter is a singleton entry holding the next unused identifier(s) for a
// resource class. Its RDN value doubles as the lock state.
type Counter struct {
	Name      string
	RDNAttr   string
	Parent    string
	Available string
	Held      string
	// Fields are the numeric attributes advanced together. All must hold
	// the same value.
	Fields []string
}

// AvailableRDN is the counter's RDN while unlocked, e.g. uid=nextuid.
func (c Counter) AvailableRDN() string { return c.RDNAttr + "=" + c.Available }

// HeldRDN is the counter's RDN while a run holds the lock.
func (c Counter) HeldRDN() string { return c.RDNAttr + "=" + c.Held }

// AvailableDN returns the counter's full DN while unlocked.
func (c Counter) AvailableDN() string { return c.AvailableRDN() + "," + c.Parent }

// HeldDN returns the counter's full DN while locked.
func (c Counter) HeldDN() string { return c.HeldRDN() + "," + c.Parent }
