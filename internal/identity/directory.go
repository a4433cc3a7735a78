// Package identity allocates uid/gid numbers from counters stored in the
// directory and creates the user and group records that consume them.
//
// Counters are serialized by renaming the counter entry between its
// available and held names; the directory's uniqueness of names is the only
// mutual exclusion. A process that dies while holding a counter leaves it
// held until an operator runs the matching unlock command.
package identity

import (
	"context"

	"github.com/go-ldap/ldap/v3"

	ldapclient "github.com/wics-uw/weo/internal/ldap"
)

// SubsystemIdentity is the logging subsystem for this package.
const SubsystemIdentity = "identity"

// Directory is the subset of the directory session used here. ldap.Client
// satisfies it.
type Directory interface {
	Read(ctx context.Context, dn string, attributes []string) (*ldap.Entry, error)
	Add(ctx context.Context, req *ldapclient.AddRequest) error
	Modify(ctx context.Context, req *ldapclient.ModifyRequest) error
	ModifyDN(ctx context.Context, req *ldapclient.ModifyDNRequest) error
	Delete(ctx context.Context, dn string) error
}
