// Package ldap is the directory session used by weo.
//
// A session dials one of the configured (or SRV-discovered) servers, binds
// once with GSSAPI, a simple bind or SASL EXTERNAL, and then exposes single
// round-trip primitives: Read, Add, Modify, ModifyDN and Delete. None of the
// primitives retries; callers that need retry semantics, like the counter
// lock, build them on top.
//
// Failures are returned as *LDAPError values carrying an ErrorCategory so
// that callers can tell lock contention (already_exists, not_found) apart
// from transport and credential problems.
package ldap
