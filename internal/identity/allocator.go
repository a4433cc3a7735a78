package identity

import (
	"context"
	"fmt"
	"strconv"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	ldapclient "github.com/wics-uw/weo/internal/ldap"
)

// UserIDs is a uid/gid pair handed out by the user counter.
type UserIDs struct {
	UID int
	GID int
}

// Allocator hands out identifiers under the counter lock, advancing the
// counter before the caller's records are written and restoring it if they
// are not.
type Allocator struct {
	dir    Directory
	layout Layout
	opts   LockOptions
}

// NewAllocator creates an Allocator.
func NewAllocator(dir Directory, layout Layout, opts LockOptions) *Allocator {
	return &Allocator{
		dir:    dir,
		layout: layout,
		opts:   opts.withDefaults(),
	}
}

// AllocateUser reserves the next uid/gid pair and runs create with it while
// the user counter is held. The pair is returned only if create succeeded.
func (a *Allocator) AllocateUser(ctx context.Context, create func(context.Context, UserIDs) error) (UserIDs, error) {
	values, err := a.allocate(ctx, a.layout.UserCounter(), func(ctx context.Context, values []int) error {
		return create(ctx, UserIDs{UID: values[0], GID: values[1]})
	})
	if values == nil {
		return UserIDs{}, err
	}
	return UserIDs{UID: values[0], GID: values[1]}, err
}

// AllocateGroup reserves the next gid and runs create with it while the
// group counter is held.
func (a *Allocator) AllocateGroup(ctx context.Context, create func(context.Context, int) error) (int, error) {
	values, err := a.allocate(ctx, a.layout.GroupCounter(), func(ctx context.Context, values []int) error {
		return create(ctx, values[0])
	})
	if values == nil {
		return 0, err
	}
	return values[0], err
}

// allocate runs the reserve, create, compensate sequence for one counter.
// values is non-nil only when create succeeded; err may still be set if the
// lock could not be released afterwards.
func (a *Allocator) allocate(ctx context.Context, counter Counter, create func(context.Context, []int) error) (values []int, err error) {
	lock := NewCounterLock(a.dir, counter, a.opts)
	if err := lock.Acquire(ctx); err != nil {
		return nil, err
	}

	// Compensation and release must run even if the caller is interrupted
	ctx = context.WithoutCancel(ctx)

	defer func() {
		releaseErr := lock.Release(ctx)
		if releaseErr == nil {
			return
		}
		if err == nil {
			err = releaseErr
			return
		}
		// The protected operation's outcome stays first in the chain
		err = appendErrors(err, releaseErr)
	}()

	current, err := a.readCounter(ctx, counter)
	if err != nil {
		return nil, err
	}

	next := make([]int, len(current))
	for i, v := range current {
		next[i] = v + 1
	}

	if err := a.writeCounter(ctx, counter, next); err != nil {
		return nil, classify("advance_counter", counter.HeldDN(), err)
	}

	tflog.SubsystemDebug(ctx, SubsystemIdentity, "Counter advanced", map[string]any{
		"counter":  counter.Name,
		"reserved": current,
	})

	if err := create(ctx, current); err != nil {
		return nil, a.compensate(ctx, counter, current, err)
	}

	tflog.SubsystemInfo(ctx, SubsystemIdentity, "Identifier allocated", map[string]any{
		"counter": counter.Name,
		"value":   current[0],
	})

	return current, nil
}

// compensate restores the counter after create failed. If create itself left
// records behind (a failed compensation of its own), the counter stays
// advanced: a hole in the sequence is safe, a reused identifier is not.
func (a *Allocator) compensate(ctx context.Context, counter Counter, original []int, cause error) error {
	tflog.SubsystemError(ctx, SubsystemIdentity, "Record creation failed, restoring counter", map[string]any{
		"counter": counter.Name,
		"restore": original,
		"error":   cause.Error(),
	})

	if KindOf(cause) == KindCompensationFailure {
		tflog.SubsystemError(ctx, SubsystemIdentity, "Records left behind, counter left advanced", map[string]any{
			"counter": counter.Name,
		})
		return cause
	}

	if err := a.writeCounter(ctx, counter, original); err != nil {
		tflog.SubsystemError(ctx, SubsystemIdentity, "Failed to restore counter", map[string]any{
			"counter": counter.Name,
			"dn":      counter.HeldDN(),
			"restore": original,
			"error":   err.Error(),
		})
		return NewError(KindCompensationFailure, "restore_counter", counter.HeldDN(),
			appendErrors(cause, err))
	}

	return cause
}

// readCounter reads and parses the counter's fields at its held name.
func (a *Allocator) readCounter(ctx context.Context, counter Counter) ([]int, error) {
	dn := counter.HeldDN()

	entry, err := a.dir.Read(ctx, dn, counter.Fields)
	if err != nil {
		return nil, classify("read_counter", dn, err)
	}

	values := make([]int, len(counter.Fields))
	for i, field := range counter.Fields {
		raw := entry.GetAttributeValue(field)
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, NewError(KindCounterCorrupt, "read_counter", dn,
				fmt.Errorf("%s is not a number: %q", field, raw))
		}
		values[i] = v
	}

	for i := 1; i < len(values); i++ {
		if values[i] != values[0] {
			tflog.SubsystemError(ctx, SubsystemIdentity, "Counter fields out of sync", map[string]any{
				"counter": counter.Name,
				"fields":  counter.Fields,
				"values":  values,
			})
			return nil, NewError(KindCounterCorrupt, "read_counter", dn,
				fmt.Errorf("%s %d and %s %d are out of sync", counter.Fields[0], values[0], counter.Fields[i], values[i]))
		}
	}

	return values, nil
}

// writeCounter replaces every counter field in a single modify.
func (a *Allocator) writeCounter(ctx context.Context, counter Counter, values []int) error {
	replace := make(map[string][]string, len(counter.Fields))
	for i, field := range counter.Fields {
		replace[field] = []string{strconv.Itoa(values[i])}
	}

	return a.dir.Modify(ctx, &ldapclient.ModifyRequest{
		DN:                counter.HeldDN(),
		ReplaceAttributes: replace,
	})
}
