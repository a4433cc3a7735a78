package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	ldapclient "github.com/wics-uw/weo/internal/ldap"
)

const (
	DefaultLockAttempts = 3
	DefaultLockBackoff  = 5 * time.Second
)

// LockOptions controls counter lock acquisition.
type LockOptions struct {
	Attempts int           // Rename attempts before LockTimeout
	Backoff  time.Duration // Fixed pause between attempts
}

// DefaultLockOptions returns 3 attempts 5 seconds apart.
func DefaultLockOptions() LockOptions {
	return LockOptions{
		Attempts: DefaultLockAttempts,
		Backoff:  DefaultLockBackoff,
	}
}

func (o LockOptions) withDefaults() LockOptions {
	if o.Attempts < 1 {
		o.Attempts = DefaultLockAttempts
	}
	if o.Backoff < 0 {
		o.Backoff = 0
	}
	return o
}

// CounterLock is a cooperative, non-reentrant mutex over one counter entry.
// It has no owner token and no expiry.
type CounterLock struct {
	dir     Directory
	counter Counter
	opts    LockOptions
	wait    func(ctx context.Context, d time.Duration) error
}

// NewCounterLock creates a lock over counter.
func NewCounterLock(dir Directory, counter Counter, opts LockOptions) *CounterLock {
	return &CounterLock{
		dir:     dir,
		counter: counter,
		opts:    opts.withDefaults(),
		wait:    sleepContext,
	}
}

// Acquire renames the counter from its available to its held name, retrying
// at a fixed interval. Authentication and permission failures are returned
// immediately; anything else is treated as contention.
func (l *CounterLock) Acquire(ctx context.Context) error {
	dn := l.counter.AvailableDN()
	fields := map[string]any{
		"counter":      l.counter.Name,
		"dn":           dn,
		"max_attempts": l.opts.Attempts,
	}

	var lastErr error
	for attempt := 1; attempt <= l.opts.Attempts; attempt++ {
		err := l.dir.ModifyDN(ctx, &ldapclient.ModifyDNRequest{
			DN:           dn,
			NewRDN:       l.counter.HeldRDN(),
			DeleteOldRDN: true,
		})
		if err == nil {
			fields["attempt"] = attempt
			tflog.SubsystemDebug(ctx, SubsystemIdentity, "Counter lock acquired", fields)
			return nil
		}

		lastErr = err

		if ldapclient.IsAuthenticationError(err) || ldapclient.IsPermissionError(err) {
			return classify("acquire_lock", dn, err)
		}

		tflog.SubsystemWarn(ctx, SubsystemIdentity, "Counter lock unavailable", map[string]any{
			"counter": l.counter.Name,
			"attempt": attempt,
			"error":   err.Error(),
		})

		if attempt == l.opts.Attempts {
			break
		}

		if err := l.wait(ctx, l.opts.Backoff); err != nil {
			return fmt.Errorf("acquire lock on %s: %w", dn, err)
		}
	}

	tflog.SubsystemError(ctx, SubsystemIdentity, "Could not obtain counter lock", map[string]any{
		"counter":        l.counter.Name,
		"dn":             dn,
		"total_attempts": l.opts.Attempts,
		"final_error":    lastErr.Error(),
	})

	return NewError(KindLockTimeout, "acquire_lock", dn, lastErr)
}

// Release renames the counter back to its available name. It is attempted
// once.
func (l *CounterLock) Release(ctx context.Context) error {
	dn := l.counter.HeldDN()

	err := l.dir.ModifyDN(ctx, &ldapclient.ModifyDNRequest{
		DN:           dn,
		NewRDN:       l.counter.AvailableRDN(),
		DeleteOldRDN: true,
	})
	if err != nil {
		tflog.SubsystemError(ctx, SubsystemIdentity, "Failed to release counter lock", map[string]any{
			"counter": l.counter.Name,
			"dn":      dn,
			"error":   err.Error(),
		})
		return classify("release_lock", dn, err)
	}

	tflog.SubsystemDebug(ctx, SubsystemIdentity, "Counter lock released", map[string]any{
		"counter": l.counter.Name,
	})
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
