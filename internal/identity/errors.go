package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"

	ldapclient "github.com/wics-uw/weo/internal/ldap"
)

// Kind classifies an identity operation failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnectionFailure
	KindAuthenticationFailure
	KindLockTimeout
	KindCounterCorrupt
	KindNameAlreadyExists
	KindNotFound
	KindInvalidName
	KindInvalidTermCount
	KindPasswordMismatch
	KindCompensationFailure
)

var kindNames = map[Kind]string{
	KindUnknown:               "Unknown",
	KindConnectionFailure:     "ConnectionFailure",
	KindAuthenticationFailure: "AuthenticationFailure",
	KindLockTimeout:           "LockTimeout",
	KindCounterCorrupt:        "CounterCorrupt",
	KindNameAlreadyExists:     "NameAlreadyExists",
	KindNotFound:              "NotFound",
	KindInvalidName:           "InvalidName",
	KindInvalidTermCount:      "InvalidTermCount",
	KindPasswordMismatch:      "PasswordMismatch",
	KindCompensationFailure:   "CompensationFailure",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Sentinels for use with errors.Is. They match any *Error of the same Kind.
var (
	ErrConnectionFailure     = &Error{Kind: KindConnectionFailure}
	ErrAuthenticationFailure = &Error{Kind: KindAuthenticationFailure}
	ErrLockTimeout           = &Error{Kind: KindLockTimeout}
	ErrCounterCorrupt        = &Error{Kind: KindCounterCorrupt}
	ErrNameAlreadyExists     = &Error{Kind: KindNameAlreadyExists}
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrInvalidName           = &Error{Kind: KindInvalidName}
	ErrInvalidTermCount      = &Error{Kind: KindInvalidTermCount}
	ErrPasswordMismatch      = &Error{Kind: KindPasswordMismatch}
	ErrCompensationFailure   = &Error{Kind: KindCompensationFailure}
)

// Error is returned by every identity operation.
type Error struct {
	Kind Kind
	Op   string // Operation that failed, e.g. "acquire_lock"
	Path string // DN or name the operation targeted
	Err  error  // Underlying cause
}

func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	if e.Path != "" {
		parts = append(parts, e.Path)
	}
	parts = append(parts, e.Kind.String())
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a bare sentinel of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Path == "" && t.Err == nil && t.Kind == e.Kind
}

// NewError creates an *Error.
func NewError(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// KindOf returns the Kind of the outermost *Error in err's chain, or derives
// one from the directory error category.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var identityErr *Error
	if errors.As(err, &identityErr) {
		return identityErr.Kind
	}

	return kindFromCategory(ldapclient.GetErrorCategory(err))
}

func kindFromCategory(category ldapclient.ErrorCategory) Kind {
	switch category {
	case ldapclient.ErrorCategoryConnection:
		return KindConnectionFailure
	case ldapclient.ErrorCategoryAuthentication, ldapclient.ErrorCategoryPermission:
		return KindAuthenticationFailure
	case ldapclient.ErrorCategoryNotFound:
		return KindNotFound
	case ldapclient.ErrorCategoryAlreadyExists:
		return KindNameAlreadyExists
	default:
		return KindUnknown
	}
}

// classify wraps a directory error in an *Error. Errors that already carry a
// Kind are returned unchanged.
func classify(op, path string, err error) error {
	if err == nil {
		return nil
	}

	var identityErr *Error
	if errors.As(err, &identityErr) {
		return err
	}

	return &Error{
		Kind: kindFromCategory(ldapclient.GetErrorCategory(err)),
		Op:   op,
		Path: path,
		Err:  err,
	}
}

// appendErrors aggregates errors into a multierror that renders on one line.
func appendErrors(err error, errs ...error) *multierror.Error {
	merr := multierror.Append(err, errs...)
	merr.ErrorFormat = inlineErrors
	return merr
}

func inlineErrors(errs []error) string {
	parts := make([]string, 0, len(errs))
	for _, err := range errs {
		parts = append(parts, err.Error())
	}
	return strings.Join(parts, "; ")
}
