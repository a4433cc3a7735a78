package identity

import (
	"errors"
	"fmt"
)

// Class is a resource class with its own name rules and counter.
type Class int

const (
	ClassUser Class = iota
	ClassGroup
)

const (
	MinNameLength      = 3
	MaxUserNameLength  = 8
	MaxGroupNameLength = 10
)

func (c Class) String() string {
	switch c {
	case ClassUser:
		return "user"
	case ClassGroup:
		return "group"
	default:
		return "unknown"
	}
}

// MaxNameLength returns the longest name allowed for the class.
func (c Class) MaxNameLength() int {
	if c == ClassGroup {
		return MaxGroupNameLength
	}
	return MaxUserNameLength
}

// reservedNames are the counter entries' RDN values. A user or group with
// one of these names would occupy a counter's lock path.
var reservedNames = map[string]bool{
	userCounterAvailable:  true,
	groupCounterAvailable: true,
	counterHeld:           true,
}

// IsReservedName reports whether name is used by a counter entry.
func IsReservedName(name string) bool {
	return reservedNames[name]
}

// ValidateName checks that name is MinNameLength to class.MaxNameLength()
// lowercase ASCII letters and is not a reserved counter name.
func ValidateName(name string, class Class) error {
	maxLen := class.MaxNameLength()

	for _, r := range name {
		if r < 'a' || r > 'z' {
			return NewError(KindInvalidName, "validate_name", name,
				fmt.Errorf("%s names may only contain lowercase letters a-z", class))
		}
	}

	if len(name) < MinNameLength || len(name) > maxLen {
		return NewError(KindInvalidName, "validate_name", name,
			fmt.Errorf("%s names must be between %d and %d characters", class, MinNameLength, maxLen))
	}

	if IsReservedName(name) {
		return NewError(KindInvalidName, "validate_name", name,
			fmt.Errorf("%q is reserved for the id counters", name))
	}

	return nil
}

// ValidateReference checks a name that refers to an existing user or group.
// Only emptiness and the reserved counter names are rejected, so records
// created before the current naming rules stay reachable.
func ValidateReference(op, name string) error {
	if name == "" {
		return NewError(KindInvalidName, op, name, errors.New("name is required"))
	}
	if IsReservedName(name) {
		return NewError(KindInvalidName, op, name,
			fmt.Errorf("%q is reserved for the id counters", name))
	}
	return nil
}
