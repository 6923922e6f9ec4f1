package report

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Scope distinguishes per-user cache lines from the shared system-wide line.
type Scope int

const (
	ScopeUser Scope = iota
	ScopeSystem
)

const (
	userPrefix  = "user:"
	systemToken = "scope:ALL_USERS"
)

// ErrInvalidOwner is returned when an owner cannot be parsed or has no id.
var ErrInvalidOwner = errors.New("invalid owner")

// Owner identifies who a cache entry or schedule belongs to. The zero value
// is not valid; use User or System.
type Owner struct {
	scope Scope
	id    string
}

// User returns the owner for a single user id.
func User(id string) Owner {
	return Owner{scope: ScopeUser, id: id}
}

// System returns the shared owner used by system-wide reports.
func System() Owner {
	return Owner{scope: ScopeSystem}
}

func (o Owner) Scope() Scope   { return o.scope }
func (o Owner) ID() string     { return o.id }
func (o Owner) IsSystem() bool { return o.scope == ScopeSystem }

// Valid reports whether the owner is the system owner or a user with a non-empty id.
func (o Owner) Valid() bool {
	return o.scope == ScopeSystem || strings.TrimSpace(o.id) != ""
}

// String is the stable storage form: "user:<id>" or "scope:ALL_USERS".
func (o Owner) String() string {
	if o.scope == ScopeSystem {
		return systemToken
	}
	return userPrefix + o.id
}

// ParseOwner is the inverse of Owner.String.
func ParseOwner(s string) (Owner, error) {
	switch {
	case s == systemToken:
		return System(), nil
	case strings.HasPrefix(s, userPrefix) && len(s) > len(userPrefix):
		return User(strings.TrimPrefix(s, userPrefix)), nil
	}
	return Owner{}, errors.Wrapf(ErrInvalidOwner, "parse %q", s)
}
