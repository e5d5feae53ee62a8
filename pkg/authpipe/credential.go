package authpipe

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// IssuedState reports whether a credential carries a usable secret pair.
type IssuedState int

const (
	// IssuedStateNone marks a credential without secrets (logged out).
	IssuedStateNone IssuedState = iota
	// IssuedStateValid marks a credential carrying both secrets.
	IssuedStateValid
)

// String returns the lower-case label of the state.
func (state IssuedState) String() string {
	switch state {
	case IssuedStateValid:
		return "valid"
	default:
		return "none"
	}
}

var (
	// ErrIncompleteCredential indicates a credential carrying only one of the two secrets.
	ErrIncompleteCredential = errors.New("credential.incomplete")
	// ErrInvalidRole indicates a role value that is empty or contains unsupported characters.
	ErrInvalidRole = errors.New("credential.invalid_role")
)

// Role is a single authorization claim attached to a session.
type Role string

// ParseRole normalizes and validates a raw role value.
func ParseRole(raw string) (Role, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return "", fmt.Errorf("credential.parse_role: %w", ErrInvalidRole)
	}
	for _, character := range normalized {
		switch {
		case character >= 'a' && character <= 'z':
		case character >= '0' && character <= '9':
		case character == '_', character == '.', character == ':', character == '-':
		default:
			return "", fmt.Errorf("credential.parse_role: %w: %q", ErrInvalidRole, raw)
		}
	}
	return Role(normalized), nil
}

// ParseRoles validates every raw value and returns the resulting set.
func ParseRoles(rawRoles []string) (ClaimSet, error) {
	roles := make([]Role, 0, len(rawRoles))
	for _, rawRole := range rawRoles {
		role, err := ParseRole(rawRole)
		if err != nil {
			return ClaimSet{}, err
		}
		roles = append(roles, role)
	}
	return NewClaimSet(roles...), nil
}

// ClaimSet is an immutable set of roles. The zero value is the empty set.
type ClaimSet struct {
	members map[Role]struct{}
}

// NewClaimSet builds a set from the supplied roles, dropping duplicates.
func NewClaimSet(roles ...Role) ClaimSet {
	if len(roles) == 0 {
		return ClaimSet{}
	}
	members := make(map[Role]struct{}, len(roles))
	for _, role := range roles {
		members[role] = struct{}{}
	}
	return ClaimSet{members: members}
}

// Has reports whether the set contains the role.
func (claims ClaimSet) Has(role Role) bool {
	_, ok := claims.members[role]
	return ok
}

// Len returns the number of roles in the set.
func (claims ClaimSet) Len() int {
	return len(claims.members)
}

// Roles returns the members sorted lexically.
func (claims ClaimSet) Roles() []Role {
	roles := make([]Role, 0, len(claims.members))
	for role := range claims.members {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(left, right int) bool { return roles[left] < roles[right] })
	return roles
}

// Strings returns the sorted members as plain strings.
func (claims ClaimSet) Strings() []string {
	roles := claims.Roles()
	values := make([]string, len(roles))
	for index, role := range roles {
		values[index] = string(role)
	}
	return values
}

// MarshalJSON encodes the set as a sorted array.
func (claims ClaimSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(claims.Strings())
}

// UnmarshalJSON decodes and validates an array of roles.
func (claims *ClaimSet) UnmarshalJSON(data []byte) error {
	var rawRoles []string
	if err := json.Unmarshal(data, &rawRoles); err != nil {
		return err
	}
	parsed, err := ParseRoles(rawRoles)
	if err != nil {
		return err
	}
	*claims = parsed
	return nil
}

// Credential is the session credential held by the CredentialStore.
// The zero value is the logged-out credential.
type Credential struct {
	AccessSecret  string   `json:"access_secret"`
	RefreshSecret string   `json:"refresh_secret"`
	Identity      string   `json:"identity"`
	Claims        ClaimSet `json:"claims"`
}

// NewCredential builds a credential and enforces the secret-pair invariant.
func NewCredential(accessSecret string, refreshSecret string, identity string, claims ClaimSet) (Credential, error) {
	credential := Credential{
		AccessSecret:  strings.TrimSpace(accessSecret),
		RefreshSecret: strings.TrimSpace(refreshSecret),
		Identity:      strings.TrimSpace(identity),
		Claims:        claims,
	}
	if err := credential.Validate(); err != nil {
		return Credential{}, err
	}
	return credential, nil
}

// State derives the issued state from the secrets.
func (credential Credential) State() IssuedState {
	if credential.AccessSecret != "" && credential.RefreshSecret != "" {
		return IssuedStateValid
	}
	return IssuedStateNone
}

// Validate rejects credentials that carry exactly one secret.
func (credential Credential) Validate() error {
	hasAccess := credential.AccessSecret != ""
	hasRefresh := credential.RefreshSecret != ""
	if hasAccess != hasRefresh {
		return fmt.Errorf("credential.validate: %w", ErrIncompleteCredential)
	}
	return nil
}
