package auth

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by the authentication subsystem.
var (
	ErrDisabled         = errors.New("authentication disabled")
	ErrInvalidToken     = errors.New("invalid token")
	ErrMissingToken     = errors.New("missing bearer token")
	ErrPermissionDenied = errors.New("permission denied")
	ErrSubjectRevoked   = errors.New("subject is disabled")
)

// Permissions understood by the operator API.
const (
	PermTasksRun         = "tasks:run"
	PermTasksRead        = "tasks:read"
	PermApprovalsRead    = "approvals:read"
	PermApprovalsResolve = "approvals:resolve"
	PermToolsRead        = "tools:read"
	// PermAll grants every permission.
	PermAll = "*"
)

// Subject is the authenticated caller attached to the request context.
type Subject struct {
	Username    string   `json:"username"`
	Permissions []string `json:"permissions,omitempty"`
	Disabled    bool     `json:"disabled,omitempty"`

	permissionsSet map[string]struct{}
}

func (s *Subject) normalise() {
	if s == nil {
		return
	}
	if s.permissionsSet == nil {
		s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
		for _, perm := range s.Permissions {
			s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
		}
	}
}

// HasPermission reports whether the subject has the specified permission.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	if _, ok := s.permissionsSet[PermAll]; ok {
		return true
	}
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize ensures the subject has all required permissions.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	if s.Disabled {
		return ErrSubjectRevoked
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}

// Clone creates a copy that does not share the permission slice.
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	clone := &Subject{
		Username:    s.Username,
		Permissions: append([]string(nil), s.Permissions...),
		Disabled:    s.Disabled,
	}
	clone.normalise()
	return clone
}

// Mode enumerates the supported authentication providers.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeToken    Mode = "token"
	ModeJWT      Mode = "jwt"
)

// StaticToken is a long-lived API token bound to an operator identity.
type StaticToken struct {
	Name        string
	Token       string
	Permissions []string
	Disabled    bool
}

// JWTOptions configures verification of HS256 bearer tokens.
type JWTOptions struct {
	Secret   string
	Issuer   string
	Audience string
}

// Config configures the authentication service.
type Config struct {
	Mode   Mode
	Tokens []StaticToken
	JWT    JWTOptions
}
