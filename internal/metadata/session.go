package metadata

import (
	"strings"

	"github.com/samber/lo"
)

// SessionLocal is the fiber Locals key holding the request's *Session.
const SessionLocal = "session"

// Session is the request-scoped identity passed into every service call.
type Session struct {
	UserID  string            `json:"user_id"`
	Roles   []string          `json:"roles"`
	Lookups map[string]string `json:"lookups,omitempty"`
}

// HasRole checks whether the session has a specific role.
func (s *Session) HasRole(role string) bool {
	if s == nil {
		return false
	}
	return lo.Contains(s.Roles, role)
}

// IsAdmin checks whether the session has the admin role.
func (s *Session) IsAdmin() bool {
	return s.HasRole("admin")
}

// Lookup resolves a substitution key: "user_id" or "lookup.<name>".
func (s *Session) Lookup(key string) (string, bool) {
	if s == nil {
		return "", false
	}
	if key == "user_id" {
		return s.UserID, s.UserID != ""
	}
	if name, ok := strings.CutPrefix(key, "lookup."); ok {
		v, found := s.Lookups[name]
		return v, found
	}
	return "", false
}
