package policy

import (
	"strings"

	"github.com/polisai/polis-dlp/pkg/domain"
)

// DefaultPrivilegedRoles may see masked content instead of being blocked.
var DefaultPrivilegedRoles = []string{"dlp-admin", "security-engineer"}

// RolePolicy maps a caller role and the entities found in its content to an
// action.
type RolePolicy struct {
	privileged map[string]struct{}
}

// NewRolePolicy builds a policy over the given privileged roles. With no
// arguments DefaultPrivilegedRoles is used. Blank roles are ignored.
func NewRolePolicy(privileged ...string) RolePolicy {
	if len(privileged) == 0 {
		privileged = DefaultPrivilegedRoles
	}
	set := make(map[string]struct{}, len(privileged))
	for _, role := range privileged {
		if role = strings.TrimSpace(role); role != "" {
			set[role] = struct{}{}
		}
	}
	return RolePolicy{privileged: set}
}

// Decide returns allow when nothing sensitive was found, mask for privileged
// roles and block for everyone else. Role matching is exact.
func (p RolePolicy) Decide(role string, findings []domain.Entity) domain.Action {
	if len(findings) == 0 {
		return domain.ActionAllow
	}
	if p.IsPrivileged(role) {
		return domain.ActionMask
	}
	return domain.ActionBlock
}

// IsPrivileged reports whether role is in the privileged set.
func (p RolePolicy) IsPrivileged(role string) bool {
	_, ok := p.privileged[role]
	return ok
}

// IsZero reports whether p was declared without NewRolePolicy.
func (p RolePolicy) IsZero() bool {
	return p.privileged == nil
}

// Roles returns the privileged roles, unordered.
func (p RolePolicy) Roles() []string {
	out := make([]string, 0, len(p.privileged))
	for role := range p.privileged {
		out = append(out, role)
	}
	return out
}
