package service

import (
	"strings"

	"github.com/pesio-ai/be-hr-approvals/internal/repository"
)

// CheckLocationScope reports whether a candidate at candidate may approve a
// resource at required under scope. Unresolvable locations only pass ScopeAll.
//
//	same        candidate == required
//	parent      required is strictly below candidate
//	descendants candidate is strictly below required
func CheckLocationScope(candidate, required *repository.Location, scope repository.LocationScope) bool {
	if scope == repository.ScopeAll {
		return true
	}
	if candidate == nil || required == nil {
		return false
	}

	switch scope {
	case repository.ScopeSame:
		return candidate.ID == required.ID
	case repository.ScopeParent:
		return isStrictDescendant(required, candidate)
	case repository.ScopeDescendants:
		return isStrictDescendant(candidate, required)
	}
	return false
}

// isStrictDescendant tests path-prefix containment, excluding self.
func isStrictDescendant(node, ancestor *repository.Location) bool {
	if node.ID == ancestor.ID || ancestor.Path == "" {
		return false
	}
	prefix := strings.TrimSuffix(ancestor.Path, "/") + "/"
	return strings.HasPrefix(node.Path, prefix)
}
