// Package policy implements the per-org RBAC registry and CEL-based rule
// engine from spec §4.11: an access query (subject, action, resource)
// resolves to Allow or Deny by scanning an org's ordered rule list.
package policy

import (
	"github.com/google/uuid"
)

// Effect is the outcome of a matched rule or a policy's default.
type Effect string

const (
	Allow Effect = "allow"
	Deny  Effect = "deny"
)

// Rule is one ordered entry in an OrgRbacPolicy. SubjectExpr and
// ResourceExpr are CEL expressions evaluated against the subject and
// resource attribute maps; either may be empty to mean "matches any
// subject/resource". A rule matches an access query when the action set
// contains the requested action and both predicates evaluate true.
type Rule struct {
	SubjectExpr  string
	ResourceExpr string
	Actions      []string
	Effect       Effect
}

// OrgRbacPolicy is `{org_id, version, rules[], default_effect}` (spec §3).
// Versions are monotonic per org.
type OrgRbacPolicy struct {
	OrgID         uuid.UUID
	Version       int64
	Rules         []Rule
	DefaultEffect Effect
}

func (r Rule) allowsAction(action string) bool {
	for _, a := range r.Actions {
		if a == action || a == "*" {
			return true
		}
	}
	return false
}
