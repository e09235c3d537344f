// Package governance implements C7: the ABAC evaluator, quota guard,
// classification gate and retention/legal-hold gate described in §4.7.
package governance

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/blacklake-io/blacklake/internal/domain/commit"
)

// Effect is a policy's allow/deny outcome.
type Effect string

const (
	Allow Effect = "allow"
	Deny  Effect = "deny"
)

// Condition is a node in the JSON expression tree from §4.7: eq, contains,
// startsWith, in, and, or, not over attribute paths. It is a plain
// expression tree rather than a parsed grammar — §9's open question names
// "the exact condition language used by legacy policies" as undecided, and
// the design here (§4.7) already specifies the condition as "a JSON
// expression", so no separate DSL/parser is introduced (see DESIGN.md).
type Condition struct {
	Op       string       `json:"op"` // eq|contains|startsWith|in|and|or|not
	Path     string       `json:"path,omitempty"`
	Value    any          `json:"value,omitempty"`
	Children []*Condition `json:"children,omitempty"`
}

// Policy is the ACL/Policy entity from §3.
type Policy struct {
	ID        uuid.UUID
	TenantID  string
	Name      string
	Effect    Effect
	Actions   []string
	Resources []string // prefix-matched resource patterns
	Condition *Condition
}

// SubjectAttributes is a flat key/value attribute bag for one subject,
// sourced from JWT claims (§6 OIDC contract) plus any operator-assigned
// attributes (e.g. classification clearance).
type SubjectAttributes map[string]any

// ResourceAttributes describes the object a policy condition is evaluated
// against — typically repo/path/classification for entry operations.
type ResourceAttributes map[string]any

// Decision is the evaluator's verdict, always logged to PolicyAudit.
type Decision struct {
	Allowed bool
	Reason  string
	Policy  uuid.UUID // zero when no policy matched (implicit deny)
}

// Store is the persistence port for policies and their audit trail.
//
//go:generate mockgen --destination=../../../internal/gen/mock/governance/policy_mock.go --package=mock . Store
type Store interface {
	ListPoliciesFor(ctx context.Context, tenantID, action, resourcePrefix string) ([]*Policy, error)
	PutPolicy(ctx context.Context, p *Policy) error
	DeletePolicy(ctx context.Context, id uuid.UUID) error
	RecordPolicyAudit(ctx context.Context, subject, action, resource string, decision Decision, reasonCtx map[string]any) error
}

// Evaluator implements the ABAC rule from §4.7: iterate candidate policies
// indexed by action and resource prefix; deny overrides allow; an explicit
// deny is logged with its reason.
type Evaluator struct {
	store Store
}

func NewEvaluator(store Store) *Evaluator {
	return &Evaluator{store: store}
}

// Evaluate returns the access decision for (subject, action, resource) and
// always records it to PolicyAudit.
func (e *Evaluator) Evaluate(ctx context.Context, tenantID, subject, action, resource string, subjectAttrs SubjectAttributes, resourceAttrs ResourceAttributes, envCtx map[string]any) (Decision, error) {
	policies, err := e.store.ListPoliciesFor(ctx, tenantID, action, resourcePrefix(resource))
	if err != nil {
		return Decision{}, err
	}

	decision := Decision{Allowed: false, Reason: "no matching policy (implicit deny)"}
	allowSeen := false

	for _, p := range policies {
		if !matchesAction(p.Actions, action) || !matchesResource(p.Resources, resource) {
			continue
		}

		if p.Condition != nil && !evalCondition(p.Condition, subjectAttrs, resourceAttrs, envCtx) {
			continue
		}

		switch p.Effect {
		case Deny:
			// deny overrides allow: short-circuit immediately.
			decision = Decision{Allowed: false, Reason: "explicit deny: " + p.Name, Policy: p.ID}

			if auditErr := e.store.RecordPolicyAudit(ctx, subject, action, resource, decision, envCtx); auditErr != nil {
				return decision, auditErr
			}

			return decision, nil
		case Allow:
			allowSeen = true
			decision = Decision{Allowed: true, Reason: "allow: " + p.Name, Policy: p.ID}
		}
	}

	if !allowSeen && decision.Reason == "no matching policy (implicit deny)" {
		decision = Decision{Allowed: false, Reason: "no matching policy (implicit deny)"}
	}

	if err := e.store.RecordPolicyAudit(ctx, subject, action, resource, decision, envCtx); err != nil {
		return decision, err
	}

	return decision, nil
}

func resourcePrefix(resource string) string {
	if idx := strings.IndexByte(resource, '/'); idx >= 0 {
		return resource[:idx]
	}

	return resource
}

func matchesAction(actions []string, action string) bool {
	for _, a := range actions {
		if a == "*" || a == action {
			return true
		}
	}

	return false
}

func matchesResource(resources []string, resource string) bool {
	for _, r := range resources {
		if r == "*" || resource == r || strings.HasPrefix(resource, strings.TrimSuffix(r, "*")) {
			return true
		}
	}

	return false
}

func evalCondition(c *Condition, subj SubjectAttributes, res ResourceAttributes, env map[string]any) bool {
	switch c.Op {
	case "and":
		for _, child := range c.Children {
			if !evalCondition(child, subj, res, env) {
				return false
			}
		}

		return true
	case "or":
		for _, child := range c.Children {
			if evalCondition(child, subj, res, env) {
				return true
			}
		}

		return len(c.Children) == 0

	case "not":
		if len(c.Children) != 1 {
			return false
		}

		return !evalCondition(c.Children[0], subj, res, env)
	case "eq":
		return equalAny(lookupPath(c.Path, subj, res, env), c.Value)
	case "contains":
		return containsAny(lookupPath(c.Path, subj, res, env), c.Value)
	case "startsWith":
		left, _ := lookupPath(c.Path, subj, res, env).(string)
		right, _ := c.Value.(string)

		return strings.HasPrefix(left, right)
	case "in":
		set, ok := c.Value.([]any)
		if !ok {
			return false
		}

		actual := lookupPath(c.Path, subj, res, env)
		for _, item := range set {
			if equalAny(actual, item) {
				return true
			}
		}

		return false
	default:
		return false
	}
}

// lookupPath resolves "subject.role", "resource.classification" or
// "env.time" style paths against the three attribute bags.
func lookupPath(path string, subj SubjectAttributes, res ResourceAttributes, env map[string]any) any {
	scope, key, ok := strings.Cut(path, ".")
	if !ok {
		return nil
	}

	switch scope {
	case "subject":
		return subj[key]
	case "resource":
		return res[key]
	case "env":
		return env[key]
	default:
		return nil
	}
}

func equalAny(a, b any) bool {
	return a == b
}

func containsAny(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		n, _ := needle.(string)
		return strings.Contains(h, n)
	case []any:
		for _, item := range h {
			if equalAny(item, needle) {
				return true
			}
		}

		return false
	case []string:
		n, _ := needle.(string)
		for _, item := range h {
			if item == n {
				return true
			}
		}

		return false
	default:
		return false
	}
}

// classificationRank mirrors commit.Demotes' ranking so this package can
// compare levels without exporting the rank table from commit.
var classificationRank = map[commit.Classification]int{
	commit.ClassPublic:     0,
	commit.ClassInternal:   1,
	commit.ClassRestricted: 2,
	commit.ClassSecret:     3,
}

// HasClearanceFor reports whether subjAttrs carries clearance at or above
// the requested classification, consulting the "clearance" attribute (a
// Classification string) the OIDC contract is expected to populate.
func HasClearanceFor(subj SubjectAttributes, level commit.Classification) bool {
	raw, _ := subj["clearance"].(string)
	if raw == "" {
		return level == commit.ClassPublic
	}

	return classificationRank[commit.Classification(raw)] >= classificationRank[level]
}
