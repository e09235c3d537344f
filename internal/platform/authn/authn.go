// Package authn turns a bearer JWT into the subject identity and attribute
// bag the governance engine's ABAC evaluator consumes (§6 OIDC contract:
// "the engine does not validate tokens itself" — validation happens at the
// OIDC gateway in front of it, the same trust boundary the teacher's
// JWTMiddleware enforces before handing claims to its own authorization
// checks). Callers inside the trust boundary only need the claims, so
// parsing here is deliberately unverified.
package authn

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"

	"github.com/blacklake-io/blacklake/internal/domain/governance"
)

// adminGroup is the group/role claim value that grants the admin
// capability gating classification demotion and protected-ref moves
// (SPEC_FULL §C).
const adminGroup = "blacklake-admin"

// Claims is the subject identity and attribute bag extracted from a JWT,
// ready to hand to governance.Evaluator.Evaluate.
type Claims struct {
	Subject    string
	IsAdmin    bool
	Attributes governance.SubjectAttributes
}

// ParseClaims extracts Claims from tokenString without verifying its
// signature. It never rejects an expired or badly-signed token on that
// basis — only a missing "sub" claim is an error — since signature and
// expiry are the upstream gateway's job.
func ParseClaims(tokenString string) (*Claims, error) {
	mapClaims := jwt.MapClaims{}

	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, mapClaims); err != nil {
		return nil, err
	}

	sub, _ := mapClaims["sub"].(string)
	if sub == "" {
		return nil, errors.New("authn: token has no sub claim")
	}

	attrs := make(governance.SubjectAttributes, len(mapClaims))
	for k, v := range mapClaims {
		attrs[k] = v
	}

	groups := stringSliceClaim(mapClaims, "groups")
	isAdmin := containsGroup(groups, adminGroup)
	attrs["role"] = roleFor(isAdmin)

	return &Claims{Subject: sub, IsAdmin: isAdmin, Attributes: attrs}, nil
}

func roleFor(isAdmin bool) string {
	if isAdmin {
		return "admin"
	}

	return "member"
}

func stringSliceClaim(claims jwt.MapClaims, key string) []string {
	raw, ok := claims[key].([]any)
	if !ok {
		return nil
	}

	out := make([]string, 0, len(raw))

	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}

	return out
}

func containsGroup(groups []string, target string) bool {
	for _, g := range groups {
		if g == target {
			return true
		}
	}

	return false
}
