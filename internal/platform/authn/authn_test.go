package authn

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedUnverifiedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString([]byte("irrelevant-since-we-never-verify"))
	require.NoError(t, err)

	return signed
}

func TestParseClaimsExtractsSubjectAndAttributes(t *testing.T) {
	tok := signedUnverifiedToken(t, jwt.MapClaims{
		"sub":    "alice",
		"groups": []any{"engineering"},
		"exp":    float64(time.Now().Add(time.Hour).Unix()),
	})

	claims, err := ParseClaims(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.False(t, claims.IsAdmin)
	assert.Equal(t, "member", claims.Attributes["role"])
	assert.Equal(t, "alice", claims.Attributes["sub"])
}

func TestParseClaimsRecognizesAdminGroup(t *testing.T) {
	tok := signedUnverifiedToken(t, jwt.MapClaims{
		"sub":    "bob",
		"groups": []any{"blacklake-admin", "engineering"},
	})

	claims, err := ParseClaims(tok)
	require.NoError(t, err)
	assert.True(t, claims.IsAdmin)
	assert.Equal(t, "admin", claims.Attributes["role"])
}

func TestParseClaimsAcceptsExpiredTokenSinceValidationIsUpstream(t *testing.T) {
	tok := signedUnverifiedToken(t, jwt.MapClaims{
		"sub": "carol",
		"exp": float64(time.Now().Add(-time.Hour).Unix()),
	})

	claims, err := ParseClaims(tok)
	require.NoError(t, err)
	assert.Equal(t, "carol", claims.Subject)
}

func TestParseClaimsRejectsMissingSubject(t *testing.T) {
	tok := signedUnverifiedToken(t, jwt.MapClaims{"groups": []any{"engineering"}})

	_, err := ParseClaims(tok)
	require.Error(t, err)
}

func TestParseClaimsRejectsMalformedToken(t *testing.T) {
	_, err := ParseClaims("not-a-jwt")
	require.Error(t, err)
}
