package commit

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacklake-io/blacklake/internal/platform/errkind"
)

func TestNormalizePathValid(t *testing.T) {
	cases := map[string]string{
		"a/b/c.txt":     "a/b/c.txt",
		"./a/b":         "a/b",
		"a/./b":         "a/b",
		"a//b":          "a/b",
		"data/file.csv": "data/file.csv",
	}

	for in, want := range cases {
		got, err := NormalizePath(in)
		require.NoError(t, err, "input %q", in)
		assert.Equal(t, want, got, "input %q", in)
	}
}

func TestNormalizePathRejectsEmpty(t *testing.T) {
	_, err := NormalizePath("")
	assertInvalidInput(t, err)
}

func TestNormalizePathRejectsLeadingSlash(t *testing.T) {
	_, err := NormalizePath("/etc/passwd")
	assertInvalidInput(t, err)
}

func TestNormalizePathRejectsTraversal(t *testing.T) {
	for _, in := range []string{"..", "../secret", "a/../../b", "a/../.."} {
		_, err := NormalizePath(in)
		assertInvalidInput(t, err)
	}
}

func TestNormalizePathRejectsTooLong(t *testing.T) {
	_, err := NormalizePath(strings.Repeat("a", MaxPathBytes+1))
	assertInvalidInput(t, err)
}

func assertInvalidInput(t *testing.T, err error) {
	t.Helper()

	require.Error(t, err)

	var ke *errkind.Error
	require.ErrorAs(t, err, &ke)
	assert.Equal(t, errkind.InvalidInput, ke.Kind)
}
