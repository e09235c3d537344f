package commit

import (
	"path"
	"strings"

	"github.com/blacklake-io/blacklake/internal/platform/errkind"
)

const MaxPathBytes = 1024

// NormalizePath validates and cleans a POSIX path per §3: no "..", no
// leading "/", at most MaxPathBytes bytes, no empty segments.
func NormalizePath(p string) (string, error) {
	if p == "" {
		return "", errkind.New(errkind.InvalidInput, "path must not be empty")
	}

	if strings.HasPrefix(p, "/") {
		return "", errkind.New(errkind.InvalidInput, "path must not start with /")
	}

	cleaned := path.Clean(p)

	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errkind.New(errkind.InvalidInput, "path must not escape the repository root")
	}

	if strings.HasPrefix(cleaned, "/") {
		return "", errkind.New(errkind.InvalidInput, "path must not start with /")
	}

	if len(cleaned) > MaxPathBytes {
		return "", errkind.New(errkind.InvalidInput, "path exceeds maximum length")
	}

	for _, seg := range strings.Split(cleaned, "/") {
		if seg == "" {
			return "", errkind.New(errkind.InvalidInput, "path must not contain empty segments")
		}
	}

	return cleaned, nil
}
