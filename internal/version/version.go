// Package version reports the build version, set at link time with
// -ldflags "-X github.com/nupi-ai/voiced/internal/version.version=...".
package version

import (
	"regexp"
	"strings"
)

var version = "dev"

// String returns the build version for the current binary.
func String() string {
	return version
}

// ForTesting overrides the version string and returns a cleanup function
// that restores the original value. Must not be called concurrently.
func ForTesting(v string) func() {
	original := version
	version = v
	return func() { version = original }
}

// gitDescribeSuffix matches the trailing "-N-gHASH" added by git describe.
var gitDescribeSuffix = regexp.MustCompile(`-\d+-g[0-9a-f]+$`)

// Display returns the version as shown by the CLI: a "v" prefix is added to
// release versions and any git-describe suffix is kept. "dev" is returned as-is.
func Display() string {
	return Format(version)
}

// Format ensures a "v" prefix on release versions.
func Format(v string) string {
	if v == "" || v == "dev" || strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// Release reports whether v names a tagged release rather than a development
// or git-describe build.
func Release(v string) bool {
	v = strings.TrimPrefix(v, "v")
	if v == "" || v == "dev" || v == "0.0.0" {
		return false
	}
	return !gitDescribeSuffix.MatchString(v)
}
