package cassette

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// FormatVersion is written into every cassette document.
const FormatVersion = "1.0.0"

var supportedVersions = mustConstraint("^1.0.0")

func mustConstraint(c string) *semver.Constraints {
	constraint, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return constraint
}

// CheckVersion rejects documents written by an incompatible format version.
// An empty version is read as the current one so hand-written cassettes load.
func CheckVersion(version string) error {
	if version == "" {
		return nil
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("invalid cassette format version %q: %w", version, err)
	}
	if !supportedVersions.Check(v) {
		return fmt.Errorf("unsupported cassette format version %s (want %s)", v, supportedVersions)
	}
	return nil
}
