package versions

import (
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// ErrIncompatibleProtocol is returned when two peers speak different major
// protocol versions.
var ErrIncompatibleProtocol = errors.New("incompatible protocol version")

// IsNewerVersion reports whether newVersion is strictly greater than oldVersion.
// It uses semantic versioning for comparison when both strings are valid semver,
// and falls back to lexicographic string comparison otherwise.
func IsNewerVersion(newVersion, oldVersion string) bool {
	newSemver, errNew := semver.NewVersion(newVersion)
	oldSemver, errOld := semver.NewVersion(oldVersion)

	if errNew != nil || errOld != nil {
		return newVersion > oldVersion
	}

	return newSemver.GreaterThan(oldSemver)
}

// CheckProtocol verifies that a peer's protocol version can talk to ours.
// An empty remote version is accepted so that plain HTTP tooling keeps working.
// Versions are compatible when their major components match.
func CheckProtocol(local, remote string) error {
	if remote == "" {
		return nil
	}
	localVer, err := semver.NewVersion(local)
	if err != nil {
		return fmt.Errorf("invalid local protocol version %q: %w", local, err)
	}
	remoteVer, err := semver.NewVersion(remote)
	if err != nil {
		return fmt.Errorf("%w: %q is not a valid version", ErrIncompatibleProtocol, remote)
	}
	if localVer.Major() != remoteVer.Major() {
		return fmt.Errorf("%w: local %s, remote %s", ErrIncompatibleProtocol, localVer, remoteVer)
	}
	return nil
}
