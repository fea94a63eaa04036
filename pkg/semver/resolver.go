package semver

import (
	"fmt"

	masterminds "github.com/Masterminds/semver/v3"
)

const resolverLogPrefix = "semver:resolver"

// SatisfiesRange checks if a version string satisfies a range. Major-only
// ranges ("1") match any version with that major.
func SatisfiesRange(version, rangeStr string) bool {
	normalized, err := Normalize(version)
	if err != nil {
		return false
	}
	sv, err := masterminds.NewVersion(normalized)
	if err != nil {
		return false
	}

	if IsMajorOnly(rangeStr) {
		return int(sv.Major()) == ExtractMajorFromRange(rangeStr)
	}

	constraint, err := masterminds.NewConstraint(rangeStr)
	if err != nil {
		return false
	}
	return constraint.Check(sv)
}

// CheckProtocol returns an error when the gateway's protocol version does not
// satisfy constraint. An empty version is accepted, since older gateways do
// not report one; an empty constraint accepts everything.
func CheckProtocol(version, constraint string) error {
	if version == "" || constraint == "" {
		return nil
	}
	if !IsMajorOnly(constraint) {
		if _, err := masterminds.NewConstraint(constraint); err != nil {
			return fmt.Errorf("%s - invalid protocol constraint %q: %w", resolverLogPrefix, constraint, err)
		}
	}
	if _, err := Normalize(version); err != nil {
		return fmt.Errorf("%s - gateway sent unparseable protocol %q", resolverLogPrefix, version)
	}
	if !SatisfiesRange(version, constraint) {
		return fmt.Errorf("%s - gateway protocol %s is outside supported range %s", resolverLogPrefix, version, constraint)
	}
	return nil
}
