// Package semver checks gateway protocol versions against the range the bridge supports.
package semver

import (
	"fmt"
	"regexp"
	"strings"
)

const logPrefix = "semver:parser"

var (
	majorOnlyRegex    = regexp.MustCompile(`^\d+$`)
	majorMinorRegex   = regexp.MustCompile(`^\d+\.\d+$`)
	exactVersionRegex = regexp.MustCompile(`^\d+\.\d+\.\d+(-[\w.]+)?(\+[\w.]+)?$`)
)

// Normalize turns the loose version spellings gateways send ("3", "v3.1",
// " 3.1.0 ") into a full major.minor.patch string.
func Normalize(input string) (string, error) {
	v := strings.TrimPrefix(strings.TrimSpace(input), "v")
	switch {
	case v == "":
		return "", fmt.Errorf("%s - empty version", logPrefix)
	case majorOnlyRegex.MatchString(v):
		return v + ".0.0", nil
	case majorMinorRegex.MatchString(v):
		return v + ".0", nil
	case exactVersionRegex.MatchString(v):
		return v, nil
	}
	return "", fmt.Errorf("%s - invalid version: %s", logPrefix, input)
}

// IsMajorOnly checks if a range is a major-only specifier (e.g., "3").
func IsMajorOnly(rangeStr string) bool {
	return majorOnlyRegex.MatchString(rangeStr)
}

// ExtractMajorFromRange extracts the major version if the range is major-only.
// Returns -1 if not a major-only range.
func ExtractMajorFromRange(rangeStr string) int {
	if !IsMajorOnly(rangeStr) {
		return -1
	}
	var major int
	fmt.Sscanf(rangeStr, "%d", &major)
	return major
}
