package manifest

import (
	"regexp"
	"strconv"
)

// versionPattern matches up to four numeric fields:
// major[.minor[.patch]][_build]. This is the format plugin versions and
// dependency version constraints use; it is deliberately not semver
// (there are no pre-release tags, only numbers).
var versionPattern = regexp.MustCompile(`^(\d+)(?:\.(\d+))?(?:\.(\d+))?(?:_(\d+))?$`)

// IsValidVersion reports whether v is a well-formed plugin version.
func IsValidVersion(v string) bool {
	return versionPattern.MatchString(v)
}

// versionFields extracts the four numeric fields of a version.
// Missing fields are zero; an unparsable version is all zeros.
func versionFields(v string) [4]int64 {
	var fields [4]int64
	m := versionPattern.FindStringSubmatch(v)
	if m == nil {
		return fields
	}
	for i := 0; i < 4; i++ {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.ParseInt(m[i+1], 10, 64)
		if err != nil {
			return fields
		}
		fields[i] = n
	}
	return fields
}

// CompareVersions compares two plugin versions field by field.
// It returns a negative number if a < b, zero if equal, and a positive
// number if a > b. Missing fields compare as zero, so "2" == "2.0.0".
func CompareVersions(a, b string) int {
	fa, fb := versionFields(a), versionFields(b)
	for i := 0; i < 4; i++ {
		switch {
		case fa[i] < fb[i]:
			return -1
		case fa[i] > fb[i]:
			return 1
		}
	}
	return 0
}
