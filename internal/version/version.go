// Package version carries the build version and compares it with the
// version a peer reports over /healthz.
package version

import (
	"regexp"
	"strconv"
	"strings"
)

// Version is set at build time with -ldflags "-X .../internal/version.Version=v1.2.3".
var Version = "dev"

// Skew describes how a peer's build relates to ours.
type Skew int

const (
	// SkewUnknown means at least one side is a development build or
	// reported something that is not a release tag.
	SkewUnknown Skew = iota
	SkewNone
	// SkewAhead means the local build is newer within the same major.
	SkewAhead
	// SkewBehind means the peer runs a newer build within the same major.
	SkewBehind
	// SkewMajor means the builds disagree on the major version and will
	// not read each other's transmissions.
	SkewMajor
)

func (s Skew) String() string {
	switch s {
	case SkewNone:
		return "same"
	case SkewAhead:
		return "ahead"
	case SkewBehind:
		return "behind"
	case SkewMajor:
		return "incompatible"
	default:
		return "unknown"
	}
}

// IsDevelopmentVersion returns true for non-release versions.
func IsDevelopmentVersion(v string) bool {
	if v == "" || v == "unknown" || v == "dev" || v == "devel" {
		return true
	}
	return strings.HasPrefix(v, "devel+")
}

// releaseRegex matches release tags (v1.2.3, v1.2.3-beta, 1.0.0-rc.1).
var releaseRegex = regexp.MustCompile(`^v?\d+\.\d+\.\d+(-[a-zA-Z0-9]+([.-][a-zA-Z0-9]+)*)?$`)

// IsRelease reports whether v is a well-formed release tag.
func IsRelease(v string) bool {
	return releaseRegex.MatchString(v)
}

// Compare reports the skew between the local build and a peer's.
func Compare(local, remote string) Skew {
	if !IsRelease(local) || !IsRelease(remote) {
		return SkewUnknown
	}
	l, r := parseSemver(local), parseSemver(remote)
	if l[0] != r[0] {
		return SkewMajor
	}
	switch {
	case isNewer(local, remote):
		return SkewAhead
	case isNewer(remote, local):
		return SkewBehind
	default:
		return SkewNone
	}
}

// Compatible reports whether a peer running remote can exchange
// transmissions with this build. Release builds must share a major
// version; anything else is accepted.
func Compatible(local, remote string) bool {
	return Compare(local, remote) != SkewMajor
}

// parseSemver extracts major.minor.patch, ignoring prerelease and build
// metadata. Missing or non-numeric parts read as 0.
func parseSemver(v string) [3]int {
	var out [3]int
	v = strings.TrimPrefix(v, "v")
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		v = v[:i]
	}
	if v == "" {
		return out
	}
	for i, part := range strings.SplitN(v, ".", 3) {
		n, err := strconv.Atoi(part)
		if err != nil {
			return [3]int{}
		}
		out[i] = n
	}
	return out
}

func isNewer(a, b string) bool {
	x, y := parseSemver(a), parseSemver(b)
	for i := range x {
		if x[i] != y[i] {
			return x[i] > y[i]
		}
	}
	return false
}
