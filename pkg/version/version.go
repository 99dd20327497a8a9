// Package version parses release strings of the storage product and the Ceph cluster.
package version

import (
	"fmt"
	"regexp"
	"strings"

	version "github.com/hashicorp/go-version"
)

// Version will be overridden with the current version at build time using the -X linker flag
var Version string

var releaseRegex = regexp.MustCompile(`^v?(\d+(?:\.\d+){0,2})(.*)$`)

// ParseRelease splits a release into its numeric part and the build suffix.
// "18.2.1-194.el9cp" gives 18.2.1 and "-194.el9cp".
func ParseRelease(s string) (*version.Version, string, error) {
	matches := releaseRegex.FindStringSubmatch(strings.TrimSpace(s))
	if len(matches) < 3 {
		return nil, "", fmt.Errorf("invalid release received: %q", s)
	}
	ver, err := version.NewVersion(matches[1])
	if err != nil {
		return nil, "", err
	}
	return ver, matches[2], nil
}

// AtLeast reports whether release is unknown or not older than min
func AtLeast(release, min *version.Version) bool {
	return release == nil || release.GreaterThanOrEqual(min)
}
