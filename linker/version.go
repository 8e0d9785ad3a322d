package linker

import (
	"strconv"
	"strings"
)

// Version is the semantic version suffix of a module name such as
// "wasi:io/streams@0.2.0".
type Version struct {
	Major uint32
	Minor uint32
	Patch uint32
}

// ParseVersion parses "0.2.0" or "0.2". A missing patch is zero.
func ParseVersion(s string) (Version, bool) {
	if s == "" {
		return Version{}, false
	}
	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return Version{}, false
	}
	var v Version
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return Version{}, false
		}
		switch i {
		case 0:
			v.Major = uint32(n)
		case 1:
			v.Minor = uint32(n)
		case 2:
			v.Patch = uint32(n)
		}
	}
	return v, true
}

// Compatible reports whether v can stand in for want: same major version
// and not older.
func (v Version) Compatible(want Version) bool {
	if v.Major != want.Major {
		return false
	}
	if v.Minor != want.Minor {
		return v.Minor > want.Minor
	}
	return v.Patch >= want.Patch
}

// Less orders versions.
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor < o.Minor
	}
	return v.Patch < o.Patch
}

func (v Version) String() string {
	return strconv.FormatUint(uint64(v.Major), 10) + "." +
		strconv.FormatUint(uint64(v.Minor), 10) + "." +
		strconv.FormatUint(uint64(v.Patch), 10)
}

// splitVersion separates "name@1.2.3" into its name and version. Names
// without a valid version suffix are returned whole.
func splitVersion(module string) (string, *Version) {
	at := strings.LastIndexByte(module, '@')
	if at < 0 {
		return module, nil
	}
	v, ok := ParseVersion(module[at+1:])
	if !ok {
		return module, nil
	}
	return module[:at], &v
}
