// Package relpath provides the normalized relative path type used to key
// download jobs. Paths are forward-slash separated regardless of host
// platform so the same request stream produces the same keys everywhere.
package relpath

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"
)

var (
	// ErrEmpty is returned for paths with no pathname components.
	ErrEmpty = errors.New("path is empty")
	// ErrNotRelative is returned for absolute paths.
	ErrNotRelative = errors.New("path is not relative")
	// ErrParentSegment is returned for paths containing ".." components.
	ErrParentSegment = errors.New("path contains a parent-directory segment")
	// ErrTrailingSeparator is returned for paths ending in a separator.
	ErrTrailingSeparator = errors.New("path ends in a separator")
)

// Path is a nonempty, normalized, forward-slash separated relative file
// path. The zero value is invalid; construct values with New.
type Path string

// New validates and normalizes a path string. Current-directory components
// and repeated separators collapse away; parent-directory components,
// absolute paths, empty results, and trailing separators are rejected.
// Backslashes count as separators only on Windows hosts.
func New(s string) (Path, error) {
	return parse(s, runtime.GOOS == "windows")
}

func parse(s string, backslashSeparates bool) (Path, error) {
	if s == "" {
		return "", ErrEmpty
	}
	if backslashSeparates {
		if len(s) >= 2 && s[1] == ':' {
			return "", ErrNotRelative
		}
		s = strings.ReplaceAll(s, `\`, "/")
	}
	if strings.HasPrefix(s, "/") {
		return "", ErrNotRelative
	}
	if strings.HasSuffix(s, "/") {
		// "foo/." normalizes to "foo" below, but an explicit trailing
		// separator names a directory, not a file to download to.
		if trimmed := strings.TrimSuffix(s, "/"); trimmed != "" && trimmed != "." {
			return "", ErrTrailingSeparator
		}
	}
	var parts []string
	for _, part := range strings.Split(s, "/") {
		switch part {
		case "", ".":
		case "..":
			return "", ErrParentSegment
		default:
			parts = append(parts, part)
		}
	}
	if len(parts) == 0 {
		return "", ErrEmpty
	}
	return Path(strings.Join(parts, "/")), nil
}

func (p Path) String() string { return string(p) }

// MarshalJSON encodes the path as a JSON string.
func (p Path) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(p))
}

// UnmarshalJSON decodes and validates a JSON string as a relative path.
func (p *Path) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := New(raw)
	if err != nil {
		return fmt.Errorf("path %q: %w", raw, err)
	}
	*p = parsed
	return nil
}
