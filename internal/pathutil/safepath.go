// Package pathutil validates object keys taken from share records before
// they reach a storage backend.
package pathutil

import (
	"strings"

	"github.com/keithlinneman/linnemanlabs-docview/internal/xerrors"
)

// HasDotSegments reports whether any "/"-separated segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// CheckObjectKey rejects keys a directory record should never carry:
// empty keys, dot segments, empty segments and control characters.
func CheckObjectKey(key string) error {
	if key == "" {
		return xerrors.New("empty object key")
	}
	if HasDotSegments(key) {
		return xerrors.Newf("object key %q has dot segments", key)
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "//") {
		return xerrors.Newf("object key %q has empty segments", key)
	}
	for i := 0; i < len(key); i++ {
		if key[i] < 0x20 || key[i] == 0x7f {
			return xerrors.Newf("object key %q has control characters", key)
		}
	}
	return nil
}
