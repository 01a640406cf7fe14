// Package dav holds the resource path rules and the error taxonomy shared by
// the lock manager, version stamps and the resource gateway.
package dav

import (
	"fmt"
	"path"
	"strings"
)

// Root is the namespace root.
const Root = "/"

// Normalize returns the canonical form of a resource path: absolute,
// cleaned, no trailing slash.
func Normalize(resource string) (string, error) {
	trimmed := strings.TrimSpace(resource)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidResource)
	}
	if strings.ContainsRune(trimmed, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidResource, resource)
	}
	return path.Clean("/" + trimmed), nil
}

// Parent returns the containing folder. The root is its own parent.
func Parent(resource string) string {
	if resource == Root || resource == "" {
		return Root
	}
	return path.Dir(resource)
}

// Ancestors lists the folders above resource, nearest first, ending at Root.
func Ancestors(resource string) []string {
	if resource == Root || resource == "" {
		return nil
	}
	var out []string
	for p := Parent(resource); ; p = Parent(p) {
		out = append(out, p)
		if p == Root {
			return out
		}
	}
}

// IsDescendant reports whether resource lies strictly below ancestor.
func IsDescendant(resource, ancestor string) bool {
	if resource == ancestor {
		return false
	}
	return strings.HasPrefix(resource, SubtreePrefix(ancestor))
}

// SubtreePrefix is the key prefix shared by every descendant of resource.
func SubtreePrefix(resource string) string {
	if resource == Root {
		return Root
	}
	return resource + "/"
}
