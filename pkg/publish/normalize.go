package publish

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeRelPath canonicalizes an uploaded file's relative path.
// Backslashes become slashes, a leading "./" or "/" is stripped, and
// repeated slashes collapse. Traversal segments are rejected in raw,
// percent-decoded, and NFKC-normalized forms, as are control characters
// and ':'.
func NormalizeRelPath(raw string) (string, error) {
	p := strings.ReplaceAll(raw, "\\", "/")
	for strings.HasPrefix(p, "./") {
		p = p[2:]
	}
	p = strings.TrimPrefix(p, "/")
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	if p == "" || strings.HasSuffix(p, "/") {
		return "", fmt.Errorf("invalid path %q", raw)
	}

	for _, r := range p {
		if r < 0x20 || r == 0x7f || r == ':' {
			return "", fmt.Errorf("invalid character in path %q", raw)
		}
	}

	for _, seg := range strings.Split(p, "/") {
		if seg == "" {
			return "", fmt.Errorf("invalid path %q", raw)
		}
		if isDotSegment(seg) {
			return "", fmt.Errorf("traversal segment in path %q", raw)
		}
		// A percent-encoded or confusable-unicode ".." must not sneak past.
		if decoded, err := url.PathUnescape(seg); err == nil && isDotSegment(decoded) {
			return "", fmt.Errorf("traversal segment in path %q", raw)
		}
		if isDotSegment(norm.NFKC.String(seg)) {
			return "", fmt.Errorf("traversal segment in path %q", raw)
		}
	}
	return p, nil
}

func isDotSegment(seg string) bool {
	return seg == "." || seg == ".."
}

// CommonRootFolder returns the first path segment shared by every file
// in the set, or "" when the files do not all live under one folder. A
// shared folder literally named index.html is never treated as a
// strippable root.
func CommonRootFolder(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	root := ""
	for _, p := range paths {
		i := strings.Index(p, "/")
		if i < 0 {
			// A root-level file means there is nothing to strip, except
			// the single <folder>/index.html case handled by the caller.
			return ""
		}
		seg := p[:i]
		if root == "" {
			root = seg
		} else if seg != root {
			return ""
		}
	}
	if strings.EqualFold(root, "index.html") {
		return ""
	}
	return root
}

// SoleIndexFolder returns the one folder holding the set's only
// <folder>/index.html, or "" when zero or several folders qualify.
// Deeper nesting does not count.
func SoleIndexFolder(paths []string) string {
	folder := ""
	for _, p := range paths {
		i := strings.Index(p, "/")
		if i <= 0 {
			continue
		}
		if !strings.EqualFold(p[i+1:], "index.html") {
			continue
		}
		if folder != "" {
			return ""
		}
		folder = p[:i]
	}
	return folder
}

// HasRootIndex reports whether the set contains an index.html at its
// root, case-insensitively.
func HasRootIndex(paths []string) bool {
	for _, p := range paths {
		if strings.EqualFold(p, "index.html") {
			return true
		}
	}
	return false
}
