package nestjarserve

import (
	"net/url"
	"strings"
)

// RouteKind identifies a supported route.
type RouteKind int

const (
	RouteUnknown RouteKind = iota
	RouteMetrics
	RouteClassPathJSON
	RouteListing
	RouteEntry
)

type Route struct {
	Kind RouteKind

	// Root is the base name of a class path root archive. Set for RouteListing
	// and RouteEntry.
	Root string

	// Nested is the nested archive's entry name inside Root.
	Nested string

	// Entry is the entry name inside Nested. Empty for RouteListing.
	Entry string
}

// ParseRoute parses an escaped request path (url.URL.EscapedPath) and returns
// (route, true) only if the path is a supported route. Otherwise it returns
// (zero, false) and the caller should respond with 404.
//
// Archive routes have the form /<root>/<nested>!/<entry>. The first literal "!/"
// separates the nested archive from the entry; a "!" that belongs to a name must
// be percent-encoded. Components are unescaped after splitting. Any ".." segment
// and any NUL byte is rejected.
func ParseRoute(escapedPath string) (Route, bool) {
	if escapedPath == "" || escapedPath[0] != '/' {
		return Route{}, false
	}

	switch escapedPath {
	case "/metrics":
		return Route{Kind: RouteMetrics}, true
	case "/classpath.json":
		return Route{Kind: RouteClassPathJSON}, true
	}

	trimmed := strings.TrimPrefix(escapedPath, "/")
	head, rawEntry, ok := strings.Cut(trimmed, "!/")
	if !ok {
		return Route{}, false
	}
	rawRoot, rawNested, ok := strings.Cut(head, "/")
	if !ok {
		return Route{}, false
	}

	root, err := url.PathUnescape(rawRoot)
	if err != nil || root == "" || root == "." || strings.Contains(root, "/") || !cleanName(root) {
		return Route{}, false
	}
	nested, err := url.PathUnescape(rawNested)
	if err != nil || nested == "" || !cleanName(nested) {
		return Route{}, false
	}
	entry, err := url.PathUnescape(rawEntry)
	if err != nil || !cleanName(entry) {
		return Route{}, false
	}

	kind := RouteEntry
	if entry == "" {
		kind = RouteListing
	}
	return Route{Kind: kind, Root: root, Nested: nested, Entry: entry}, true
}

// cleanName reports whether an archive entry name is free of NUL bytes and
// ".." segments.
func cleanName(name string) bool {
	if strings.ContainsRune(name, 0) {
		return false
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return false
		}
	}
	return true
}
