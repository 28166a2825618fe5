package nestjar

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// Separator splits the root path, nested archive name and entry name of an address.
const Separator = "!/"

const (
	schemeNested = "jar:jar:file:"
	schemeSingle = "jar:file:"
)

// Address identifies one entry inside one nested archive inside one root archive.
//
// An empty Entry addresses the nested archive itself.
type Address struct {
	Root   string
	Nested string
	Entry  string
}

// NewAddress validates and normalizes an address triple.
func NewAddress(root, nested, entry string) (Address, error) {
	if root == "" || !filepath.IsAbs(root) {
		return Address{}, fmt.Errorf("%w: root %q is not an absolute path", ErrAddress, root)
	}
	if nested == "" {
		return Address{}, fmt.Errorf("%w: empty nested archive name", ErrAddress)
	}
	if strings.HasSuffix(nested, "/") {
		return Address{}, fmt.Errorf("%w: nested archive %q is a directory", ErrAddress, nested)
	}
	for _, c := range [...]string{root, nested, entry} {
		if strings.IndexByte(c, 0) >= 0 {
			return Address{}, fmt.Errorf("%w: NUL byte in %q", ErrAddress, c)
		}
	}
	return Address{Root: filepath.Clean(root), Nested: nested, Entry: entry}, nil
}

// ParseAddress parses either the two-level form
//
//	jar:jar:file:<root>!/<nested>!/<entry>
//
// or the single-level form
//
//	jar:file:<root>!/<nested>[!/<entry>]
//
// Components are percent-decoded after splitting on Separator.
func ParseAddress(s string) (Address, error) {
	var rest string
	switch {
	case strings.HasPrefix(s, schemeNested):
		rest = strings.TrimPrefix(s, schemeNested)
	case strings.HasPrefix(s, schemeSingle):
		rest = strings.TrimPrefix(s, schemeSingle)
	case strings.HasPrefix(s, "jar:"):
		return Address{}, fmt.Errorf("%w: unsupported location scheme in %q (expected file)", ErrAddress, s)
	default:
		return Address{}, fmt.Errorf("%w: unsupported scheme in %q (expected jar)", ErrAddress, s)
	}

	// file://<empty host>/abs/path
	if strings.HasPrefix(rest, "//") {
		rest = rest[2:]
		if !strings.HasPrefix(rest, "/") {
			return Address{}, fmt.Errorf("%w: file location with host in %q", ErrAddress, s)
		}
	}

	i := strings.Index(rest, Separator)
	if i < 0 {
		return Address{}, fmt.Errorf("%w: missing %q after root in %q", ErrAddress, Separator, s)
	}
	rawRoot, tail := rest[:i], rest[i+len(Separator):]

	rawNested, rawEntry := tail, ""
	if j := strings.Index(tail, Separator); j >= 0 {
		rawNested, rawEntry = tail[:j], tail[j+len(Separator):]
	} else if strings.HasPrefix(s, schemeNested) {
		return Address{}, fmt.Errorf("%w: missing %q after nested archive in %q", ErrAddress, Separator, s)
	}

	root, err := unescapeComponent(rawRoot)
	if err != nil {
		return Address{}, err
	}
	nested, err := unescapeComponent(rawNested)
	if err != nil {
		return Address{}, err
	}
	entry, err := unescapeComponent(rawEntry)
	if err != nil {
		return Address{}, err
	}
	return NewAddress(root, nested, entry)
}

// String renders the two-level form with every component escaped.
func (a Address) String() string {
	return schemeNested + escapeComponent(a.Root) + Separator +
		escapeComponent(a.Nested) + Separator + escapeComponent(a.Entry)
}

// ArchiveURL renders the single-level form addressing the nested archive itself.
func (a Address) ArchiveURL() string {
	return schemeSingle + escapeComponent(a.Root) + Separator + escapeComponent(a.Nested)
}

// Key is the connection cache key. NewAddress rejects NUL in every component,
// so distinct triples never share a key.
func (a Address) Key() string {
	return a.Root + "\x00" + a.Nested + "\x00" + a.Entry
}

func (a Address) archiveKey() string {
	return a.Root + "\x00" + a.Nested
}

func unescapeComponent(s string) (string, error) {
	if !strings.Contains(s, "%") {
		return s, nil
	}
	out, err := url.PathUnescape(s)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAddress, err)
	}
	return out, nil
}

// escapeComponent percent-encodes every byte outside the unreserved set and '/'.
// '!' is always escaped so Separator never occurs inside an encoded component.
func escapeComponent(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '-', '.', '_', '~', '/':
		return true
	}
	return false
}
