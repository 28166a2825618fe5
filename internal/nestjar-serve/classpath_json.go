package nestjarserve

import (
	"net/url"
	"strings"

	"nestjar-serve/internal/nestjar"
)

// ClassPathDocument is the /classpath.json response body.
type ClassPathDocument struct {
	Suffix   string                 `json:"suffix"`
	Elements []string               `json:"elements"`
	Roots    []ClassPathJSONRoot    `json:"roots"`
	Skipped  []ClassPathJSONSkipped `json:"skipped"`
}

// ClassPathJSONRoot describes one expanded root archive.
type ClassPathJSONRoot struct {
	Name   string                `json:"name"`
	Path   string                `json:"path"`
	Forced bool                  `json:"forced"`
	Nested []ClassPathJSONNested `json:"nested"`
}

// ClassPathJSONNested describes one nested archive and how it will be accessed.
type ClassPathJSONNested struct {
	Name           string `json:"name"`
	Kind           string `json:"kind"`
	Size           uint64 `json:"size"`
	CompressedSize uint64 `json:"compressed_size"`

	// Entries is only known up front for directly accessed archives.
	Entries *int `json:"entries,omitempty"`

	// ArchiveURL is the jar: address of the nested archive; ListingURL is where
	// this server lists its entries.
	ArchiveURL string `json:"archive_url"`
	ListingURL string `json:"listing_url"`
}

// ClassPathJSONSkipped is a listed element that was not expanded.
type ClassPathJSONSkipped struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// BuildClassPathDocument renders a snapshot. URLs are rooted at publicBaseURL,
// which is derived per request.
func BuildClassPathDocument(snap ClassPathSnapshot, suffix, publicBaseURL string) ClassPathDocument {
	doc := ClassPathDocument{
		Suffix:   suffix,
		Elements: append([]string{}, snap.Elements...),
		Roots:    make([]ClassPathJSONRoot, 0, len(snap.Order)),
		Skipped:  make([]ClassPathJSONSkipped, 0, len(snap.Skipped)),
	}

	for _, name := range snap.Order {
		root := snap.Roots[name]
		jr := ClassPathJSONRoot{
			Name:   root.Name,
			Path:   root.Path,
			Forced: root.Forced,
			Nested: make([]ClassPathJSONNested, 0, len(root.Nested)),
		}
		for _, addr := range root.Nested {
			n := root.Directory.Nested(addr.Nested)
			if n == nil {
				continue
			}
			jn := ClassPathJSONNested{
				Name:           n.Name,
				Kind:           nestjar.KindDirect.String(),
				Size:           n.Descriptor.UncompressedSize,
				CompressedSize: n.Descriptor.CompressedSize,
				ArchiveURL:     addr.ArchiveURL(),
				ListingURL:     publicBaseURL + listingPath(root.Name, n.Name),
			}
			if n.Compressed() {
				jn.Kind = nestjar.KindExtracted.String()
			} else if n.Entries != nil {
				count := n.Entries.Len()
				jn.Entries = &count
			}
			jr.Nested = append(jr.Nested, jn)
		}
		doc.Roots = append(doc.Roots, jr)
	}

	for _, s := range snap.Skipped {
		doc.Skipped = append(doc.Skipped, ClassPathJSONSkipped{Path: s.Path, Reason: s.Reason})
	}

	return doc
}

// listingPath is the request path that lists a nested archive: /<root>/<nested>!/
func listingPath(root, nested string) string {
	return "/" + url.PathEscape(root) + "/" + escapeSegments(nested) + "!/"
}

// entryPath is the request path that serves one entry of a nested archive.
func entryPath(root, nested, entry string) string {
	return listingPath(root, nested) + escapeSegments(entry)
}

// escapeSegments escapes each slash-separated segment, keeping the slashes.
func escapeSegments(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}
