package nestjar

import (
	"errors"
	"fmt"
)

var (
	// ErrFormat indicates malformed archive records, an unsupported compression
	// method, offset arithmetic overflow or a corrupt compressed stream.
	ErrFormat = errors.New("archive format error")

	// ErrNotFound indicates a well-formed address that names a nested archive or
	// entry which does not exist in an otherwise valid root archive.
	ErrNotFound = errors.New("not found")

	// ErrAddress indicates a syntactically invalid address or an unsupported scheme.
	ErrAddress = errors.New("invalid address")

	// ErrIO indicates the underlying storage could not be read.
	ErrIO = errors.New("archive i/o error")

	// ErrNotNestedArchive indicates an address whose nested component does not carry
	// the archive suffix. Hosts may fall back to a single-level resolver.
	ErrNotNestedArchive = fmt.Errorf("%w: not a nested archive", ErrAddress)
)

func formatErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrFormat}, args...)...)
}

func ioError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}
