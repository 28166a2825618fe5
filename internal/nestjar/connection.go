package nestjar

import (
	"fmt"
	"io"
)

// Connection is the cached handle for one address. It pairs the address with the
// access strategy of its nested archive; all connections into the same nested
// archive share one Archive.
type Connection struct {
	addr    Address
	archive Archive
}

// Address returns the normalized address this connection was resolved from.
func (c *Connection) Address() Address {
	return c.addr
}

// Archive returns the nested archive's access strategy.
func (c *Connection) Archive() Archive {
	return c.archive
}

// Open returns the bytes of the addressed entry. Each call returns an independent
// reader. A compressed nested archive is extracted on the first call.
func (c *Connection) Open() (io.ReadCloser, error) {
	if c.addr.Entry == "" {
		return nil, fmt.Errorf("%w: %s addresses a nested archive, not an entry", ErrNotFound, c.addr)
	}
	return c.archive.Open(c.addr.Entry)
}

// Entry returns the addressed entry's descriptor.
func (c *Connection) Entry() (*EntryDescriptor, error) {
	if c.addr.Entry == "" {
		return c.archive.Descriptor(), nil
	}
	return c.archive.Entry(c.addr.Entry)
}

// IsDirectory reports whether the address names a container: the nested archive
// itself or a directory marker inside it.
func (c *Connection) IsDirectory() (bool, error) {
	if c.addr.Entry == "" {
		return true, nil
	}
	d, err := c.archive.Entry(c.addr.Entry)
	if err != nil {
		return false, err
	}
	return d.IsDir(), nil
}
