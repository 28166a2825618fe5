package nestjar

import (
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
)

// inflatePool recycles deflate readers across entry opens and extractions.
var inflatePool sync.Pool

// newInflater returns a deflate reader over r. Closing it returns the reader to the pool.
func newInflater(r io.Reader) io.ReadCloser {
	if v := inflatePool.Get(); v != nil {
		fr, ok := v.(io.ReadCloser)
		rs, resettable := v.(flate.Resetter)
		if ok && resettable && rs.Reset(r, nil) == nil {
			return &pooledInflater{ReadCloser: fr}
		}
	}
	return &pooledInflater{ReadCloser: flate.NewReader(r)}
}

type pooledInflater struct {
	io.ReadCloser
	closed bool
}

func (p *pooledInflater) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	err := p.ReadCloser.Close()
	inflatePool.Put(p.ReadCloser)
	//nolint:wrapcheck // io.Closer.Close is a low-level interface method, pass-through
	return err
}
