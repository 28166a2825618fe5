package nestjar

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func scanBytes(t *testing.T, data []byte) *RootDirectory {
	t.Helper()
	dir, err := ScanRoot(bytes.NewReader(data), int64(len(data)), ".jar")
	require.NoError(t, err)
	return dir
}

func TestDirectArchive_SeekStoredEntry(t *testing.T) {
	t.Parallel()

	inner := buildZip(t, []fixtureEntry{{name: "abc.txt", data: []byte("0123456789"), method: Stored}}, fixtureOptions{})
	root := buildZip(t, []fixtureEntry{{name: "lib.jar", data: inner, method: Stored}}, fixtureOptions{})
	dir := scanBytes(t, root)

	a, err := newDirectArchive("k", bytes.NewReader(root), dir.Nested("lib.jar"), nil)
	require.NoError(t, err)

	rc, err := a.Open("abc.txt")
	require.NoError(t, err)
	seeker, ok := rc.(io.ReadSeeker)
	require.True(t, ok, "stored entries must be seekable")

	_, err = seeker.Seek(4, io.SeekStart)
	require.NoError(t, err)
	rest, err := io.ReadAll(seeker)
	require.NoError(t, err)
	require.Equal(t, "456789", string(rest))

	ra, ok := rc.(io.ReaderAt)
	require.True(t, ok)
	p := make([]byte, 3)
	_, err = ra.ReadAt(p, 7)
	require.NoError(t, err)
	require.Equal(t, "789", string(p))
}

func TestDirectArchive_RejectsCompressedNested(t *testing.T) {
	t.Parallel()

	inner := buildZip(t, []fixtureEntry{{name: "a.txt", data: []byte("a"), method: Stored}}, fixtureOptions{})
	root := buildZip(t, []fixtureEntry{{name: "lib.jar", data: inner, method: Deflated}}, fixtureOptions{})
	dir := scanBytes(t, root)

	_, err := newDirectArchive("k", bytes.NewReader(root), dir.Nested("lib.jar"), nil)
	require.ErrorIs(t, err, ErrFormat)
}

func TestDirectArchive_ChecksumMismatch(t *testing.T) {
	t.Parallel()

	for _, method := range []Method{Stored, Deflated} {
		t.Run(method.String(), func(t *testing.T) {
			t.Parallel()

			payload := bytes.Repeat([]byte("corrupt me please "), 8)
			inner := buildZip(t, []fixtureEntry{{name: "victim.txt", data: payload, method: method}}, fixtureOptions{})
			root := buildZip(t, []fixtureEntry{{name: "lib.jar", data: inner, method: Stored}}, fixtureOptions{})
			dir := scanBytes(t, root)

			n := dir.Nested("lib.jar")
			d := n.Entries.Lookup("victim.txt")
			require.NotNil(t, d)
			start, err := entryDataOffset(bytes.NewReader(root), n.DataOffset, int64(n.Descriptor.CompressedSize), d)
			require.NoError(t, err)

			root[start+int64(d.CompressedSize)/2] ^= 0xFF

			a, err := newDirectArchive("k", bytes.NewReader(root), n, nil)
			require.NoError(t, err)
			rc, err := a.Open("victim.txt")
			require.NoError(t, err)
			_, err = io.ReadAll(rc)
			require.ErrorIs(t, err, ErrFormat)
		})
	}
}

func TestDirectArchive_ConcurrentReads(t *testing.T) {
	t.Parallel()

	var entries []fixtureEntry
	for i := 0; i < 32; i++ {
		method := Stored
		if i%2 == 1 {
			method = Deflated
		}
		entries = append(entries, fixtureEntry{
			name:   fmt.Sprintf("e%02d.txt", i),
			data:   bytes.Repeat([]byte(fmt.Sprintf("entry %02d ", i)), 100+i),
			method: method,
		})
	}
	inner := buildZip(t, entries, fixtureOptions{})
	path := writeFile(t, t.TempDir(), "bundle.jar",
		buildZip(t, []fixtureEntry{{name: "lib.jar", data: inner, method: Stored}}, fixtureOptions{}))
	f := openFile(t, path)
	fi, err := f.Stat()
	require.NoError(t, err)

	dir, err := ScanRoot(f, fi.Size(), ".jar")
	require.NoError(t, err)
	a, err := newDirectArchive("k", f, dir.Nested("lib.jar"), nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, len(entries)*4)
	for round := 0; round < 4; round++ {
		for _, e := range entries {
			wg.Add(1)
			go func(e fixtureEntry) {
				defer wg.Done()
				rc, err := a.Open(e.name)
				if err != nil {
					errs <- err
					return
				}
				defer func() { _ = rc.Close() }()
				got, err := io.ReadAll(rc)
				if err != nil {
					errs <- err
					return
				}
				if !bytes.Equal(got, e.data) {
					errs <- fmt.Errorf("%s: content mismatch", e.name)
				}
			}(e)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestKindString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "direct", KindDirect.String())
	require.Equal(t, "extracted", KindExtracted.String())
	require.Equal(t, "unknown", Kind(0).String())
}
