package nestjar

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want Address
	}{
		{
			name: "two level",
			in:   "jar:jar:file:/opt/app/bundle.jar!/lib.jar!/data.txt",
			want: Address{Root: "/opt/app/bundle.jar", Nested: "lib.jar", Entry: "data.txt"},
		},
		{
			name: "two level empty entry",
			in:   "jar:jar:file:/opt/app/bundle.jar!/lib.jar!/",
			want: Address{Root: "/opt/app/bundle.jar", Nested: "lib.jar"},
		},
		{
			name: "single level nested only",
			in:   "jar:file:/opt/app/bundle.jar!/lib/dep.jar",
			want: Address{Root: "/opt/app/bundle.jar", Nested: "lib/dep.jar"},
		},
		{
			name: "single level with entry",
			in:   "jar:file:/opt/app/bundle.jar!/lib.jar!/com/example/A.class",
			want: Address{Root: "/opt/app/bundle.jar", Nested: "lib.jar", Entry: "com/example/A.class"},
		},
		{
			name: "file url with empty host",
			in:   "jar:jar:file:///opt/app/bundle.jar!/lib.jar!/x",
			want: Address{Root: "/opt/app/bundle.jar", Nested: "lib.jar", Entry: "x"},
		},
		{
			name: "root is cleaned",
			in:   "jar:jar:file:/opt/app/../app/./bundle.jar!/lib.jar!/x",
			want: Address{Root: "/opt/app/bundle.jar", Nested: "lib.jar", Entry: "x"},
		},
		{
			name: "escaped separator in entry",
			in:   "jar:jar:file:/b.jar!/lib.jar!/a%21/b%20c",
			want: Address{Root: "/b.jar", Nested: "lib.jar", Entry: "a!/b c"},
		},
		{
			name: "entry keeps later separators",
			in:   "jar:jar:file:/b.jar!/lib.jar!/x!/y",
			want: Address{Root: "/b.jar", Nested: "lib.jar", Entry: "x!/y"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseAddress(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestParseAddress_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
	}{
		{name: "not jar", in: "file:/b.jar"},
		{name: "http location", in: "jar:http://host/b.jar!/lib.jar!/x"},
		{name: "missing root separator", in: "jar:jar:file:/b.jar"},
		{name: "missing nested separator", in: "jar:jar:file:/b.jar!/lib.jar"},
		{name: "relative root", in: "jar:jar:file:b.jar!/lib.jar!/x"},
		{name: "empty nested", in: "jar:jar:file:/b.jar!/!/x"},
		{name: "nested directory", in: "jar:file:/b.jar!/lib/"},
		{name: "file url with host", in: "jar:file://host/b.jar!/lib.jar"},
		{name: "bad escape", in: "jar:jar:file:/b.jar!/lib.jar!/%zz"},
		{name: "NUL in nested", in: "jar:jar:file:/a.jar!/b.jar%00c.jar!/x"},
		{name: "NUL in entry", in: "jar:jar:file:/a.jar!/b.jar!/c%00d"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseAddress(tt.in)
			require.ErrorIs(t, err, ErrAddress)
			require.NotErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestAddress_StringRoundTrip(t *testing.T) {
	t.Parallel()

	addrs := []Address{
		{Root: "/tmp/bundle.jar", Nested: "lib.jar", Entry: "data.txt"},
		{Root: "/tmp/" + weirdName + "/bundle.jar", Nested: "lib-" + weirdName + ".jar", Entry: weirdName},
		{Root: "/tmp/b!/x.jar", Nested: "a!/b.jar", Entry: "c!/d"},
		{Root: "/tmp/bundle.jar", Nested: "lib.jar"},
	}
	for _, a := range addrs {
		s := a.String()
		got, err := ParseAddress(s)
		require.NoError(t, err, s)
		require.Equal(t, a, got, s)

		archive, err := ParseAddress(a.ArchiveURL())
		require.NoError(t, err)
		require.Equal(t, Address{Root: a.Root, Nested: a.Nested}, archive)
	}
}

func TestAddress_Key(t *testing.T) {
	t.Parallel()

	a := Address{Root: "/a", Nested: "b.jar", Entry: "c"}
	b := Address{Root: "/a", Nested: "b.jar", Entry: ""}
	c := Address{Root: "/a", Nested: "b.jarc", Entry: ""}
	require.NotEqual(t, a.Key(), b.Key())
	require.NotEqual(t, a.Key(), c.Key())
	require.Equal(t, a.archiveKey(), b.archiveKey())

	// A NUL inside a component would let two triples join to the same key.
	_, err := NewAddress("/a.jar\x00b.jar", "c.jar", "")
	require.ErrorIs(t, err, ErrAddress)
	_, err = NewAddress("/a.jar", "b.jar\x00c.jar", "")
	require.ErrorIs(t, err, ErrAddress)
	_, err = NewAddress("/a.jar", "b.jar", "c\x00d")
	require.ErrorIs(t, err, ErrAddress)
}

func TestNewAddress(t *testing.T) {
	t.Parallel()

	_, err := NewAddress("relative.jar", "lib.jar", "")
	require.ErrorIs(t, err, ErrAddress)
	_, err = NewAddress("/abs.jar", "", "x")
	require.ErrorIs(t, err, ErrAddress)

	a, err := NewAddress("/x/../abs.jar", "lib.jar", "e")
	require.NoError(t, err)
	require.Equal(t, "/abs.jar", a.Root)
}
