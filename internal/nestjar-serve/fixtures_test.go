package nestjarserve

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var fixtureTime = time.Date(2024, 5, 6, 7, 8, 10, 0, time.UTC)

const (
	plainManifest = "Manifest-Version: 1.0\r\nCreated-By: test\r\n\r\n"
	agentManifest = "Manifest-Version: 1.0\r\nPremain-Class: com.example.Agent\r\n\r\n"
)

type jarEntry struct {
	name   string
	data   string
	method uint16
}

func buildJar(t *testing.T, entries []jarEntry) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: e.name, Method: e.method, Modified: fixtureTime})
		if err != nil {
			t.Fatalf("CreateHeader(%q) error = %v", e.name, err)
		}
		if _, err := w.Write([]byte(e.data)); err != nil {
			t.Fatalf("Write(%q) error = %v", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip Close() error = %v", err)
	}
	return buf.Bytes()
}

func writeJar(t *testing.T, dir, name string, entries []jarEntry) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buildJar(t, entries), 0o600); err != nil {
		t.Fatalf("WriteFile(%q) error = %v", path, err)
	}
	return path
}

// innerJar is the nested library used by the application fixture.
func innerJar(t *testing.T) string {
	t.Helper()
	return string(buildJar(t, []jarEntry{
		{name: "META-INF/", method: zip.Store},
		{name: "META-INF/MANIFEST.MF", data: plainManifest, method: zip.Deflate},
		{name: "com/", method: zip.Store},
		{name: "com/example/", method: zip.Store},
		{name: "com/example/Hello.class", data: "cafebabe hello", method: zip.Deflate},
		{name: "readme.txt", data: "inner readme", method: zip.Store},
		{name: "config/app.json", data: `{"a":1}`, method: zip.Deflate},
	}))
}

const innerJarEntries = 7

// writeAppJar writes app.jar holding one stored and one deflated copy of the
// inner library.
func writeAppJar(t *testing.T, dir string) string {
	t.Helper()
	inner := innerJar(t)
	return writeJar(t, dir, "app.jar", []jarEntry{
		{name: "META-INF/", method: zip.Store},
		{name: "META-INF/MANIFEST.MF", data: plainManifest, method: zip.Deflate},
		{name: "lib/stored.jar", data: inner, method: zip.Store},
		{name: "lib/packed.jar", data: inner, method: zip.Deflate},
		{name: "notes.txt", data: "not an archive", method: zip.Deflate},
	})
}

func writeAgentJar(t *testing.T, dir string) string {
	t.Helper()
	return writeJar(t, dir, "agent.jar", []jarEntry{
		{name: "META-INF/MANIFEST.MF", data: agentManifest, method: zip.Deflate},
		{name: "lib/agent-lib.jar", data: innerJar(t), method: zip.Store},
	})
}
