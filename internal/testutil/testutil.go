// Package testutil holds shared helpers for package tests.
package testutil

import (
	"archive/zip"
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"
)

// ZipBytes builds an in-memory zip archive from name/content pairs. Names
// with a trailing slash become directory entries.
func ZipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)
	for name, content := range files {
		if strings.HasSuffix(name, "/") {
			if _, err := writer.Create(name); err != nil {
				t.Fatalf("failed to add directory %s: %v", name, err)
			}
			continue
		}
		entry, err := writer.Create(name)
		if err != nil {
			t.Fatalf("failed to add file %s: %v", name, err)
		}
		if _, err := entry.Write([]byte(content)); err != nil {
			t.Fatalf("failed to write file %s: %v", name, err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to finalize archive: %v", err)
	}

	return buf.Bytes()
}

// Logger returns a logger that discards all output
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
