// Package transform turns a resolved source payload into the set of
// relative-path/bytes pairs a destination receives.
package transform

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/schaermu/wrapperd/internal/config"
)

// ErrUnsafePath is returned when an output path would escape the
// destination root after normalization.
var ErrUnsafePath = errors.New("unsafe output path")

// File is one output of a transform: a normalized relative path and its
// contents.
type File struct {
	Path string
	Data []byte
}

// Apply runs the transform over a payload. For a pass-through transform the
// result is a single file named after the entry; for unzip it is the
// filtered contents of the archive.
func Apply(spec config.Transform, entryName string, payload []byte) ([]File, error) {
	if !spec.IsUnzip() {
		name, err := safeRelPath(entryName)
		if err != nil {
			return nil, fmt.Errorf("entry name %q: %w", entryName, err)
		}
		return []File{{Path: name, Data: payload}}, nil
	}

	return applyUnzip(spec.Unzip, payload)
}

func applyUnzip(filters []config.Filter, payload []byte) ([]File, error) {
	archive, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse archive: %w", err)
	}

	var files []File
	for _, member := range archive.File {
		if member.FileInfo().IsDir() {
			continue
		}

		rel, err := safeRelPath(member.Name)
		if err != nil {
			return nil, fmt.Errorf("archive member %q: %w", member.Name, err)
		}

		if !Match(filters, rel) {
			continue
		}

		reader, err := member.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open archive member %q: %w", member.Name, err)
		}
		data, err := io.ReadAll(reader)
		_ = reader.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read archive member %q: %w", member.Name, err)
		}

		files = append(files, File{Path: rel, Data: data})
	}

	return files, nil
}

// Match evaluates the filter list against a relative path. Filters are
// applied in declaration order and the last matching filter decides. A path
// matching no filter survives only when the list carries no include
// filters, so pure exclusion lists keep everything else.
func Match(filters []config.Filter, relPath string) bool {
	hasInclude := false
	for _, filter := range filters {
		if !filter.Exclude {
			hasInclude = true
			break
		}
	}

	included := !hasInclude
	for _, filter := range filters {
		// Patterns are validated at config load time.
		ok, err := doublestar.Match(filter.Pattern, relPath)
		if err != nil || !ok {
			continue
		}
		included = !filter.Exclude
	}

	return included
}

// safeRelPath normalizes an archive-internal or entry name to a clean
// relative path, rejecting anything that would resolve outside the
// destination root.
func safeRelPath(name string) (string, error) {
	normalized := path.Clean(strings.ReplaceAll(name, `\`, "/"))

	if normalized == "." || normalized == "" {
		return "", ErrUnsafePath
	}
	if path.IsAbs(normalized) || strings.Contains(normalized, ":") {
		return "", ErrUnsafePath
	}
	if normalized == ".." || strings.HasPrefix(normalized, "../") {
		return "", ErrUnsafePath
	}

	return normalized, nil
}
