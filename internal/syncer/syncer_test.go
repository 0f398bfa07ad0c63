package syncer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/schaermu/wrapperd/internal/config"
	"github.com/schaermu/wrapperd/internal/testutil"
)

// fakeResolver serves payloads by entry name, optionally failing some
// entries or jittering completion order. A fn override takes precedence
// over the payload map.
type fakeResolver struct {
	payloads map[string][]byte
	failing  map[string]error
	fn       func(config.Entry) ([]byte, error)
	jitter   time.Duration
	calls    atomic.Int32
}

func (f *fakeResolver) Resolve(ctx context.Context, entry config.Entry) ([]byte, error) {
	f.calls.Add(1)
	if f.jitter > 0 {
		select {
		case <-time.After(time.Duration(rand.Int63n(int64(f.jitter)))):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fn != nil {
		return f.fn(entry)
	}
	if err, ok := f.failing[entry.Name]; ok {
		return nil, err
	}
	payload, ok := f.payloads[entry.Name]
	if !ok {
		return nil, fmt.Errorf("no payload for entry %q", entry.Name)
	}
	return payload, nil
}

func destination(sources ...config.Source) config.Destination {
	return config.Destination{
		Name:     "mods",
		Path:     "mods",
		Triggers: []string{config.StartupTrigger},
		Sources:  sources,
	}
}

func plainSource(name string, entryNames ...string) config.Source {
	entries := make([]config.Entry, 0, len(entryNames))
	for _, entryName := range entryNames {
		entries = append(entries, config.Entry{Name: entryName, Kind: config.EntryURL, URL: "https://example.com/" + entryName})
	}
	return config.Source{Name: name, Entries: entries}
}

func readTree(t *testing.T, dir string) map[string]string {
	t.Helper()
	tree := make(map[string]string)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		tree[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		t.Fatalf("failed to read tree %s: %v", dir, err)
	}
	return tree
}

func TestSyncWritesMergedSet(t *testing.T) {
	root := t.TempDir()
	resolver := &fakeResolver{payloads: map[string][]byte{
		"a.jar": []byte("a"),
		"b.jar": []byte("b"),
	}}

	sync := New(root, resolver, testutil.Logger())
	outcome := sync.Sync(context.Background(), destination(plainSource("base", "a.jar", "b.jar")))
	if outcome.Failed() {
		t.Fatalf("Sync failed: %v", outcome.Err)
	}
	if outcome.Files != 2 {
		t.Errorf("expected 2 files, got %d", outcome.Files)
	}

	tree := readTree(t, filepath.Join(root, "mods"))
	if tree["a.jar"] != "a" || tree["b.jar"] != "b" {
		t.Errorf("unexpected tree: %v", tree)
	}
}

func TestSyncLaterSourceWins(t *testing.T) {
	root := t.TempDir()

	// Both sources produce server.jar; declaration order must decide,
	// regardless of which resolution finishes first.
	base := config.Source{Name: "base", Entries: []config.Entry{
		{Name: "server.jar", Kind: config.EntryURL, URL: "https://example.com/base"},
	}}
	overrides := config.Source{Name: "overrides", Entries: []config.Entry{
		{Name: "server.jar", Kind: config.EntryPath, Path: "/opt/override"},
	}}

	for range 20 {
		resolver := &fakeResolver{
			jitter: 2 * time.Millisecond,
			fn: func(entry config.Entry) ([]byte, error) {
				if entry.Kind == config.EntryPath {
					return []byte("from-overrides"), nil
				}
				return []byte("from-base"), nil
			},
		}

		sync := New(root, resolver, testutil.Logger())
		outcome := sync.Sync(context.Background(), destination(base, overrides))
		if outcome.Failed() {
			t.Fatalf("Sync failed: %v", outcome.Err)
		}
		if outcome.Files != 1 {
			t.Fatalf("expected 1 merged file, got %d", outcome.Files)
		}

		tree := readTree(t, filepath.Join(root, "mods"))
		if tree["server.jar"] != "from-overrides" {
			t.Fatalf("expected later source to win, got %q", tree["server.jar"])
		}
	}
}

func TestSyncFailureKeepsPreviousSet(t *testing.T) {
	root := t.TempDir()

	good := &fakeResolver{payloads: map[string][]byte{"a.jar": []byte("v1")}}
	sync := New(root, good, testutil.Logger())
	if outcome := sync.Sync(context.Background(), destination(plainSource("base", "a.jar"))); outcome.Failed() {
		t.Fatalf("initial Sync failed: %v", outcome.Err)
	}

	bad := &fakeResolver{
		payloads: map[string][]byte{"a.jar": []byte("v2")},
		failing:  map[string]error{"b.jar": errors.New("upstream down")},
	}
	sync = New(root, bad, testutil.Logger())
	outcome := sync.Sync(context.Background(), destination(plainSource("base", "a.jar", "b.jar")))
	if !outcome.Failed() {
		t.Fatal("expected Sync to fail")
	}
	if !strings.Contains(outcome.Err.Error(), `entry "b.jar"`) {
		t.Errorf("expected error to name the failing entry, got %v", outcome.Err)
	}

	tree := readTree(t, filepath.Join(root, "mods"))
	if len(tree) != 1 || tree["a.jar"] != "v1" {
		t.Errorf("previous file set was disturbed: %v", tree)
	}
}

func TestSyncRemovesStaleFiles(t *testing.T) {
	root := t.TempDir()
	live := filepath.Join(root, "mods")
	if err := os.MkdirAll(live, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(live, "stale.jar"), []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	resolver := &fakeResolver{payloads: map[string][]byte{"a.jar": []byte("a")}}
	sync := New(root, resolver, testutil.Logger())
	if outcome := sync.Sync(context.Background(), destination(plainSource("base", "a.jar"))); outcome.Failed() {
		t.Fatalf("Sync failed: %v", outcome.Err)
	}

	tree := readTree(t, live)
	if _, ok := tree["stale.jar"]; ok {
		t.Error("stale file survived the swap")
	}
	if tree["a.jar"] != "a" {
		t.Errorf("unexpected tree: %v", tree)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	root := t.TempDir()
	resolver := &fakeResolver{payloads: map[string][]byte{"a.jar": []byte("a")}}
	sync := New(root, resolver, testutil.Logger())
	dest := destination(plainSource("base", "a.jar"))

	first := sync.Sync(context.Background(), dest)
	second := sync.Sync(context.Background(), dest)
	if first.Failed() || second.Failed() {
		t.Fatalf("Sync failed: %v / %v", first.Err, second.Err)
	}

	tree := readTree(t, filepath.Join(root, "mods"))
	if len(tree) != 1 || tree["a.jar"] != "a" {
		t.Errorf("repeated sync changed the tree: %v", tree)
	}
}

func TestSyncManyEntriesComplete(t *testing.T) {
	root := t.TempDir()

	names := make([]string, 0, 9)
	payloads := make(map[string][]byte, 9)
	for i := range 9 {
		name := fmt.Sprintf("mod-%d.jar", i)
		names = append(names, name)
		payloads[name] = []byte(name)
	}

	resolver := &fakeResolver{payloads: payloads, jitter: time.Millisecond}
	sync := New(root, resolver, testutil.Logger())
	outcome := sync.Sync(context.Background(), destination(plainSource("base", names...)))
	if outcome.Failed() {
		t.Fatalf("Sync failed: %v", outcome.Err)
	}
	if outcome.Files != len(names) {
		t.Errorf("expected %d files, got %d", len(names), outcome.Files)
	}
	if got := resolver.calls.Load(); got != int32(len(names)) {
		t.Errorf("expected %d resolutions, got %d", len(names), got)
	}

	tree := readTree(t, filepath.Join(root, "mods"))
	for _, name := range names {
		if tree[name] != name {
			t.Errorf("missing or wrong content for %s", name)
		}
	}
}

func TestSyncCancelledContext(t *testing.T) {
	root := t.TempDir()
	live := filepath.Join(root, "mods")
	if err := os.MkdirAll(live, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(live, "keep.jar"), []byte("keep"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resolver := &fakeResolver{payloads: map[string][]byte{"a.jar": []byte("a")}}
	sync := New(root, resolver, testutil.Logger())
	outcome := sync.Sync(ctx, destination(plainSource("base", "a.jar")))
	if !outcome.Failed() {
		t.Fatal("expected cancelled sync to fail")
	}

	tree := readTree(t, live)
	if len(tree) != 1 || tree["keep.jar"] != "keep" {
		t.Errorf("cancelled sync disturbed the live set: %v", tree)
	}
}

func TestSyncNestedDestinationPath(t *testing.T) {
	root := t.TempDir()
	resolver := &fakeResolver{payloads: map[string][]byte{"pack.zip": []byte("pack")}}
	sync := New(root, resolver, testutil.Logger())

	dest := config.Destination{
		Name:     "datapacks",
		Path:     "world/datapacks",
		Triggers: []string{config.StartupTrigger},
		Sources:  []config.Source{plainSource("packs", "pack.zip")},
	}
	if outcome := sync.Sync(context.Background(), dest); outcome.Failed() {
		t.Fatalf("Sync failed: %v", outcome.Err)
	}

	tree := readTree(t, filepath.Join(root, "world", "datapacks"))
	if tree["pack.zip"] != "pack" {
		t.Errorf("unexpected tree: %v", tree)
	}
}

func TestSyncLeavesNoStagingLitter(t *testing.T) {
	root := t.TempDir()
	resolver := &fakeResolver{payloads: map[string][]byte{"a.jar": []byte("a")}}
	sync := New(root, resolver, testutil.Logger())
	if outcome := sync.Sync(context.Background(), destination(plainSource("base", "a.jar"))); outcome.Failed() {
		t.Fatalf("Sync failed: %v", outcome.Err)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		if entry.Name() != "mods" {
			t.Errorf("unexpected leftover in root: %s", entry.Name())
		}
	}
}
