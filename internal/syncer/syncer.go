// Package syncer orchestrates source resolution and transforms across all
// entries of a destination and atomically replaces the destination
// directory with the merged result.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/schaermu/wrapperd/internal/config"
	"github.com/schaermu/wrapperd/internal/transform"
)

// maxWorkers caps concurrent fetch/transform operations per destination so
// a destination with many entries does not open unbounded outbound
// connections.
const maxWorkers = 4

// Resolver turns a source entry into raw bytes
type Resolver interface {
	Resolve(ctx context.Context, entry config.Entry) ([]byte, error)
}

// Outcome is the per-destination result of one synchronization pass
type Outcome struct {
	// Files is the number of files in the new destination set.
	Files int
	// Err is the first error encountered; nil on success.
	Err error
}

// Failed reports whether the pass left the previous file set in place.
func (o Outcome) Failed() bool {
	return o.Err != nil
}

// Syncer replaces destination directories with freshly resolved content.
// The live directory is only ever swapped whole: any failure before the
// final rename leaves the previous file set untouched.
type Syncer struct {
	root     string
	resolver Resolver
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a syncer managing destinations under root
func New(root string, resolver Resolver, logger *slog.Logger) *Syncer {
	return &Syncer{
		root:     root,
		resolver: resolver,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
	}
}

// Sync resolves, transforms, merges and swaps one destination. Passes for
// the same destination are serialized; a firing that arrives while a pass
// is in flight waits for it.
func (s *Syncer) Sync(ctx context.Context, dest config.Destination) Outcome {
	lock := s.destLock(dest.Name)
	lock.Lock()
	defer lock.Unlock()

	s.logger.Info("synchronizing destination", "destination", dest.Name, "path", dest.Path)

	files, err := s.collect(ctx, dest)
	if err != nil {
		return Outcome{Err: fmt.Errorf("destination %q: %w", dest.Name, err)}
	}

	// Never swap a staging set that was assembled under cancellation.
	if err := ctx.Err(); err != nil {
		return Outcome{Err: fmt.Errorf("destination %q: sync cancelled: %w", dest.Name, err)}
	}

	if err := s.replace(dest, files); err != nil {
		return Outcome{Err: fmt.Errorf("destination %q: %w", dest.Name, err)}
	}

	s.logger.Info("destination synchronized", "destination", dest.Name, "files", len(files))
	return Outcome{Files: len(files)}
}

// collect resolves and transforms every entry of every source concurrently
// and merges the outputs deterministically by declaration order.
func (s *Syncer) collect(ctx context.Context, dest config.Destination) ([]transform.File, error) {
	results := make([][][]transform.File, len(dest.Sources))
	jobs := 0
	for i, src := range dest.Sources {
		results[i] = make([][]transform.File, len(src.Entries))
		jobs += len(src.Entries)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	if jobs > maxWorkers {
		group.SetLimit(maxWorkers)
	}

	for i, src := range dest.Sources {
		for j, entry := range src.Entries {
			group.Go(func() error {
				payload, err := s.resolver.Resolve(groupCtx, entry)
				if err != nil {
					return fmt.Errorf("source %q entry %q: %w", src.Name, entry.Name, err)
				}

				files, err := transform.Apply(src.Transform, entry.Name, payload)
				if err != nil {
					return fmt.Errorf("source %q entry %q: %w", src.Name, entry.Name, err)
				}

				results[i][j] = files
				return nil
			})
		}
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	// Merge in declaration order regardless of completion order. When two
	// entries produce the same relative path, the later-declared one wins.
	order := make([]string, 0, jobs)
	byPath := make(map[string][]byte, jobs)
	for _, sourceResults := range results {
		for _, entryFiles := range sourceResults {
			for _, file := range entryFiles {
				if _, seen := byPath[file.Path]; !seen {
					order = append(order, file.Path)
				}
				byPath[file.Path] = file.Data
			}
		}
	}

	merged := make([]transform.File, 0, len(order))
	for _, path := range order {
		merged = append(merged, transform.File{Path: path, Data: byPath[path]})
	}
	return merged, nil
}

// replace materializes the merged file set into a staging directory and
// swaps it into place. The live directory is never cleared in place.
func (s *Syncer) replace(dest config.Destination, files []transform.File) error {
	live := filepath.Join(s.root, dest.Path)
	parent := filepath.Dir(live)

	if err := os.MkdirAll(parent, 0755); err != nil {
		return fmt.Errorf("failed to create destination parent: %w", err)
	}

	staging, err := os.MkdirTemp(parent, ".wrapperd-staging-*")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(staging)
	}()

	for _, file := range files {
		target := filepath.Join(staging, filepath.FromSlash(file.Path))
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("failed to stage %s: %w", file.Path, err)
		}
		if err := os.WriteFile(target, file.Data, 0644); err != nil {
			return fmt.Errorf("failed to stage %s: %w", file.Path, err)
		}
	}

	return s.swap(live, staging)
}

// swap renames the live directory aside, renames staging into place, then
// discards the displaced set. On a failed swap the previous set is
// restored.
func (s *Syncer) swap(live, staging string) error {
	displaced := live + ".wrapperd-old"

	// A leftover displaced directory means a previous run crashed between
	// swap and cleanup; its content is stale either way.
	if err := os.RemoveAll(displaced); err != nil {
		return fmt.Errorf("failed to clear displaced directory: %w", err)
	}

	liveExists := true
	if _, err := os.Stat(live); os.IsNotExist(err) {
		liveExists = false
	} else if err != nil {
		return fmt.Errorf("failed to stat destination: %w", err)
	}

	if liveExists {
		if err := os.Rename(live, displaced); err != nil {
			return fmt.Errorf("failed to displace previous file set: %w", err)
		}
	}

	if err := os.Rename(staging, live); err != nil {
		if liveExists {
			if restoreErr := os.Rename(displaced, live); restoreErr != nil {
				return fmt.Errorf("failed to swap in new file set (%v); restore failed: %w", err, restoreErr)
			}
		}
		return fmt.Errorf("failed to swap in new file set: %w", err)
	}

	if liveExists {
		if err := os.RemoveAll(displaced); err != nil {
			s.logger.Warn("failed to remove displaced file set", "path", displaced, "error", err)
		}
	}

	return nil
}

// destLock returns the mutex serializing syncs of one destination
func (s *Syncer) destLock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[name] = lock
	}
	return lock
}
