package source

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/schaermu/wrapperd/internal/config"
)

type projectVersion struct {
	DatePublished time.Time     `json:"date_published"`
	Files         []projectFile `json:"files"`
}

type projectFile struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Primary  bool   `json:"primary"`
}

// resolveModrinth downloads the primary file of the newest published
// version of a Modrinth project, optionally constrained to a game version.
func (r *Resolver) resolveModrinth(ctx context.Context, entry config.Entry) ([]byte, error) {
	listURL := fmt.Sprintf("%s/v2/project/%s/version", r.modrinthBaseURL, url.PathEscape(entry.Project))
	if entry.GameVersion != "" {
		listURL += "?game_version=" + url.QueryEscape(entry.GameVersion)
	}

	var versions []projectVersion
	if err := r.getJSON(ctx, listURL, nil, &versions); err != nil {
		return nil, fmt.Errorf("failed to list versions of project %s: %w", entry.Project, err)
	}

	file, ok := latestPrimaryFile(versions)
	if !ok {
		return nil, fmt.Errorf("project %s: %w", entry.Project, ErrMissingArtifact)
	}

	r.logger.Debug("downloading mod version", "project", entry.Project, "file", file.Filename)

	data, err := r.fetch(ctx, file.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to download %q: %w", file.Filename, err)
	}
	return data, nil
}

// latestPrimaryFile returns the primary file of the newest version that has
// one. Versions without a primary file are skipped.
func latestPrimaryFile(versions []projectVersion) (projectFile, bool) {
	var (
		best      projectFile
		bestTime  time.Time
		bestFound bool
	)
	for _, version := range versions {
		for _, file := range version.Files {
			if !file.Primary {
				continue
			}
			if !bestFound || version.DatePublished.After(bestTime) {
				best = file
				bestTime = version.DatePublished
				bestFound = true
			}
			break
		}
	}
	return best, bestFound
}
