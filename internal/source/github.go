package source

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/schaermu/wrapperd/internal/config"
)

// The Actions API wraps every artifact in an outer zip container, even
// single-file uploads.

type workflowRunsResponse struct {
	WorkflowRuns []workflowRun `json:"workflow_runs"`
}

type workflowRun struct {
	ID int64 `json:"id"`
}

type artifactsResponse struct {
	Artifacts []artifact `json:"artifacts"`
}

type artifact struct {
	ID                 int64  `json:"id"`
	Name               string `json:"name"`
	Expired            bool   `json:"expired"`
	ArchiveDownloadURL string `json:"archive_download_url"`
}

// resolveGitHub downloads the artifact of the most recent successful
// workflow run on the entry's branch.
func (r *Resolver) resolveGitHub(ctx context.Context, entry config.Entry) ([]byte, error) {
	owner, repo, _ := strings.Cut(entry.Repo, "/")

	runsURL := fmt.Sprintf("%s/repos/%s/%s/actions/runs?branch=%s&status=success&per_page=1",
		r.githubBaseURL, owner, repo, entry.Branch)

	var runs workflowRunsResponse
	if err := r.getJSON(ctx, runsURL, r.githubHeader(), &runs); err != nil {
		return nil, fmt.Errorf("failed to list workflow runs for %s: %w", entry.Repo, err)
	}
	if len(runs.WorkflowRuns) == 0 {
		return nil, fmt.Errorf("no successful workflow run on branch %q of %s", entry.Branch, entry.Repo)
	}
	run := runs.WorkflowRuns[0]

	artifactsURL := fmt.Sprintf("%s/repos/%s/%s/actions/runs/%d/artifacts",
		r.githubBaseURL, owner, repo, run.ID)

	var listing artifactsResponse
	if err := r.getJSON(ctx, artifactsURL, r.githubHeader(), &listing); err != nil {
		return nil, fmt.Errorf("failed to list artifacts of run %d: %w", run.ID, err)
	}

	selected, err := selectArtifact(listing.Artifacts, entry.Artifact)
	if err != nil {
		return nil, fmt.Errorf("%s run %d: %w", entry.Repo, run.ID, err)
	}

	r.logger.Debug("downloading artifact",
		"repo", entry.Repo,
		"run", run.ID,
		"artifact", selected.Name)

	container, err := r.fetch(ctx, selected.ArchiveDownloadURL, r.githubHeader())
	if err != nil {
		return nil, fmt.Errorf("failed to download artifact %q: %w", selected.Name, err)
	}

	return unwrapContainer(container)
}

func (r *Resolver) githubHeader() http.Header {
	header := http.Header{}
	header.Set("Accept", "application/vnd.github+json")
	header.Set("X-GitHub-Api-Version", "2022-11-28")
	if r.githubToken != "" {
		header.Set("Authorization", "Bearer "+r.githubToken)
	}
	return header
}

// selectArtifact picks one usable artifact from a run's listing. An
// explicit selector must match by name; without one, the run must have
// produced exactly one artifact.
func selectArtifact(artifacts []artifact, selector string) (artifact, error) {
	usable := make([]artifact, 0, len(artifacts))
	for _, candidate := range artifacts {
		if !candidate.Expired && candidate.ArchiveDownloadURL != "" {
			usable = append(usable, candidate)
		}
	}

	if len(usable) == 0 {
		return artifact{}, ErrMissingArtifact
	}

	if selector != "" {
		for _, candidate := range usable {
			if candidate.Name == selector {
				return candidate, nil
			}
		}
		return artifact{}, fmt.Errorf("artifact %q not found (run produced: %s)",
			selector, artifactNames(usable))
	}

	if len(usable) > 1 {
		return artifact{}, fmt.Errorf("run produced %d artifacts (%s); set artifact to select one",
			len(usable), artifactNames(usable))
	}

	return usable[0], nil
}

func artifactNames(artifacts []artifact) string {
	names := make([]string, 0, len(artifacts))
	for _, candidate := range artifacts {
		names = append(names, candidate.Name)
	}
	return strings.Join(names, ", ")
}

// unwrapContainer strips exactly one level of the API's zip container. A
// single-file artifact unwraps to its inner bytes; a multi-file artifact is
// handed through as the container so an unzip transform can filter it.
func unwrapContainer(container []byte) ([]byte, error) {
	archive, err := zip.NewReader(bytes.NewReader(container), int64(len(container)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse artifact container: %w", err)
	}

	var members []*zip.File
	for _, member := range archive.File {
		if !member.FileInfo().IsDir() {
			members = append(members, member)
		}
	}

	switch len(members) {
	case 0:
		return nil, ErrMissingArtifact
	case 1:
		reader, err := members[0].Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open artifact member %q: %w", members[0].Name, err)
		}
		defer func() {
			_ = reader.Close()
		}()
		return io.ReadAll(reader)
	default:
		return container, nil
	}
}
