package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/schaermu/wrapperd/internal/config"
	"github.com/schaermu/wrapperd/internal/testutil"
)

// fakeActionsAPI serves the three endpoints resolveGitHub walks: run
// listing, artifact listing and the artifact download. The literal "URL"
// inside the artifacts JSON is replaced with the server's own address.
func fakeActionsAPI(t *testing.T, artifacts string, download []byte) *httptest.Server {
	t.Helper()

	var server *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/example/server/actions/runs", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("status") != "success" {
			t.Errorf("expected status=success filter, got query %q", r.URL.RawQuery)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("expected bearer token header, got %q", got)
		}
		fmt.Fprint(w, `{"workflow_runs": [{"id": 42}]}`)
	})
	mux.HandleFunc("/repos/example/server/actions/runs/42/artifacts", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, strings.ReplaceAll(artifacts, "URL", server.URL))
	})
	mux.HandleFunc("/download/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(download)
	})

	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func githubEntry(artifact string) config.Entry {
	return config.Entry{
		Name:     "server.jar",
		Kind:     config.EntryGitHub,
		Repo:     "example/server",
		Branch:   "main",
		Artifact: artifact,
	}
}

func TestResolveGitHubSingleFileArtifact(t *testing.T) {
	container := testutil.ZipBytes(t, map[string]string{"server.jar": "jar-bytes"})
	api := fakeActionsAPI(t, `{"artifacts": [
		{"id": 1, "name": "dist", "expired": false, "archive_download_url": "URL/download/1"}
	]}`, container)

	resolver := testResolver()
	resolver.githubBaseURL = api.URL

	data, err := resolver.Resolve(context.Background(),
		githubEntry(""))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if string(data) != "jar-bytes" {
		t.Errorf("expected unwrapped inner file, got %q", data)
	}
}

func TestResolveGitHubMultiFileArtifact(t *testing.T) {
	container := testutil.ZipBytes(t, map[string]string{
		"mod-a.jar": "a",
		"mod-b.jar": "b",
	})
	api := fakeActionsAPI(t, `{"artifacts": [
		{"id": 1, "name": "dist", "expired": false, "archive_download_url": "URL/download/1"}
	]}`, container)

	resolver := testResolver()
	resolver.githubBaseURL = api.URL

	data, err := resolver.Resolve(context.Background(), githubEntry(""))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !bytes.Equal(data, container) {
		t.Error("expected multi-file container to pass through unmodified")
	}
}

func TestResolveGitHubArtifactSelector(t *testing.T) {
	container := testutil.ZipBytes(t, map[string]string{"server.jar": "selected"})
	api := fakeActionsAPI(t, `{"artifacts": [
		{"id": 1, "name": "debug-dist", "expired": false, "archive_download_url": "URL/download/1"},
		{"id": 2, "name": "release-dist", "expired": false, "archive_download_url": "URL/download/2"}
	]}`, container)

	resolver := testResolver()
	resolver.githubBaseURL = api.URL

	data, err := resolver.Resolve(context.Background(), githubEntry("release-dist"))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if string(data) != "selected" {
		t.Errorf("unexpected payload: %q", data)
	}
}

func TestResolveGitHubAmbiguousArtifacts(t *testing.T) {
	api := fakeActionsAPI(t, `{"artifacts": [
		{"id": 1, "name": "debug-dist", "expired": false, "archive_download_url": "URL/download/1"},
		{"id": 2, "name": "release-dist", "expired": false, "archive_download_url": "URL/download/2"}
	]}`, nil)

	resolver := testResolver()
	resolver.githubBaseURL = api.URL

	_, err := resolver.Resolve(context.Background(), githubEntry(""))
	if err == nil || !strings.Contains(err.Error(), "release-dist") {
		t.Fatalf("expected ambiguity error naming the artifacts, got %v", err)
	}
}

func TestResolveGitHubNoSuccessfulRun(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/example/server/actions/runs", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"workflow_runs": []}`)
	})
	api := httptest.NewServer(mux)
	defer api.Close()

	resolver := testResolver()
	resolver.githubBaseURL = api.URL

	_, err := resolver.Resolve(context.Background(), githubEntry(""))
	if err == nil || !strings.Contains(err.Error(), "no successful workflow run") {
		t.Fatalf("expected missing-run error, got %v", err)
	}
}

func TestSelectArtifact(t *testing.T) {
	usable := artifact{ID: 1, Name: "dist", ArchiveDownloadURL: "u"}
	expired := artifact{ID: 2, Name: "old-dist", Expired: true, ArchiveDownloadURL: "u"}
	unfetchable := artifact{ID: 3, Name: "ghost"}

	for _, tc := range []struct {
		name      string
		artifacts []artifact
		selector  string
		want      int64
		wantErr   error
	}{
		{name: "single usable", artifacts: []artifact{usable}, want: 1},
		{name: "expired filtered out", artifacts: []artifact{expired, usable}, want: 1},
		{name: "missing download url filtered out", artifacts: []artifact{unfetchable, usable}, want: 1},
		{name: "all unusable", artifacts: []artifact{expired, unfetchable}, wantErr: ErrMissingArtifact},
		{name: "empty listing", artifacts: nil, wantErr: ErrMissingArtifact},
		{name: "selector match", artifacts: []artifact{usable, {ID: 4, Name: "other", ArchiveDownloadURL: "u"}}, selector: "other", want: 4},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := selectArtifact(tc.artifacts, tc.selector)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("selectArtifact failed: %v", err)
			}
			if got.ID != tc.want {
				t.Errorf("expected artifact %d, got %d", tc.want, got.ID)
			}
		})
	}
}

func TestSelectArtifactSelectorMiss(t *testing.T) {
	_, err := selectArtifact([]artifact{{Name: "dist", ArchiveDownloadURL: "u"}}, "nope")
	if err == nil || !strings.Contains(err.Error(), `artifact "nope" not found`) {
		t.Fatalf("expected selector miss error, got %v", err)
	}
}

func TestUnwrapContainer(t *testing.T) {
	t.Run("single file", func(t *testing.T) {
		container := testutil.ZipBytes(t, map[string]string{"inner.jar": "inner"})
		data, err := unwrapContainer(container)
		if err != nil {
			t.Fatalf("unwrapContainer failed: %v", err)
		}
		if string(data) != "inner" {
			t.Errorf("unexpected payload: %q", data)
		}
	})

	t.Run("directories ignored", func(t *testing.T) {
		container := testutil.ZipBytes(t, map[string]string{
			"sub/":          "",
			"sub/inner.jar": "inner",
		})
		data, err := unwrapContainer(container)
		if err != nil {
			t.Fatalf("unwrapContainer failed: %v", err)
		}
		if string(data) != "inner" {
			t.Errorf("unexpected payload: %q", data)
		}
	})

	t.Run("empty container", func(t *testing.T) {
		container := testutil.ZipBytes(t, map[string]string{})
		_, err := unwrapContainer(container)
		if !errors.Is(err, ErrMissingArtifact) {
			t.Fatalf("expected ErrMissingArtifact, got %v", err)
		}
	})

	t.Run("multiple files pass through", func(t *testing.T) {
		container := testutil.ZipBytes(t, map[string]string{"a": "a", "b": "b"})
		data, err := unwrapContainer(container)
		if err != nil {
			t.Fatalf("unwrapContainer failed: %v", err)
		}
		if !bytes.Equal(data, container) {
			t.Error("expected container to pass through unmodified")
		}
	})

	t.Run("not a zip", func(t *testing.T) {
		_, err := unwrapContainer([]byte("garbage"))
		if err == nil {
			t.Fatal("expected error for malformed container, got nil")
		}
	})
}
