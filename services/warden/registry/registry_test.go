// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the mod registry clients

package registry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/time/rate"
)

// --- Mock HTTP Client ---

type MockHTTPClient struct {
	DoFunc func(req *http.Request) (*http.Response, error)
}

func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	return m.DoFunc(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func testLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Inf, 1)
}

// --- Fake Registry ---

type fakeRegistry struct {
	name         string
	available    bool
	projects     []Project
	versions     []Version
	searchErr    error
	versionsErr  error
	downloadErr  error
	versionCalls int
}

func (f *fakeRegistry) Name() string    { return f.name }
func (f *fakeRegistry) Available() bool { return f.available }

func (f *fakeRegistry) Search(ctx context.Context, opts SearchOptions) ([]Project, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.projects, nil
}

func (f *fakeRegistry) Project(ctx context.Context, id string) (*Project, error) {
	if len(f.projects) == 0 {
		return nil, ErrNotFound
	}
	return &f.projects[0], nil
}

func (f *fakeRegistry) VersionsFor(ctx context.Context, projectID, mcVersion, loader string) ([]Version, error) {
	f.versionCalls++
	if f.versionsErr != nil {
		return nil, f.versionsErr
	}
	return f.versions, nil
}

func (f *fakeRegistry) Download(ctx context.Context, file File, destPath string, maxBytes int64) error {
	return f.downloadErr
}

// --- Modrinth Tests ---

func TestModrinthSearch_DependencyFacets(t *testing.T) {
	var captured *http.Request
	mock := &MockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		captured = req
		return jsonResponse(http.StatusOK, `{"hits":[
			{"project_id":"AANobbMI","slug":"sodium","title":"Sodium","description":"Rendering engine","downloads":1000}
		]}`), nil
	}}
	m := NewModrinth(mock, testLimiter(), nil)

	projects, err := m.Search(context.Background(), SearchOptions{
		Query:     "sodium",
		MCVersion: "1.21.1",
		Loader:    "neoforge",
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	q := captured.URL.Query()
	if got := q.Get("facets"); got != `[["versions:1.21.1"],["categories:neoforge"]]` {
		t.Errorf("Unexpected facets: %s", got)
	}
	if got := q.Get("limit"); got != "5" {
		t.Errorf("Expected default limit 5, got %s", got)
	}
	if got := q.Get("query"); got != "sodium" {
		t.Errorf("Expected query sodium, got %s", got)
	}

	if len(projects) != 1 {
		t.Fatalf("Expected 1 project, got %d", len(projects))
	}
	if projects[0].ID != "AANobbMI" || projects[0].Source != "modrinth" {
		t.Errorf("Unexpected project: %+v", projects[0])
	}
}

func TestModrinthSearch_DownloadRankedFacets(t *testing.T) {
	var captured *http.Request
	mock := &MockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		captured = req
		return jsonResponse(http.StatusOK, `{"hits":[]}`), nil
	}}
	m := NewModrinth(mock, testLimiter(), nil)

	_, err := m.Search(context.Background(), SearchOptions{
		MCVersion:       "1.21.1",
		Loader:          "neoforge",
		Limit:           100,
		SortByDownloads: true,
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	q := captured.URL.Query()
	if got := q.Get("facets"); got != `[["game_versions:1.21.1","mrpack_loaders:neoforge"]]` {
		t.Errorf("Unexpected facets: %s", got)
	}
	if got := q.Get("index"); got != "downloads" {
		t.Errorf("Expected index=downloads, got %s", got)
	}
	if got := q.Get("limit"); got != "100" {
		t.Errorf("Expected limit 100, got %s", got)
	}
}

func TestModrinthSearch_SlugFiltersLooseHits(t *testing.T) {
	mock := &MockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `{"hits":[
			{"project_id":"a1","slug":"sodium-extra","title":"Sodium Extra"},
			{"project_id":"a2","slug":"Sodium","title":"Sodium"}
		]}`), nil
	}}
	m := NewModrinth(mock, testLimiter(), nil)

	projects, err := m.Search(context.Background(), SearchOptions{
		Slug:      "sodium",
		MCVersion: "1.21.1",
		Loader:    "neoforge",
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(projects) != 1 {
		t.Fatalf("Expected 1 exact-slug project, got %d", len(projects))
	}
	if projects[0].ID != "a2" {
		t.Errorf("Expected case-insensitive slug match a2, got %s", projects[0].ID)
	}
}

func TestModrinthVersionsFor_StrictTier(t *testing.T) {
	var requests []string
	mock := &MockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		requests = append(requests, req.URL.String())
		return jsonResponse(http.StatusOK, `[
			{"id":"v1","version_number":"1.0.0","game_versions":["1.21.1"],"loaders":["neoforge"],
			 "files":[{"url":"https://cdn.example/a.jar","filename":"a.jar","size":10}],
			 "dependencies":[{"project_id":"dep1","dependency_type":"required"}]}
		]`), nil
	}}
	m := NewModrinth(mock, testLimiter(), nil)

	versions, err := m.VersionsFor(context.Background(), "AANobbMI", "1.21.1", "neoforge")
	if err != nil {
		t.Fatalf("VersionsFor failed: %v", err)
	}
	if len(requests) != 1 {
		t.Fatalf("Expected 1 request for strict hit, got %d", len(requests))
	}
	if !strings.Contains(requests[0], "loaders=") || !strings.Contains(requests[0], "game_versions=") {
		t.Errorf("Strict tier missing filters: %s", requests[0])
	}
	if len(versions) != 1 {
		t.Fatalf("Expected 1 version, got %d", len(versions))
	}
	if len(versions[0].Dependencies) != 1 || versions[0].Dependencies[0].ProjectID != "dep1" {
		t.Errorf("Dependencies not mapped: %+v", versions[0].Dependencies)
	}
	if versions[0].Files[0].Filename != "a.jar" {
		t.Errorf("Files not mapped: %+v", versions[0].Files)
	}
}

func TestModrinthVersionsFor_FallbackTiers(t *testing.T) {
	var requests []string
	mock := &MockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		requests = append(requests, req.URL.String())
		if len(requests) < 3 {
			return jsonResponse(http.StatusOK, `[]`), nil
		}
		return jsonResponse(http.StatusOK, `[
			{"id":"old","version_number":"0.9","game_versions":["1.20.1"]},
			{"id":"cur","version_number":"1.0","game_versions":["1.21.1"]}
		]`), nil
	}}
	m := NewModrinth(mock, testLimiter(), nil)

	versions, err := m.VersionsFor(context.Background(), "AANobbMI", "1.21.1", "neoforge")
	if err != nil {
		t.Fatalf("VersionsFor failed: %v", err)
	}
	if len(requests) != 3 {
		t.Fatalf("Expected 3 tiered requests, got %d", len(requests))
	}
	if strings.Contains(requests[2], "game_versions=") {
		t.Errorf("Wide tier should not filter server-side: %s", requests[2])
	}
	if len(versions) != 1 || versions[0].ID != "cur" {
		t.Errorf("Wide tier should filter client-side to 1.21.1, got %+v", versions)
	}
}

func TestModrinthProject_NotFound(t *testing.T) {
	mock := &MockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusNotFound, `{"error":"not_found"}`), nil
	}}
	m := NewModrinth(mock, testLimiter(), nil)

	_, err := m.Project(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestModrinth_SetsUserAgent(t *testing.T) {
	var captured *http.Request
	mock := &MockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		captured = req
		return jsonResponse(http.StatusOK, `{"hits":[]}`), nil
	}}
	m := NewModrinth(mock, testLimiter(), nil)

	if _, err := m.Search(context.Background(), SearchOptions{Query: "x"}); err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if ua := captured.Header.Get("User-Agent"); ua != "ModWarden/1.0" {
		t.Errorf("Expected ModWarden user agent, got %q", ua)
	}
}

// --- CurseForge Tests ---

func writeKeyFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), CurseForgeKeyFile)
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatalf("Failed to write key file: %v", err)
	}
	return path
}

func TestNewCurseForge_MissingKeyIsUnavailable(t *testing.T) {
	c := NewCurseForge(&MockHTTPClient{}, testLimiter(), "/nonexistent/curseforgeAPIkey", nil)
	if c.Available() {
		t.Error("Expected unavailable without a key file")
	}

	_, err := c.Search(context.Background(), SearchOptions{Query: "jei"})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable, got %v", err)
	}
}

func TestNewCurseForge_EmptyKeyIsUnavailable(t *testing.T) {
	path := writeKeyFile(t, "  \n")
	c := NewCurseForge(&MockHTTPClient{}, testLimiter(), path, nil)
	if c.Available() {
		t.Error("Expected unavailable with an empty key file")
	}
}

func TestCurseForgeSearch_ParamsAndKey(t *testing.T) {
	var captured *http.Request
	mock := &MockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		captured = req
		return jsonResponse(http.StatusOK, `{"data":[
			{"id":238222,"slug":"jei","name":"JEI","summary":"Item viewer","downloadCount":5000000}
		]}`), nil
	}}
	path := writeKeyFile(t, "cf-test-key\n")
	c := NewCurseForge(mock, testLimiter(), path, nil)

	projects, err := c.Search(context.Background(), SearchOptions{
		Slug:      "jei",
		MCVersion: "1.21.1",
		Loader:    "neoforge",
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	if got := captured.Header.Get("x-api-key"); got != "cf-test-key" {
		t.Errorf("Expected trimmed key in header, got %q", got)
	}
	q := captured.URL.Query()
	if q.Get("gameId") != "432" {
		t.Errorf("Expected gameId 432, got %s", q.Get("gameId"))
	}
	if q.Get("slug") != "jei" {
		t.Errorf("Expected slug param, got %s", q.Get("slug"))
	}
	if q.Get("modLoaderType") != "6" {
		t.Errorf("Expected neoforge loader id 6, got %s", q.Get("modLoaderType"))
	}
	if q.Get("sortField") != "0" || q.Get("sortOrder") != "desc" {
		t.Errorf("Expected featured/desc sort, got %s/%s", q.Get("sortField"), q.Get("sortOrder"))
	}
	if q.Get("pageSize") != "50" {
		t.Errorf("Expected default pageSize 50, got %s", q.Get("pageSize"))
	}

	if len(projects) != 1 {
		t.Fatalf("Expected 1 project, got %d", len(projects))
	}
	if projects[0].ID != "238222" || projects[0].Source != "curseforge" {
		t.Errorf("Unexpected project: %+v", projects[0])
	}
}

func TestCurseForgeSearch_PageSizeCapped(t *testing.T) {
	var captured *http.Request
	mock := &MockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		captured = req
		return jsonResponse(http.StatusOK, `{"data":[]}`), nil
	}}
	c := NewCurseForge(mock, testLimiter(), writeKeyFile(t, "k"), nil)

	if _, err := c.Search(context.Background(), SearchOptions{Query: "map", Limit: 200}); err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if got := captured.URL.Query().Get("pageSize"); got != "50" {
		t.Errorf("Expected pageSize capped at 50, got %s", got)
	}
}

func TestCurseForgeVersionsFor_FiltersLatestFiles(t *testing.T) {
	mock := &MockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `{"data":{"id":238222,"slug":"jei","name":"JEI","latestFiles":[
			{"id":1,"displayName":"jei-1.21.1","fileName":"jei-1.21.1.jar","downloadUrl":"https://cdn.example/1.jar",
			 "fileLength":100,"gameVersions":["1.21.1","NeoForge"],
			 "dependencies":[{"modId":9001,"relationType":3},{"modId":9002,"relationType":2}]},
			{"id":2,"displayName":"jei-1.20.1","fileName":"jei-1.20.1.jar","downloadUrl":"https://cdn.example/2.jar",
			 "fileLength":100,"gameVersions":["1.20.1","NeoForge"]},
			{"id":3,"displayName":"jei-fabric","fileName":"jei-fabric.jar","downloadUrl":"https://cdn.example/3.jar",
			 "fileLength":100,"gameVersions":["1.21.1","Fabric"]},
			{"id":4,"displayName":"jei-untagged","fileName":"jei-untagged.jar","downloadUrl":"https://cdn.example/4.jar",
			 "fileLength":100,"gameVersions":["1.21.1"]},
			{"id":5,"displayName":"jei-nourl","fileName":"jei-nourl.jar","downloadUrl":"",
			 "fileLength":100,"gameVersions":["1.21.1","NeoForge"]}
		]}}`), nil
	}}
	c := NewCurseForge(mock, testLimiter(), writeKeyFile(t, "k"), nil)

	versions, err := c.VersionsFor(context.Background(), "238222", "1.21.1", "neoforge")
	if err != nil {
		t.Fatalf("VersionsFor failed: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("Expected matching + untagged files, got %d versions", len(versions))
	}
	if versions[0].ID != "1" || versions[1].ID != "4" {
		t.Errorf("Unexpected version ids: %s, %s", versions[0].ID, versions[1].ID)
	}

	deps := versions[0].Dependencies
	if len(deps) != 2 {
		t.Fatalf("Expected 2 dependencies, got %d", len(deps))
	}
	if deps[0].ProjectID != "9001" || deps[0].Kind != "required" {
		t.Errorf("Required dependency not mapped: %+v", deps[0])
	}
	if deps[1].ProjectID != "9002" || deps[1].Kind != "optional" {
		t.Errorf("Optional dependency not mapped: %+v", deps[1])
	}
}

// --- Multi Tests ---

func TestMultiSearch_FallsThroughOnError(t *testing.T) {
	primary := &fakeRegistry{name: "modrinth", available: true, searchErr: errors.New("api down")}
	fallback := &fakeRegistry{name: "curseforge", available: true, projects: []Project{{ID: "1", Source: "curseforge"}}}
	multi := NewMulti(nil, primary, fallback)

	projects, err := multi.Search(context.Background(), SearchOptions{Query: "jei"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(projects) != 1 || projects[0].Source != "curseforge" {
		t.Errorf("Expected fallback results, got %+v", projects)
	}
}

func TestMultiSearch_FallsThroughOnEmpty(t *testing.T) {
	primary := &fakeRegistry{name: "modrinth", available: true}
	fallback := &fakeRegistry{name: "curseforge", available: true, projects: []Project{{ID: "1"}}}
	multi := NewMulti(nil, primary, fallback)

	projects, err := multi.Search(context.Background(), SearchOptions{Query: "jei"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(projects) != 1 {
		t.Errorf("Expected fallback to answer after empty primary, got %+v", projects)
	}
}

func TestMultiSearch_SkipsUnavailable(t *testing.T) {
	skipped := &fakeRegistry{name: "curseforge", available: false, projects: []Project{{ID: "no"}}}
	active := &fakeRegistry{name: "modrinth", available: true, projects: []Project{{ID: "yes"}}}
	multi := NewMulti(nil, skipped, active)

	projects, err := multi.Search(context.Background(), SearchOptions{Query: "jei"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(projects) != 1 || projects[0].ID != "yes" {
		t.Errorf("Expected unavailable registry skipped, got %+v", projects)
	}
}

func TestMultiSearch_AllErrorsReported(t *testing.T) {
	a := &fakeRegistry{name: "modrinth", available: true, searchErr: ErrUnavailable}
	b := &fakeRegistry{name: "curseforge", available: true, searchErr: ErrUnavailable}
	multi := NewMulti(nil, a, b)

	_, err := multi.Search(context.Background(), SearchOptions{Query: "jei"})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable when every registry fails, got %v", err)
	}
}

func TestMultiVersionsFor_RoutesBySource(t *testing.T) {
	modrinth := &fakeRegistry{name: "modrinth", available: true, versions: []Version{{ID: "m1"}}}
	curseforge := &fakeRegistry{name: "curseforge", available: true, versions: []Version{{ID: "c1"}}}
	multi := NewMulti(nil, modrinth, curseforge)

	versions, err := multi.VersionsFor(context.Background(), "curseforge:238222", "1.21.1", "neoforge")
	if err != nil {
		t.Fatalf("VersionsFor failed: %v", err)
	}
	if len(versions) != 1 || versions[0].ID != "c1" {
		t.Errorf("Expected curseforge versions, got %+v", versions)
	}
	if modrinth.versionCalls != 0 {
		t.Errorf("Sourced id should not query other registries, modrinth got %d calls", modrinth.versionCalls)
	}
}

func TestMultiVersionsFor_UnknownSource(t *testing.T) {
	modrinth := &fakeRegistry{name: "modrinth", available: true, versions: []Version{{ID: "m1"}}}
	multi := NewMulti(nil, modrinth)

	_, err := multi.VersionsFor(context.Background(), "github:whatever", "1.21.1", "neoforge")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown source, got %v", err)
	}
}

func TestSourcedID_RoundTrip(t *testing.T) {
	tests := []struct {
		in     string
		source string
		id     string
	}{
		{"modrinth:AANobbMI", "modrinth", "AANobbMI"},
		{"curseforge:238222", "curseforge", "238222"},
		{"AANobbMI", "", "AANobbMI"},
		{"a:b:c", "a", "b:c"},
	}
	for _, tc := range tests {
		source, id := SplitSourcedID(tc.in)
		if source != tc.source || id != tc.id {
			t.Errorf("SplitSourcedID(%q) = (%q, %q), want (%q, %q)",
				tc.in, source, id, tc.source, tc.id)
		}
	}
	if got := SourcedID("modrinth", "AANobbMI"); got != "modrinth:AANobbMI" {
		t.Errorf("SourcedID = %q", got)
	}
}

// --- Download Tests ---

func TestDownload_WritesFile(t *testing.T) {
	mock := &MockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode:    http.StatusOK,
			ContentLength: 8,
			Body:          io.NopCloser(strings.NewReader("jarbytes")),
		}, nil
	}}
	m := NewModrinth(mock, testLimiter(), nil)
	dest := filepath.Join(t.TempDir(), "a.jar")

	file := File{URL: "https://cdn.example/a.jar", Filename: "a.jar"}
	if err := m.Download(context.Background(), file, dest, 1024); err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("Downloaded file missing: %v", err)
	}
	if string(data) != "jarbytes" {
		t.Errorf("Unexpected contents: %q", data)
	}
}

func TestDownload_RejectsOversizedContentLength(t *testing.T) {
	mock := &MockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode:    http.StatusOK,
			ContentLength: 2048,
			Body:          io.NopCloser(strings.NewReader("x")),
		}, nil
	}}
	m := NewModrinth(mock, testLimiter(), nil)
	dest := filepath.Join(t.TempDir(), "big.jar")

	err := m.Download(context.Background(), File{URL: "https://cdn.example/big.jar"}, dest, 1024)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Expected ErrTooLarge, got %v", err)
	}
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Error("Oversized download should not leave a file")
	}
}

func TestDownload_RejectsOversizedStream(t *testing.T) {
	body := strings.Repeat("x", 100)
	mock := &MockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode:    http.StatusOK,
			ContentLength: -1,
			Body:          io.NopCloser(strings.NewReader(body)),
		}, nil
	}}
	m := NewModrinth(mock, testLimiter(), nil)
	dest := filepath.Join(t.TempDir(), "stream.jar")

	err := m.Download(context.Background(), File{URL: "https://cdn.example/stream.jar"}, dest, 50)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Expected ErrTooLarge for oversized stream, got %v", err)
	}
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Error("Partial download should be removed")
	}
}

func TestDownload_StatusError(t *testing.T) {
	mock := &MockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusServiceUnavailable, ""), nil
	}}
	m := NewModrinth(mock, testLimiter(), nil)
	dest := filepath.Join(t.TempDir(), "down.jar")

	err := m.Download(context.Background(), File{URL: "https://cdn.example/down.jar"}, dest, 1024)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable, got %v", err)
	}
}
