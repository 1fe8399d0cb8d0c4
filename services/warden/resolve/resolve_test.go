// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for dependency resolution, quarantine restore, and rollback.

package resolve

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/ModWarden/services/warden/manifest"
	"github.com/AleutianAI/ModWarden/services/warden/modindex"
	"github.com/AleutianAI/ModWarden/services/warden/quarantine"
	"github.com/AleutianAI/ModWarden/services/warden/registry"
)

// --- Fixtures ---

func jarBytes(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

type depSpec struct {
	id        string
	rng       string
	mandatory bool
}

func tomlManifest(id, version string, deps ...depSpec) []byte {
	var b strings.Builder
	b.WriteString("modLoader=\"javafml\"\n[[mods]]\n")
	fmt.Fprintf(&b, "modId=%q\nversion=%q\n", id, version)
	for _, d := range deps {
		fmt.Fprintf(&b, "[[dependencies.%s]]\n", id)
		fmt.Fprintf(&b, "modId=%q\nmandatory=%v\nversionRange=%q\n",
			d.id, d.mandatory, d.rng)
	}
	return []byte(b.String())
}

func forgeJar(t *testing.T, id, version string, deps ...depSpec) []byte {
	t.Helper()
	return jarBytes(t, map[string][]byte{
		"META-INF/mods.toml": tomlManifest(id, version, deps...),
	})
}

func fabricJar(t *testing.T, id, version string, depends map[string]string) []byte {
	t.Helper()
	doc := map[string]any{
		"schemaVersion": 1,
		"id":            id,
		"version":       version,
		"depends":       depends,
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	return jarBytes(t, map[string][]byte{"fabric.mod.json": data})
}

// --- Fake registry ---

type fakeSource struct {
	name        string
	bySlug      map[string]registry.Project
	byQuery     map[string][]registry.Project
	versions    map[string][]registry.Version
	jars        map[string][]byte
	searchErr   error
	searchCalls int
}

func newFakeSource(name string) *fakeSource {
	return &fakeSource{
		name:     name,
		bySlug:   make(map[string]registry.Project),
		byQuery:  make(map[string][]registry.Project),
		versions: make(map[string][]registry.Version),
		jars:     make(map[string][]byte),
	}
}

// serve registers a project with a single downloadable version.
func (f *fakeSource) serve(slug, projectID, versionNumber, filename string, jar []byte) {
	url := "https://dl.invalid/" + filename
	f.bySlug[slug] = registry.Project{ID: projectID, Slug: slug, Title: slug}
	f.versions[projectID] = append(f.versions[projectID], registry.Version{
		ID:            projectID + "-" + versionNumber,
		VersionNumber: versionNumber,
		Files:         []registry.File{{URL: url, Filename: filename}},
	})
	f.jars[url] = jar
}

func (f *fakeSource) Name() string    { return f.name }
func (f *fakeSource) Available() bool { return true }

func (f *fakeSource) Search(_ context.Context, opts registry.SearchOptions) ([]registry.Project, error) {
	f.searchCalls++
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	var out []registry.Project
	if opts.Slug != "" {
		if p, ok := f.bySlug[opts.Slug]; ok {
			out = []registry.Project{p}
		}
	} else {
		out = f.byQuery[opts.Query]
	}
	for i := range out {
		out[i].Source = f.name
	}
	return out, nil
}

func (f *fakeSource) Project(_ context.Context, id string) (*registry.Project, error) {
	return nil, registry.ErrNotFound
}

func (f *fakeSource) VersionsFor(_ context.Context, projectID, _, _ string) ([]registry.Version, error) {
	return f.versions[projectID], nil
}

func (f *fakeSource) Download(_ context.Context, file registry.File, destPath string, _ int64) error {
	data, ok := f.jars[file.URL]
	if !ok {
		return registry.ErrNotFound
	}
	return os.WriteFile(destPath, data, 0644)
}

// --- Harness ---

type testEnv struct {
	resolver *Resolver
	modsDir  string
	store    *quarantine.Store
	fake     *fakeSource
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	modsDir := filepath.Join(root, "mods")
	clientDir := filepath.Join(modsDir, "clientonly")
	require.NoError(t, os.MkdirAll(clientDir, 0755))

	fake := newFakeSource("fake")
	reader := manifest.NewReader(nil)
	store := quarantine.NewStore(filepath.Join(root, "quarantined"), nil)
	r := NewResolver(Config{
		ModsDir:       modsDir,
		ClientonlyDir: clientDir,
		MCVersion:     "1.21.11",
		Loader:        manifest.LoaderForge,
	}, modindex.NewBuilder(reader, nil), reader, registry.NewMulti(nil, fake), store, nil)

	return &testEnv{resolver: r, modsDir: modsDir, store: store, fake: fake}
}

func (e *testEnv) installJar(t *testing.T, name string, jar []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(e.modsDir, name), jar, 0644))
}

// --- Preflight ---

func TestPreflight_FetchesMissingDependency(t *testing.T) {
	env := newTestEnv(t)
	env.installJar(t, "alpha.jar", forgeJar(t, "alpha", "1.0",
		depSpec{id: "betterlib", rng: "[1.0,)", mandatory: true}))
	env.fake.serve("betterlib", "p1", "2.0", "betterlib-2.0.jar",
		forgeJar(t, "betterlib", "2.0"))

	res, err := env.resolver.Preflight(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Fetched, 1)
	assert.Equal(t, "betterlib", res.Fetched[0].ID)
	assert.Equal(t, "fake", res.Fetched[0].Source)
	assert.Equal(t, "2.0", res.Fetched[0].Version)
	assert.FileExists(t, filepath.Join(env.modsDir, "betterlib-2.0.jar"))
	assert.Empty(t, res.Unresolved)
	assert.Empty(t, res.Quarantined)

	// A second pass over the repaired tree changes nothing.
	res, err = env.resolver.Preflight(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Fetched)
	assert.Empty(t, res.Quarantined)
}

func TestPreflight_RestoresFromQuarantineBeforeSearching(t *testing.T) {
	env := newTestEnv(t)
	env.installJar(t, "alpha.jar", forgeJar(t, "alpha", "1.0",
		depSpec{id: "betterlib", rng: "[1.0,)", mandatory: true}))
	libPath := filepath.Join(env.modsDir, "betterlib.jar")
	require.NoError(t, os.WriteFile(libPath, forgeJar(t, "betterlib", "2.0"), 0644))
	require.NoError(t, env.store.Quarantine(libPath, "betterlib", "Better Lib", "crashed"))

	res, err := env.resolver.Preflight(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Fetched, 1)
	assert.Equal(t, "quarantine", res.Fetched[0].Source)
	assert.FileExists(t, filepath.Join(env.modsDir, "betterlib.jar"))
	assert.Zero(t, env.fake.searchCalls, "restore must preempt registry search")
}

func TestPreflight_QuarantinedVersionOutsideRangeIsNotRestored(t *testing.T) {
	env := newTestEnv(t)
	env.installJar(t, "alpha.jar", forgeJar(t, "alpha", "1.0",
		depSpec{id: "betterlib", rng: "[2.0,)", mandatory: true}))
	libPath := filepath.Join(env.modsDir, "betterlib.jar")
	require.NoError(t, os.WriteFile(libPath, forgeJar(t, "betterlib", "1.0"), 0644))
	require.NoError(t, env.store.Quarantine(libPath, "betterlib", "Better Lib", "crashed"))
	env.fake.serve("betterlib", "p1", "2.5", "betterlib-2.5.jar",
		forgeJar(t, "betterlib", "2.5"))

	res, err := env.resolver.Preflight(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Fetched, 1)
	assert.Equal(t, "fake", res.Fetched[0].Source)
	assert.Equal(t, "2.5", res.Fetched[0].Version)
}

func TestPreflight_ReportsSharedOptional(t *testing.T) {
	env := newTestEnv(t)
	env.installJar(t, "alpha.jar", forgeJar(t, "alpha", "1.0",
		depSpec{id: "compatlib", rng: "", mandatory: false}))
	env.installJar(t, "beta.jar", forgeJar(t, "beta", "1.0",
		depSpec{id: "compatlib", rng: "", mandatory: false}))

	res, err := env.resolver.Preflight(context.Background())
	require.NoError(t, err)

	assert.Empty(t, res.Fetched, "optional dependencies are reported, not fetched")
	require.Len(t, res.SharedOptional, 1)
	assert.Equal(t, "compatlib", res.SharedOptional[0].ID)
	assert.Equal(t, []string{"alpha", "beta"}, res.SharedOptional[0].Requesters)
	assert.Zero(t, env.fake.searchCalls)
}

func TestPreflight_WrongEcosystemDependenciesIgnored(t *testing.T) {
	env := newTestEnv(t)
	// A stray fabric mod on a forge server must not pull fabric
	// libraries into the mods directory.
	env.installJar(t, "shader.jar", fabricJar(t, "shader", "1.0",
		map[string]string{"fabrictool": ">=1.0"}))

	res, err := env.resolver.Preflight(context.Background())
	require.NoError(t, err)

	assert.Empty(t, res.Fetched)
	assert.Empty(t, res.Unresolved)
	assert.Empty(t, res.Quarantined)
	assert.Zero(t, env.fake.searchCalls)
}

// --- Resolution rounds ---

func TestResolve_TransitiveDependenciesAcrossRounds(t *testing.T) {
	env := newTestEnv(t)
	env.fake.serve("libone", "p1", "1.0", "libone-1.0.jar",
		forgeJar(t, "libone", "1.0",
			depSpec{id: "libtwo", rng: "[1.0,)", mandatory: true}))
	env.fake.serve("libtwo", "p2", "1.2", "libtwo-1.2.jar",
		forgeJar(t, "libtwo", "1.2"))

	res, err := env.resolver.Resolve(context.Background(), []DependencyRequest{
		{ID: "libone", Range: "", Requester: "alpha"},
	})
	require.NoError(t, err)

	require.Len(t, res.Fetched, 2)
	assert.Equal(t, "libone", res.Fetched[0].ID)
	assert.Equal(t, "libtwo", res.Fetched[1].ID)
	assert.Equal(t, 2, res.Rounds)
	assert.Empty(t, res.Unresolved)
}

func TestResolve_PicksNewestVersionInRange(t *testing.T) {
	env := newTestEnv(t)
	env.installJar(t, "alpha.jar", forgeJar(t, "alpha", "1.0",
		depSpec{id: "betterlib", rng: "[2.0,)", mandatory: true}))

	env.fake.bySlug["betterlib"] = registry.Project{ID: "p1", Slug: "betterlib", Title: "Better Lib"}
	jar := forgeJar(t, "betterlib", "2.5")
	env.fake.jars["https://dl.invalid/betterlib-2.5.jar"] = jar
	env.fake.versions["p1"] = []registry.Version{
		// Newest first. The 3.0 build has no file and must be skipped.
		{ID: "v3", VersionNumber: "3.0"},
		{ID: "v2", VersionNumber: "2.5", Files: []registry.File{
			{URL: "https://dl.invalid/betterlib-2.5.jar", Filename: "betterlib-2.5.jar"}}},
		{ID: "v1", VersionNumber: "1.0", Files: []registry.File{
			{URL: "https://dl.invalid/betterlib-1.0.jar", Filename: "betterlib-1.0.jar"}}},
	}

	res, err := env.resolver.Preflight(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Fetched, 1)
	assert.Equal(t, "2.5", res.Fetched[0].Version)
}

func TestResolve_PlatformPinsIgnored(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.resolver.Resolve(context.Background(), []DependencyRequest{
		{ID: "minecraft", Range: "[1.21,)", Requester: "alpha"},
		{ID: "forge", Range: "", Requester: "alpha"},
	})
	require.NoError(t, err)

	assert.Empty(t, res.Fetched)
	assert.Empty(t, res.Unresolved)
	assert.Zero(t, env.fake.searchCalls)
}

// --- Rollback ---

func TestResolve_UnresolvedRollsBackRequesterChain(t *testing.T) {
	env := newTestEnv(t)
	env.installJar(t, "alpha.jar", forgeJar(t, "alpha", "1.0",
		depSpec{id: "ghostlib", rng: "[1.0,)", mandatory: true}))
	env.installJar(t, "beta.jar", forgeJar(t, "beta", "1.0",
		depSpec{id: "alpha", rng: "[1.0,)", mandatory: true}))
	env.installJar(t, "gamma.jar", forgeJar(t, "gamma", "1.0"))

	res, err := env.resolver.Preflight(context.Background())
	require.NoError(t, err)

	assert.Equal(t, map[string][]string{"ghostlib": {"alpha"}}, res.Unresolved)
	assert.Equal(t, []string{"alpha.jar", "beta.jar"}, res.Quarantined)
	assert.FileExists(t, filepath.Join(env.modsDir, "gamma.jar"))
	assert.NoFileExists(t, filepath.Join(env.modsDir, "alpha.jar"))

	rec, err := env.store.ReadRecord("alpha.jar")
	require.NoError(t, err)
	assert.Equal(t, "missing dependency: ghostlib", rec.Reason)

	rec, err = env.store.ReadRecord("beta.jar")
	require.NoError(t, err)
	assert.Equal(t, "missing dependency: alpha (quarantined)", rec.Reason)
}

func TestResolve_RegistryOutageDegradesToUnresolved(t *testing.T) {
	env := newTestEnv(t)
	env.installJar(t, "alpha.jar", forgeJar(t, "alpha", "1.0",
		depSpec{id: "betterlib", rng: "[1.0,)", mandatory: true}))
	env.fake.searchErr = errors.New("registry down")

	res, err := env.resolver.Preflight(context.Background())
	require.NoError(t, err, "registry failures must not abort the pass")

	assert.Contains(t, res.Unresolved, "betterlib")
	assert.Equal(t, []string{"alpha.jar"}, res.Quarantined)
}

// --- Single-shot resolution ---

func TestResolveSingle_Fetches(t *testing.T) {
	env := newTestEnv(t)
	env.fake.serve("neededlib", "p1", "1.0", "neededlib-1.0.jar",
		forgeJar(t, "neededlib", "1.0"))

	path, err := env.resolver.ResolveSingle(context.Background(), "neededlib", "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(env.modsDir, "neededlib-1.0.jar"), path)
	assert.FileExists(t, path)
}

func TestResolveSingle_AlreadyInstalled(t *testing.T) {
	env := newTestEnv(t)
	env.installJar(t, "alpha.jar", forgeJar(t, "alpha", "1.0"))

	path, err := env.resolver.ResolveSingle(context.Background(), "alpha", "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(env.modsDir, "alpha.jar"), path)
	assert.Zero(t, env.fake.searchCalls)
}

func TestResolveSingle_Unresolvable(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.resolver.ResolveSingle(context.Background(), "missingno", "")
	assert.ErrorIs(t, err, ErrUnresolved)
}

func TestResolveSingle_FuzzyFallback(t *testing.T) {
	env := newTestEnv(t)
	// No slug candidate matches; the free-text search plus scoring
	// finds the project.
	env.fake.byQuery["cartographers"] = []registry.Project{
		{ID: "p9", Slug: "cartographers-atlas", Title: "Cartographers Atlas"},
	}
	env.fake.versions["p9"] = []registry.Version{
		{ID: "v1", VersionNumber: "1.0", Files: []registry.File{
			{URL: "https://dl.invalid/atlas-1.0.jar", Filename: "atlas-1.0.jar"}}},
	}
	env.fake.jars["https://dl.invalid/atlas-1.0.jar"] = forgeJar(t, "cartographers", "1.0")

	path, err := env.resolver.ResolveSingle(context.Background(), "cartographers", "")
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestResolveSingle_MalformedIDNeverReachesRegistry(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.resolver.ResolveSingle(context.Background(), "../../etc/passwd", "")
	assert.ErrorIs(t, err, ErrUnresolved)
	assert.Zero(t, env.fake.searchCalls, "malformed id must be dropped before search")
}

func TestResolve_UnsafeRegistryFilenameRejected(t *testing.T) {
	env := newTestEnv(t)
	env.fake.serve("betterlib", "p1", "2.0", "../outside.jar",
		forgeJar(t, "betterlib", "2.0"))

	res, err := env.resolver.Resolve(context.Background(), []DependencyRequest{
		{ID: "betterlib", Range: "", Requester: "alpha"},
	})
	require.NoError(t, err)

	assert.Empty(t, res.Fetched)
	assert.Contains(t, res.Unresolved, "betterlib")
	assert.NoFileExists(t, filepath.Join(env.modsDir, "..", "outside.jar"))
}
