// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the jar class version scan.

package crash

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func classBytes(major int) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], classMagic)
	binary.BigEndian.PutUint16(b[6:8], uint16(major))
	return b
}

func writeClassJar(t *testing.T, dir, name string, entries map[string][]byte) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for entry, data := range entries {
		w, err := zw.Create(entry)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), buf.Bytes(), 0644))
}

func TestScan_RecommendsUpgradeOnConsensus(t *testing.T) {
	dir := t.TempDir()
	// Nine jars want Java 21 (class major 65), one is happy on 8.
	for i := 0; i < 9; i++ {
		writeClassJar(t, dir, fmt.Sprintf("modern%d.jar", i), map[string][]byte{
			"com/example/Mod.class": classBytes(65),
		})
	}
	writeClassJar(t, dir, "legacy.jar", map[string][]byte{
		"com/example/Old.class": classBytes(52),
	})

	report, err := NewScanner(nil).Scan(dir, 17)
	require.NoError(t, err)

	assert.Equal(t, 10, report.Scanned)
	assert.Equal(t, map[int]int{21: 9, 8: 1}, report.Histogram)
	assert.Equal(t, 21, report.RecommendMajor,
		"90% of mods on a newer Java should recommend a runtime upgrade")
}

func TestScan_NoRecommendationWhenRuntimeFits(t *testing.T) {
	dir := t.TempDir()
	writeClassJar(t, dir, "mod.jar", map[string][]byte{
		"com/example/Mod.class": classBytes(65),
	})

	report, err := NewScanner(nil).Scan(dir, 21)
	require.NoError(t, err)

	assert.Zero(t, report.RecommendMajor)
}

func TestScan_NoRecommendationBelowConsensus(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 8; i++ {
		writeClassJar(t, dir, fmt.Sprintf("modern%d.jar", i), map[string][]byte{
			"com/example/Mod.class": classBytes(65),
		})
	}
	for i := 0; i < 2; i++ {
		writeClassJar(t, dir, fmt.Sprintf("legacy%d.jar", i), map[string][]byte{
			"com/example/Old.class": classBytes(52),
		})
	}

	report, err := NewScanner(nil).Scan(dir, 17)
	require.NoError(t, err)

	assert.Zero(t, report.RecommendMajor, "80% agreement is not consensus")
}

func TestScan_SkipsMultiReleaseAndModuleInfo(t *testing.T) {
	dir := t.TempDir()
	writeClassJar(t, dir, "mod.jar", map[string][]byte{
		"META-INF/versions/21/com/example/Mod.class": classBytes(65),
		"module-info.class":                          classBytes(65),
		"com/example/Mod.class":                      classBytes(52),
	})

	report, err := NewScanner(nil).Scan(dir, 17)
	require.NoError(t, err)

	assert.Equal(t, map[int]int{8: 1}, report.Histogram)
}

func TestScan_SkipsJarsWithoutClasses(t *testing.T) {
	dir := t.TempDir()
	writeClassJar(t, dir, "resourcepack.jar", map[string][]byte{
		"assets/pack.mcmeta": []byte("{}"),
	})
	writeClassJar(t, dir, "mod.jar", map[string][]byte{
		"com/example/Mod.class": classBytes(61),
	})

	report, err := NewScanner(nil).Scan(dir, 17)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, map[int]int{17: 1}, report.Histogram)
}

func TestScan_MissingDirIsEmptyReport(t *testing.T) {
	report, err := NewScanner(nil).Scan(filepath.Join(t.TempDir(), "absent"), 21)
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
}

func TestHasUnsupportedClassVersion(t *testing.T) {
	log := "java.lang.UnsupportedClassVersionError: com/example/Mod has been compiled by a more recent version of the Java Runtime (class file version 65.0)"
	assert.True(t, HasUnsupportedClassVersion(log))
	assert.False(t, HasUnsupportedClassVersion("clean start"))
}
