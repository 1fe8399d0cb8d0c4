// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for launch environment preparation and command builders.

package launch

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/awnumar/memguard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/ModWarden/services/warden/manifest"
)

func TestNewEnvironment_Defaults(t *testing.T) {
	e := NewEnvironment(Config{}, nil)

	assert.Equal(t, ".", e.cfg.Dir)
	assert.Equal(t, manifest.LoaderNeoForge, e.cfg.Loader)
	assert.Equal(t, "6G", e.cfg.Xmx)
	assert.Equal(t, "4G", e.cfg.Xms)
	assert.Equal(t, 25565, e.cfg.ServerPort)
	assert.Equal(t, 25575, e.cfg.RconPort)
	assert.Equal(t, "ModWarden - NeoForge Server", e.cfg.MOTD)

	forge := NewEnvironment(Config{Loader: manifest.LoaderForge}, nil)
	assert.Equal(t, "forge.jar", forge.cfg.ServerJar)

	fabric := NewEnvironment(Config{Loader: manifest.LoaderFabric}, nil)
	assert.Equal(t, "fabric.jar", fabric.cfg.ServerJar)
}

func TestPrepare_NeoForgeWritesJVMArgs(t *testing.T) {
	dir := t.TempDir()

	e := NewEnvironment(Config{Dir: dir}, nil)
	require.NoError(t, e.Prepare())

	raw, err := os.ReadFile(filepath.Join(dir, "user_jvm_args.txt"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")

	require.Len(t, lines, 10)
	assert.Equal(t, "-Xmx6G", lines[0])
	assert.Equal(t, "-Xms4G", lines[1])
	assert.Contains(t, lines, "-XX:+UseG1GC")
	assert.Contains(t, lines, "-XX:+AlwaysPreTouch")

	// A heap change in the config shows up after the next Prepare.
	bigger := NewEnvironment(Config{Dir: dir, Xmx: "8G"}, nil)
	require.NoError(t, bigger.Prepare())
	raw, err = os.ReadFile(filepath.Join(dir, "user_jvm_args.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "-Xmx8G")
	assert.NotContains(t, string(raw), "-Xmx6G")
}

func TestPrepare_ForgeSkipsJVMArgs(t *testing.T) {
	dir := t.TempDir()

	e := NewEnvironment(Config{Dir: dir, Loader: manifest.LoaderForge}, nil)
	require.NoError(t, e.Prepare())

	_, err := os.Stat(filepath.Join(dir, "user_jvm_args.txt"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "server.properties"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "eula.txt"))
	assert.NoError(t, err)
}

func TestServerProperties_FreshDefaults(t *testing.T) {
	dir := t.TempDir()

	e := NewEnvironment(Config{Dir: dir}, nil)
	require.NoError(t, e.Prepare())

	props, err := readProperties(filepath.Join(dir, "server.properties"))
	require.NoError(t, err)

	assert.Equal(t, "true", props["enable-rcon"])
	assert.Equal(t, "changeme", props["rcon.password"])
	assert.Equal(t, "25575", props["rcon.port"])
	assert.Equal(t, "25565", props["server-port"])
	assert.Equal(t, "world", props["level-name"])
	assert.Equal(t, "20", props["max-players"])
	assert.Equal(t, "false", props["online-mode"])
	assert.Equal(t, "ModWarden - NeoForge Server", props["motd"])

	raw, err := os.ReadFile(filepath.Join(dir, "server.properties"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	assert.Equal(t, "allow-flight=true", lines[0])
	assert.Equal(t, "server-port=25565", lines[len(lines)-1])
}

func TestServerProperties_ExistingKeysWin(t *testing.T) {
	dir := t.TempDir()
	existing := strings.Join([]string{
		"# operator notes",
		"",
		"motd=My World",
		"max-players=40",
		"enable-rcon=false",
		"not a property line",
	}, "\n") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "server.properties"), []byte(existing), 0o644))

	e := NewEnvironment(Config{Dir: dir}, nil)
	require.NoError(t, e.Prepare())

	props, err := readProperties(filepath.Join(dir, "server.properties"))
	require.NoError(t, err)

	assert.Equal(t, "My World", props["motd"])
	assert.Equal(t, "40", props["max-players"])
	assert.Equal(t, "false", props["enable-rcon"], "an explicit opt-out survives")
	assert.Equal(t, "survival", props["gamemode"], "missing keys still get defaults")
}

func TestServerProperties_ForcesRconWhenUnset(t *testing.T) {
	dir := t.TempDir()
	existing := "motd=Keep\nrcon.password=oldpass\nrcon.port=9999\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "server.properties"), []byte(existing), 0o644))

	e := NewEnvironment(Config{
		Dir:      dir,
		RconPort: 25580,
		RconPass: memguard.NewEnclave([]byte("s3cret")),
	}, nil)
	require.NoError(t, e.Prepare())

	props, err := readProperties(filepath.Join(dir, "server.properties"))
	require.NoError(t, err)

	assert.Equal(t, "Keep", props["motd"])
	assert.Equal(t, "true", props["enable-rcon"])
	assert.Equal(t, "s3cret", props["rcon.password"])
	assert.Equal(t, "25580", props["rcon.port"])
}

func TestEULA(t *testing.T) {
	dir := t.TempDir()
	e := NewEnvironment(Config{Dir: dir}, nil)

	require.NoError(t, e.Prepare())
	raw, err := os.ReadFile(filepath.Join(dir, "eula.txt"))
	require.NoError(t, err)
	assert.Equal(t, "eula=true\n", string(raw))

	// An existing answer is never rewritten.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "eula.txt"), []byte("eula=false\n"), 0o644))
	require.NoError(t, e.Prepare())
	raw, err = os.ReadFile(filepath.Join(dir, "eula.txt"))
	require.NoError(t, err)
	assert.Equal(t, "eula=false\n", string(raw))
}

func TestCommand_NeoForgeVersionScan(t *testing.T) {
	dir := t.TempDir()
	libDir := filepath.Join(dir, "libraries", "net", "neoforged", "neoforge")
	require.NoError(t, os.MkdirAll(filepath.Join(libDir, "21.11.38-beta"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(libDir, "21.11.7"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(libDir, "README.txt"), []byte("x"), 0o644))

	e := NewEnvironment(Config{Dir: dir}, nil)
	argv, err := e.Command()
	require.NoError(t, err)

	require.Len(t, argv, 4)
	assert.Equal(t, "java", argv[0])
	assert.Equal(t, "@user_jvm_args.txt", argv[1])
	assert.Equal(t, "@libraries/net/neoforged/neoforge/21.11.7/unix_args.txt", argv[2])
	assert.Equal(t, "nogui", argv[3])
}

func TestCommand_NeoForgeFallbackVersion(t *testing.T) {
	e := NewEnvironment(Config{Dir: t.TempDir()}, nil)
	argv, err := e.Command()
	require.NoError(t, err)
	assert.Equal(t, "@libraries/net/neoforged/neoforge/21.11.38-beta/unix_args.txt", argv[2])
}

func TestCommand_ForgeAndFabric(t *testing.T) {
	forge := NewEnvironment(Config{Loader: manifest.LoaderForge}, nil)
	argv, err := forge.Command()
	require.NoError(t, err)
	assert.Equal(t, []string{"java", "-Xms4G", "-Xmx6G", "-jar", "forge.jar", "nogui"}, argv)

	fabric := NewEnvironment(Config{
		Loader:    manifest.LoaderFabric,
		ServerJar: "fabric-server-launch.jar",
		Xmx:       "8G",
		Xms:       "2G",
	}, nil)
	argv, err = fabric.Command()
	require.NoError(t, err)
	assert.Equal(t, []string{"java", "-Xms2G", "-Xmx8G", "-jar", "fabric-server-launch.jar", "nogui"}, argv)
}

func TestCommand_UnknownLoader(t *testing.T) {
	e := NewEnvironment(Config{Loader: manifest.LoaderUnknown}, nil)
	_, err := e.Command()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no launch profile")
}

func TestCommandLine(t *testing.T) {
	e := NewEnvironment(Config{Dir: t.TempDir()}, nil)
	line, err := e.CommandLine()
	require.NoError(t, err)
	assert.Equal(t, "java @user_jvm_args.txt @libraries/net/neoforged/neoforge/21.11.38-beta/unix_args.txt nogui", line)
}

func TestWriteInstallScripts(t *testing.T) {
	modsDir := filepath.Join(t.TempDir(), "mods")

	require.NoError(t, WriteInstallScripts(modsDir, 9100, nil))

	sh, err := os.ReadFile(filepath.Join(modsDir, "install-mods.sh"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(sh), "#!/bin/bash"))
	assert.Contains(t, string(sh), `PORT="${2:-9100}"`)
	assert.Contains(t, string(sh), "mods_latest.zip")

	info, err := os.Stat(filepath.Join(modsDir, "install-mods.sh"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o111, "bash script must be executable")

	ps, err := os.ReadFile(filepath.Join(modsDir, "install-mods.ps1"))
	require.NoError(t, err)
	assert.Contains(t, string(ps), "[int]$Port=9100")
	assert.Contains(t, string(ps), "Expand-Archive")
}

func writeJar(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestBuildModPack(t *testing.T) {
	modsDir := filepath.Join(t.TempDir(), "mods")
	clientonly := filepath.Join(modsDir, "clientonly")
	writeJar(t, modsDir, "alpha.jar", "server-alpha")
	writeJar(t, modsDir, "shared.jar", "server-shared")
	writeJar(t, clientonly, "shared.jar", "client-shared")
	writeJar(t, clientonly, "shaders.jar", "client-shaders")
	require.NoError(t, os.WriteFile(filepath.Join(modsDir, "notes.txt"), []byte("x"), 0o644))

	pack, err := BuildModPack(modsDir, clientonly, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, pack.Mods)
	assert.Equal(t, filepath.Join(modsDir, "mods_latest.zip"), pack.Path)
	assert.Positive(t, pack.Size)

	zr, err := zip.OpenReader(pack.Path)
	require.NoError(t, err)
	defer zr.Close()

	var names []string
	contents := make(map[string]string)
	for _, zf := range zr.File {
		names = append(names, zf.Name)
		rc, err := zf.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		contents[zf.Name] = string(data)
	}

	assert.Equal(t, []string{"alpha.jar", "shaders.jar", "shared.jar"}, names)
	assert.Equal(t, "server-shared", contents["shared.jar"], "server copy wins on collision")
	assert.Equal(t, "client-shaders", contents["shaders.jar"])
}

func TestBuildModPack_MissingClientonly(t *testing.T) {
	modsDir := filepath.Join(t.TempDir(), "mods")
	writeJar(t, modsDir, "only.jar", "x")

	pack, err := BuildModPack(modsDir, filepath.Join(modsDir, "clientonly"), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, pack.Mods)
}

func TestWriteSystemdUnit(t *testing.T) {
	dir := t.TempDir()

	path, err := WriteSystemdUnit(UnitConfig{
		Dir:        dir,
		Loader:     manifest.LoaderFabric,
		MCVersion:  "1.21.11",
		User:       "mc",
		Executable: "/opt/modwarden/modwarden",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "modwarden.service"), path)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	unit := string(raw)

	assert.Contains(t, unit, "Description=Minecraft Fabric 1.21.11 server (ModWarden)")
	assert.Contains(t, unit, "User=mc")
	assert.Contains(t, unit, "WorkingDirectory="+dir)
	assert.Contains(t, unit, "ExecStart=/opt/modwarden/modwarden run")
	assert.Contains(t, unit, "Restart=on-failure")
	assert.Contains(t, unit, "WantedBy=multi-user.target")
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "NeoForge", DisplayName(manifest.LoaderNeoForge))
	assert.Equal(t, "Forge", DisplayName(manifest.LoaderForge))
	assert.Equal(t, "Fabric", DisplayName(manifest.LoaderFabric))
	assert.Equal(t, "unknown", DisplayName(manifest.LoaderUnknown))
}
