package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestValidate checks required fields and path validations for Config.
func TestValidate(t *testing.T) {
	t.Parallel()

	// Defaults are valid.
	require.NoError(t, Validate(Default()))

	// Nil config.
	require.Error(t, Validate(nil))

	// Missing product name.
	cfg := Default()
	cfg.ProductName = ""
	require.ErrorIs(t, Validate(cfg), ErrConfiguration)

	// Staging directory escaping the project.
	cfg = Default()
	cfg.StagingDir = "../AppDir"
	require.ErrorIs(t, Validate(cfg), ErrConfiguration)

	// Staging directory equal to the project root.
	cfg = Default()
	cfg.StagingDir = "."
	require.ErrorIs(t, Validate(cfg), ErrConfiguration)

	// Duplicate matrix tags.
	cfg = Default()
	cfg.Release.Environments = []Environment{{Tag: "a"}, {Tag: "a"}}
	require.ErrorIs(t, Validate(cfg), ErrConfiguration)

	// No pyproject metadata file.
	cfg = Default()
	cfg.MetadataFiles = []MetadataFile{{Path: "chromadesk/__init__.py", Kind: MetadataKindPython}}
	require.ErrorIs(t, Validate(cfg), ErrConfiguration)
}

// TestValidate_FillsDefaults ensures optional fields receive defaults.
func TestValidate_FillsDefaults(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.ProjectDir = ""
	cfg.Assets.IconSize = 0
	cfg.ImageTool.DownloadTimeout = 0

	require.NoError(t, Validate(cfg))
	require.Equal(t, ".", cfg.ProjectDir)
	require.Equal(t, defaultIconSize, cfg.Assets.IconSize)
	require.Equal(t, defaultDownloadTimeout, cfg.ImageTool.DownloadTimeout)
}

// TestSaveLoadRoundtrip ensures settings are persisted and loaded back correctly.
func TestSaveLoadRoundtrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "build.yaml")

	cfg := Default()
	cfg.ProductName = "Example"
	cfg.Release.Environments = []Environment{{Tag: "A", Image: "ubuntu:22.04"}}

	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.ProductName, loaded.ProductName)
	require.Equal(t, cfg.Release.Environments, loaded.Release.Environments)

	// File exists.
	_, err = os.Stat(path)
	require.NoError(t, err)
}

// TestLoad_ExplicitMissingFile fails when a named file does not exist.
func TestLoad_ExplicitMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestArtifactNames checks the deterministic artifact naming scheme.
func TestArtifactNames(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.ProductName = "product"

	require.Equal(t, "product-0.4.0-x86_64.AppImage", cfg.ArtifactName("0.4.0"))
	require.Equal(t, "product-0.4.0-x86_64.tar.zst", cfg.TarballName("0.4.0"))
	require.Equal(t, "product-0.4.0-x86_64-A.AppImage", cfg.TaggedArtifactName("0.4.0", "A"))
}
