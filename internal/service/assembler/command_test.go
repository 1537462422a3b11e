package assembler

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"image"
	"image/color"
	"image/png"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chromadesk/chromadesk-build/internal/config"
	"github.com/chromadesk/chromadesk-build/internal/render"
)

const sourceDesktopEntry = `# ChromaDesk menu entry
[Desktop Entry]
Version=1.0
Name=ChromaDesk
Comment=Daily wallpaper changer
Exec=chromadesk %U
Icon=io.github.anantdark.chromadesk
Terminal=false
Type=Application
Categories=Utility;GNOME;
`

// makePNG encodes a solid square of the given size.
func makePNG(t *testing.T, size int) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := range size {
		for x := range size {
			img.Set(x, y, color.NRGBA{R: 200, G: uint8(x), B: uint8(y), A: 255})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	return buf.Bytes()
}

// newProject writes the default asset manifest into a temporary project.
func newProject(t *testing.T, iconSize int) (*config.Config, *Assembler) {
	t.Helper()

	dir := t.TempDir()
	cfg := config.Default()
	cfg.ProjectDir = dir

	files := map[string][]byte{
		cfg.Assets.DesktopEntry: []byte(sourceDesktopEntry),
		cfg.Assets.Icon:         makePNG(t, iconSize),
		"LICENSE":               []byte("GPL-3.0\n"),
	}

	for rel, data := range files {
		path := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, data, 0o644))
	}

	engine, err := render.NewEngine()
	require.NoError(t, err)

	return cfg, New(cfg, engine)
}

// snapshot hashes every entry of a tree, keyed by relative path.
func snapshot(t *testing.T, root string) map[string]string {
	t.Helper()

	out := make(map[string]string)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		require.NoError(t, err)

		rel, relErr := filepath.Rel(root, path)
		require.NoError(t, relErr)

		info, infoErr := d.Info()
		require.NoError(t, infoErr)

		if d.IsDir() {
			out[rel] = "dir " + info.Mode().String()
			return nil
		}

		data, readErr := os.ReadFile(path)
		require.NoError(t, readErr)

		sum := sha256.Sum256(data)
		out[rel] = info.Mode().String() + " " + hex.EncodeToString(sum[:])

		return nil
	})
	require.NoError(t, err)

	return out
}

// TestRun_Layout checks every staged file and the launcher invariant of the root entry.
func TestRun_Layout(t *testing.T) {
	t.Parallel()

	cfg, a := newProject(t, 64)

	layout, err := a.Run(context.Background(), "0.4.0")
	require.NoError(t, err)

	root := cfg.StagingPath()
	require.Equal(t, root, layout.Root)
	require.DirExists(t, layout.BinDir)

	// Menu copy is byte-identical to the source.
	menu, err := os.ReadFile(filepath.Join(root, "usr/share/applications/chromadesk.desktop"))
	require.NoError(t, err)
	require.Equal(t, sourceDesktopEntry, string(menu))

	// Root copy and its duplicate run the launcher.
	for _, rel := range []string{
		"io.github.anantdark.chromadesk.desktop",
		"usr/share/applications/io.github.anantdark.chromadesk.desktop",
	} {
		data, readErr := os.ReadFile(filepath.Join(root, rel))
		require.NoError(t, readErr)

		parsed, parseErr := parseDesktopFile(data)
		require.NoError(t, parseErr)
		require.Equal(t, LauncherExec, parsed.Get("Exec"), rel)
		require.Equal(t, "0.4.0", parsed.Get("X-AppImage-Version"))
		require.Equal(t, "Utility;GNOME;", parsed.Get("Categories"))
		require.NotContains(t, string(data), "Exec=chromadesk")
	}

	require.Equal(t, filepath.Join(root, "io.github.anantdark.chromadesk.desktop"), layout.RootDesktopEntry)

	// Four icon destinations.
	source, err := os.ReadFile(cfg.Path(cfg.Assets.Icon))
	require.NoError(t, err)

	for _, rel := range []string{
		"usr/share/pixmaps/io.github.anantdark.chromadesk.png",
		"io.github.anantdark.chromadesk.png",
		".DirIcon",
	} {
		data, readErr := os.ReadFile(filepath.Join(root, rel))
		require.NoError(t, readErr)
		require.Equal(t, source, data, rel)
	}

	themed, err := os.Open(filepath.Join(root, "usr/share/icons/hicolor/256x256/apps/io.github.anantdark.chromadesk.png"))
	require.NoError(t, err)

	defer func() {
		_ = themed.Close()
	}()

	cfgImage, err := png.DecodeConfig(themed)
	require.NoError(t, err)
	require.Equal(t, 256, cfgImage.Width)
	require.Equal(t, 256, cfgImage.Height)

	// Manifest files.
	license, err := os.ReadFile(filepath.Join(root, "usr/share/doc/chromadesk/LICENSE"))
	require.NoError(t, err)
	require.Equal(t, "GPL-3.0\n", string(license))
}

// TestRun_Idempotent re-runs the assembler and expects an identical tree without stale files.
func TestRun_Idempotent(t *testing.T) {
	t.Parallel()

	cfg, a := newProject(t, 48)

	_, err := a.Run(context.Background(), "0.4.0")
	require.NoError(t, err)

	first := snapshot(t, cfg.StagingPath())

	// A leftover from an earlier run must not survive.
	require.NoError(t, os.WriteFile(filepath.Join(cfg.StagingPath(), "usr", "bin", "stale"), []byte("x"), 0o755))

	_, err = a.Run(context.Background(), "0.4.0")
	require.NoError(t, err)

	require.Equal(t, first, snapshot(t, cfg.StagingPath()))
}

// TestRun_SquareIconKeptVerbatim keeps an icon that already has the themed size.
func TestRun_SquareIconKeptVerbatim(t *testing.T) {
	t.Parallel()

	cfg, a := newProject(t, 256)

	_, err := a.Run(context.Background(), "1.0.0")
	require.NoError(t, err)

	source, err := os.ReadFile(cfg.Path(cfg.Assets.Icon))
	require.NoError(t, err)

	themed, err := os.ReadFile(filepath.Join(cfg.StagingPath(),
		"usr/share/icons/hicolor/256x256/apps/io.github.anantdark.chromadesk.png"))
	require.NoError(t, err)
	require.Equal(t, source, themed)
}

// TestRun_MissingSource fails before touching an existing staging directory.
func TestRun_MissingSource(t *testing.T) {
	t.Parallel()

	cfg, a := newProject(t, 32)

	marker := filepath.Join(cfg.StagingPath(), "previous-run")
	require.NoError(t, os.MkdirAll(cfg.StagingPath(), 0o755))
	require.NoError(t, os.WriteFile(marker, []byte("keep"), 0o644))
	require.NoError(t, os.Remove(filepath.Join(cfg.ProjectDir, "LICENSE")))

	_, err := a.Run(context.Background(), "0.4.0")
	require.ErrorIs(t, err, ErrMissingSource)
	require.ErrorIs(t, err, config.ErrConfiguration)
	require.Contains(t, err.Error(), filepath.Join(cfg.ProjectDir, "LICENSE"))

	// The previous tree is untouched and nothing new was staged.
	require.FileExists(t, marker)
	require.NoDirExists(t, filepath.Join(cfg.StagingPath(), "usr"))
}

// TestRun_InvalidDesktopEntry rejects descriptors missing required keys.
func TestRun_InvalidDesktopEntry(t *testing.T) {
	t.Parallel()

	cfg, a := newProject(t, 32)

	broken := strings.Replace(sourceDesktopEntry, "Categories=Utility;GNOME;\n", "", 1)
	require.NoError(t, os.WriteFile(cfg.Path(cfg.Assets.DesktopEntry), []byte(broken), 0o644))

	_, err := a.Run(context.Background(), "0.4.0")
	require.ErrorIs(t, err, ErrInvalidDesktopEntry)
	require.Contains(t, err.Error(), "Categories")
	require.NoDirExists(t, cfg.StagingPath())
}

// TestRun_InvalidIcon rejects an icon that is not a PNG.
func TestRun_InvalidIcon(t *testing.T) {
	t.Parallel()

	cfg, a := newProject(t, 32)
	require.NoError(t, os.WriteFile(cfg.Path(cfg.Assets.Icon), []byte("not a png"), 0o644))

	_, err := a.Run(context.Background(), "0.4.0")
	require.ErrorIs(t, err, ErrInvalidIcon)
}

// TestRun_TemporaryDescriptorRemoved leaves no temporary descriptor behind.
func TestRun_TemporaryDescriptorRemoved(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)

	_, a := newProject(t, 32)

	_, err := a.Run(context.Background(), "0.4.0")
	require.NoError(t, err)

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)

	for _, entry := range entries {
		require.False(t, strings.HasSuffix(entry.Name(), ".desktop"), entry.Name())
	}
}

// TestIconName strips image extensions but keeps dotted identifiers.
func TestIconName(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"io.github.anantdark.chromadesk": "io.github.anantdark.chromadesk",
		"/usr/share/icons/chromadesk.png": "chromadesk",
		"chromadesk.SVG":                  "chromadesk",
		"":                                "fallback",
	}

	for icon, want := range cases {
		desktop := &DesktopFile{Groups: []Group{{Name: mainGroup, Entries: []Entry{{Key: "Icon", Value: icon}}}}}
		require.Equal(t, want, iconName(desktop, "fallback"), icon)
	}
}
