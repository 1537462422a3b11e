package assembler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chromadesk/chromadesk-build/internal/config"
	"github.com/chromadesk/chromadesk-build/internal/fsutil"
	"github.com/chromadesk/chromadesk-build/internal/logger"
	"github.com/chromadesk/chromadesk-build/internal/render"
)

const (
	dirMode  os.FileMode = 0o755
	fileMode os.FileMode = 0o644
)

// ErrMissingSource is returned when a file named in the manifest does not exist.
var ErrMissingSource = errors.New("missing source file")

// Layout describes the staging directory produced by Run.
type Layout struct {
	// Root is the staging directory.
	Root string
	// BinDir receives the frozen executable.
	BinDir string
	// RootDesktopEntry is the launcher-pointing descriptor at the staging root.
	RootDesktopEntry string
	// IconName is the icon reference shared by every desktop entry.
	IconName string
}

// Assembler builds the staging directory.
type Assembler struct {
	cfg    *config.Config
	engine *render.Engine
}

// sources holds every input read and validated before the target is touched.
type sources struct {
	desktopRaw []byte
	desktop    *DesktopFile
	icon       *icon
	files      []config.FileMapping
}

// New returns an assembler for the configured manifest.
func New(cfg *config.Config, engine *render.Engine) *Assembler {
	return &Assembler{
		cfg:    cfg,
		engine: engine,
	}
}

// Run recreates the staging directory for the given version.
func (a *Assembler) Run(ctx context.Context, version string) (*Layout, error) {
	ctx = logger.WithName(ctx, "assembler")

	src, err := a.loadSources()
	if err != nil {
		return nil, err
	}

	root := a.cfg.StagingPath()
	logger.InfoKV(ctx, "Assembling staging directory", "path", root, "version", version)

	if err = os.RemoveAll(root); err != nil {
		return nil, fmt.Errorf("remove previous staging directory: %w", err)
	}

	layout := &Layout{
		Root:     root,
		BinDir:   filepath.Join(root, "usr", "bin"),
		IconName: iconName(src.desktop, a.cfg.AppID),
	}

	if err = a.createDirectories(layout); err != nil {
		return nil, err
	}

	if err = a.placeDesktopEntries(ctx, src, layout, version); err != nil {
		return nil, err
	}

	if err = a.placeIcons(src, layout); err != nil {
		return nil, err
	}

	for _, file := range src.files {
		dst := filepath.Join(root, file.Destination)
		if err = fsutil.CopyFile(a.cfg.Path(file.Source), dst, fileMode); err != nil {
			return nil, fmt.Errorf("stage %s: %w", file.Source, err)
		}
	}

	logger.InfoKV(ctx, "Staging directory ready", "path", root)

	return layout, nil
}

// loadSources checks that every declared source exists and parses the desktop entry and icon.
func (a *Assembler) loadSources() (*sources, error) {
	paths := []string{a.cfg.Assets.DesktopEntry, a.cfg.Assets.Icon}
	for _, file := range a.cfg.Assets.Files {
		paths = append(paths, file.Source)
	}

	for _, rel := range paths {
		info, err := os.Stat(a.cfg.Path(rel))

		switch {
		case errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("%w: %w: %s", config.ErrConfiguration, ErrMissingSource, a.cfg.Path(rel))
		case err != nil:
			return nil, fmt.Errorf("stat %s: %w", rel, err)
		case !info.Mode().IsRegular():
			return nil, fmt.Errorf("%w: %s: %w", config.ErrConfiguration, a.cfg.Path(rel), fsutil.ErrNotRegular)
		}
	}

	desktopRaw, err := os.ReadFile(a.cfg.Path(a.cfg.Assets.DesktopEntry))
	if err != nil {
		return nil, fmt.Errorf("read desktop entry: %w", err)
	}

	desktop, err := parseDesktopFile(desktopRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", config.ErrConfiguration, a.cfg.Assets.DesktopEntry, err)
	}

	if err = desktop.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", config.ErrConfiguration, a.cfg.Assets.DesktopEntry, err)
	}

	iconRaw, err := os.ReadFile(a.cfg.Path(a.cfg.Assets.Icon))
	if err != nil {
		return nil, fmt.Errorf("read icon: %w", err)
	}

	decoded, err := decodeIcon(iconRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", config.ErrConfiguration, a.cfg.Assets.Icon, err)
	}

	return &sources{
		desktopRaw: desktopRaw,
		desktop:    desktop,
		icon:       decoded,
		files:      a.cfg.Assets.Files,
	}, nil
}

func (a *Assembler) createDirectories(layout *Layout) error {
	size := fmt.Sprintf("%dx%d", a.cfg.Assets.IconSize, a.cfg.Assets.IconSize)

	dirs := []string{
		layout.BinDir,
		filepath.Join(layout.Root, "usr", "lib"),
		filepath.Join(layout.Root, "usr", "share", "applications"),
		filepath.Join(layout.Root, "usr", "share", "icons", "hicolor", size, "apps"),
		filepath.Join(layout.Root, "usr", "share", "pixmaps"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, dirMode); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	return nil
}

// placeDesktopEntries writes the unmodified menu copy and the launcher-pointing root copy.
// The root copy is rendered into a temporary file outside the tree first and removed on every path.
func (a *Assembler) placeDesktopEntries(ctx context.Context, src *sources, layout *Layout, version string) error {
	menuCopy := filepath.Join(layout.Root, "usr", "share", "applications", a.cfg.ExecutableName+".desktop")
	if err := os.WriteFile(menuCopy, src.desktopRaw, fileMode); err != nil {
		return fmt.Errorf("write %s: %w", menuCopy, err)
	}

	tmp, err := os.CreateTemp("", "chromadesk-*.desktop")
	if err != nil {
		return fmt.Errorf("create temporary descriptor: %w", err)
	}

	tmpPath := tmp.Name()

	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temporary descriptor: %w", err)
	}

	logger.DebugKV(ctx, "Rendering launcher desktop entry", "temporary", tmpPath)

	rewritten := src.desktop.withLauncher(version, layout.IconName)
	if err = a.engine.RenderToFile(render.DesktopEntryTemplate, tmpPath, rewritten, fileMode); err != nil {
		return fmt.Errorf("render desktop entry: %w", err)
	}

	layout.RootDesktopEntry = filepath.Join(layout.Root, a.cfg.AppID+".desktop")

	targets := []string{
		layout.RootDesktopEntry,
		filepath.Join(layout.Root, "usr", "share", "applications", a.cfg.AppID+".desktop"),
	}

	for _, target := range targets {
		if err = fsutil.CopyFile(tmpPath, target, fileMode); err != nil {
			return fmt.Errorf("stage desktop entry: %w", err)
		}
	}

	return nil
}

// placeIcons writes the icon to the hicolor theme, the legacy pixmap directory,
// the staging root and .DirIcon.
func (a *Assembler) placeIcons(src *sources, layout *Layout) error {
	size := a.cfg.Assets.IconSize
	sizeDir := fmt.Sprintf("%dx%d", size, size)

	themed, err := src.icon.sized(size)
	if err != nil {
		return err
	}

	fileName := layout.IconName + ".png"
	outputs := map[string][]byte{
		filepath.Join(layout.Root, "usr", "share", "icons", "hicolor", sizeDir, "apps", fileName): themed,
		filepath.Join(layout.Root, "usr", "share", "pixmaps", fileName):                          src.icon.raw,
		filepath.Join(layout.Root, fileName):                                                     src.icon.raw,
		filepath.Join(layout.Root, ".DirIcon"):                                                   src.icon.raw,
	}

	for path, data := range outputs {
		if err = os.WriteFile(path, data, fileMode); err != nil {
			return fmt.Errorf("write icon %s: %w", path, err)
		}
	}

	return nil
}

// iconName returns the icon reference of the desktop entry as a bare theme name.
func iconName(desktop *DesktopFile, fallback string) string {
	name := filepath.Base(desktop.Get("Icon"))

	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".svg", ".xpm":
		name = strings.TrimSuffix(name, filepath.Ext(name))
	}

	if name == "" || name == "." || name == string(filepath.Separator) {
		return fallback
	}

	return name
}
