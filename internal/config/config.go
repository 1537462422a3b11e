package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every setting a build or release run needs.
// It is built once at process start and passed by pointer to each step;
// steps must treat it as read-only.
type Config struct {
	// ProjectDir is the root of the application checkout. Relative paths below are resolved against it.
	ProjectDir string `yaml:"project_dir"`
	// ProductName is the human-readable product name used in artifact names.
	ProductName string `yaml:"product_name"`
	// ExecutableName is the name of the frozen executable inside usr/bin.
	ExecutableName string `yaml:"executable_name"`
	// AppID is the reverse-DNS application identifier used for desktop entries and icons.
	AppID string `yaml:"app_id"`
	// Arch is the CPU architecture the image is built for.
	Arch string `yaml:"arch"`
	// StagingDir is the AppDir path, relative to ProjectDir.
	StagingDir string `yaml:"staging_dir"`
	// BuildDir holds the freezer's intermediate files, relative to ProjectDir.
	BuildDir string `yaml:"build_dir"`
	// OutputDir is where produced images are written, relative to ProjectDir.
	OutputDir string `yaml:"output_dir"`

	// MetadataFiles lists every file that carries a copy of the version string.
	// The first file of kind "pyproject" is the source of truth.
	MetadataFiles []MetadataFile `yaml:"metadata_files"`

	// Python describes the isolated package environment.
	Python PythonEnv `yaml:"python"`
	// Freezer describes the packaging tool invocation.
	Freezer Freezer `yaml:"freezer"`
	// Assets lists the desktop entry, icon and other staged files.
	Assets Assets `yaml:"assets"`
	// ImageTool describes the image-compression tool.
	ImageTool ImageTool `yaml:"image_tool"`
	// Release describes the build matrix and publishing target.
	Release Release `yaml:"release"`
}

// MetadataFile is one file carrying a copy of the version string.
type MetadataFile struct {
	// Path is relative to ProjectDir.
	Path string `yaml:"path"`
	// Kind is either MetadataKindPyproject or MetadataKindPython.
	Kind string `yaml:"kind"`
}

// PythonEnv describes how dependencies are installed.
type PythonEnv struct {
	// Interpreter is used to create the environment.
	Interpreter string `yaml:"interpreter"`
	// VenvDir is the environment location, relative to ProjectDir.
	VenvDir string `yaml:"venv_dir"`
	// GUIToolkit is the pinned toolkit requirement installed before anything else.
	GUIToolkit string `yaml:"gui_toolkit"`
	// ImageExtra is the optional dependency group installed only when an image is produced.
	ImageExtra string `yaml:"image_extra"`
}

// Freezer describes the single-file packaging tool invocation.
type Freezer struct {
	// Tool is the executable name looked up inside the environment's bin directory.
	Tool string `yaml:"tool"`
	// EntryScript is the program entry point, relative to ProjectDir.
	EntryScript string `yaml:"entry_script"`
	// DataFiles are bundled next to the frozen program.
	DataFiles []DataFile `yaml:"data_files"`
}

// DataFile maps a source path to its location inside the frozen bundle.
type DataFile struct {
	Source      string `yaml:"source"`
	Destination string `yaml:"destination"`
}

// Assets lists the source files the staging directory is built from.
type Assets struct {
	// DesktopEntry is the source desktop-entry descriptor.
	DesktopEntry string `yaml:"desktop_entry"`
	// Icon is the source PNG icon.
	Icon string `yaml:"icon"`
	// IconSize is the edge length of the hicolor icon.
	IconSize int `yaml:"icon_size"`
	// Files are copied verbatim into the staging directory.
	Files []FileMapping `yaml:"files"`
}

// FileMapping is one (source -> destination) pair of the staging manifest.
type FileMapping struct {
	// Source is relative to ProjectDir.
	Source string `yaml:"source"`
	// Destination is relative to the staging directory.
	Destination string `yaml:"destination"`
}

// ImageTool describes the image-compression tool and its download fallback.
type ImageTool struct {
	// Name is looked up in PATH first.
	Name string `yaml:"name"`
	// DownloadURL is the pinned release used when Name is not in PATH.
	DownloadURL string `yaml:"download_url"`
	// SHA256 is the optional hex checksum of the pinned release.
	SHA256 string `yaml:"sha256"`
	// DownloadTimeout bounds the fallback download.
	DownloadTimeout time.Duration `yaml:"download_timeout"`
}

// Release describes the build matrix and the publishing target.
type Release struct {
	// Environments are the base environments of the build matrix.
	Environments []Environment `yaml:"environments"`
	// Repository is the "owner/name" of the release target.
	Repository string `yaml:"repository"`
	// APIURL is the base URL of the release API.
	APIURL string `yaml:"api_url"`
	// UploadURL is the base URL for asset uploads.
	UploadURL string `yaml:"upload_url"`
	// TokenEnv names the environment variable holding the API token.
	TokenEnv string `yaml:"token_env"`
}

// Environment is one base environment of the build matrix.
type Environment struct {
	// Tag is appended to artifact names built in this environment.
	Tag string `yaml:"tag"`
	// Image is the container image providing the base environment.
	Image string `yaml:"image"`
	// Setup runs inside the environment before the build.
	Setup []string `yaml:"setup"`
}

const (
	// DefaultConfigFilename is the default filename for build settings.
	DefaultConfigFilename = "chromadesk-build.yaml"

	// DefaultFilePermissions is the default file permission for config files.
	DefaultFilePermissions = 0o600

	// MetadataKindPyproject marks a TOML project metadata file.
	MetadataKindPyproject = "pyproject"
	// MetadataKindPython marks a Python module carrying __version__.
	MetadataKindPython = "python"

	defaultDownloadTimeout = 5 * time.Minute
	defaultIconSize        = 256
)

var (
	// ErrConfiguration wraps every configuration error.
	ErrConfiguration = errors.New("configuration error")

	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
)

// Default returns the settings used when no configuration file is present.
func Default() *Config {
	return &Config{
		ProjectDir:     ".",
		ProductName:    "ChromaDesk",
		ExecutableName: "chromadesk",
		AppID:          "io.github.anantdark.chromadesk",
		Arch:           "x86_64",
		StagingDir:     "AppDir",
		BuildDir:       "build",
		OutputDir:      ".",
		MetadataFiles: []MetadataFile{
			{Path: "pyproject.toml", Kind: MetadataKindPyproject},
			{Path: "chromadesk/__init__.py", Kind: MetadataKindPython},
		},
		Python: PythonEnv{
			Interpreter: "python3",
			VenvDir:     ".venv",
			GUIToolkit:  "PySide6==6.6.1",
			ImageExtra:  "appimage",
		},
		Freezer: Freezer{
			Tool:        "pyinstaller",
			EntryScript: "chromadesk/main.py",
			DataFiles: []DataFile{
				{Source: "chromadesk/data", Destination: "chromadesk/data"},
			},
		},
		Assets: Assets{
			DesktopEntry: "data/io.github.anantdark.chromadesk.desktop",
			Icon:         "data/icons/chromadesk.png",
			IconSize:     defaultIconSize,
			Files: []FileMapping{
				{Source: "LICENSE", Destination: "usr/share/doc/chromadesk/LICENSE"},
			},
		},
		ImageTool: ImageTool{
			Name: "appimagetool",
			DownloadURL: "https://github.com/AppImage/appimagetool/releases/download/" +
				"continuous/appimagetool-x86_64.AppImage",
			DownloadTimeout: defaultDownloadTimeout,
		},
		Release: Release{
			Environments: []Environment{
				{Tag: "ubuntu-22.04", Image: "ubuntu:22.04", Setup: defaultSetup()},
				{Tag: "ubuntu-20.04", Image: "ubuntu:20.04", Setup: defaultSetup()},
			},
			Repository: "anantdark/chromadesk",
			APIURL:     "https://api.github.com",
			UploadURL:  "https://uploads.github.com",
			TokenEnv:   "GITHUB_TOKEN",
		},
	}
}

func defaultSetup() []string {
	return []string{
		"apt-get update",
		"DEBIAN_FRONTEND=noninteractive apt-get install -y python3 python3-venv python3-pip " +
			"libfuse2 file desktop-file-utils libgl1 libegl1 libxkbcommon0",
	}
}

// Load reads configuration from the provided path and validates it.
// A missing file at the default path yields the defaults.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultConfigFilename
	}

	cfg := Default()

	contents, err := os.ReadFile(filepath.Clean(path))

	switch {
	case err == nil:
		if err = yaml.Unmarshal(contents, cfg); err != nil {
			return nil, fmt.Errorf("parse settings %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
		// Defaults only.
	default:
		return nil, fmt.Errorf("read settings: %w", err)
	}

	if err = Validate(cfg); err != nil {
		return nil, err
	}

	// Tools run with the project as working directory, so every path handed to them must be absolute.
	if cfg.ProjectDir, err = filepath.Abs(cfg.ProjectDir); err != nil {
		return nil, fmt.Errorf("resolve project dir: %w", err)
	}

	return cfg, nil
}

// Save writes Config to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate checks the provided settings for required fields and fills defaults.
//
//nolint:cyclop // A flat list of independent checks reads best.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	required := map[string]string{
		"product_name":            cfg.ProductName,
		"executable_name":         cfg.ExecutableName,
		"app_id":                  cfg.AppID,
		"arch":                    cfg.Arch,
		"staging_dir":             cfg.StagingDir,
		"python.interpreter":      cfg.Python.Interpreter,
		"python.venv_dir":         cfg.Python.VenvDir,
		"freezer.tool":            cfg.Freezer.Tool,
		"freezer.entry_script":    cfg.Freezer.EntryScript,
		"assets.desktop_entry":    cfg.Assets.DesktopEntry,
		"assets.icon":             cfg.Assets.Icon,
		"image_tool.name":         cfg.ImageTool.Name,
		"image_tool.download_url": cfg.ImageTool.DownloadURL,
	}

	for key, value := range required {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%w: %s must be provided", ErrConfiguration, key)
		}
	}

	if cfg.ProjectDir == "" {
		cfg.ProjectDir = "."
	}

	if cfg.BuildDir == "" {
		cfg.BuildDir = "build"
	}

	if cfg.OutputDir == "" {
		cfg.OutputDir = "."
	}

	if cfg.Assets.IconSize <= 0 {
		cfg.Assets.IconSize = defaultIconSize
	}

	if cfg.ImageTool.DownloadTimeout <= 0 {
		cfg.ImageTool.DownloadTimeout = defaultDownloadTimeout
	}

	if err := validateMetadataFiles(cfg.MetadataFiles); err != nil {
		return err
	}

	if err := validateInside(cfg.StagingDir, "staging_dir"); err != nil {
		return err
	}

	for _, file := range cfg.Assets.Files {
		if err := validateInside(file.Destination, "assets.files destination"); err != nil {
			return err
		}
	}

	if _, err := url.ParseRequestURI(cfg.ImageTool.DownloadURL); err != nil {
		return fmt.Errorf("%w: invalid image tool download URL: %w", ErrConfiguration, err)
	}

	return validateEnvironments(cfg.Release.Environments)
}

// Path resolves a project-relative path.
func (c *Config) Path(rel string) string {
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel)
	}

	return filepath.Join(c.ProjectDir, rel)
}

// StagingPath returns the absolute-or-project-relative staging directory.
func (c *Config) StagingPath() string {
	return c.Path(c.StagingDir)
}

// PrimaryMetadata returns the metadata file that is the source of truth for the version.
func (c *Config) PrimaryMetadata() (MetadataFile, bool) {
	for _, file := range c.MetadataFiles {
		if file.Kind == MetadataKindPyproject {
			return file, true
		}
	}

	return MetadataFile{}, false
}

// ArtifactName returns the deterministic image name for a version.
func (c *Config) ArtifactName(version string) string {
	return fmt.Sprintf("%s-%s-%s.AppImage", c.ProductName, version, c.Arch)
}

// TaggedArtifactName returns the image name of one matrix environment.
func (c *Config) TaggedArtifactName(version, tag string) string {
	return fmt.Sprintf("%s-%s-%s-%s.AppImage", c.ProductName, version, c.Arch, tag)
}

// TarballName returns the deterministic portable tarball name for a version.
func (c *Config) TarballName(version string) string {
	return fmt.Sprintf("%s-%s-%s.tar.zst", c.ProductName, version, c.Arch)
}

func validateMetadataFiles(files []MetadataFile) error {
	if len(files) == 0 {
		return fmt.Errorf("%w: metadata_files must not be empty", ErrConfiguration)
	}

	hasPrimary := false

	for _, file := range files {
		switch file.Kind {
		case MetadataKindPyproject:
			hasPrimary = true
		case MetadataKindPython:
		default:
			return fmt.Errorf("%w: unknown metadata kind %q for %s", ErrConfiguration, file.Kind, file.Path)
		}

		if file.Path == "" {
			return fmt.Errorf("%w: metadata file path must be provided", ErrConfiguration)
		}
	}

	if !hasPrimary {
		return fmt.Errorf("%w: no %s metadata file configured", ErrConfiguration, MetadataKindPyproject)
	}

	return nil
}

func validateEnvironments(envs []Environment) error {
	seen := make(map[string]struct{}, len(envs))

	for _, env := range envs {
		if env.Tag == "" {
			return fmt.Errorf("%w: environment tag must be provided", ErrConfiguration)
		}

		if strings.ContainsAny(env.Tag, `/\ `) {
			return fmt.Errorf("%w: environment tag %q must not contain separators or spaces",
				ErrConfiguration, env.Tag)
		}

		if _, ok := seen[env.Tag]; ok {
			return fmt.Errorf("%w: duplicate environment tag %q", ErrConfiguration, env.Tag)
		}

		seen[env.Tag] = struct{}{}
	}

	return nil
}

// validateInside rejects paths that are absolute or climb out of their root.
func validateInside(rel, key string) error {
	if rel == "" {
		return fmt.Errorf("%w: %s must be provided", ErrConfiguration, key)
	}

	if filepath.IsAbs(rel) {
		return fmt.Errorf("%w: %s %q must be relative", ErrConfiguration, key, rel)
	}

	if cleaned := filepath.Clean(rel); cleaned == "." || cleaned == ".." ||
		strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s %q escapes its root", ErrConfiguration, key, rel)
	}

	return nil
}
