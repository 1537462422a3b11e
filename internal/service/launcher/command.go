package launcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/chromadesk/chromadesk-build/internal/fsutil"
	"github.com/chromadesk/chromadesk-build/internal/logger"
	"github.com/chromadesk/chromadesk-build/internal/render"
)

// FileName is the launcher's name at the staging root.
const FileName = "AppRun"

const launcherMode = 0o755

// PreservedVariables are captured from the host before the launcher changes anything.
var PreservedVariables = []string{
	"DBUS_SESSION_BUS_ADDRESS",
	"XDG_RUNTIME_DIR",
	"XDG_SESSION_TYPE",
}

// ErrInvalidExecutableName is returned for names that cannot be embedded in a shell script.
var ErrInvalidExecutableName = errors.New("invalid executable name")

var executableNamePattern = regexp.MustCompile(`^[A-Za-z0-9._+-]+$`)

// templateData feeds render.LauncherTemplate.
type templateData struct {
	ProductName string
	Executable  string
	Preserved   []string
}

// Generator renders the launcher script.
type Generator struct {
	engine      *render.Engine
	productName string
	executable  string
}

// New returns a generator for the given product and frozen executable name.
func New(engine *render.Engine, productName, executable string) *Generator {
	return &Generator{
		engine:      engine,
		productName: productName,
		executable:  executable,
	}
}

// Generate writes AppRun into root and returns its path.
func (g *Generator) Generate(ctx context.Context, root string) (string, error) {
	ctx = logger.WithName(ctx, "launcher")

	if !executableNamePattern.MatchString(g.executable) {
		return "", fmt.Errorf("%w: %q", ErrInvalidExecutableName, g.executable)
	}

	path := filepath.Join(root, FileName)
	data := templateData{
		ProductName: g.productName,
		Executable:  g.executable,
		Preserved:   PreservedVariables,
	}

	if err := g.engine.RenderToFile(render.LauncherTemplate, path, data, launcherMode); err != nil {
		return "", fmt.Errorf("render launcher: %w", err)
	}

	if err := fsutil.CheckExecutable(path); err != nil {
		return "", fmt.Errorf("check launcher: %w", err)
	}

	logger.InfoKV(ctx, "Launcher written", "path", path, "preserved", PreservedVariables)

	return path, nil
}
