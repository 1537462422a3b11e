package render

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

const (
	// LauncherTemplate renders the AppRun entry point.
	LauncherTemplate = "AppRun.tmpl"
	// DesktopEntryTemplate renders a desktop-entry descriptor.
	DesktopEntryTemplate = "desktop.tmpl"
)

var errTemplateNotFound = errors.New("template not found")

// Engine holds the parsed embedded templates.
type Engine struct {
	templates map[string]*template.Template
}

// NewEngine parses every embedded template.
func NewEngine() (*Engine, error) {
	engine := &Engine{
		templates: make(map[string]*template.Template),
	}

	entries, err := templateFS.ReadDir("templates")
	if err != nil {
		return nil, fmt.Errorf("read templates directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		content, err := templateFS.ReadFile("templates/" + name)
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", name, err)
		}

		tmpl, err := template.New(name).Option("missingkey=error").Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}

		engine.templates[name] = tmpl
	}

	return engine, nil
}

// Render executes a template with the given data.
func (e *Engine) Render(templateName string, data any) ([]byte, error) {
	tmpl, ok := e.templates[templateName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errTemplateNotFound, templateName)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("execute template %s: %w", templateName, err)
	}

	return buf.Bytes(), nil
}

// RenderToFile renders a template and writes it to filePath with the given permissions.
func (e *Engine) RenderToFile(templateName, filePath string, data any, perm os.FileMode) error {
	content, err := e.Render(templateName, data)
	if err != nil {
		return err
	}

	dir := filepath.Dir(filePath)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	if err = os.WriteFile(filePath, content, perm); err != nil {
		return fmt.Errorf("write %s: %w", filePath, err)
	}

	// WriteFile keeps the mode of an existing file; make the requested one stick.
	return os.Chmod(filePath, perm)
}
