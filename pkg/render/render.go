package render

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// Template names understood by the engine.
const (
	BootScriptTemplate  = "ipxe-boot.tmpl"
	StackValuesTemplate = "stack-values.yaml.tmpl"
)

// BootScriptData parameterizes the iPXE chain script handed to booting machines.
type BootScriptData struct {
	// Action "local" exits to the machine's own disk; any other value
	// netboots the provisioning environment.
	Action  string
	BaseURL string
	MAC     string
}

// StackValuesData parameterizes the orchestration stack deployment values.
type StackValuesData struct {
	PublicIP          string
	TrustedProxies    []string
	ArtifactsDir      string
	DownloadArtifacts bool
}

// Engine renders templates embedded in the package.
type Engine struct {
	templates *template.Template
}

// New initialises an Engine by parsing all embedded templates.
func New() (*Engine, error) {
	t, err := template.New("render").Funcs(template.FuncMap{}).ParseFS(templatesFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Engine{templates: t}, nil
}

// Render executes the named template with the provided data and returns the rendered string.
func (e *Engine) Render(name string, data any) (string, error) {
	if e == nil || e.templates == nil {
		return "", fmt.Errorf("nil engine")
	}

	buf := bytes.NewBuffer(nil)
	if err := e.templates.ExecuteTemplate(buf, name, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}

// BootScript renders the iPXE chain script for a machine.
func (e *Engine) BootScript(data BootScriptData) (string, error) {
	return e.Render(BootScriptTemplate, data)
}

// StackValues renders the deployment values for the orchestration stack.
func (e *Engine) StackValues(data StackValuesData) (string, error) {
	return e.Render(StackValuesTemplate, data)
}
