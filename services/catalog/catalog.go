// Package catalog serves the OS template catalog: built-in install
// recipes shipped with the binary plus operator overrides dropped into a
// local directory. Overrides shadow built-ins by name.
package catalog

import (
	"context"
	"embed"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"wyvernd/pkg/bus"
	"wyvernd/services/cluster"
)

//go:embed templates/*.yaml
var builtinFS embed.FS

const (
	defaultInterval = 30 * time.Second

	// baseURLMarker is replaced with the artifact server URL when a
	// template is pushed to the cluster.
	baseURLMarker = "__BASE_URL__"
)

var updatedSubject = bus.SubjectRoot + ".templates.updated"

var displayNames = map[string]string{
	"ubuntu-2204": "Ubuntu 22.04 LTS",
	"ubuntu-2404": "Ubuntu 24.04 LTS",
	"debian-12":   "Debian 12",
	"talos":       "Talos Linux",
}

// Template is one installable OS recipe.
type Template struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Source      string `json:"source"`
	Data        string `json:"-"`
}

// TemplateApplier pushes template resources into the workflow cluster.
type TemplateApplier interface {
	EnsureTemplate(ctx context.Context, tpl cluster.Template) error
}

// Catalog holds the merged template view and refreshes it from the
// override directory on an interval.
type Catalog struct {
	bus         *bus.Bus
	overrideDir string
	interval    time.Duration

	mu        sync.RWMutex
	templates map[string]Template
	version   string
	updatedAt time.Time
}

// New builds a catalog. The bus is optional; without it changes are still
// tracked but not announced.
func New(b *bus.Bus, overrideDir string, interval time.Duration) (*Catalog, error) {
	if interval <= 0 {
		interval = defaultInterval
	}

	c := &Catalog{
		bus:         b,
		overrideDir: overrideDir,
		interval:    interval,
		templates:   map[string]Template{},
	}
	if err := c.reload(context.Background(), false); err != nil {
		return nil, err
	}
	return c, nil
}

// Start polls the override directory until the context is cancelled.
func (c *Catalog) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.reload(ctx, true); err != nil {
				return err
			}
		}
	}
}

// List returns all templates sorted by name.
func (c *Catalog) List() []Template {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Template, 0, len(c.templates))
	for _, tpl := range c.templates {
		out = append(out, tpl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the template with the given name.
func (c *Catalog) Get(name string) (Template, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tpl, ok := c.templates[name]
	return tpl, ok
}

// Version identifies the current catalog content.
func (c *Catalog) Version() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// EnsureInCluster pushes every template to the workflow cluster with the
// artifact base URL substituted in.
func (c *Catalog) EnsureInCluster(ctx context.Context, applier TemplateApplier, namespace, baseURL string) error {
	for _, tpl := range c.List() {
		resource := cluster.NewTemplate(namespace, tpl.Name, RenderData(tpl.Data, baseURL))
		if err := applier.EnsureTemplate(ctx, resource); err != nil {
			return err
		}
	}
	return nil
}

// RenderData substitutes the artifact base URL into raw template data.
func RenderData(data, baseURL string) string {
	return strings.ReplaceAll(data, baseURLMarker, strings.TrimRight(baseURL, "/"))
}

func (c *Catalog) reload(ctx context.Context, announce bool) error {
	merged, err := c.read()
	if err != nil {
		return err
	}

	c.mu.Lock()
	changed := !reflect.DeepEqual(c.templates, merged) || c.version == ""
	if changed {
		c.templates = merged
		c.version = uuid.NewString()
		c.updatedAt = time.Now().UTC()
	}
	version := c.version
	updatedAt := c.updatedAt
	count := len(c.templates)
	c.mu.Unlock()

	if !changed || !announce || c.bus == nil {
		return nil
	}

	payload := map[string]any{
		"version":    version,
		"updated_at": updatedAt,
		"count":      count,
	}
	return c.bus.Publish(ctx, updatedSubject, payload)
}

func (c *Catalog) read() (map[string]Template, error) {
	merged := map[string]Template{}

	entries, err := fs.ReadDir(builtinFS, "templates")
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		data, err := builtinFS.ReadFile("templates/" + entry.Name())
		if err != nil {
			return nil, err
		}
		name := templateName(entry.Name())
		merged[name] = Template{
			Name:        name,
			DisplayName: displayName(name),
			Source:      "builtin",
			Data:        string(data),
		}
	}

	if c.overrideDir == "" {
		return merged, nil
	}

	overrides, err := readOverrides(c.overrideDir)
	if err != nil {
		return nil, err
	}
	for name, data := range overrides {
		merged[name] = Template{
			Name:        name,
			DisplayName: displayName(name),
			Source:      "override",
			Data:        data,
		}
	}
	return merged, nil
}

func readOverrides(root string) (map[string]string, error) {
	result := map[string]string{}

	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return result, nil
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.New("override path is not a directory")
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(root, entry.Name()))
		if err != nil {
			return nil, err
		}
		result[templateName(entry.Name())] = string(data)
	}
	return result, nil
}

func templateName(filename string) string {
	return strings.TrimSuffix(filename, filepath.Ext(filename))
}

func displayName(name string) string {
	if display, ok := displayNames[name]; ok {
		return display
	}
	return name
}
