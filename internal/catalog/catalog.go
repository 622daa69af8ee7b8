// Package catalog resolves application template ids to downloadable
// artifacts.
package catalog

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default_catalog.yaml
var defaultCatalog []byte

// ErrUnknownTemplate is returned by Lookup for ids not in the catalog.
var ErrUnknownTemplate = errors.New("unknown template")

// Template is one installable application.
type Template struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	DownloadURL string `yaml:"download_url" json:"downloadUrl"`
	// Checksum is "<algo>:<hex>", only sha256 is supported.
	Checksum    string `yaml:"checksum" json:"checksum"`
	InstallPath string `yaml:"install_path" json:"installPath"`
}

// SHA256 returns the hex digest from Checksum, or "" when none is set.
func (t Template) SHA256() string {
	algo, sum, ok := strings.Cut(t.Checksum, ":")
	if !ok || algo != "sha256" {
		return ""
	}
	return sum
}

// Catalog looks up templates by id.
type Catalog interface {
	Lookup(ctx context.Context, templateID string) (Template, error)
}

type file struct {
	Templates []Template `yaml:"templates"`
}

// Static is an in-memory catalog.
type Static struct {
	templates map[string]Template
}

// Parse builds a catalog from YAML.
func Parse(data []byte) (*Static, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	c := &Static{templates: make(map[string]Template, len(f.Templates))}
	for _, t := range f.Templates {
		if t.ID == "" {
			return nil, fmt.Errorf("parse catalog: template without id")
		}
		if t.Checksum != "" && t.SHA256() == "" {
			return nil, fmt.Errorf("parse catalog: template %s: unsupported checksum %q", t.ID, t.Checksum)
		}
		if t.InstallPath == "" {
			t.InstallPath = "/var/www/app"
		}
		c.templates[t.ID] = t
	}
	return c, nil
}

// Load reads the catalog at path, or the built-in one when path is empty.
func Load(path string) (*Static, error) {
	if path == "" {
		return Parse(defaultCatalog)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, err
	}
	log.Printf("[catalog] Loaded %d templates from %s", len(c.templates), path)
	return c, nil
}

// Lookup implements Catalog.
func (c *Static) Lookup(_ context.Context, templateID string) (Template, error) {
	t, ok := c.templates[templateID]
	if !ok {
		return Template{}, fmt.Errorf("%w: %q", ErrUnknownTemplate, templateID)
	}
	return t, nil
}
