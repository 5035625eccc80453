package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"encoding/json"

	"gopkg.in/yaml.v3"
)

// Guidance is the process-wide table of guidance_key -> text block,
// prepended to a tool's description during schema synthesis.
type Guidance map[string]string

// LoadGuidance reads a guidance file in either YAML or JSON, selected by
// file extension (falls back to YAML for unrecognized extensions, since
// YAML is a superset-ish, more forgiving format for hand-authored text).
func LoadGuidance(path string) (Guidance, error) {
	if path == "" {
		return Guidance{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("guidance: read %s: %w", path, err)
	}

	g := Guidance{}
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		if err := json.Unmarshal(data, &g); err != nil {
			return nil, fmt.Errorf("guidance: parse json %s: %w", path, err)
		}
		return g, nil
	}
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("guidance: parse yaml %s: %w", path, err)
	}
	return g, nil
}

// Lookup returns the guidance text for key, or "" if unset.
func (g Guidance) Lookup(key string) string {
	if g == nil || key == "" {
		return ""
	}
	return g[key]
}

// Prefix prepends guidance text (if any) to desc, separated by a blank
// line, matching how the teacher's docs prefix generated schema
// descriptions with shared boilerplate.
func (g Guidance) Prefix(key, desc string) string {
	text := g.Lookup(key)
	if text == "" {
		return desc
	}
	if desc == "" {
		return text
	}
	return text + "\n\n" + desc
}
