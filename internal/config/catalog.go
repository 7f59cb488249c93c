package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/pi/pkg/models"
)

const includeKey = "$include"

// Catalog is a models catalog file. Its entries overlay the built-in model
// descriptors.
type Catalog struct {
	Models []*models.Model `json:"models"`
}

// catalogNames are tried in order under the agent directory.
var catalogNames = []string{"models.json5", "models.json", "models.yaml", "models.yml"}

// FindCatalog returns the first catalog file present under dir.
func FindCatalog(dir string) (string, bool) {
	for _, name := range catalogNames {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}
	return "", false
}

// LoadCatalog reads a catalog file, resolving $include directives relative
// to each file's directory and expanding $VAR environment references.
func LoadCatalog(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("catalog path is required")
	}
	raw, err := loadRawRecursive(path, map[string]bool{})
	if err != nil {
		return nil, err
	}
	return decodeCatalog(raw)
}

// loadRawRecursive loads one file, resolving $include directives with cycle
// detection.
func loadRawRecursive(path string, seen map[string]bool) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if seen[absPath] {
		return nil, fmt.Errorf("catalog include cycle detected at %s", absPath)
	}
	seen[absPath] = true
	defer delete(seen, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}
	expanded := os.ExpandEnv(string(data))
	raw, err := parseRawBytes([]byte(expanded), absPath)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", absPath, err)
	}

	includes, err := extractIncludes(raw)
	if err != nil {
		return nil, err
	}

	merged := map[string]any{}
	if len(includes) > 0 {
		baseDir := filepath.Dir(absPath)
		for _, inc := range includes {
			if strings.TrimSpace(inc) == "" {
				continue
			}
			incPath := inc
			if !filepath.IsAbs(incPath) {
				incPath = filepath.Join(baseDir, incPath)
			}
			incRaw, err := loadRawRecursive(incPath, seen)
			if err != nil {
				return nil, err
			}
			merged = mergeMaps(merged, incRaw)
		}
	}

	merged = mergeMaps(merged, raw)
	return merged, nil
}

func parseRawBytes(data []byte, pathHint string) (map[string]any, error) {
	format := strings.ToLower(filepath.Ext(pathHint))
	if format == ".json" || format == ".json5" {
		var raw map[string]any
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		if raw == nil {
			raw = map[string]any{}
		}
		return raw, nil
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	var raw map[string]any
	if err := decoder.Decode(&raw); err != nil {
		return nil, err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("expected a single document")
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

func extractIncludes(raw map[string]any) ([]string, error) {
	if raw == nil {
		return nil, nil
	}
	val, ok := raw[includeKey]
	if !ok {
		return nil, nil
	}
	delete(raw, includeKey)

	switch typed := val.(type) {
	case string:
		return []string{typed}, nil
	case []any:
		paths := make([]string, 0, len(typed))
		for _, entry := range typed {
			s, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("%s entries must be strings", includeKey)
			}
			paths = append(paths, s)
		}
		return paths, nil
	default:
		return nil, fmt.Errorf("%s must be a string or list of strings", includeKey)
	}
}

func mergeMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for key, value := range src {
		if valueMap, ok := value.(map[string]any); ok {
			if existing, ok := dst[key].(map[string]any); ok {
				dst[key] = mergeMaps(existing, valueMap)
				continue
			}
		}
		dst[key] = value
	}
	return dst
}

// decodeCatalog bridges the merged raw map into JSON-tagged structs.
// Unknown fields are rejected so typos surface instead of silently
// producing zero values.
func decodeCatalog(raw map[string]any) (*Catalog, error) {
	payload, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("serialize models catalog: %w", err)
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	var c Catalog
	if err := decoder.Decode(&c); err != nil {
		return nil, fmt.Errorf("parse models catalog: %w", err)
	}
	for i, m := range c.Models {
		if m == nil || m.ID == "" || m.Provider == "" || m.API == "" {
			return nil, fmt.Errorf("models catalog entry %d needs id, provider, and api", i)
		}
	}
	return &c, nil
}

// MergeModels overlays extra entries onto base: an entry whose provider and
// id match an existing one replaces it in place, everything else appends in
// order.
func MergeModels(base, extra []*models.Model) []*models.Model {
	merged := make([]*models.Model, len(base))
	index := make(map[string]int, len(base))
	for i, m := range base {
		merged[i] = m
		index[m.Provider+"/"+m.ID] = i
	}
	for _, m := range extra {
		if i, ok := index[m.Provider+"/"+m.ID]; ok {
			merged[i] = m
			continue
		}
		index[m.Provider+"/"+m.ID] = len(merged)
		merged = append(merged, m)
	}
	return merged
}

// FindModel locates a model by provider and id. An empty provider matches
// the first entry with the given id.
func FindModel(list []*models.Model, provider, id string) (*models.Model, bool) {
	for _, m := range list {
		if m.ID != id {
			continue
		}
		if provider == "" || m.Provider == provider {
			return m, true
		}
	}
	return nil, false
}

// LoadModels returns the built-ins overlaid with the catalog under dir, if
// one exists.
func LoadModels(dir string) ([]*models.Model, error) {
	base := Builtins()
	path, ok := FindCatalog(dir)
	if !ok {
		return base, nil
	}
	catalog, err := LoadCatalog(path)
	if err != nil {
		return nil, err
	}
	return MergeModels(base, catalog.Models), nil
}
