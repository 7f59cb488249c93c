package extensions

import (
	"os"
	"path/filepath"
	"strings"
)

// pluginExt is the only file extension the loader accepts; extensions are
// compiled Go plugins.
const pluginExt = ".so"

// DiscoverPaths merges the extension locations, earliest source first:
//
//  1. <homeDir>/.pi/agent/extensions/*.so (user-global)
//  2. <workDir>/.pi/extensions/*.so (per-workspace)
//  3. explicit paths from settings
//  4. explicit paths from the caller
//
// Explicit entries may name a file or a directory; directories are scanned
// one level deep. Missing locations are skipped, duplicates keep their first
// position.
func DiscoverPaths(homeDir, workDir string, settingsPaths, additionalPaths []string) []string {
	var candidates []string
	if homeDir != "" {
		candidates = append(candidates, scanDir(filepath.Join(homeDir, ".pi", "agent", "extensions"))...)
	}
	if workDir != "" {
		candidates = append(candidates, scanDir(filepath.Join(workDir, ".pi", "extensions"))...)
	}
	for _, p := range settingsPaths {
		candidates = append(candidates, expandEntry(p)...)
	}
	for _, p := range additionalPaths {
		candidates = append(candidates, expandEntry(p)...)
	}
	return dedupe(candidates)
}

// scanDir lists the plugin files directly under dir, sorted by name. A
// missing or unreadable directory contributes nothing.
func scanDir(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(entry.Name()), pluginExt) {
			out = append(out, filepath.Join(dir, entry.Name()))
		}
	}
	return out
}

// expandEntry resolves one explicit path: a directory is scanned, a file is
// taken as-is, anything missing is dropped.
func expandEntry(path string) []string {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	if info.IsDir() {
		return scanDir(path)
	}
	return []string{path}
}

func dedupe(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		if seen[abs] {
			continue
		}
		seen[abs] = true
		out = append(out, abs)
	}
	return out
}

// extensionName derives a display name from a plugin path.
func extensionName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
