package extensions

import (
	"os"
	"path/filepath"
	"testing"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDiscoverPathsOrderAndSources(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()

	global := filepath.Join(home, ".pi", "agent", "extensions", "alpha.so")
	workspace := filepath.Join(work, ".pi", "extensions", "beta.so")
	explicit := filepath.Join(t.TempDir(), "gamma.so")
	touch(t, global)
	touch(t, workspace)
	touch(t, explicit)

	// Non-plugin files and nested directories are ignored.
	touch(t, filepath.Join(home, ".pi", "agent", "extensions", "notes.txt"))
	touch(t, filepath.Join(home, ".pi", "agent", "extensions", "sub", "hidden.so"))

	got := DiscoverPaths(home, work, []string{explicit}, nil)
	want := []string{global, workspace, explicit}
	if len(got) != len(want) {
		t.Fatalf("paths = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("paths[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDiscoverPathsDirectoryEntry(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "b.so"))
	touch(t, filepath.Join(dir, "a.so"))

	got := DiscoverPaths("", "", nil, []string{dir})
	if len(got) != 2 {
		t.Fatalf("paths = %v, want 2 entries", got)
	}
	// ReadDir returns sorted names.
	if filepath.Base(got[0]) != "a.so" || filepath.Base(got[1]) != "b.so" {
		t.Errorf("paths = %v, want sorted a.so,b.so", got)
	}
}

func TestDiscoverPathsDedupes(t *testing.T) {
	file := filepath.Join(t.TempDir(), "dup.so")
	touch(t, file)

	got := DiscoverPaths("", "", []string{file}, []string{file})
	if len(got) != 1 {
		t.Errorf("paths = %v, want single entry", got)
	}
}

func TestDiscoverPathsSkipsMissing(t *testing.T) {
	got := DiscoverPaths("/nonexistent-home", "/nonexistent-work",
		[]string{"/no/such/file.so"}, []string{"  "})
	if len(got) != 0 {
		t.Errorf("paths = %v, want none", got)
	}
}

func TestExtensionName(t *testing.T) {
	if got := extensionName("/a/b/linter.so"); got != "linter" {
		t.Errorf("extensionName = %q, want %q", got, "linter")
	}
}
