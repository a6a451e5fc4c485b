package signage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveExistingSign(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "aisle_12.png"), []byte("png"), 0o644); err != nil {
		t.Fatalf("write sign: %v", err)
	}
	r := NewResolver(dir)

	for _, name := range []string{"Aisle 12", "aisle-12", "12"} {
		d := r.Resolve(name)
		if d.Placeholder || d.Asset != "aisle_12.png" {
			t.Fatalf("Resolve(%q) = %+v, want aisle_12.png", name, d)
		}
	}
}

func TestResolveMissingSignFallsBackToPlaceholder(t *testing.T) {
	r := NewResolver(t.TempDir())
	d := r.Resolve("Aisle 99")
	if !d.Placeholder || d.Asset != PlaceholderAsset {
		t.Fatalf("Resolve() = %+v, want placeholder", d)
	}
	if d := r.Resolve("  "); !d.Placeholder {
		t.Fatalf("Resolve(blank) = %+v, want placeholder", d)
	}
}
