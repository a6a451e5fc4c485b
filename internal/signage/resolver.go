// Package signage maps aisle names to the sign images shown on the kiosk
// display.
package signage

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// PlaceholderAsset is shown when no sign exists for the requested aisle.
const PlaceholderAsset = "placeholder.png"

// Display is what the kiosk screen should show for an aisle.
type Display struct {
	Aisle       string `json:"aisle"`
	Asset       string `json:"asset"`
	Placeholder bool   `json:"placeholder"`
}

// Resolver looks up sign assets in a directory. Resolve never fails and
// never blocks on anything slower than a stat.
type Resolver struct {
	dir  string
	stat func(string) (os.FileInfo, error)
}

func NewResolver(dir string) *Resolver {
	return &Resolver{dir: dir, stat: os.Stat}
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Slug normalizes "Aisle 12" and "aisle-12" to the same asset name.
func Slug(aisle string) string {
	s := nonAlnum.ReplaceAllString(strings.ToLower(strings.TrimSpace(aisle)), "_")
	return strings.Trim(s, "_")
}

func (r *Resolver) Resolve(aisle string) Display {
	slug := Slug(aisle)
	if slug == "" {
		return Display{Aisle: aisle, Asset: PlaceholderAsset, Placeholder: true}
	}
	if !strings.HasPrefix(slug, "aisle_") {
		slug = "aisle_" + slug
	}
	asset := slug + ".png"
	if info, err := r.stat(filepath.Join(r.dir, asset)); err != nil || info.IsDir() {
		return Display{Aisle: aisle, Asset: PlaceholderAsset, Placeholder: true}
	}
	return Display{Aisle: aisle, Asset: asset}
}
