package inventory

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

type catalogFile struct {
	Items []Item `yaml:"items"`
}

// LoadCatalog reads a YAML catalog from path, or the built-in catalog when
// path is empty. Items without an ID get one.
func LoadCatalog(path string) ([]Item, error) {
	raw := defaultCatalog
	if p := strings.TrimSpace(path); p != "" {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read inventory catalog: %w", err)
		}
		raw = b
	}
	return ParseCatalog(raw)
}

func ParseCatalog(raw []byte) ([]Item, error) {
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse inventory catalog: %w", err)
	}
	for i := range f.Items {
		if strings.TrimSpace(f.Items[i].Name) == "" {
			return nil, fmt.Errorf("inventory catalog item %d has no name", i)
		}
		if f.Items[i].ID == "" {
			f.Items[i].ID = uuid.NewString()
		}
	}
	return f.Items, nil
}
