package inventory

import (
	"context"
	"strings"
)

// NewStore creates a postgres-backed store when configured, otherwise
// in-memory. Both are seeded from the catalog at catalogPath.
func NewStore(ctx context.Context, databaseURL, catalogPath string) (Store, error) {
	items, err := LoadCatalog(catalogPath)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(items), nil
	}
	return NewPostgresStore(ctx, databaseURL, items)
}
