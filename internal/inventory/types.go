// Package inventory searches the store's parts catalog.
package inventory

import (
	"context"
	"strings"
)

// Item is one stocked part.
type Item struct {
	ID          string  `json:"id" yaml:"id"`
	SKU         string  `json:"sku" yaml:"sku"`
	Name        string  `json:"name" yaml:"name"`
	Category    string  `json:"category" yaml:"category"`
	Description string  `json:"description" yaml:"description"`
	Aisle       string  `json:"aisle" yaml:"aisle"`
	Quantity    int     `json:"quantity" yaml:"quantity"`
	Price       float64 `json:"price" yaml:"price"`
}

// Store searches the catalog. An empty result is not an error.
type Store interface {
	Search(ctx context.Context, query string) ([]Item, error)
	Close() error
}

// terms splits a free-text query into lowercase search terms.
func terms(query string) []string {
	return strings.Fields(strings.ToLower(query))
}

func (it Item) haystack() string {
	return strings.ToLower(it.Name + " " + it.Category + " " + it.Description + " " + it.SKU)
}

func (it Item) matches(ts []string) bool {
	if len(ts) == 0 {
		return false
	}
	h := it.haystack()
	for _, t := range ts {
		if !strings.Contains(h, t) {
			return false
		}
	}
	return true
}
