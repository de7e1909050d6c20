// Package migrate orders and runs the store bootstrap steps: relational
// schema first, then the vector collections that reference it.
package migrate

import (
	"context"
	"fmt"
	"sort"
)

// Migrator prepares one backing store for use.
type Migrator interface {
	Name() string
	Migrate(ctx context.Context) error
}

// Plugin pairs a migrator with its position in the run order. Lower
// orders run first.
type Plugin struct {
	Order    int
	Migrator Migrator
}

var plugins []Plugin

// Register adds a migrator. Store plugins call this from init().
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// RunAll runs every registered migrator in ascending Order and stops at
// the first failure.
func RunAll(ctx context.Context) error {
	sorted := make([]Plugin, len(plugins))
	copy(sorted, plugins)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	for _, p := range sorted {
		if err := p.Migrator.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate %s: %w", p.Migrator.Name(), err)
		}
	}
	return nil
}
