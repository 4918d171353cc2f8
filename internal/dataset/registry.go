// Package dataset declares the fixed set of tables the loader replaces and the
// source file each one is read from.
//
// Registry order is dependency order: a table may only reference tables listed
// before it. Loading walks the registry forwards, resetting walks it backwards.
package dataset

import (
	"fmt"
	"path/filepath"
)

// Descriptor pairs a target table with its source file.
type Descriptor struct {
	Table string // Target table: "work_orders"
	File  string // Source file relative to the data directory: "work_orders.csv"
}

// Path returns the descriptor's source path under dataDir.
func (d Descriptor) Path(dataDir string) string {
	return filepath.Join(dataDir, d.File)
}

// Registry is an ordered list of descriptors in forward dependency order.
type Registry []Descriptor

var defaultRegistry = Registry{
	{Table: "persons", File: "persons.csv"},
	{Table: "assets", File: "assets.csv"},
	{Table: "skills", File: "skills.csv"},
	{Table: "work_orders", File: "work_orders.csv"},
	{Table: "work_activities", File: "work_activities.csv"},
	{Table: "work_order_assets", File: "work_order_assets.csv"},
	{Table: "work_order_skills", File: "work_order_skills.csv"},
	{Table: "tickets", File: "tickets.csv"},
	{Table: "attachments", File: "attachments.csv"},
}

// Default returns a copy of the built-in registry.
func Default() Registry {
	return append(Registry(nil), defaultRegistry...)
}

// Tables returns table names in forward dependency order.
func (r Registry) Tables() []string {
	tables := make([]string, len(r))
	for i, d := range r {
		tables[i] = d.Table
	}
	return tables
}

// Reversed returns table names in reverse dependency order, dependents first.
func (r Registry) Reversed() []string {
	tables := make([]string, len(r))
	for i, d := range r {
		tables[len(r)-1-i] = d.Table
	}
	return tables
}

// Validate checks that every descriptor is complete and that no table or file
// appears twice.
func (r Registry) Validate() error {
	tables := make(map[string]bool, len(r))
	files := make(map[string]bool, len(r))

	for i, d := range r {
		if d.Table == "" || d.File == "" {
			return fmt.Errorf("dataset %d: table and file are required", i)
		}
		if tables[d.Table] {
			return fmt.Errorf("dataset %d: table already registered: %s", i, d.Table)
		}
		if files[d.File] {
			return fmt.Errorf("dataset %d: file already registered: %s", i, d.File)
		}
		tables[d.Table] = true
		files[d.File] = true
	}

	return nil
}
