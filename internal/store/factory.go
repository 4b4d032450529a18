package store

import "fmt"

// New builds a Store from configuration. An empty type selects memory.
func New(cfg Config) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported store type %q (sqlite, memory)", cfg.Type)
	}
}
