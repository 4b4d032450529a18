package registry

import "time"

// RuntimeType classifies how an interpreter installation is managed.
type RuntimeType string

const (
	TypeSystem     RuntimeType = "system"
	TypeEmbedded   RuntimeType = "embedded"
	TypeConda      RuntimeType = "conda"
	TypeVirtualEnv RuntimeType = "virtualenv"
	TypeCustom     RuntimeType = "custom"
	TypeUnknown    RuntimeType = "unknown"
)

// RuntimeStatus is the lifecycle state of a registered runtime.
type RuntimeStatus string

const (
	StatusNotInitialized RuntimeStatus = "not_initialized"
	StatusInitializing   RuntimeStatus = "initializing"
	StatusReady          RuntimeStatus = "ready"
	StatusInUse          RuntimeStatus = "in_use"
	StatusUpdating       RuntimeStatus = "updating"
	StatusError          RuntimeStatus = "error"
	StatusUnavailable    RuntimeStatus = "unavailable"
)

// Entry is one tracked runtime. Entries are owned exclusively by the
// Registry; other components read snapshots and never mutate them.
type Entry struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	Type                RuntimeType       `json:"type"`
	Path                string            `json:"path"`
	Version             string            `json:"version,omitempty"`
	Managed             bool              `json:"managed"`
	Status              RuntimeStatus     `json:"status"`
	CreatedAt           time.Time         `json:"created_at"`
	LastInitialized     time.Time         `json:"last_initialized,omitzero"`
	LastUsed            time.Time         `json:"last_used,omitzero"`
	LastError           string            `json:"last_error,omitempty"`
	InstalledPackages   map[string]string `json:"installed_packages,omitempty"`
	AssociatedConsumers []string          `json:"associated_consumers,omitempty"`
	Warnings            []string          `json:"warnings,omitempty"`
	Errors              []string          `json:"errors,omitempty"`
	Config              map[string]string `json:"config,omitempty"`
}

// Config is the persisted form of the registry.
// DefaultRuntimeID, when set, must reference an entry in Entries.
type Config struct {
	DefaultRuntimeID string   `json:"default_runtime_id,omitempty"`
	Entries          []*Entry `json:"entries"`
}

func (c *Config) find(id string) *Entry {
	for _, e := range c.Entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (c *Config) findManagedByName(name string) *Entry {
	for _, e := range c.Entries {
		if e.Managed && e.Name == name {
			return e
		}
	}
	return nil
}
