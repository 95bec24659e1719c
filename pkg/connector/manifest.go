package connector

import (
	"database/sql"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SourceSpec configures one connector in the manifest.
type SourceSpec struct {
	Name   string      `yaml:"name"`
	Driver string      `yaml:"driver"`
	DSN    string      `yaml:"dsn"`
	Tables []TableSpec `yaml:"tables"`
}

// Manifest is the operator-supplied list of connected data sources.
type Manifest struct {
	Sources []SourceSpec `yaml:"sources"`
}

// ParseManifest decodes and validates a manifest document.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	seen := make(map[string]bool, len(m.Sources))
	for i, s := range m.Sources {
		if s.Name == "" {
			return nil, fmt.Errorf("source %d: name is required", i)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("source %q: duplicate name", s.Name)
		}
		seen[s.Name] = true
		if s.Driver == "" || s.DSN == "" {
			return nil, fmt.Errorf("source %q: driver and dsn are required", s.Name)
		}
		if len(s.Tables) == 0 {
			return nil, fmt.Errorf("source %q: at least one table is required", s.Name)
		}
		for _, t := range s.Tables {
			if t.Table == "" || t.EmailColumn == "" {
				return nil, fmt.Errorf("source %q: table and email_column are required", s.Name)
			}
		}
	}
	return &m, nil
}

// LoadManifest reads a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}

// Set holds connectors opened from a manifest together with their
// database handles.
type Set struct {
	Connectors []*SQLConnector
	dbs        []*sql.DB
}

// OpenSet opens every source in the manifest. On error the handles
// opened so far are closed.
func OpenSet(m *Manifest) (*Set, error) {
	set := &Set{}
	for _, spec := range m.Sources {
		db, err := sql.Open(spec.Driver, spec.DSN)
		if err != nil {
			set.Close()
			return nil, fmt.Errorf("source %q: %w", spec.Name, err)
		}
		set.dbs = append(set.dbs, db)
		set.Connectors = append(set.Connectors, NewSQLConnector(spec.Name, db, spec.Tables))
	}
	return set, nil
}

// Close closes every source database handle.
func (s *Set) Close() error {
	var firstErr error
	for _, db := range s.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
