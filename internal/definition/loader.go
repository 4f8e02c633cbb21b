// Package definition declares entity lifecycles: which statuses an entity
// type has, where new entities start, and which transitions are legal.
// Definitions come from the builtin pharmacy set and from YAML files, and
// are frozen into an immutable Registry at startup.
package definition

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/statusflow/model"
)

// File is the root structure of a definition file.
type File struct {
	Version     string                   `yaml:"version"`
	EntityTypes []model.StatusDefinition `yaml:"entity_types"`
}

// Loader scans directories for YAML definition files and computes SHA-256
// checksums.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and
// returns every entity type declared in them.
func (l *Loader) LoadAll(directories []string) ([]model.StatusDefinition, error) {
	var defs []model.StatusDefinition

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			fileDefs, err := l.LoadFile(path)
			if err != nil {
				return err
			}
			defs = append(defs, fileDefs...)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return defs, nil
}

// LoadFile parses a single definition file. Every definition it yields
// carries the file's checksum and path.
func (l *Loader) LoadFile(path string) ([]model.StatusDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	checksum := fmt.Sprintf("%x", sha256.Sum256(data))
	for i := range f.EntityTypes {
		f.EntityTypes[i].Checksum = checksum
		f.EntityTypes[i].SourceFile = path
	}
	return f.EntityTypes, nil
}
