package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/kingrea/playbooks/internal/playbook"
)

// DefaultPattern selects definition files inside an extra directory.
const DefaultPattern = "**/*.{yaml,yml}"

// ParseDefinition decodes a playbook definition from YAML bytes. Unknown
// fields are rejected so typos in hand-written definitions surface at load.
func ParseDefinition(data []byte) (playbook.Definition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return playbook.Definition{}, playbook.Validation("catalog", "definition payload is empty")
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var def playbook.Definition
	if err := dec.Decode(&def); err != nil && !errors.Is(err, io.EOF) {
		return playbook.Definition{}, &playbook.Error{Kind: playbook.KindValidation, Op: "catalog", Message: "decode definition", Err: err}
	}
	def = def.Normalized()
	if err := def.Validate(); err != nil {
		return playbook.Definition{}, err
	}
	return def, nil
}

// LoadDefinitionFile loads a definition from an explicit file path.
func LoadDefinitionFile(filePath string) (playbook.Definition, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return playbook.Definition{}, fmt.Errorf("catalog: read %s: %w", filePath, err)
	}
	def, err := ParseDefinition(content)
	if err != nil {
		return playbook.Definition{}, fmt.Errorf("catalog: %s: %w", filePath, err)
	}
	return def, nil
}

// LoadFS parses every file in fsys matching pattern. Files are visited in
// lexical order so load errors are reproducible.
func LoadFS(fsys fs.FS, pattern string) ([]playbook.Definition, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("catalog: glob %s: %w", pattern, err)
	}
	defs := make([]playbook.Definition, 0, len(matches))
	for _, name := range matches {
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("catalog: read %s: %w", name, err)
		}
		def, err := ParseDefinition(content)
		if err != nil {
			return nil, fmt.Errorf("catalog: %s: %w", path.Base(name), err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// LoadDir parses definitions from a directory on disk.
func LoadDir(dir, pattern string) ([]playbook.Definition, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("catalog: extra dir %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("catalog: extra dir %s is not a directory", dir)
	}
	return LoadFS(os.DirFS(dir), pattern)
}
