package prompt

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const templateExt = ".jinja"

// Store reads templates from a directory.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the template directory.
func (s *Store) Dir() string { return s.dir }

// List returns the sorted template names found in the directory. A missing
// directory yields an empty list.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("list templates: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), templateExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), templateExt))
	}
	sort.Strings(names)
	return names, nil
}

// Load compiles the named template. The extension is optional.
func (s *Store) Load(name string) (*Template, error) {
	name = strings.TrimSuffix(strings.TrimSpace(name), templateExt)
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return nil, &TemplateError{Template: name, Err: ErrTemplateNotFound}
	}
	raw, err := os.ReadFile(filepath.Join(s.dir, name+templateExt))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &TemplateError{Template: name, Err: ErrTemplateNotFound}
		}
		return nil, &TemplateError{Template: name, Err: err}
	}
	return Parse(name, string(raw))
}
