package catalog

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ncecere/open_model_server/internal/models"
)

// ErrModelNotFound is returned when no file backs a model name.
var ErrModelNotFound = errors.New("model not found")

// Catalog lists the model files under a directory.
type Catalog struct {
	dir string
}

func New(dir string) *Catalog {
	return &Catalog{dir: dir}
}

func (c *Catalog) Dir() string { return c.dir }

// List returns one card per model file, sorted by id. A missing directory
// lists as empty.
func (c *Catalog) List() ([]models.ModelCard, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []models.ModelCard{}, nil
		}
		return nil, err
	}

	cards := make([]models.ModelCard, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ModelFileExt) {
			continue
		}
		var created int64
		if info, err := entry.Info(); err == nil {
			created = info.ModTime().Unix()
		}
		cards = append(cards, models.NewModelCard(NormalizeModelName(entry.Name()), created))
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i].ID < cards[j].ID })
	return cards, nil
}

// Path resolves a model name to its file.
func (c *Catalog) Path(name string) (string, error) {
	if !ValidModelName(name) {
		return "", ErrModelNotFound
	}
	path := filepath.Join(c.dir, NormalizeModelName(name)+ModelFileExt)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", ErrModelNotFound
	}
	return path, nil
}
