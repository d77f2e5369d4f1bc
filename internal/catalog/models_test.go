package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCatalogList(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"zeta.gguf", "alpha.gguf", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.gguf"), 0o700))

	cards, err := New(dir).List()
	require.NoError(t, err)
	require.Len(t, cards, 2)
	require.Equal(t, "alpha", cards[0].ID)
	require.Equal(t, "zeta", cards[1].ID)
	require.Equal(t, "model", cards[0].Object)
	require.NotZero(t, cards[0].Created)
}

func TestCatalogMissingDir(t *testing.T) {
	cards, err := New(filepath.Join(t.TempDir(), "missing")).List()
	require.NoError(t, err)
	require.Empty(t, cards)
}

func TestCatalogPath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "llama.gguf"), []byte("x"), 0o600))
	cat := New(dir)

	path, err := cat.Path("llama")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "llama.gguf"), path)

	_, err = cat.Path("llama.gguf")
	require.NoError(t, err)

	for _, name := range []string{"", "missing", "../llama", "a/b"} {
		_, err := cat.Path(name)
		require.ErrorIs(t, err, ErrModelNotFound, name)
	}
}

func TestNormalizeModelName(t *testing.T) {
	require.Equal(t, "llama", NormalizeModelName(" llama.gguf "))
	require.False(t, ValidModelName(".."))
	require.True(t, ValidModelName("mistral-7b.Q4"))
}
