package prompt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ncecere/open_model_server/internal/backend"
	"github.com/ncecere/open_model_server/internal/models"
)

const chatML = `{{ bos_token }}{% for message in messages %}<|{{ message['role'] }}|>{{ message['content'] }}{{ eos_token }}{% endfor %}{% if add_generation_prompt %}<|assistant|>{% endif %}`

var testTokenizer = backend.Tokenizer{BOSToken: "<s>", EOSToken: "</s>"}

func mustParse(t *testing.T, source string) *Template {
	t.Helper()
	tmpl, err := Parse("test", source)
	require.NoError(t, err)
	return tmpl
}

func boolPtr(v bool) *bool { return &v }

func TestRenderDefaults(t *testing.T) {
	req := models.ChatCompletionRequest{
		Messages: []models.ChatMessage{
			{Role: "system", Content: models.TextContent("Be brief.")},
			{Role: "user", Content: models.TextContent("Hi")},
		},
	}

	out, err := Render(testTokenizer, mustParse(t, chatML), req)
	require.NoError(t, err)
	require.Equal(t, "<s><|system|>Be brief.</s><|user|>Hi</s><|assistant|>", out)
}

func TestRenderFlags(t *testing.T) {
	req := models.ChatCompletionRequest{
		Messages:            []models.ChatMessage{{Role: "user", Content: models.TextContent("Hi")}},
		AddBOSToken:         boolPtr(false),
		BanEOSToken:         true,
		AddGenerationPrompt: boolPtr(false),
	}

	out, err := Render(testTokenizer, mustParse(t, chatML), req)
	require.NoError(t, err)
	require.Equal(t, "<|user|>Hi", out)
	require.NotContains(t, out, testTokenizer.BOSToken)
}

func TestRenderMultipartUsesFirstTextPart(t *testing.T) {
	req := models.ChatCompletionRequest{
		Messages: []models.ChatMessage{
			{Role: "user", Content: models.PartsContent(
				models.ContentPart{Type: models.ContentPartImageURL, ImageURL: &models.ImageURL{URL: "http://img"}},
				models.ContentPart{Type: models.ContentPartText, Text: "first"},
				models.ContentPart{Type: models.ContentPartText, Text: "second"},
			)},
			{Role: "user", Content: models.PartsContent(
				models.ContentPart{Type: models.ContentPartImageURL, ImageURL: &models.ImageURL{URL: "http://img"}},
			)},
		},
		AddBOSToken:         boolPtr(false),
		AddGenerationPrompt: boolPtr(false),
	}

	out, err := Render(testTokenizer, mustParse(t, chatML), req)
	require.NoError(t, err)
	require.Equal(t, "<|user|>first</s><|user|></s>", out)

	// the request itself is left untouched
	require.True(t, req.Messages[0].Content.IsMultipart())
	require.Len(t, req.Messages[0].Content.Parts(), 3)
}

func TestRenderReservedKeysOverrideTemplateVars(t *testing.T) {
	req := models.ChatCompletionRequest{
		Messages:     []models.ChatMessage{{Role: "user", Content: models.TextContent("Hi")}},
		TemplateVars: map[string]any{"bos_token": "EVIL", "persona": "pirate"},
	}

	out, err := Render(testTokenizer, mustParse(t, `{{ bos_token }}|{{ persona }}`), req)
	require.NoError(t, err)
	require.Equal(t, "<s>|pirate", out)
}

func TestRenderTemplateFailure(t *testing.T) {
	req := models.ChatCompletionRequest{Messages: []models.ChatMessage{{Role: "user", Content: models.TextContent("Hi")}}}

	_, err := Render(testTokenizer, nil, req)
	var tErr *TemplateError
	require.ErrorAs(t, err, &tErr)
	require.ErrorIs(t, err, ErrTemplateNotFound)

	_, err = Parse("broken", `{% for message in messages %}`)
	require.ErrorAs(t, err, &tErr)
	require.Equal(t, "broken", tErr.Template)

	_, err = Render(testTokenizer, mustParse(t, `{{ raise_exception('roles must alternate') }}`), req)
	require.ErrorAs(t, err, &tErr)
}

func TestStoreListAndLoad(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "chatml.jinja"), []byte(chatML), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "alpaca.jinja"), []byte(`{{ bos_token }}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.jinja"), 0o700))

	store := NewStore(dir)
	names, err := store.List()
	require.NoError(t, err)
	require.Equal(t, []string{"alpaca", "chatml"}, names)

	tmpl, err := store.Load("chatml.jinja")
	require.NoError(t, err)
	require.Equal(t, "chatml", tmpl.Name())

	for _, name := range []string{"missing", "../chatml", "", ".."} {
		_, err = store.Load(name)
		require.ErrorIs(t, err, ErrTemplateNotFound, name)
	}
}

func TestStoreMissingDirectory(t *testing.T) {
	names, err := NewStore(filepath.Join(t.TempDir(), "absent")).List()
	require.NoError(t, err)
	require.Empty(t, names)
}
