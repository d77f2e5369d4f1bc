package lifecycle

import (
	"sync/atomic"
	"time"

	"github.com/ncecere/open_model_server/internal/backend"
	"github.com/ncecere/open_model_server/internal/models"
	"github.com/ncecere/open_model_server/internal/prompt"
)

// Model is the handle for the loaded model. Request handlers receive it by
// reference; only its template can change, and that swap is atomic.
type Model struct {
	name      string
	path      string
	tokenizer backend.Tokenizer
	loadedAt  time.Time
	template  atomic.Pointer[prompt.Template]
}

func newModel(info backend.ModelInfo, tmpl *prompt.Template) *Model {
	m := &Model{
		name:      info.Name,
		path:      info.Path,
		tokenizer: info.Tokenizer,
		loadedAt:  time.Now().UTC(),
	}
	m.template.Store(tmpl)
	return m
}

func (m *Model) Name() string { return m.name }

func (m *Model) Path() string { return m.path }

func (m *Model) Tokenizer() backend.Tokenizer { return m.tokenizer }

func (m *Model) LoadedAt() time.Time { return m.loadedAt }

// Template returns the active prompt template.
func (m *Model) Template() *prompt.Template { return m.template.Load() }

func (m *Model) setTemplate(tmpl *prompt.Template) { m.template.Store(tmpl) }

// Card describes the model for the /v1/model endpoints.
func (m *Model) Card() models.ModelCard {
	card := models.NewModelCard(m.name, m.loadedAt.Unix())
	card.Template = m.Template().Name()
	return card
}
