package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ncecere/open_model_server/internal/backend"
	"github.com/ncecere/open_model_server/internal/prompt"
)

type fakeLoader struct {
	mu        sync.Mutex
	loads     int
	unloads   int
	loadErr   error
	unloadErr error
	// steps progress reports; gate blocks after the first report when set
	steps   int
	gate    chan struct{}
	entered chan struct{}
}

func (l *fakeLoader) Load(ctx context.Context, cfg backend.LoadConfig, progress backend.ProgressFunc) (backend.ModelInfo, error) {
	l.mu.Lock()
	l.loads++
	l.mu.Unlock()

	steps := l.steps
	if steps == 0 {
		steps = 2
	}
	for i := 0; i < steps; i++ {
		if !progress(float64(i) * 100 / float64(steps)) {
			return backend.ModelInfo{}, backend.ErrLoadStopped
		}
		if i == 0 && l.gate != nil {
			if l.entered != nil {
				close(l.entered)
			}
			select {
			case <-l.gate:
			case <-ctx.Done():
			}
		}
	}
	if l.loadErr != nil {
		return backend.ModelInfo{}, l.loadErr
	}
	return backend.ModelInfo{Name: cfg.Name, Path: filepath.Join(cfg.ModelDir, cfg.Name+".gguf"), Tokenizer: cfg.Tokenizer}, nil
}

func (l *fakeLoader) Unload(context.Context, bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unloads++
	return l.unloadErr
}

type fakeMetrics struct {
	mu       sync.Mutex
	progress []float64
	outcomes []string
	loaded   map[string]bool
}

func (m *fakeMetrics) SetLoadProgress(_ string, percent float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress = append(m.progress, percent)
}

func (m *fakeMetrics) RecordLoad(_, outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *fakeMetrics) SetModelLoaded(model string, loaded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded == nil {
		m.loaded = map[string]bool{}
	}
	m.loaded[model] = loaded
}

func newTestController(t *testing.T, loader backend.Loader) (*Controller, *bytes.Buffer, *fakeMetrics) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "chatml.jinja"), []byte(`{{ bos_token }}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "alpaca.jinja"), []byte(`### {{ eos_token }}`), 0o600))

	var logs bytes.Buffer
	metrics := &fakeMetrics{}
	ctrl := NewController(loader, Options{
		ModelDir:        "/models",
		Templates:       prompt.NewStore(dir),
		DefaultTemplate: "chatml",
		Logger:          slog.New(slog.NewTextHandler(&logs, nil)),
		Metrics:         metrics,
	})
	return ctrl, &logs, metrics
}

func TestLoadAndUnload(t *testing.T) {
	loader := &fakeLoader{}
	ctrl, _, metrics := newTestController(t, loader)

	var reported []float64
	model, err := ctrl.Load(context.Background(), LoadRequest{Name: "llama-3", Tokenizer: backend.Tokenizer{BOSToken: "<s>"}}, func(p float64) {
		reported = append(reported, p)
	})
	require.NoError(t, err)
	require.Equal(t, []float64{0, 50}, reported)
	require.Equal(t, "llama-3", model.Name())
	require.Equal(t, "/models/llama-3.gguf", model.Path())
	require.Equal(t, "<s>", model.Tokenizer().BOSToken)
	require.Equal(t, "chatml", model.Template().Name())
	require.Equal(t, StateLoaded, ctrl.State())

	current, ok := ctrl.Current()
	require.True(t, ok)
	require.Same(t, model, current)

	_, err = ctrl.Load(context.Background(), LoadRequest{Name: "other"}, nil)
	require.ErrorIs(t, err, ErrAlreadyLoaded)

	require.NoError(t, ctrl.Unload(context.Background(), true))
	require.Equal(t, StateUnloaded, ctrl.State())
	_, ok = ctrl.Current()
	require.False(t, ok)
	require.ErrorIs(t, ctrl.Unload(context.Background(), true), ErrNotLoaded)

	require.Equal(t, []string{"loaded"}, metrics.outcomes)
	require.False(t, metrics.loaded["llama-3"])
}

func TestConcurrentLoadIsRejected(t *testing.T) {
	loader := &fakeLoader{gate: make(chan struct{}), entered: make(chan struct{})}
	ctrl, _, _ := newTestController(t, loader)

	done := make(chan error, 1)
	go func() {
		_, err := ctrl.Load(context.Background(), LoadRequest{Name: "llama-3"}, nil)
		done <- err
	}()
	<-loader.entered
	require.Equal(t, StateLoading, ctrl.State())

	_, err := ctrl.Load(context.Background(), LoadRequest{Name: "mistral"}, nil)
	require.ErrorIs(t, err, ErrTransitionInProgress)
	require.ErrorIs(t, ctrl.Unload(context.Background(), true), ErrTransitionInProgress)
	_, ok := ctrl.Current()
	require.False(t, ok)

	close(loader.gate)
	require.NoError(t, <-done)
	require.Equal(t, 1, loader.loads)
	require.Equal(t, StateLoaded, ctrl.State())
}

func TestLoadCancelledByRequestContext(t *testing.T) {
	loader := &fakeLoader{steps: 3, gate: make(chan struct{}), entered: make(chan struct{})}
	ctrl, logs, metrics := newTestController(t, loader)

	ctx, cancelFn := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := ctrl.Load(ctx, LoadRequest{Name: "llama-3"}, nil)
		done <- err
	}()
	<-loader.entered
	cancelFn()

	require.ErrorIs(t, <-done, ErrLoadCancelled)
	require.Equal(t, StateUnloaded, ctrl.State())
	require.Equal(t, 1, strings.Count(logs.String(), "load request cancelled"))
	require.Equal(t, []string{"cancelled"}, metrics.outcomes)

	// the slot is free again
	loader.gate, loader.entered = nil, nil
	_, err := ctrl.Load(context.Background(), LoadRequest{Name: "llama-3"}, nil)
	require.NoError(t, err)
	require.Equal(t, StateLoaded, ctrl.State())
}

func TestLoadFailureBecomesLoadError(t *testing.T) {
	loader := &fakeLoader{loadErr: errors.New("unsupported quantization")}
	ctrl, _, metrics := newTestController(t, loader)

	_, err := ctrl.Load(context.Background(), LoadRequest{Name: "broken"}, nil)
	var lErr *LoadError
	require.ErrorAs(t, err, &lErr)
	require.Equal(t, "broken", lErr.Model)
	require.Contains(t, err.Error(), "unsupported quantization")
	require.Equal(t, StateUnloaded, ctrl.State())
	require.Equal(t, []string{"failed"}, metrics.outcomes)
}

func TestLoadUnknownTemplateFailsBeforeEngine(t *testing.T) {
	loader := &fakeLoader{}
	ctrl, _, _ := newTestController(t, loader)

	_, err := ctrl.Load(context.Background(), LoadRequest{Name: "llama-3", Template: "missing"}, nil)
	var lErr *LoadError
	require.ErrorAs(t, err, &lErr)
	require.ErrorIs(t, err, prompt.ErrTemplateNotFound)
	require.Zero(t, loader.loads)
	require.Equal(t, StateUnloaded, ctrl.State())
}

func TestUnloadFailureKeepsModelUnlessForced(t *testing.T) {
	loader := &fakeLoader{unloadErr: errors.New("busy")}
	ctrl, _, _ := newTestController(t, loader)
	_, err := ctrl.Load(context.Background(), LoadRequest{Name: "llama-3"}, nil)
	require.NoError(t, err)

	var bErr *backend.Error
	require.ErrorAs(t, ctrl.Unload(context.Background(), false), &bErr)
	require.Equal(t, StateLoaded, ctrl.State())

	require.NoError(t, ctrl.Unload(context.Background(), true))
	require.Equal(t, StateUnloaded, ctrl.State())
}

func TestSwitchTemplate(t *testing.T) {
	ctrl, _, _ := newTestController(t, &fakeLoader{})

	_, err := ctrl.SwitchTemplate("alpaca")
	require.ErrorIs(t, err, ErrNotLoaded)

	model, err := ctrl.Load(context.Background(), LoadRequest{Name: "llama-3"}, nil)
	require.NoError(t, err)

	tmpl, err := ctrl.SwitchTemplate("alpaca")
	require.NoError(t, err)
	require.Equal(t, "alpaca", tmpl.Name())
	require.Same(t, tmpl, model.Template())

	_, err = ctrl.SwitchTemplate("missing")
	require.ErrorIs(t, err, prompt.ErrTemplateNotFound)
	require.Equal(t, "alpaca", model.Template().Name())
}

func TestStateString(t *testing.T) {
	require.Equal(t, "loading", StateLoading.String())
	require.Equal(t, "state(9)", State(9).String())
}
