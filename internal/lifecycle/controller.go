// Package lifecycle owns the single loaded-model slot. Loads and unloads are
// serialized by a state machine; a request for a transition while another is
// running fails fast instead of queueing.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ncecere/open_model_server/internal/backend"
	"github.com/ncecere/open_model_server/internal/cancel"
	"github.com/ncecere/open_model_server/internal/prompt"
)

type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateLoaded
	StateUnloading
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateUnloading:
		return "unloading"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrTransitionInProgress = errors.New("a model load or unload is already in progress")
	ErrAlreadyLoaded        = errors.New("a model is already loaded; unload it first")
	ErrNotLoaded            = errors.New("no model is loaded")
	ErrLoadCancelled        = errors.New("model load cancelled")
	// ErrLoadAborted is the cancellation cause when the load request ends.
	ErrLoadAborted = errors.New("load request aborted")
)

// LoadError carries the engine's reason for refusing a model.
type LoadError struct {
	Model string
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load model %s: %v", e.Model, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// LoadRequest names the model file and its prompt settings.
type LoadRequest struct {
	Name      string
	Template  string
	Tokenizer backend.Tokenizer
}

// Metrics observes lifecycle transitions.
type Metrics interface {
	SetLoadProgress(model string, percent float64)
	RecordLoad(model, outcome string, elapsed time.Duration)
	SetModelLoaded(model string, loaded bool)
}

type Options struct {
	ModelDir        string
	Templates       *prompt.Store
	DefaultTemplate string
	Logger          *slog.Logger
	Metrics         Metrics
}

type Controller struct {
	loader backend.Loader
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	current *Model
}

func NewController(loader backend.Loader, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{loader: loader, opts: opts, logger: logger}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Current returns the loaded model, if any. The handle stays valid for the
// request that obtained it even if an unload follows.
func (c *Controller) Current() (*Model, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateLoaded || c.current == nil {
		return nil, false
	}
	return c.current, true
}

// Load moves the slot from unloaded to loaded. The load is cancelled when
// ctx ends: the next progress report asks the engine to stop. onProgress
// may be nil.
func (c *Controller) Load(ctx context.Context, req LoadRequest, onProgress func(percent float64)) (*Model, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, &LoadError{Err: errors.New("model name required")}
	}

	c.mu.Lock()
	switch c.state {
	case StateLoading, StateUnloading:
		c.mu.Unlock()
		return nil, ErrTransitionInProgress
	case StateLoaded:
		c.mu.Unlock()
		return nil, ErrAlreadyLoaded
	}
	c.state = StateLoading
	c.mu.Unlock()

	start := time.Now()
	model, err := c.load(ctx, name, req, onProgress)

	c.mu.Lock()
	if err != nil {
		c.state = StateUnloaded
		c.current = nil
	} else {
		c.state = StateLoaded
		c.current = model
	}
	c.mu.Unlock()

	outcome := "loaded"
	switch {
	case errors.Is(err, ErrLoadCancelled):
		outcome = "cancelled"
	case err != nil:
		outcome = "failed"
	}
	c.observeLoad(name, outcome, time.Since(start), err == nil)
	if err != nil {
		return nil, err
	}
	c.logger.Info("model loaded",
		slog.String("model", model.Name()),
		slog.String("template", model.Template().Name()),
		slog.Duration("elapsed", time.Since(start)),
	)
	return model, nil
}

func (c *Controller) load(ctx context.Context, name string, req LoadRequest, onProgress func(float64)) (*Model, error) {
	tmpl, err := c.resolveTemplate(req.Template)
	if err != nil {
		return nil, &LoadError{Model: name, Err: err}
	}

	token := cancel.New(ctx)
	defer token.Release()
	token.Observe(ctx, ErrLoadAborted)

	var logged bool
	progress := func(percent float64) bool {
		if token.Cancelled() {
			if !logged {
				logged = true
				c.logger.Error("load request cancelled", slog.String("model", name), slog.Any("cause", token.Cause()))
			}
			return false
		}
		if c.opts.Metrics != nil {
			c.opts.Metrics.SetLoadProgress(name, percent)
		}
		if onProgress != nil {
			onProgress(percent)
		}
		return true
	}

	info, err := c.loader.Load(token.Context(), backend.LoadConfig{
		Name:      name,
		ModelDir:  c.opts.ModelDir,
		Tokenizer: req.Tokenizer,
	}, progress)
	if err != nil {
		if token.Cancelled() || errors.Is(err, backend.ErrLoadStopped) {
			return nil, ErrLoadCancelled
		}
		return nil, &LoadError{Model: name, Err: err}
	}
	if info.Name == "" {
		info.Name = name
	}
	return newModel(info, tmpl), nil
}

func (c *Controller) resolveTemplate(name string) (*prompt.Template, error) {
	if name == "" {
		name = c.opts.DefaultTemplate
	}
	if c.opts.Templates == nil || name == "" {
		return nil, fmt.Errorf("no prompt template selected: %w", prompt.ErrTemplateNotFound)
	}
	return c.opts.Templates.Load(name)
}

// Unload empties the slot. force is passed to the engine.
func (c *Controller) Unload(ctx context.Context, force bool) error {
	c.mu.Lock()
	switch c.state {
	case StateLoading, StateUnloading:
		c.mu.Unlock()
		return ErrTransitionInProgress
	case StateUnloaded:
		c.mu.Unlock()
		return ErrNotLoaded
	}
	model := c.current
	c.state = StateUnloading
	c.mu.Unlock()

	err := c.loader.Unload(ctx, force)

	c.mu.Lock()
	if err != nil && !force {
		c.state = StateLoaded
		c.mu.Unlock()
		return backend.Wrap("unload", err)
	}
	c.state = StateUnloaded
	c.current = nil
	c.mu.Unlock()

	if c.opts.Metrics != nil {
		c.opts.Metrics.SetModelLoaded(model.Name(), false)
	}
	if err != nil {
		c.logger.Warn("forced unload reported an error", slog.String("model", model.Name()), slog.String("error", err.Error()))
	}
	c.logger.Info("model unloaded", slog.String("model", model.Name()))
	return nil
}

// SwitchTemplate replaces the loaded model's prompt template.
func (c *Controller) SwitchTemplate(name string) (*prompt.Template, error) {
	model, ok := c.Current()
	if !ok {
		return nil, ErrNotLoaded
	}
	if c.opts.Templates == nil {
		return nil, &prompt.TemplateError{Template: name, Err: prompt.ErrTemplateNotFound}
	}
	tmpl, err := c.opts.Templates.Load(name)
	if err != nil {
		return nil, err
	}
	model.setTemplate(tmpl)
	c.logger.Info("prompt template switched", slog.String("model", model.Name()), slog.String("template", tmpl.Name()))
	return tmpl, nil
}

func (c *Controller) observeLoad(model, outcome string, elapsed time.Duration, loaded bool) {
	if c.opts.Metrics == nil {
		return
	}
	c.opts.Metrics.RecordLoad(model, outcome, elapsed)
	c.opts.Metrics.SetModelLoaded(model, loaded)
}
