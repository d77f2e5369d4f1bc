package models

import "strings"

// ModelCard describes a model file available to (or loaded by) the server.
type ModelCard struct {
	ID       string `json:"id"`
	Object   string `json:"object"`
	Created  int64  `json:"created"`
	OwnedBy  string `json:"owned_by"`
	Template string `json:"prompt_template,omitempty"`
}

// NewModelCard fills the constant card fields.
func NewModelCard(id string, created int64) ModelCard {
	return ModelCard{ID: id, Object: "model", Created: created, OwnedBy: "modeld"}
}

type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelCard `json:"data"`
}

type TemplateList struct {
	Object string   `json:"object"`
	Data   []string `json:"data"`
}

// ModelLoadRequest selects a model file and optionally overrides the prompt
// template and special tokens configured for it.
type ModelLoadRequest struct {
	ModelName      string  `json:"model_name"`
	PromptTemplate string  `json:"prompt_template,omitempty"`
	BOSToken       *string `json:"bos_token,omitempty"`
	EOSToken       *string `json:"eos_token,omitempty"`
}

func (r *ModelLoadRequest) Validate() error {
	r.ModelName = strings.TrimSpace(r.ModelName)
	if r.ModelName == "" {
		return &ValidationError{Field: "model_name", Reason: "model_name is required"}
	}
	if strings.ContainsAny(r.ModelName, `/\`) || strings.Contains(r.ModelName, "..") {
		return &ValidationError{Field: "model_name", Reason: "must be a file name inside the model directory"}
	}
	r.PromptTemplate = strings.TrimSpace(r.PromptTemplate)
	return nil
}

type TemplateSwitchRequest struct {
	PromptTemplateName string `json:"prompt_template_name"`
}

func (r *TemplateSwitchRequest) Validate() error {
	r.PromptTemplateName = strings.TrimSpace(r.PromptTemplateName)
	if r.PromptTemplateName == "" {
		return &ValidationError{Field: "prompt_template_name", Reason: "prompt_template_name is required"}
	}
	return nil
}
