package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ValidationError reports a malformed request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// StopSequences accepts either a single string or a list of strings.
type StopSequences []string

func (s *StopSequences) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*s = nil
		return nil
	}
	var single string
	if err := json.Unmarshal(trimmed, &single); err == nil {
		if single == "" {
			*s = nil
			return nil
		}
		*s = StopSequences{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(trimmed, &list); err != nil {
		return fmt.Errorf("stop must be a string or an array of strings")
	}
	*s = list
	return nil
}

// SamplingParams are forwarded to the inference engine untouched.
type SamplingParams struct {
	MaxTokens         *int          `json:"max_tokens,omitempty"`
	Temperature       *float64      `json:"temperature,omitempty"`
	TopP              *float64      `json:"top_p,omitempty"`
	TopK              *int          `json:"top_k,omitempty"`
	MinP              *float64      `json:"min_p,omitempty"`
	RepetitionPenalty *float64      `json:"repetition_penalty,omitempty"`
	FrequencyPenalty  *float64      `json:"frequency_penalty,omitempty"`
	PresencePenalty   *float64      `json:"presence_penalty,omitempty"`
	Seed              *int64        `json:"seed,omitempty"`
	Stop              StopSequences `json:"stop,omitempty"`
}

func (p SamplingParams) Validate() error {
	if p.MaxTokens != nil && *p.MaxTokens <= 0 {
		return &ValidationError{Field: "max_tokens", Reason: "must be > 0"}
	}
	if p.Temperature != nil && *p.Temperature < 0 {
		return &ValidationError{Field: "temperature", Reason: "must be >= 0"}
	}
	if p.TopP != nil && (*p.TopP < 0 || *p.TopP > 1) {
		return &ValidationError{Field: "top_p", Reason: "must be between 0 and 1"}
	}
	if p.TopK != nil && *p.TopK < 0 {
		return &ValidationError{Field: "top_k", Reason: "must be >= 0"}
	}
	if p.MinP != nil && (*p.MinP < 0 || *p.MinP > 1) {
		return &ValidationError{Field: "min_p", Reason: "must be between 0 and 1"}
	}
	return nil
}
