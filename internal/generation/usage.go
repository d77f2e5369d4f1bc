package generation

import (
	"github.com/ncecere/open_model_server/internal/backend"
	"github.com/ncecere/open_model_server/internal/models"
)

// CreateUsageStats extracts token usage from a finish chunk. Counters the
// engine did not report are zero; the total is always their sum.
func CreateUsageStats(finish backend.Chunk) models.Usage {
	prompt := max(finish.Tokens.Prompt, 0)
	completion := max(finish.Tokens.Completion, 0)
	return models.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}
