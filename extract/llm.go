package extract

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/meridian-ai/conductor/graph/model"
	"github.com/meridian-ai/conductor/graph/model/anthropic"
)

// LLMExtractor implements Extractor against any model.ChatModel, so the
// engine does not depend on a concrete provider. The module's one concrete
// ChatModel is graph/model/anthropic.
type LLMExtractor struct {
	Chat model.ChatModel
}

// NewAnthropicExtractor wires an LLMExtractor to Anthropic's Messages API.
// modelName is the Claude model ID (e.g. "claude-3-opus-20240229").
func NewAnthropicExtractor(apiKey, modelName string) *LLMExtractor {
	return &LLMExtractor{Chat: anthropic.NewChatModel(apiKey, modelName)}
}

// Extract sends source and prompt to the chat model and parses its
// response as JSON. schema, when non-empty, is named in the system
// instruction as the target shape but is not otherwise validated here —
// schema validation is left to the caller (error kind
// schema_validation_failure).
func (e *LLMExtractor) Extract(ctx context.Context, source any, prompt string, schema string) (map[string]any, error) {
	sourceJSON, err := json.Marshal(source)
	if err != nil {
		return nil, fmt.Errorf("extract: failed to marshal source: %w", err)
	}

	systemMsg := "You extract structured data and respond with a single JSON object only, no prose."
	if schema != "" {
		systemMsg += " Conform to the shape named: " + schema + "."
	}

	out, err := e.Chat.Chat(ctx, []model.Message{
		{Role: model.RoleSystem, Content: systemMsg},
		{Role: model.RoleUser, Content: fmt.Sprintf("Source:\n%s\n\nInstruction: %s", sourceJSON, prompt)},
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("extract: chat model call failed: %w", err)
	}

	var result map[string]any
	if err := json.Unmarshal([]byte(out.Text), &result); err != nil {
		return nil, fmt.Errorf("extract: model response was not valid JSON: %w", err)
	}
	return result, nil
}
