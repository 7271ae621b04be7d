package planner

import (
	"context"
	"fmt"

	"github.com/meridian-ai/conductor/graph/model"
	"github.com/meridian-ai/conductor/graph/model/anthropic"
)

// LLMPlanGenerator implements Generator against any model.ChatModel.
type LLMPlanGenerator struct {
	Chat model.ChatModel
}

// NewAnthropicPlanGenerator wires an LLMPlanGenerator to Anthropic's Messages
// API. modelName is the Claude model ID (e.g. "claude-3-opus-20240229").
func NewAnthropicPlanGenerator(apiKey, modelName string) *LLMPlanGenerator {
	return &LLMPlanGenerator{Chat: anthropic.NewChatModel(apiKey, modelName)}
}

const planGeneratorSystemPrompt = `You decompose an instruction into a task DAG for a multi-agent orchestrator.
Respond with a single JSON array only, no prose. Each element has:
  description (string, required), agent (string, the target agent name),
  priority (one of "low", "medium", "high", "urgent"),
  depends_on (array of zero-based indices into this same array, naming tasks
  that must complete before this one starts).`

// GeneratePlan asks the chat model to decompose instruction into a task DAG,
// given a summary of relevant memory context.
func (g *LLMPlanGenerator) GeneratePlan(ctx context.Context, instruction, contextSummary string) (string, error) {
	user := instruction
	if contextSummary != "" {
		user = fmt.Sprintf("Relevant context:\n%s\n\nInstruction: %s", contextSummary, instruction)
	}

	out, err := g.Chat.Chat(ctx, []model.Message{
		{Role: model.RoleSystem, Content: planGeneratorSystemPrompt},
		{Role: model.RoleUser, Content: user},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("planner: chat model call failed: %w", err)
	}
	return out.Text, nil
}
