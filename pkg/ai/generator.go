package ai

import "context"

// TextGenerator generates text from a system prompt and user prompt. Used for
// the asynchronous case-summary generation after registration.
type TextGenerator interface {
	GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}
