package llm

import "github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"

// wireMessage is the {role, content} shape every REST chat-completions API
// in this package (OpenAI, Groq, Anthropic's plain-text path) expects.
type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// toWireMessages flattens each Message's Content union to plain text —
// these batch clients are used only for single-shot extraction/summary
// calls (pkg/memory, pkg/community), which never produce tool_use blocks.
func toWireMessages(messages []orchestrator.Message) []wireMessage {
	out := make([]wireMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, wireMessage{Role: m.Role, Content: m.Content.Flatten()})
	}
	return out
}
