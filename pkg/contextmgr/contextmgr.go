// Package contextmgr holds the persona text, the current RAG context
// string, and the ordered conversation message log, and builds the
// three-block cacheable system prompt and the tool list.
package contextmgr

import (
	"sync"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
)

// Manager is the context manager. It never trims the message log
// itself — the LLM's own compaction, or the caller's use of
// GetRecentMessages, is the trimming policy.
type Manager struct {
	mu         sync.RWMutex
	persona    string
	ragContext string
	messages   []orchestrator.Message
}

// New returns a Manager with the given persona text and an empty log.
func New(persona string) *Manager {
	return &Manager{persona: persona}
}

// UpdateRAGContext replaces the RAG block wholesale.
func (m *Manager) UpdateRAGContext(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ragContext = text
}

// AddMessage appends one message; content is preserved verbatim, including
// ordered tool_use/tool_result block lists.
func (m *Manager) AddMessage(role string, content orchestrator.Content) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, orchestrator.Message{Role: role, Content: content})
}

// GetMessages returns the full log, oldest first. The returned slice is a
// copy; callers may not mutate the manager's internal state through it.
func (m *Manager) GetMessages() []orchestrator.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]orchestrator.Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// GetRecentMessages returns at most maxTurns*2 trailing messages, trimmed
// from the left until the first kept message is a user turn whose content
// is NOT purely tool_result — so the model always sees a real user turn as
// the window boundary.
func (m *Manager) GetRecentMessages(maxTurns int) []orchestrator.Message {
	m.mu.RLock()
	all := make([]orchestrator.Message, len(m.messages))
	copy(all, m.messages)
	m.mu.RUnlock()

	limit := maxTurns * 2
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}

	for len(all) > 0 {
		first := all[0]
		if first.Role == "user" && !first.Content.IsPureToolResult() {
			break
		}
		all = all[1:]
	}
	return all
}

// BuildSystemBlocks returns the exact three-block layout required for
// prompt-cache efficacy: persona+rules (cacheable), RAG context
// (cacheable), dynamic content (NOT cacheable, must be last).
func (m *Manager) BuildSystemBlocks(dynamic string) []orchestrator.SystemBlock {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return []orchestrator.SystemBlock{
		{Text: m.persona, Cacheable: true},
		{Text: m.ragContext, Cacheable: true},
		{Text: dynamic, Cacheable: false},
	}
}

// BuildTools returns the web-search tool followed by the registry-generated
// tools, with a cache marker on only the LAST tool in the list.
func (m *Manager) BuildTools(registry orchestrator.ToolExecutor) []orchestrator.ToolDefinition {
	tools := []orchestrator.ToolDefinition{webSearchTool()}
	if registry != nil {
		tools = append(tools, registry.BuildTools()...)
	}
	if len(tools) > 0 {
		tools[len(tools)-1].CacheMarker = true
	}
	return tools
}

func webSearchTool() orchestrator.ToolDefinition {
	return orchestrator.ToolDefinition{
		Name:        "web_search",
		Description: "Search the web for current information not available in memory.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{"type": "string"},
			},
			"required": []string{"query"},
		},
	}
}
