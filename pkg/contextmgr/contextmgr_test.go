package contextmgr

import (
	"testing"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
	"github.com/stretchr/testify/require"
)

func TestBuildSystemBlocksOrdersDynamicLast(t *testing.T) {
	m := New("persona text")
	m.UpdateRAGContext("rag text")
	blocks := m.BuildSystemBlocks("2026-08-01T00:00:00Z")

	require.Len(t, blocks, 3)
	require.True(t, blocks[0].Cacheable)
	require.True(t, blocks[1].Cacheable)
	require.False(t, blocks[2].Cacheable)
	require.Equal(t, "2026-08-01T00:00:00Z", blocks[2].Text)
}

func TestGetRecentMessagesSkipsToolResultBoundary(t *testing.T) {
	m := New("persona")
	m.AddMessage("user", orchestrator.BlocksContent([]orchestrator.Block{{Type: orchestrator.BlockToolResult, ToolResultID: "1"}}))
	m.AddMessage("assistant", orchestrator.TextContent("ack"))
	m.AddMessage("user", orchestrator.TextContent("real question"))
	m.AddMessage("assistant", orchestrator.TextContent("answer"))

	recent := m.GetRecentMessages(10)
	require.Equal(t, "user", recent[0].Role)
	require.False(t, recent[0].Content.IsPureToolResult())
	require.Equal(t, "real question", recent[0].Content.Text)
}

func TestGetRecentMessagesRespectsMaxTurns(t *testing.T) {
	m := New("persona")
	for i := 0; i < 10; i++ {
		m.AddMessage("user", orchestrator.TextContent("q"))
		m.AddMessage("assistant", orchestrator.TextContent("a"))
	}
	recent := m.GetRecentMessages(2)
	require.Len(t, recent, 4)
}

func TestBuildToolsCacheMarkerOnLastOnly(t *testing.T) {
	m := New("persona")
	tools := m.BuildTools(nil)
	require.Len(t, tools, 1)
	require.True(t, tools[0].CacheMarker)
}
