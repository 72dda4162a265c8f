package sessionlog_test

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/sessionlog"
)

func TestSaveWritesOneLinePerCall(t *testing.T) {
	dir := t.TempDir()
	a := sessionlog.New(dir)

	messages := []orchestrator.Message{
		{Role: "user", Content: orchestrator.TextContent("héllo wörld")},
		{Role: "assistant", Content: orchestrator.TextContent("hi there")},
	}
	if err := a.Save("sess-1", messages); err != nil {
		t.Fatal(err)
	}
	if err := a.Save("sess-2", messages); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, time.Now().UTC().Format("2006-01-02")+".jsonl")
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var rec sessionlog.Record
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("line 1 is not valid JSON: %v", err)
	}
	if rec.SessionID != "sess-1" {
		t.Errorf("expected session_id sess-1, got %q", rec.SessionID)
	}
	if len(rec.Messages) != 2 || rec.Messages[0].Content != "héllo wörld" {
		t.Errorf("non-ASCII content not preserved: %+v", rec.Messages)
	}
	if _, err := time.Parse(time.RFC3339, rec.Timestamp); err != nil {
		t.Errorf("timestamp is not ISO8601-with-tz: %q", rec.Timestamp)
	}
}

func TestSaveEmptyMessagesIsNoOp(t *testing.T) {
	dir := t.TempDir()
	a := sessionlog.New(dir)

	if err := a.Save("sess-1", nil); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, time.Now().UTC().Format("2006-01-02")+".jsonl")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected no file to be created for an empty message slice")
	}
}

func TestSaveFlattensToolBlocks(t *testing.T) {
	dir := t.TempDir()
	a := sessionlog.New(dir)

	messages := []orchestrator.Message{
		{Role: "assistant", Content: orchestrator.BlocksContent([]orchestrator.Block{
			{Type: orchestrator.BlockText, Text: "checking"},
			{Type: orchestrator.BlockToolUse, ToolName: "hass_control"},
		})},
	}
	if err := a.Save("sess-1", messages); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, time.Now().UTC().Format("2006-01-02")+".jsonl")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var rec sessionlog.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Messages[0].Content != "checking hass_control" {
		t.Errorf("expected flattened block content, got %q", rec.Messages[0].Content)
	}
}
