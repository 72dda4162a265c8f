package postgres

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/memory"
)

// SaveMessage appends one turn of conversation history for later semantic
// recall. A nil embedding is stored as SQL NULL (e.g. tool-result turns
// that are never independently searched).
func (s *Store) SaveMessage(ctx context.Context, conn memory.Conn, conversationID, role, content string, embedding []float32) error {
	q := s.querier(conn)

	var vec interface{}
	if embedding != nil {
		vec = pgvector.NewVector(embedding)
	}

	_, err := q.Exec(ctx,
		`INSERT INTO conversation_messages (conversation_id, role, content, embedding) VALUES ($1, $2, $3, $4)`,
		conversationID, role, content, vec,
	)
	if err != nil {
		return fmt.Errorf("postgres: save message: %w", err)
	}
	return nil
}
