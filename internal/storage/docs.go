package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveKnowledgeDoc stores a newly ingested document in the "queued" state.
func (s *Store) SaveKnowledgeDoc(ctx context.Context, doc KnowledgeDoc) error {
	createdAt := doc.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	status := doc.Status
	if status == "" {
		status = "queued"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO knowledge_docs (id, title, content, source, status, chunks, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Title, doc.Content, doc.Source, status, doc.Chunks,
		createdAt.Format(timeFormat),
	)
	return err
}

// GetKnowledgeDoc loads one document by id.
func (s *Store) GetKnowledgeDoc(ctx context.Context, id string) (KnowledgeDoc, error) {
	var d KnowledgeDoc
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, content, source, status, chunks, created_at
		FROM knowledge_docs WHERE id = ?`, id,
	).Scan(&d.ID, &d.Title, &d.Content, &d.Source, &d.Status, &d.Chunks, &createdAt)
	if err == sql.ErrNoRows {
		return KnowledgeDoc{}, ErrNotFound
	}
	if err != nil {
		return KnowledgeDoc{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return KnowledgeDoc{}, fmt.Errorf("parsing created_at: %w", err)
	}
	d.CreatedAt = t
	return d, nil
}

// ListKnowledgeDocs returns ingested documents most recent first, without
// their full content.
func (s *Store) ListKnowledgeDocs(ctx context.Context, limit int) ([]KnowledgeDoc, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, '', source, status, chunks, created_at
		FROM knowledge_docs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []KnowledgeDoc
	for rows.Next() {
		var d KnowledgeDoc
		var createdAt string
		if err := rows.Scan(&d.ID, &d.Title, &d.Content, &d.Source, &d.Status, &d.Chunks, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		d.CreatedAt = t
		results = append(results, d)
	}
	return results, rows.Err()
}

// MarkDocEmbedded records that the ingest worker finished embedding a doc
// into the given number of chunks.
func (s *Store) MarkDocEmbedded(ctx context.Context, id string, chunks int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE knowledge_docs SET status = 'embedded', chunks = ? WHERE id = ?`, chunks, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
