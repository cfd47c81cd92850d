package storage

import (
	"container/heap"
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/photomentor/pmv/internal/vec"
)

// InsertCritique durably stores one critique version and returns its
// store-assigned id. The caller decides version and parent linkage; this
// method only writes.
func (s *Store) InsertCritique(ctx context.Context, c Critique) (int64, error) {
	var blob []byte
	if c.Embedding != nil {
		blob = vec.Encode(c.Embedding)
	}
	var rubric sql.NullString
	if c.RubricJSON != "" {
		rubric = sql.NullString{String: c.RubricJSON, Valid: true}
	}
	var parent sql.NullInt64
	if c.ParentID != nil {
		parent = sql.NullInt64{Int64: *c.ParentID, Valid: true}
	}
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	version := c.Version
	if version <= 0 {
		version = 1
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO critiques (session_id, image_description, critique, rubric, embedding, version, parent_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.SessionID, c.ImageDescription, c.Critique, rubric, blob, version, parent,
		createdAt.Format(timeFormat),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting critique: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading inserted critique id: %w", err)
	}
	return id, nil
}

// GetCritique loads one critique by id, scoped to sessionID. Returns
// ErrNotFound both when the id does not exist and when it belongs to another
// session, so callers cannot distinguish the two.
func (s *Store) GetCritique(ctx context.Context, id int64, sessionID string) (Critique, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, image_description, critique, rubric, embedding, version, parent_id, created_at
		FROM critiques WHERE id = ? AND session_id = ?`, id, sessionID)
	c, err := scanCritique(row)
	if err == sql.ErrNoRows {
		return Critique{}, ErrNotFound
	}
	return c, err
}

// ListBySession returns the session's critiques most recent first, capped at
// limit. An unknown session yields an empty slice, not an error.
func (s *Store) ListBySession(ctx context.Context, sessionID string, limit int) ([]Critique, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, image_description, critique, rubric, embedding, version, parent_id, created_at
		FROM critiques WHERE session_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying session critiques: %w", err)
	}
	defer rows.Close()

	var results []Critique
	for rows.Next() {
		c, err := scanCritique(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// idDistance holds only the id and distance during the scan phase of
// SearchBySession. Full rows are fetched only for top-K winners.
type idDistance struct {
	ID       int64
	Distance float32
}

// SearchBySession ranks the session's critiques by ascending cosine distance
// between their stored embedding and the query vector, capped at topK. Rows
// with a null embedding never match. The scan is scoped to the session in
// SQL, so no other session's vectors are ever compared.
func (s *Store) SearchBySession(ctx context.Context, sessionID string, query []float32, topK int) ([]CritiqueMatch, error) {
	queryNorm := vec.Norm(query)
	if queryNorm == 0 || topK <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, embedding FROM critiques
		WHERE session_id = ? AND embedding IS NOT NULL`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying critique vectors: %w", err)
	}
	defer rows.Close()

	h := &idDistanceHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = vec.DecodeInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %d: %w", id, err)
		}

		d := vec.Distance(vec.Cosine(query, buf, queryNorm))
		if h.Len() < topK {
			heap.Push(h, idDistance{ID: id, Distance: d})
		} else if d < (*h)[0].Distance {
			(*h)[0] = idDistance{ID: id, Distance: d}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	topIDs := make([]int64, h.Len())
	distances := make(map[int64]float32, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idDistance)
		topIDs[i] = item.ID
		distances[item.ID] = item.Distance
	}

	queryArgs := make([]interface{}, 0, len(topIDs)+1)
	queryArgs = append(queryArgs, sessionID)
	for _, id := range topIDs {
		queryArgs = append(queryArgs, id)
	}
	fullQuery := `SELECT id, session_id, image_description, critique, rubric, embedding, version, parent_id, created_at
		FROM critiques WHERE session_id = ? AND id IN (?` + strings.Repeat(",?", len(topIDs)-1) + `)`

	fullRows, err := s.db.QueryContext(ctx, fullQuery, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K critiques: %w", err)
	}
	defer fullRows.Close()

	var results []CritiqueMatch
	for fullRows.Next() {
		c, err := scanCritique(fullRows)
		if err != nil {
			return nil, err
		}
		results = append(results, CritiqueMatch{Critique: c, Distance: distances[c.ID]})
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating top-K critiques: %w", err)
	}

	// Sort ascending by distance (IN query doesn't preserve order).
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Distance < results[j-1].Distance; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}

	return results, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCritique(r rowScanner) (Critique, error) {
	var c Critique
	var rubric sql.NullString
	var blob []byte
	var parent sql.NullInt64
	var createdAt string
	err := r.Scan(&c.ID, &c.SessionID, &c.ImageDescription, &c.Critique, &rubric, &blob, &c.Version, &parent, &createdAt)
	if err != nil {
		return Critique{}, err
	}
	c.RubricJSON = rubric.String
	if parent.Valid {
		p := parent.Int64
		c.ParentID = &p
	}
	if blob != nil {
		embedding, err := vec.Decode(blob)
		if err != nil {
			return Critique{}, fmt.Errorf("decoding embedding for %d: %w", c.ID, err)
		}
		c.Embedding = embedding
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Critique{}, fmt.Errorf("parsing created_at for %d: %w", c.ID, err)
	}
	c.CreatedAt = t
	return c, nil
}

// idDistanceHeap is a max-heap of idDistance ordered by Distance, so the
// worst candidate sits at the root during the top-K scan.
type idDistanceHeap []idDistance

func (h idDistanceHeap) Len() int            { return len(h) }
func (h idDistanceHeap) Less(i, j int) bool  { return h[i].Distance > h[j].Distance }
func (h idDistanceHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idDistanceHeap) Push(x interface{}) { *h = append(*h, x.(idDistance)) }
func (h *idDistanceHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
