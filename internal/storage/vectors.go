package storage

import (
	"container/heap"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Vector is one embedded chunk of a knowledge document.
type Vector struct {
	ID         string
	DocID      string
	SourceRef  string
	ChunkIndex int
	Text       string
	Embedding  []float32
}

// ScoredVector is a Vector with its cosine similarity to a query.
type ScoredVector struct {
	Vector
	Score float32
}

// InsertVectors stores embedded chunks in one transaction.
func (s *Store) InsertVectors(ctx context.Context, vectors []Vector) error {
	if len(vectors) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO knowledge_vectors (id, doc_id, source_ref, chunk_index, text_chunk, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	now := formatTime(s.now())
	for _, v := range vectors {
		if _, err := stmt.ExecContext(ctx, v.ID, v.DocID, v.SourceRef, v.ChunkIndex, v.Text, encodeFloat32s(v.Embedding), now); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("vector %s: %w", v.ID, ErrConflict)
			}
			return fmt.Errorf("inserting vector %s: %w", v.ID, err)
		}
	}
	return tx.Commit()
}

// DeleteVectors removes every chunk of a document.
func (s *Store) DeleteVectors(ctx context.Context, docID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_vectors WHERE doc_id = ?`, docID)
	if err != nil {
		return 0, fmt.Errorf("deleting vectors of %s: %w", docID, err)
	}
	return res.RowsAffected()
}

// CountVectors returns the number of stored chunks.
func (s *Store) CountVectors(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM knowledge_vectors`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting vectors: %w", err)
	}
	return n, nil
}

type idScore struct {
	id    string
	score float32
}

// SearchVectors runs a brute-force cosine scan and returns the topK most
// similar chunks, best first. Only ids and embeddings are read during the
// scan; text is fetched for the winners.
func (s *Store) SearchVectors(ctx context.Context, query []float32, topK int) ([]ScoredVector, error) {
	if topK <= 0 {
		return nil, nil
	}
	queryNorm := norm(query)
	if queryNorm == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM knowledge_vectors`)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}

	h := &idScoreHeap{}
	var buf []float32
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning vector: %w", err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}
		score := cosine(query, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, idScore{id: id, score: score})
		} else if score > (*h)[0].score {
			(*h)[0] = idScore{id: id, score: score}
			heap.Fix(h, 0)
		}
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("iterating vectors: %w", err)
	}
	if h.Len() == 0 {
		return nil, nil
	}

	scores := make(map[string]float32, h.Len())
	args := make([]interface{}, 0, h.Len())
	for _, item := range *h {
		scores[item.id] = item.score
		args = append(args, item.id)
	}

	full, err := s.db.QueryContext(ctx, `
		SELECT id, doc_id, source_ref, chunk_index, text_chunk
		FROM knowledge_vectors WHERE id IN (?`+strings.Repeat(",?", len(args)-1)+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching top vectors: %w", err)
	}
	defer full.Close()

	results := make([]ScoredVector, 0, len(args))
	for full.Next() {
		var v ScoredVector
		if err := full.Scan(&v.ID, &v.DocID, &v.SourceRef, &v.ChunkIndex, &v.Text); err != nil {
			return nil, fmt.Errorf("scanning top vector: %w", err)
		}
		v.Score = scores[v.ID]
		results = append(results, v)
	}
	if err := full.Err(); err != nil {
		return nil, fmt.Errorf("iterating top vectors: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	return results, nil
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into buf, growing it when needed.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine returns dot(a,b) / (aNorm * |b|). Mismatched dimensions score 0.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, bSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bSq += float64(b[i]) * float64(b[i])
	}
	if bSq == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * math.Sqrt(bSq)))
}

// idScoreHeap is a min-heap on score holding the current top-K.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int            { return len(h) }
func (h idScoreHeap) Less(i, j int) bool  { return h[i].score < h[j].score }
func (h idScoreHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x interface{}) { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
