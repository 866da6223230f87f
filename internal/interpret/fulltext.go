package interpret

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"querybot/internal/domain"
)

type sparseVec = map[int]float64

// corpusIndex is a TF-IDF index over one department's corpus.
type corpusIndex struct {
	vocab map[string]int
	idf   []float64
	vecs  []sparseVec
	docs  []domain.CorpusDocument
}

func tokenize(s string) []string {
	s = strings.ToLower(s)
	var tokens []string
	var cur strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			cur.WriteRune(r)
			continue
		}
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}
	return tokens
}

func docText(d domain.CorpusDocument) string {
	return d.Title + " " + d.Body
}

func buildCorpusIndex(docs []domain.CorpusDocument) *corpusIndex {
	idx := &corpusIndex{vocab: make(map[string]int), docs: docs}
	if len(docs) == 0 {
		return idx
	}

	tfs := make([]map[int]int, len(docs))
	for i, d := range docs {
		tf := make(map[int]int)
		for _, tok := range tokenize(docText(d)) {
			id, ok := idx.vocab[tok]
			if !ok {
				id = len(idx.vocab)
				idx.vocab[tok] = id
			}
			tf[id]++
		}
		tfs[i] = tf
	}

	df := make([]int, len(idx.vocab))
	for _, tf := range tfs {
		for id := range tf {
			df[id]++
		}
	}
	n := float64(len(docs))
	idx.idf = make([]float64, len(idx.vocab))
	for i, d := range df {
		if d > 0 {
			idx.idf[i] = math.Log(n/float64(d)) + 1.0
		}
	}

	idx.vecs = make([]sparseVec, len(docs))
	for i, tf := range tfs {
		vec := make(sparseVec, len(tf))
		for id, count := range tf {
			vec[id] = float64(count) * idx.idf[id]
		}
		idx.vecs[i] = vec
	}
	return idx
}

func (idx *corpusIndex) queryVec(query string) sparseVec {
	tf := make(map[int]int)
	for _, tok := range tokenize(query) {
		if id, ok := idx.vocab[tok]; ok {
			tf[id]++
		}
	}
	vec := make(sparseVec, len(tf))
	for id, count := range tf {
		vec[id] = float64(count) * idx.idf[id]
	}
	return vec
}

// search returns up to k documents with positive cosine similarity.
func (idx *corpusIndex) search(query string, k int) []Result {
	if len(idx.docs) == 0 || k <= 0 {
		return nil
	}
	qvec := idx.queryVec(query)
	if len(qvec) == 0 {
		return nil
	}
	var results []Result
	for i, dvec := range idx.vecs {
		if sim := cosineSim(qvec, dvec); sim > 0 {
			d := idx.docs[i]
			results = append(results, Result{ID: d.ID, Title: d.Title, Snippet: snippet(d.Body), Score: sim})
		}
	}
	sort.SliceStable(results, func(a, b int) bool {
		return results[a].Score > results[b].Score
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}

func cosineSim(a, b sparseVec) float64 {
	var dot, normA, normB float64
	for i, va := range a {
		if vb, ok := b[i]; ok {
			dot += va * vb
		}
		normA += va * va
	}
	for _, vb := range b {
		normB += vb * vb
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func snippet(body string) string {
	const maxRunes = 120
	body = strings.TrimSpace(body)
	if len([]rune(body)) <= maxRunes {
		return body
	}
	return string([]rune(body)[:maxRunes]) + "..."
}

type CorpusSource interface {
	Documents(ctx context.Context, department string) ([]domain.CorpusDocument, error)
}

// corpusIndexes lazily builds and periodically rebuilds per-department
// indexes.
type corpusIndexes struct {
	source  CorpusSource
	refresh time.Duration
	now     func() time.Time

	mu      sync.Mutex
	indexes map[string]builtIndex
}

type builtIndex struct {
	index   *corpusIndex
	builtAt time.Time
}

func newCorpusIndexes(source CorpusSource, refresh time.Duration) *corpusIndexes {
	return &corpusIndexes{
		source:  source,
		refresh: refresh,
		now:     time.Now,
		indexes: make(map[string]builtIndex),
	}
}

// get returns the department index, keeping a stale one when a rebuild
// fails.
func (c *corpusIndexes) get(ctx context.Context, department string) (*corpusIndex, error) {
	c.mu.Lock()
	b, ok := c.indexes[department]
	c.mu.Unlock()
	if ok && c.now().Sub(b.builtAt) < c.refresh {
		return b.index, nil
	}

	docs, err := c.source.Documents(ctx, department)
	if err != nil {
		if ok {
			return b.index, nil
		}
		return nil, err
	}
	idx := buildCorpusIndex(docs)
	c.mu.Lock()
	c.indexes[department] = builtIndex{index: idx, builtAt: c.now()}
	c.mu.Unlock()
	return idx, nil
}
