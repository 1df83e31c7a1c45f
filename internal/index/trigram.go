package index

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/scrypster/riahunter/internal/storage"
)

// Trigrams returns the set of trigrams of s using pg_trgm rules: the text is
// lower-cased and split into words of letters and digits, and each word is
// padded with two leading blanks and one trailing blank.
func Trigrams(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range words(s) {
		addWordTrigrams(set, w)
	}
	return set
}

// Similarity returns the pg_trgm similarity of a and b: shared trigrams over
// the union of both sets. Two strings without any trigrams score 0.
func Similarity(a, b string) float64 {
	return jaccard(Trigrams(a), Trigrams(b))
}

// WordSimilarity returns the greatest fraction of query trigrams found in any
// run of consecutive words of text no longer than the query. A short query
// that appears inside a long text therefore scores high, where plain
// Similarity would be diluted by the rest of the text.
func WordSimilarity(query, text string) float64 {
	q := Trigrams(query)
	if len(q) == 0 {
		return 0
	}
	return bestExtent(q, len(words(query)), wordTrigramSets(text))
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func addWordTrigrams(set map[string]struct{}, word string) {
	runes := []rune("  " + word + " ")
	for i := 0; i+3 <= len(runes); i++ {
		set[string(runes[i:i+3])] = struct{}{}
	}
}

func wordTrigramSets(text string) []map[string]struct{} {
	ws := words(text)
	sets := make([]map[string]struct{}, len(ws))
	for i, w := range ws {
		sets[i] = make(map[string]struct{}, len(w)+2)
		addWordTrigrams(sets[i], w)
	}
	return sets
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	if len(a) > len(b) {
		a, b = b, a
	}
	shared := 0
	for t := range a {
		if _, ok := b[t]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(a)+len(b)-shared)
}

// bestExtent slides windows of 1..maxWords words over text and returns the
// best query-trigram coverage.
func bestExtent(query map[string]struct{}, maxWords int, text []map[string]struct{}) float64 {
	if maxWords < 1 {
		maxWords = 1
	}
	best := 0.0
	for start := range text {
		found := make(map[string]struct{})
		for end := start; end < len(text) && end-start < maxWords; end++ {
			for t := range text[end] {
				if _, ok := query[t]; ok {
					found[t] = struct{}{}
				}
			}
			if score := float64(len(found)) / float64(len(query)); score > best {
				best = score
			}
		}
		if best == 1 {
			break
		}
	}
	return best
}

type trigramDoc struct {
	whole map[string]struct{}   // every trigram of the text
	words []map[string]struct{} // per-word trigrams, narrative field only
}

// Trigram is an in-memory inverted trigram index over two fields: entity
// display names (scored with Similarity) and narrative text (scored with
// WordSimilarity). It implements storage.LexicalIndex and storage.TextIndexer.
type Trigram struct {
	mu       sync.RWMutex
	docs     map[storage.Field]map[int64]*trigramDoc
	postings map[storage.Field]map[string]map[int64]struct{}
}

// NewTrigram creates an empty trigram index.
func NewTrigram() *Trigram {
	t := &Trigram{
		docs:     make(map[storage.Field]map[int64]*trigramDoc),
		postings: make(map[storage.Field]map[string]map[int64]struct{}),
	}
	for _, f := range []storage.Field{storage.FieldName, storage.FieldNarrative} {
		t.docs[f] = make(map[int64]*trigramDoc)
		t.postings[f] = make(map[string]map[int64]struct{})
	}
	return t
}

// Similarity implements storage.LexicalIndex.
func (t *Trigram) Similarity(a, b string) float64 {
	return Similarity(a, b)
}

// Len returns the number of indexed narratives.
func (t *Trigram) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.docs[storage.FieldNarrative])
}

// IndexText replaces the indexed text of id on field. Blank text removes it.
func (t *Trigram) IndexText(id int64, field storage.Field, text string) {
	if !field.Valid() {
		return
	}
	doc := &trigramDoc{}
	if field == storage.FieldNarrative {
		doc.words = wordTrigramSets(text)
		doc.whole = make(map[string]struct{})
		for _, w := range doc.words {
			for tg := range w {
				doc.whole[tg] = struct{}{}
			}
		}
	} else {
		doc.whole = Trigrams(text)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.removeLocked(id, field)
	if len(doc.whole) == 0 {
		return
	}
	t.docs[field][id] = doc
	postings := t.postings[field]
	for tg := range doc.whole {
		ids, ok := postings[tg]
		if !ok {
			ids = make(map[int64]struct{})
			postings[tg] = ids
		}
		ids[id] = struct{}{}
	}
}

// RemoveText drops id from both fields.
func (t *Trigram) RemoveText(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(id, storage.FieldName)
	t.removeLocked(id, storage.FieldNarrative)
}

// Clear drops everything.
func (t *Trigram) Clear() {
	fresh := NewTrigram()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.docs = fresh.docs
	t.postings = fresh.postings
}

func (t *Trigram) removeLocked(id int64, field storage.Field) {
	doc, ok := t.docs[field][id]
	if !ok {
		return
	}
	postings := t.postings[field]
	for tg := range doc.whole {
		if ids, ok := postings[tg]; ok {
			delete(ids, id)
			if len(ids) == 0 {
				delete(postings, tg)
			}
		}
	}
	delete(t.docs[field], id)
}

// Search returns the documents of field scoring at least threshold against
// query, ordered by descending score then ascending ID. Only documents that
// share a trigram with the query are scored.
func (t *Trigram) Search(ctx context.Context, query string, field storage.Field, threshold float64) ([]storage.Match, error) {
	if !field.Valid() {
		return nil, storage.ErrInvalidInput
	}
	q := Trigrams(query)
	if len(q) == 0 {
		return []storage.Match{}, nil
	}
	queryWords := len(words(query))

	t.mu.RLock()
	defer t.mu.RUnlock()

	postings := t.postings[field]
	candidates := make(map[int64]struct{})
	for tg := range q {
		for id := range postings[tg] {
			candidates[id] = struct{}{}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	docs := t.docs[field]
	out := make([]storage.Match, 0, len(candidates))
	for id := range candidates {
		doc := docs[id]
		var score float64
		if field == storage.FieldNarrative {
			score = bestExtent(q, queryWords, doc.words)
		} else {
			score = jaccard(q, doc.whole)
		}
		if score > 0 && score >= threshold {
			out = append(out, storage.Match{ID: id, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
