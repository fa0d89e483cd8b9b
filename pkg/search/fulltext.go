package search

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// BM25 parameters (standard values).
const (
	bm25K1 = 1.2  // term frequency saturation
	bm25B  = 0.75 // length normalization
)

// FulltextIndex provides BM25-scored keyword search over entity text.
// One index per entity type; document ids are entity ids.
//
// Thread-safe.
type FulltextIndex struct {
	mu sync.RWMutex

	documents     map[string]string         // docID -> original text
	invertedIndex map[string]map[string]int // term -> docID -> term frequency
	docLengths    map[string]int            // docID -> token count
	avgDocLength  float64
	docCount      int
}

// NewFulltextIndex creates an empty index.
func NewFulltextIndex() *FulltextIndex {
	return &FulltextIndex{
		documents:     make(map[string]string),
		invertedIndex: make(map[string]map[string]int),
		docLengths:    make(map[string]int),
	}
}

// rankedID is one scored hit from an index lookup.
type rankedID struct {
	ID    string
	Score float64
}

// Index adds or replaces a document.
func (f *FulltextIndex) Index(id, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.removeLocked(id)

	tokens := tokenize(text)
	if len(tokens) == 0 {
		return
	}

	f.documents[id] = text
	f.docLengths[id] = len(tokens)
	f.docCount++

	termFreq := make(map[string]int)
	for _, token := range tokens {
		termFreq[token]++
	}
	for term, freq := range termFreq {
		if f.invertedIndex[term] == nil {
			f.invertedIndex[term] = make(map[string]int)
		}
		f.invertedIndex[term][id] = freq
	}

	f.updateAvgDocLength()
}

// Remove removes a document from the index.
func (f *FulltextIndex) Remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLocked(id)
}

func (f *FulltextIndex) removeLocked(id string) {
	text, exists := f.documents[id]
	if !exists {
		return
	}

	for _, token := range tokenize(text) {
		if docs, ok := f.invertedIndex[token]; ok {
			delete(docs, id)
			if len(docs) == 0 {
				delete(f.invertedIndex, token)
			}
		}
	}

	delete(f.documents, id)
	delete(f.docLengths, id)
	f.docCount--
	f.updateAvgDocLength()
}

// Search performs BM25 keyword search, highest score first. Prefix matches
// on indexed terms contribute at a reduced IDF so partial words still find
// their documents. Ties break by id so rankings are stable.
func (f *FulltextIndex) Search(query string, limit int) []rankedID {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.docCount == 0 {
		return nil
	}
	queryTerms := tokenize(query)
	if len(queryTerms) == 0 {
		return nil
	}

	scores := make(map[string]float64)
	for _, term := range queryTerms {
		if docs, ok := f.invertedIndex[term]; ok {
			idf := f.idf(term)
			for docID, termFreq := range docs {
				scores[docID] += f.bm25(docID, termFreq, idf)
			}
		}

		for indexedTerm, termDocs := range f.invertedIndex {
			if indexedTerm != term && strings.HasPrefix(indexedTerm, term) {
				idf := f.idf(indexedTerm) * 0.8
				for docID, termFreq := range termDocs {
					scores[docID] += f.bm25(docID, termFreq, idf)
				}
			}
		}
	}

	results := make([]rankedID, 0, len(scores))
	for id, score := range scores {
		results = append(results, rankedID{ID: id, Score: score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

func (f *FulltextIndex) bm25(docID string, termFreq int, idf float64) float64 {
	docLen := float64(f.docLengths[docID])
	tf := float64(termFreq)
	numerator := tf * (bm25K1 + 1)
	denominator := tf + bm25K1*(1-bm25B+bm25B*(docLen/f.avgDocLength))
	return idf * (numerator / denominator)
}

// idf uses the Lucene/Elasticsearch BM25 variant with +1 smoothing so
// common terms never go negative.
func (f *FulltextIndex) idf(term string) float64 {
	df := float64(len(f.invertedIndex[term]))
	n := float64(f.docCount)
	idf := math.Log(1 + (n-df+0.5)/(df+0.5))
	if idf < 0 {
		idf = 0
	}
	return idf
}

func (f *FulltextIndex) updateAvgDocLength() {
	if f.docCount == 0 {
		f.avgDocLength = 0
		return
	}
	var total int
	for _, length := range f.docLengths {
		total += length
	}
	f.avgDocLength = float64(total) / float64(f.docCount)
}

// Count returns the number of indexed documents.
func (f *FulltextIndex) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.docCount
}

// tokenize splits text into lowercase tokens, dropping punctuation,
// single characters and stop words.
func tokenize(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsDigit(c)
	})

	var tokens []string
	for _, word := range words {
		if len(word) < 2 || stopWords[word] {
			continue
		}
		tokens = append(tokens, word)
	}
	return tokens
}

// stopWords is a minimal list of truly generic words. Domain terms are
// deliberately not filtered.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true,
	"at": true, "be": true, "by": true, "for": true, "from": true,
	"has": true, "have": true, "he": true, "in": true, "is": true,
	"it": true, "its": true, "of": true, "on": true, "or": true,
	"that": true, "the": true, "to": true, "was": true, "were": true,
	"with": true, "this": true, "but": true, "they": true,
	"we": true, "you": true, "your": true, "my": true, "their": true,
	"been": true, "do": true, "does": true, "did": true,
}
