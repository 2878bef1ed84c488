// Package index implements C11: an in-memory full-text index over the
// federated tool catalog exposed by the gateway's MCP router (C12). Each
// document is one tool, keyed by its federated name "<server>__<tool>", per
// spec §4.8. No BM25 or inverted-index library appears anywhere in the
// retrieval pack (see DESIGN.md Open Question decision 3); the ranking math
// here is standard-library-only for that reason. The lexical-name tie-break
// and the fuzzy fallback over Jaro-Winkler are both spec/pack-grounded, not
// invented: the tie-break is spec §4.8's literal wording, and the
// Jaro-Winkler scoring is the pack's only fuzzy-text-matching precedent
// (MrWong99-glyphoxa's internal/transcript/phonetic bestJWScore).
package index

import (
	"encoding/json"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/antzucaro/matchr"
)

// Document is one federated tool entry.
type Document struct {
	Name        string // "<server>__<tool>"
	Description string
	ParamKeys   []string
	InputSchema json.RawMessage
}

// Result is a single ranked search hit, per spec §4.8's search() contract.
type Result struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Score       float64
}

const (
	bm25K1 = 1.5
	bm25B  = 0.75
	// fuzzyThreshold is the minimum Jaro-Winkler similarity for a query term
	// with no exact vocabulary match to be treated as matching a corpus term,
	// mirroring the similarity floor used in the pack's only fuzzy-text-match
	// precedent.
	fuzzyThreshold = 0.85
)

var tokenRe = regexp.MustCompile(`[a-zA-Z0-9]+`)

func tokenize(s string) []string {
	matches := tokenRe.FindAllString(strings.ToLower(s), -1)
	return matches
}

// Index is a thread-safe, copy-on-rebuild BM25 index. Readers call Search
// against whatever snapshot was current when they called it; a concurrent
// Rebuild never blocks them and never exposes a partially-built snapshot,
// per spec §5's "tool index is monotonic from a reader's viewpoint".
type Index struct {
	snapshot atomic.Pointer[snapshot]
}

// New returns an empty Index. Call Rebuild to populate it.
func New() *Index {
	idx := &Index{}
	idx.snapshot.Store(buildSnapshot(nil))
	return idx
}

// Rebuild atomically replaces the searchable document set. Safe to call
// concurrently with Search and with other Rebuild calls.
func (idx *Index) Rebuild(docs []Document) {
	idx.snapshot.Store(buildSnapshot(docs))
}

// Search ranks documents against keywords by BM25 score (falling back to a
// Jaro-Winkler approximate match for query terms absent from the corpus
// vocabulary), breaking ties by lexical name order, and returns at most
// limit results (0 means unlimited).
func (idx *Index) Search(keywords []string, limit int) []Result {
	return idx.snapshot.Load().search(keywords, limit)
}

// Len reports how many documents are currently indexed.
func (idx *Index) Len() int {
	return len(idx.snapshot.Load().docs)
}

// Has reports whether name is a currently-indexed document, by exact match
// rather than BM25 relevance.
func (idx *Index) Has(name string) bool {
	s := idx.snapshot.Load()
	_, ok := s.byName[name]
	return ok
}

type docEntry struct {
	doc    Document
	tokens []string
	freq   map[string]int
	length int
}

type snapshot struct {
	docs      []docEntry
	byName    map[string]int          // federated name -> docIndex, for exact-existence checks
	postings  map[string]map[int]int  // term -> docIndex -> frequency
	docFreq   map[string]int          // term -> number of docs containing it
	vocab     []string                // sorted distinct terms, for fuzzy fallback
	avgDocLen float64
	n         int
}

func buildSnapshot(docs []Document) *snapshot {
	entries := make([]docEntry, 0, len(docs))
	byName := make(map[string]int, len(docs))
	postings := make(map[string]map[int]int)
	docFreq := make(map[string]int)
	var totalLen int

	for _, d := range docs {
		fields := append([]string{d.Name, d.Description}, d.ParamKeys...)
		tokens := tokenize(strings.Join(fields, " "))
		freq := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			freq[tok]++
		}
		idx := len(entries)
		entries = append(entries, docEntry{doc: d, tokens: tokens, freq: freq, length: len(tokens)})
		byName[d.Name] = idx
		totalLen += len(tokens)
		for term, f := range freq {
			if postings[term] == nil {
				postings[term] = make(map[int]int)
			}
			postings[term][idx] = f
			docFreq[term]++
		}
	}

	vocab := make([]string, 0, len(docFreq))
	for term := range docFreq {
		vocab = append(vocab, term)
	}
	sort.Strings(vocab)

	avg := 0.0
	if len(entries) > 0 {
		avg = float64(totalLen) / float64(len(entries))
	}
	return &snapshot{docs: entries, byName: byName, postings: postings, docFreq: docFreq, vocab: vocab, avgDocLen: avg, n: len(entries)}
}

func (s *snapshot) search(keywords []string, limit int) []Result {
	if s.n == 0 || len(keywords) == 0 {
		return nil
	}
	terms := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		terms = append(terms, tokenize(kw)...)
	}
	if len(terms) == 0 {
		return nil
	}

	scores := make([]float64, s.n)
	for _, term := range terms {
		resolved, weight := s.resolveTerm(term)
		if resolved == "" {
			continue
		}
		idf := s.idf(resolved)
		for docIdx, f := range s.postings[resolved] {
			length := s.docs[docIdx].length
			denom := float64(f) + bm25K1*(1-bm25B+bm25B*float64(length)/s.avgDocLen)
			scores[docIdx] += weight * idf * (float64(f) * (bm25K1 + 1)) / denom
		}
	}

	results := make([]Result, 0, s.n)
	for i, score := range scores {
		if score <= 0 {
			continue
		}
		d := s.docs[i].doc
		results = append(results, Result{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema, Score: score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Name < results[j].Name
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// resolveTerm returns the vocabulary term to score against for a query
// term, and the weight to apply to its contribution: 1.0 for an exact
// match, the Jaro-Winkler similarity for the closest fuzzy match above
// fuzzyThreshold, or "" if neither exists.
func (s *snapshot) resolveTerm(term string) (string, float64) {
	if _, ok := s.docFreq[term]; ok {
		return term, 1.0
	}
	best, bestScore := "", 0.0
	for _, candidate := range s.vocab {
		if score := matchr.JaroWinkler(term, candidate, false); score > bestScore {
			best, bestScore = candidate, score
		}
	}
	if bestScore >= fuzzyThreshold {
		return best, bestScore
	}
	return "", 0
}

func (s *snapshot) idf(term string) float64 {
	n := float64(s.docFreq[term])
	return math.Log((float64(s.n)-n+0.5)/(n+0.5) + 1)
}
