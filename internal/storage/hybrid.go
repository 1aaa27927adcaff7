package storage

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultRRFConstant is the k in reciprocal rank fusion, 1/(k+rank).
const DefaultRRFConstant = 60

// maxHighlights caps the highlighted fragments returned per result.
const maxHighlights = 3

// FuseRRF merges ranked result lists with reciprocal rank fusion. Each result's
// RerankerScore becomes its fused score; the similarity score is the highest
// seen across lists. The returned slice is ordered by fused score.
func FuseRRF(k int, lists ...[]*RetrievalResult) []*RetrievalResult {
	if k <= 0 {
		k = DefaultRRFConstant
	}

	type entry struct {
		result *RetrievalResult
		score  float64
	}
	byKey := make(map[string]*entry)
	var order []string

	for _, list := range lists {
		for rank, r := range list {
			key := fmt.Sprintf("%s#%d", r.DocumentID, r.ChunkIndex)
			e, ok := byKey[key]
			if !ok {
				clone := *r
				e = &entry{result: &clone}
				byKey[key] = e
				order = append(order, key)
			}
			e.score += 1 / float64(k+rank+1)
			if r.SimilarityScore > e.result.SimilarityScore {
				e.result.SimilarityScore = r.SimilarityScore
			}
		}
	}

	fused := make([]*RetrievalResult, 0, len(order))
	for _, key := range order {
		e := byKey[key]
		score := e.score
		e.result.RerankerScore = &score
		fused = append(fused, e.result)
	}
	SortByRank(fused)
	return fused
}

// MergeUnique concatenates result lists, keeping the first occurrence of each
// chunk, and orders the union by similarity score.
func MergeUnique(lists ...[]*RetrievalResult) []*RetrievalResult {
	seen := make(map[string]bool)
	var merged []*RetrievalResult
	for _, list := range lists {
		for _, r := range list {
			key := fmt.Sprintf("%s#%d", r.DocumentID, r.ChunkIndex)
			if seen[key] {
				continue
			}
			seen[key] = true
			merged = append(merged, r)
		}
	}
	SortByRank(merged)
	return merged
}

// QueryTerms splits a query into lowercase keyword terms, dropping short words.
func QueryTerms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < 3 || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
	}
	return terms
}

// Highlights returns the sentences of text that mention any query term as a
// whole word, with each matched term wrapped in <em></em>. Word boundaries
// follow Unicode letters and digits.
func Highlights(text, query string) []string {
	terms := QueryTerms(query)
	if len(terms) == 0 {
		return nil
	}

	// Longer terms first so an alternation never stops at a shorter prefix.
	sort.SliceStable(terms, func(i, j int) bool { return len(terms[i]) > len(terms[j]) })
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = regexp.QuoteMeta(t)
	}
	re := regexp.MustCompile(`(?i)(?:` + strings.Join(quoted, "|") + `)`)

	var highlights []string
	for _, sentence := range splitSentences(text) {
		marked, ok := highlightWords(re, sentence)
		if !ok {
			continue
		}
		highlights = append(highlights, marked)
		if len(highlights) == maxHighlights {
			break
		}
	}
	return highlights
}

func highlightWords(re *regexp.Regexp, s string) (string, bool) {
	var b strings.Builder
	last, found := 0, false
	for _, loc := range re.FindAllStringIndex(s, -1) {
		if !wholeWord(s, loc[0], loc[1]) {
			continue
		}
		b.WriteString(s[last:loc[0]])
		b.WriteString("<em>")
		b.WriteString(s[loc[0]:loc[1]])
		b.WriteString("</em>")
		last, found = loc[1], true
	}
	if !found {
		return "", false
	}
	b.WriteString(s[last:])
	return b.String(), true
}

func wholeWord(s string, start, end int) bool {
	if start > 0 {
		if r, _ := utf8.DecodeLastRuneInString(s[:start]); isWordRune(r) {
			return false
		}
	}
	if end < len(s) {
		if r, _ := utf8.DecodeRuneInString(s[end:]); isWordRune(r) {
			return false
		}
	}
	return true
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func splitSentences(text string) []string {
	var sentences []string
	start := 0
	runes := []rune(text)
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
			sentences = append(sentences, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}
