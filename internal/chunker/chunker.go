// Package chunker splits free text into overlapping, sentence-aligned chunks.
package chunker

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

const (
	// DefaultChunkSizeTokens is the default target chunk size in estimated tokens.
	DefaultChunkSizeTokens = 512

	// DefaultOverlapTokens is the default number of tokens carried over between chunks.
	DefaultOverlapTokens = 50

	// CharsPerToken is the rough characters-per-token ratio used for estimates.
	CharsPerToken = 4
)

// ErrInvalidInput is returned when a chunk request is missing its document id.
var ErrInvalidInput = errors.New("invalid chunker input")

// TextChunk is a bounded span of a document's cleaned text.
// Offsets are rune offsets into the cleaned text; a chunk's span includes the
// separator whitespace in front of its first sentence, so the spans of one
// document's chunks cover the cleaned text without gaps.
type TextChunk struct {
	DocumentID          string `json:"document_id"`
	Text                string `json:"text"`
	StartOffset         int    `json:"start_offset"`
	EndOffset           int    `json:"end_offset"`
	ChunkIndex          int    `json:"chunk_index"`
	EstimatedTokenCount int    `json:"estimated_token_count"`
}

// Chunker splits documents using a fixed chunk size and overlap.
type Chunker struct {
	chunkSize int
	overlap   int
}

// Option configures the chunker.
type Option func(*Chunker)

// WithChunkSize sets the chunk size in estimated tokens.
func WithChunkSize(tokens int) Option {
	return func(c *Chunker) {
		if tokens > 0 {
			c.chunkSize = tokens
		}
	}
}

// WithOverlap sets the overlap between chunks in estimated tokens.
func WithOverlap(tokens int) Option {
	return func(c *Chunker) {
		if tokens >= 0 {
			c.overlap = tokens
		}
	}
}

// New creates a chunker with the given options.
func New(opts ...Option) *Chunker {
	c := &Chunker{
		chunkSize: DefaultChunkSizeTokens,
		overlap:   DefaultOverlapTokens,
	}
	for _, opt := range opts {
		opt(c)
	}

	// Overlap must stay below the chunk size
	if c.overlap >= c.chunkSize {
		c.overlap = c.chunkSize / 4
	}
	return c
}

// ChunkSize returns the configured chunk size in tokens.
func (c *Chunker) ChunkSize() int { return c.chunkSize }

// Overlap returns the configured overlap in tokens.
func (c *Chunker) Overlap() int { return c.overlap }

// Chunk splits text into chunks using the chunker's configuration.
func (c *Chunker) Chunk(documentID, text string) ([]TextChunk, error) {
	return Chunk(text, documentID, c.chunkSize, c.overlap)
}

// Chunk normalizes text and splits it into sentence-aligned chunks of roughly
// chunkSizeTokens, each seeded with the trailing overlapTokens of its predecessor.
// Empty or whitespace-only text yields an empty slice. A single sentence larger
// than chunkSizeTokens is emitted as its own oversized chunk.
func Chunk(text, documentID string, chunkSizeTokens, overlapTokens int) ([]TextChunk, error) {
	if documentID == "" {
		return nil, fmt.Errorf("%w: document id is required", ErrInvalidInput)
	}
	if chunkSizeTokens <= 0 {
		chunkSizeTokens = DefaultChunkSizeTokens
	}
	if overlapTokens < 0 {
		overlapTokens = 0
	}
	if overlapTokens >= chunkSizeTokens {
		overlapTokens = chunkSizeTokens / 4
	}

	cleaned := []rune(Clean(text))
	if len(cleaned) == 0 {
		return []TextChunk{}, nil
	}

	ends := sentenceEnds(cleaned)
	chunks := make([]TextChunk, 0, len(ends))

	emit := func(start, end int) {
		body := strings.TrimSpace(string(cleaned[start:end]))
		chunks = append(chunks, TextChunk{
			DocumentID:          documentID,
			Text:                body,
			StartOffset:         start,
			EndOffset:           end,
			ChunkIndex:          len(chunks),
			EstimatedTokenCount: EstimateTokens(body),
		})
	}

	start, end := 0, 0
	hasSentence := false
	for _, sentenceEnd := range ends {
		if hasSentence && estimateLen(sentenceEnd-start) > chunkSizeTokens {
			emit(start, end)
			start = overlapStart(cleaned, start, end, overlapTokens)
		}
		end = sentenceEnd
		hasSentence = true
	}
	emit(start, end)

	return chunks, nil
}

// Clean strips non-printable characters and collapses all whitespace runs
// into single spaces.
func Clean(text string) string {
	printable := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return ' '
		}
		if !unicode.IsPrint(r) {
			return -1
		}
		return r
	}, text)
	return strings.Join(strings.Fields(printable), " ")
}

// EstimateTokens approximates the token count of text at one token per four characters.
func EstimateTokens(text string) int {
	return estimateLen(len([]rune(text)))
}

func estimateLen(runes int) int {
	if runes <= 0 {
		return 0
	}
	return (runes + CharsPerToken - 1) / CharsPerToken
}

// sentenceEnds returns the exclusive end offset of every sentence in text.
// A sentence ends after a run of '.', '!' or '?' that is followed by a space
// or the end of the text; trailing text without a terminator is one more sentence.
func sentenceEnds(text []rune) []int {
	var ends []int
	for i := 0; i < len(text); i++ {
		if !isTerminator(text[i]) {
			continue
		}
		j := i + 1
		for j < len(text) && isTerminator(text[j]) {
			j++
		}
		if j == len(text) || text[j] == ' ' {
			ends = append(ends, j)
		}
		i = j - 1
	}
	if len(ends) == 0 || ends[len(ends)-1] < len(text) {
		ends = append(ends, len(text))
	}
	return ends
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// overlapStart picks where the next chunk begins: the first word boundary inside
// the last overlapTokens worth of the closed chunk [start, end). It always lies
// strictly after start so the overlap stays shorter than the chunk. Without a
// usable boundary the next chunk starts at end.
func overlapStart(text []rune, start, end, overlapTokens int) int {
	if overlapTokens <= 0 {
		return end
	}
	pos := end - overlapTokens*CharsPerToken
	if pos <= start {
		pos = start + 1
	}
	for pos < end && !(text[pos-1] == ' ' && text[pos] != ' ') {
		pos++
	}
	return pos
}
