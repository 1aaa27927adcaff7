package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/bull/evidence-rag/internal/chunker"
)

const (
	// DefaultBatchSize keeps requests small to respect provider throughput limits.
	DefaultBatchSize = 16

	// DefaultMaxRetries is the total number of attempts per batch.
	DefaultMaxRetries = 3

	// DefaultBaseDelay is the first backoff delay; attempt n waits DefaultBaseDelay * 2^n.
	DefaultBaseDelay = time.Second

	// DefaultBatchDelay is the minimum spacing between consecutive batch requests.
	DefaultBatchDelay = 100 * time.Millisecond

	// DefaultMaxDocumentLength is the maximum document length in characters before truncation.
	DefaultMaxDocumentLength = 100000
)

// Provider is an external embedding service.
// Implementations must be safe for concurrent use.
type Provider interface {
	// EmbedTexts embeds one batch; vectors are returned in input order.
	EmbedTexts(ctx context.Context, texts []string) (*ProviderResponse, error)
	Model() string
	Dimension() int
}

// ProviderResponse is the result of a single provider call.
type ProviderResponse struct {
	Vectors     [][]float32
	Model       string
	UsageTokens int
}

// EmbeddingVector joins a chunk with its vector and provenance.
type EmbeddingVector struct {
	Chunk       chunker.TextChunk
	Vector      []float32
	ModelID     string
	UsageTokens int
}

// Embedder turns chunks and queries into vectors. It batches requests,
// paces consecutive batches and retries transient failures with exponential
// backoff. It holds no state across calls beyond its configuration.
type Embedder struct {
	provider     Provider
	batchSize    int
	maxRetries   int
	baseDelay    time.Duration
	batchDelay   time.Duration
	maxDocLength int
	logger       *slog.Logger
	sleep        func(ctx context.Context, d time.Duration) error
}

// Option configures an Embedder.
type Option func(*Embedder)

// WithBatchSize sets the number of texts per provider call.
func WithBatchSize(size int) Option {
	return func(e *Embedder) {
		if size > 0 {
			e.batchSize = size
		}
	}
}

// WithMaxRetries sets the total number of attempts per batch.
func WithMaxRetries(attempts int) Option {
	return func(e *Embedder) {
		if attempts > 0 {
			e.maxRetries = attempts
		}
	}
}

// WithBaseDelay sets the base backoff delay.
func WithBaseDelay(d time.Duration) Option {
	return func(e *Embedder) {
		if d >= 0 {
			e.baseDelay = d
		}
	}
}

// WithBatchDelay sets the minimum spacing between batch requests.
func WithBatchDelay(d time.Duration) Option {
	return func(e *Embedder) {
		if d >= 0 {
			e.batchDelay = d
		}
	}
}

// WithMaxDocumentLength sets the truncation limit in characters.
func WithMaxDocumentLength(chars int) Option {
	return func(e *Embedder) {
		if chars > 0 {
			e.maxDocLength = chars
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Embedder) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEmbedder creates an Embedder backed by provider.
func NewEmbedder(provider Provider, opts ...Option) *Embedder {
	e := &Embedder{
		provider:     provider,
		batchSize:    DefaultBatchSize,
		maxRetries:   DefaultMaxRetries,
		baseDelay:    DefaultBaseDelay,
		batchDelay:   DefaultBatchDelay,
		maxDocLength: DefaultMaxDocumentLength,
		logger:       slog.Default(),
		sleep:        sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "embedder")
	return e
}

// Model returns the provider's model name.
func (e *Embedder) Model() string { return e.provider.Model() }

// Dimension returns the provider's vector dimension.
func (e *Embedder) Dimension() int { return e.provider.Dimension() }

// TruncateDocument shortens text to the configured maximum length, logging a
// warning when it does. It never fails.
func (e *Embedder) TruncateDocument(documentID, text string) string {
	runes := []rune(text)
	if len(runes) <= e.maxDocLength {
		return text
	}
	e.logger.Warn("truncating document",
		"document_id", documentID,
		"length", len(runes),
		"max_length", e.maxDocLength,
	)
	return string(runes[:e.maxDocLength])
}

// Embed generates one EmbeddingVector per chunk, in chunk order.
func (e *Embedder) Embed(ctx context.Context, chunks []chunker.TextChunk, documentID string) ([]EmbeddingVector, error) {
	if len(chunks) == 0 {
		return []EmbeddingVector{}, nil
	}

	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Text
	}

	e.logger.Debug("embedding chunks", "document_id", documentID, "chunks", len(chunks))

	vectors := make([]EmbeddingVector, 0, len(chunks))
	err := e.forEachBatch(ctx, texts, func(start int, resp *ProviderResponse) {
		usage := splitUsage(resp.UsageTokens, len(resp.Vectors))
		for i, vec := range resp.Vectors {
			vectors = append(vectors, EmbeddingVector{
				Chunk:       chunks[start+i],
				Vector:      vec,
				ModelID:     resp.Model,
				UsageTokens: usage[i],
			})
		}
	})
	if err != nil {
		return nil, fmt.Errorf("document %s: %w", documentID, err)
	}
	return vectors, nil
}

// EmbedQuery generates a single vector for a search query.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) (*EmbeddingVector, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyQuery
	}
	resp, err := e.embedBatchWithRetry(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return &EmbeddingVector{
		Chunk: chunker.TextChunk{
			Text:                text,
			EndOffset:           len([]rune(text)),
			EstimatedTokenCount: chunker.EstimateTokens(text),
		},
		Vector:      resp.Vectors[0],
		ModelID:     resp.Model,
		UsageTokens: resp.UsageTokens,
	}, nil
}

// forEachBatch runs texts through the provider batch by batch, spacing the
// requests by the batch delay, and hands each response to fn with the offset
// of its first text. All vectors must share one dimension.
func (e *Embedder) forEachBatch(ctx context.Context, texts []string, fn func(start int, resp *ProviderResponse)) error {
	limit := rate.Inf
	if e.batchDelay > 0 {
		limit = rate.Every(e.batchDelay)
	}
	limiter := rate.NewLimiter(limit, 1)

	dimension := 0
	for i := 0; i < len(texts); i += e.batchSize {
		end := min(i+e.batchSize, len(texts))

		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		resp, err := e.embedBatchWithRetry(ctx, texts[i:end])
		if err != nil {
			return fmt.Errorf("batch %d-%d: %w", i, end, err)
		}

		for _, vec := range resp.Vectors {
			if dimension == 0 {
				dimension = len(vec)
			}
			if len(vec) != dimension {
				return fmt.Errorf("%w: got %d, expected %d", ErrDimensionMismatch, len(vec), dimension)
			}
		}
		fn(i, resp)
	}
	return nil
}

// embedBatchWithRetry calls the provider for one batch. Transient failures are
// retried until maxRetries attempts have been made, waiting baseDelay * 2^attempt
// between attempts. Permanent failures stop immediately. The last failure is
// returned as a *ProviderError.
func (e *Embedder) embedBatchWithRetry(ctx context.Context, texts []string) (*ProviderResponse, error) {
	var lastErr error
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := e.provider.EmbedTexts(ctx, texts)
		if err == nil {
			err = validateResponse(resp, len(texts))
		}
		if err == nil {
			if attempt > 0 {
				e.logger.Debug("embedding succeeded after retry", "attempt", attempt+1)
			}
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil || !IsTransient(err) {
			return nil, &ProviderError{Attempts: attempt + 1, Err: err}
		}
		if attempt == e.maxRetries-1 {
			break
		}

		delay := e.baseDelay * time.Duration(1<<attempt)
		e.logger.Warn("embedding batch failed, retrying",
			"attempt", attempt+1,
			"max_attempts", e.maxRetries,
			"delay", delay,
			"err", err,
		)
		if err := e.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, &ProviderError{Attempts: e.maxRetries, Err: lastErr}
}

func validateResponse(resp *ProviderResponse, want int) error {
	if resp == nil {
		return fmt.Errorf("provider returned no response")
	}
	if len(resp.Vectors) != want {
		return fmt.Errorf("embedding result mismatch. expected %d, received %d", want, len(resp.Vectors))
	}
	return nil
}

// splitUsage spreads a batch's token usage across its vectors; the remainder
// goes to the first vector.
func splitUsage(total, n int) []int {
	usage := make([]int, n)
	if n == 0 || total <= 0 {
		return usage
	}
	for i := range usage {
		usage[i] = total / n
	}
	usage[0] += total % n
	return usage
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
