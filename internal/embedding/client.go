package embedding

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	// DefaultModel is the OpenAI model used for generating embeddings.
	DefaultModel = "text-embedding-3-small"

	// DefaultDimension is the vector dimension for text-embedding-3-small.
	DefaultDimension = 1536
)

// OpenAIConfig configures the OpenAI embedding provider.
type OpenAIConfig struct {
	APIKey    string
	BaseURL   string // Optional, for OpenAI-compatible services
	Model     string
	Dimension int
	Timeout   time.Duration
}

// OpenAIProvider generates embeddings through the OpenAI embeddings API.
type OpenAIProvider struct {
	client    *openai.Client
	model     string
	dimension int
}

var _ Provider = (*OpenAIProvider)(nil)

// NewOpenAIProvider creates a provider from cfg. It returns an error if no API key is set.
// The SDK's own retries are disabled because the Embedder owns the retry policy.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = DefaultDimension
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	client := openai.NewClient(opts...)

	return &OpenAIProvider{
		client:    &client,
		model:     cfg.Model,
		dimension: cfg.Dimension,
	}, nil
}

// Model returns the embedding model name.
func (p *OpenAIProvider) Model() string { return p.model }

// Dimension returns the configured vector dimension.
func (p *OpenAIProvider) Dimension() int { return p.dimension }

// EmbedTexts sends one batch of texts to the embeddings endpoint.
func (p *OpenAIProvider) EmbedTexts(ctx context.Context, texts []string) (*ProviderResponse, error) {
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
		Model: openai.EmbeddingModel(p.model),
	}
	// Only the v3 models accept a reduced output dimension
	if strings.HasPrefix(p.model, "text-embedding-3") {
		params.Dimensions = openai.Int(int64(p.dimension))
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, err
	}

	data := resp.Data
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })

	// Convert float64 to float32 for storage compatibility
	vectors := make([][]float32, len(data))
	for i, d := range data {
		vectors[i] = toFloat32(d.Embedding)
	}

	model := resp.Model
	if model == "" {
		model = p.model
	}

	return &ProviderResponse{
		Vectors:     vectors,
		Model:       model,
		UsageTokens: int(resp.Usage.TotalTokens),
	}, nil
}

// toFloat32 converts []float64 to []float32.
func toFloat32(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}
