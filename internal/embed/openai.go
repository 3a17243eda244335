package embed

import (
	"context"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/percolation-labs/rem/internal/remerr"
)

// Default OpenAI embedding model and dimensionality, used when a Schema or
// config doesn't pin a different model/size.
const (
	DefaultModel     = "text-embedding-3-small"
	DefaultDimension = 1536
	maxBatch         = 2048
)

// OpenAI implements Embedder against the OpenAI embeddings API. It also
// serves any OpenAI-compatible endpoint via WithBaseURL.
type OpenAI struct {
	client *openai.Client
	model  string
	dim    int
}

var _ Embedder = (*OpenAI)(nil)

// Option configures an OpenAI embedder.
type Option func(*openAIConfig)

type openAIConfig struct {
	model      string
	dim        int
	baseURL    string
	httpClient *http.Client
}

func WithModel(model string) Option        { return func(c *openAIConfig) { c.model = model } }
func WithDimension(dim int) Option         { return func(c *openAIConfig) { c.dim = dim } }
func WithBaseURL(url string) Option        { return func(c *openAIConfig) { c.baseURL = url } }
func WithHTTPClient(h *http.Client) Option  { return func(c *openAIConfig) { c.httpClient = h } }

// NewOpenAI creates an OpenAI embedder from an API key.
func NewOpenAI(apiKey string, opts ...Option) *OpenAI {
	cfg := openAIConfig{model: DefaultModel, dim: DefaultDimension, httpClient: http.DefaultClient}
	for _, o := range opts {
		o(&cfg)
	}

	clientOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(cfg.httpClient),
	}
	if cfg.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.baseURL))
	}
	client := openai.NewClient(clientOpts...)

	return &OpenAI{client: &client, model: cfg.model, dim: cfg.dim}
}

func (o *OpenAI) Dimension() int { return o.dim }

// EmbedBatch embeds texts, splitting batches larger than the API's 2048-
// input limit into multiple calls.
func (o *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}

	result := make([][]float32, len(texts))
	for i := 0; i < len(texts); i += maxBatch {
		end := min(i+maxBatch, len(texts))
		vecs, err := o.callAPI(ctx, texts[i:end])
		if err != nil {
			return nil, &remerr.ProviderError{Provider: "openai", Retryable: true, Err: err}
		}
		copy(result[i:], vecs)
	}
	return result, nil
}

func (o *OpenAI) callAPI(ctx context.Context, texts []string) ([][]float32, error) {
	params := openai.EmbeddingNewParams{
		Model:          o.model,
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Dimensions:     openai.Int(int64(o.dim)),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	}

	resp, err := o.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, err
	}

	vecs := make([][]float32, len(texts))
	for _, item := range resp.Data {
		idx := item.Index
		if idx < 0 || idx >= int64(len(texts)) {
			return nil, fmt.Errorf("unexpected embedding index %d for batch size %d", idx, len(texts))
		}
		vecs[idx] = toFloat32s(item.Embedding)
	}
	for i, v := range vecs {
		if v == nil {
			return nil, fmt.Errorf("missing embedding for index %d", i)
		}
	}
	return vecs, nil
}

func toFloat32s(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
