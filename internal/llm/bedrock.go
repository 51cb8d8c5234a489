package llm

import (
	"context"
	"encoding/json"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/botforge-io/botforge/internal/config"
)

// DefaultBedrockModel is the Titan text embedding model.
const DefaultBedrockModel = "amazon.titan-embed-text-v2:0"

// BedrockEmbedder generates embeddings through AWS Bedrock. Titan models
// accept one input per invocation, so batches invoke sequentially.
type BedrockEmbedder struct {
	client    *bedrockruntime.Client
	modelID   string
	dimension int
}

var _ Embedder = (*BedrockEmbedder)(nil)

// NewBedrockEmbedder creates a Bedrock embedder using the default AWS
// credential chain.
func NewBedrockEmbedder(ctx context.Context, cfg config.Config) (*BedrockEmbedder, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.BedrockRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	modelID := cfg.EmbedModel
	if modelID == "" {
		modelID = DefaultBedrockModel
	}

	return &BedrockEmbedder{
		client:    bedrockruntime.NewFromConfig(awsCfg),
		modelID:   modelID,
		dimension: cfg.EmbedDimension,
	}, nil
}

type titanEmbedRequest struct {
	InputText  string `json:"inputText"`
	Dimensions int    `json:"dimensions,omitempty"`
}

type titanEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// EmbedBatch generates embeddings for multiple texts.
func (e *BedrockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for i, text := range texts {
		vec, err := e.embedOne(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed item %d: %w", i, err)
		}
		vectors = append(vectors, vec)
	}
	return vectors, nil
}

func (e *BedrockEmbedder) embedOne(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(titanEmbedRequest{InputText: text, Dimensions: e.dimension})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	out, err := e.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     &e.modelID,
		Body:        body,
		ContentType: contentTypeJSON(),
	})
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", e.modelID, err)
	}

	var resp titanEmbedResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(resp.Embedding) != e.dimension {
		return nil, fmt.Errorf("dimension mismatch: got %d, want %d", len(resp.Embedding), e.dimension)
	}
	return resp.Embedding, nil
}

func contentTypeJSON() *string {
	ct := "application/json"
	return &ct
}

// Model returns the Bedrock model id.
func (e *BedrockEmbedder) Model() string {
	return e.modelID
}

// Dimension returns the expected embedding dimension.
func (e *BedrockEmbedder) Dimension() int {
	return e.dimension
}
