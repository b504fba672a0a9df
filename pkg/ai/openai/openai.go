package openai

import (
	"sync"

	"github.com/stagebridge/backend/pkg/ai"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// BridgeOpenAIClient implements ai.BridgeAIClient against an
// OpenAI-compatible API. It keeps separate clients for chat and
// embedding endpoints so the two can run on different hosts.
//
// A BridgeOpenAIClient should be created using NewBridgeOpenAIClient.
type BridgeOpenAIClient struct {
	embeddingModel string
	classifyModel  string

	embeddingURL string
	embeddingKey string
	chatURL      string
	chatKey      string

	metricsLock sync.Mutex
	metrics     ai.ModelMetrics

	ChatClient      *openai.Client
	EmbeddingClient *openai.Client
}

// NewBridgeOpenAIClientParams defines the configuration parameters for
// creating a new BridgeOpenAIClient.
//
// ClassifyModel specifies the model used for routing classification.
// EmbeddingModel specifies the model used for embeddings.
// ChatURL/ChatKey and EmbeddingURL/EmbeddingKey configure the endpoints;
// empty URLs fall back to the public OpenAI API.
type NewBridgeOpenAIClientParams struct {
	EmbeddingModel string
	ClassifyModel  string

	EmbeddingURL string
	EmbeddingKey string
	ChatURL      string
	ChatKey      string
}

// NewBridgeOpenAIClient creates a new client configured with the provided
// parameters.
func NewBridgeOpenAIClient(params NewBridgeOpenAIClientParams) *BridgeOpenAIClient {
	chatOpts := []option.RequestOption{option.WithAPIKey(params.ChatKey)}
	if params.ChatURL != "" {
		chatOpts = append(chatOpts, option.WithBaseURL(params.ChatURL))
	}
	chatClient := openai.NewClient(chatOpts...)

	embedOpts := []option.RequestOption{option.WithAPIKey(params.EmbeddingKey)}
	if params.EmbeddingURL != "" {
		embedOpts = append(embedOpts, option.WithBaseURL(params.EmbeddingURL))
	}
	embeddingClient := openai.NewClient(embedOpts...)

	return &BridgeOpenAIClient{
		embeddingModel: params.EmbeddingModel,
		classifyModel:  params.ClassifyModel,

		embeddingURL: params.EmbeddingURL,
		embeddingKey: params.EmbeddingKey,
		chatURL:      params.ChatURL,
		chatKey:      params.ChatKey,

		ChatClient:      &chatClient,
		EmbeddingClient: &embeddingClient,
	}
}

func (c *BridgeOpenAIClient) modifyMetrics(delta ai.ModelMetrics) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()

	c.metrics.InputTokens += delta.InputTokens
	c.metrics.OutputTokens += delta.OutputTokens
	c.metrics.TotalTokens += delta.TotalTokens
	c.metrics.DurationMs += delta.DurationMs
	if c.metrics.DurationMs > 0 {
		c.metrics.TokenPerSecond = float32(c.metrics.OutputTokens) / (float32(c.metrics.DurationMs) / 1000.0)
	}
}

// ResetMetrics clears the accumulated model metrics.
func (c *BridgeOpenAIClient) ResetMetrics() {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.metrics = ai.ModelMetrics{}
}

// GetMetrics returns the accumulated model metrics.
func (c *BridgeOpenAIClient) GetMetrics() ai.ModelMetrics {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	return c.metrics
}
