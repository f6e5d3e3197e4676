package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

// Embedder 抽象向量化协作方；向量用于入库后的相似度评估
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if c.embedModel == "" {
		return nil, fmt.Errorf("llm: embedding model not configured")
	}

	payload, err := json.Marshal(embeddingRequest{
		Model: c.embedModel,
		Input: []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("llm: marshal embedding request: %w", err)
	}

	body, err := c.post(ctx, "/embeddings", payload)
	if err != nil {
		return nil, err
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("llm: unmarshal embedding response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("llm: embedding response without data")
	}
	return parsed.Data[0].Embedding, nil
}
