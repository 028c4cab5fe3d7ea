// Copyright (C) 2025 SingularityHQ
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package semantic holds the external scoring collaborators the
// coordination engines depend on: text embeddings, similarity against the
// known-safe change corpus, and vote-reason confidence scoring.
//
// The model side of each collaborator is a black box behind an interface.
// Ships with an OpenAI-compatible embedder (works against any server
// exposing the /embeddings API, local or hosted) and a deterministic
// hash embedder for tests and degraded operation.
package semantic

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Embedder converts text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ErrEmptyInput is returned when there is nothing to embed.
var ErrEmptyInput = errors.New("empty embedding input")

// OpenAIEmbedderConfig configures the OpenAI-compatible embedder.
type OpenAIEmbedderConfig struct {
	// APIKey authenticates against the embedding server. Local servers
	// usually accept any value.
	APIKey string

	// BaseURL overrides the API endpoint (e.g. an Ollama or vLLM
	// gateway). Empty uses the OpenAI default.
	BaseURL string

	// Model is the embedding model name. Default: text-embedding-3-small.
	Model string
}

// OpenAIEmbedder calls an OpenAI-compatible embeddings endpoint.
//
// # Thread Safety
//
// Safe for concurrent use.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

// NewOpenAIEmbedder builds the embedder from config.
func NewOpenAIEmbedder(cfg OpenAIEmbedderConfig) *OpenAIEmbedder {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(clientCfg),
		model:  openai.EmbeddingModel(model),
	}
}

// Embed returns the embedding vector for text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("embedding response contained no data")
	}
	return resp.Data[0].Embedding, nil
}

// HashEmbedder produces deterministic pseudo-embeddings from token hashes.
//
// # Description
//
// Not semantically meaningful, but stable: identical text maps to an
// identical unit vector and token overlap yields partial similarity.
// Used in tests and when no embedding backend is configured, so the
// pipeline keeps functioning with degraded scoring rather than stalling.
type HashEmbedder struct {
	// Dim is the vector dimensionality. Default 256.
	Dim int
}

// Embed hashes whitespace-separated tokens into a normalized vector.
func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}
	dim := e.Dim
	if dim <= 0 {
		dim = 256
	}
	vec := make([]float32, dim)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum64()
		idx := int(sum % uint64(dim))
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}
	normalize(vec)
	return vec, nil
}

func normalize(vec []float32) {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
}

var (
	_ Embedder = (*OpenAIEmbedder)(nil)
	_ Embedder = (*HashEmbedder)(nil)
)
