package providers

import (
	"context"
	"encoding/json"
)

// EmbeddingProvider turns texts into fixed-dimension vectors. The result
// has one vector per input, in input order.
type EmbeddingProvider interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// CompletionProvider sends a single-turn prompt to a language model and
// returns the text reply.
type CompletionProvider interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// RegistryPage is one page of raw study documents.
type RegistryPage struct {
	Studies       []json.RawMessage
	NextPageToken string
}

// RegistryProvider pages through the public trial registry.
type RegistryProvider interface {
	ListStudies(ctx context.Context, pageToken string) (*RegistryPage, error)
}
