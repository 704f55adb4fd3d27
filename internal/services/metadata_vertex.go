package services

import (
	"context"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"github.com/cockroachdb/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Lllllllleong/documentledger/internal/gcp"
	"github.com/Lllllllleong/documentledger/internal/models"
)

// contentGenerator is the part of *genai.GenerativeModel the completer uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// VertexCompleter asks a Gemini model configured with a JSON response schema.
type VertexCompleter struct {
	model contentGenerator
}

// NewVertexCompleter wraps a model from gcp.NewVertexClient.
func NewVertexCompleter(model contentGenerator) *VertexCompleter {
	return &VertexCompleter{model: model}
}

// Complete generates the metadata JSON for text with the configured Gemini model.
func (c *VertexCompleter) Complete(ctx context.Context, text string) (string, error) {
	resp, err := c.model.GenerateContent(ctx, genai.Text(gcp.MetadataUserPrompt+text))
	if err != nil {
		return "", classifyVertexError(err)
	}
	reply := responseText(resp)
	if reply == "" {
		return "", errors.Mark(errors.New("gemini returned no text candidate"), models.ErrMalformedMetadataResponse)
	}
	return reply, nil
}

// responseText concatenates the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	return strings.TrimSpace(sb.String())
}

func classifyVertexError(err error) error {
	err = errors.Mark(errors.Wrap(err, "vertex generate content"), models.ErrMetadataServiceUnavailable)
	if errors.Is(err, context.DeadlineExceeded) {
		return markTransient(err)
	}
	if s, ok := status.FromError(errors.UnwrapAll(err)); ok {
		switch s.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Internal, codes.Aborted, codes.Unknown:
			return markTransient(err)
		}
	}
	return err
}
