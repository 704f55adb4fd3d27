package services

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/Lllllllleong/documentledger/internal/models"
)

// Completer sends one structured completion request for a document's text and
// returns the raw JSON reply. Implementations mark transient failures with
// markTransient and every failure with a metadata taxonomy sentinel.
type Completer interface {
	Complete(ctx context.Context, text string) (string, error)
}

// defaultMaxInputRunes keeps prompts within the model's context window.
const defaultMaxInputRunes = 100_000

// MetadataExtractor turns document text into a validated ExtractedMetaData.
type MetadataExtractor struct {
	completer     Completer
	retry         RetryPolicy
	maxInputRunes int
}

// NewMetadataExtractor creates an extractor over completer.
func NewMetadataExtractor(completer Completer, retry RetryPolicy) *MetadataExtractor {
	return &MetadataExtractor{
		completer:     completer,
		retry:         retry,
		maxInputRunes: defaultMaxInputRunes,
	}
}

// ExtractMetadata returns a record with every required field set, or an error
// marked ErrMetadataServiceUnavailable or ErrMalformedMetadataResponse.
// Malformed replies are never retried.
func (m *MetadataExtractor) ExtractMetadata(ctx context.Context, logCtx *slog.Logger, text *models.ExtractedText) (*models.ExtractedMetaData, error) {
	input := truncateRunes(text.Content, m.maxInputRunes)
	if len(input) < len(text.Content) {
		logCtx.Warn("Document text truncated for metadata prompt.", "originalBytes", len(text.Content), "promptBytes", len(input))
	}

	var raw string
	err := withRetry(ctx, logCtx, "metadata completion", m.retry, isTransient, func(ctx context.Context) error {
		var err error
		raw, err = m.completer.Complete(ctx, input)
		return err
	})
	if err != nil {
		if !errors.Is(err, models.ErrMalformedMetadataResponse) && !errors.Is(err, models.ErrMetadataServiceUnavailable) {
			err = errors.Mark(err, models.ErrMetadataServiceUnavailable)
		}
		return nil, err
	}

	meta, err := parseMetadata(raw)
	if err != nil {
		logCtx.Error("Completion reply failed validation", "error", err, "responseBody", raw)
		return nil, err
	}
	return meta, nil
}

// parseMetadata strictly decodes a reply: exactly one JSON object, no unknown
// fields, every required field non-empty.
func parseMetadata(raw string) (*models.ExtractedMetaData, error) {
	body := stripCodeFence(raw)
	if body == "" {
		return nil, errors.Mark(errors.New("empty completion reply"), models.ErrMalformedMetadataResponse)
	}

	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()
	var meta models.ExtractedMetaData
	if err := dec.Decode(&meta); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decode completion reply"), models.ErrMalformedMetadataResponse)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.Mark(errors.New("trailing data after metadata object"), models.ErrMalformedMetadataResponse)
	}

	meta.Title = strings.TrimSpace(meta.Title)
	meta.Genre = strings.TrimSpace(meta.Genre)
	meta.Difficulty = strings.TrimSpace(meta.Difficulty)
	meta.Summary = strings.TrimSpace(meta.Summary)
	if missing := meta.MissingFields(); len(missing) > 0 {
		return nil, errors.Mark(errors.Newf("required fields empty or absent: %s", strings.Join(missing, ", ")), models.ErrMalformedMetadataResponse)
	}

	keywords := meta.Keywords[:0]
	for _, k := range meta.Keywords {
		if k = strings.TrimSpace(k); k != "" {
			keywords = append(keywords, k)
		}
	}
	meta.Keywords = keywords
	if len(meta.Keywords) == 0 {
		meta.Keywords = nil
	}
	return &meta, nil
}

// stripCodeFence removes a markdown fence some models wrap JSON in.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func truncateRunes(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}
