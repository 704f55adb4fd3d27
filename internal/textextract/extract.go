// Package textextract turns uploaded document bytes into normalized plain text.
//
// Supported formats are txt, md, pdf and docx, chosen by file extension
// (case-insensitive). Output is always in Unicode NFC so prompts built from it
// are byte-stable across uploads of the same content.
package textextract

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"golang.org/x/text/unicode/norm"

	"github.com/Lllllllleong/documentledger/internal/models"
)

// Extractor extracts text from UploadedFile bytes.
type Extractor struct {
	logger *slog.Logger
}

// New returns an Extractor. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{logger: logger}
}

// Detect maps a filename's extension to a supported format.
func Detect(filename string) (models.Format, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".txt":
		return models.FormatTXT, nil
	case ".md":
		return models.FormatMD, nil
	case ".pdf":
		return models.FormatPDF, nil
	case ".docx":
		return models.FormatDocx, nil
	default:
		return "", errors.Mark(errors.Newf("unsupported format: %q", ext), models.ErrUnsupportedFormat)
	}
}

// Extract returns the normalized text of data interpreted as format.
// Unknown formats fail with ErrUnsupportedFormat before data is inspected.
func (e *Extractor) Extract(ctx context.Context, data []byte, format models.Format) (*models.ExtractedText, error) {
	var (
		text string
		err  error
	)
	switch format {
	case models.FormatTXT, models.FormatMD:
		text, err = decodeUTF8(data)
	case models.FormatPDF:
		text, err = e.extractPDF(ctx, data)
	case models.FormatDocx:
		text, err = extractDocx(data)
	default:
		return nil, errors.Mark(errors.Newf("unsupported format: %q", format), models.ErrUnsupportedFormat)
	}
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "extract %s", format), models.ErrExtractionFailed)
	}

	text = normalize(text)
	if strings.TrimSpace(text) == "" {
		return nil, errors.Mark(errors.Newf("extract %s: document contains no text", format), models.ErrExtractionFailed)
	}
	return &models.ExtractedText{Content: text}, nil
}

func decodeUTF8(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", errors.New("input is not valid UTF-8")
	}
	return strings.TrimPrefix(string(data), "\ufeff"), nil
}

// normalize converts to NFC and unifies line endings.
func normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return norm.NFC.String(text)
}
