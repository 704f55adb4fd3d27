package models

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
)

func TestExtractedMetaData_MissingFields(t *testing.T) {
	full := ExtractedMetaData{Title: "Notes", Genre: "Education", Difficulty: "Beginner", Summary: "short note"}
	assert.Empty(t, full.MissingFields())

	partial := ExtractedMetaData{Title: "Notes", Genre: "  ", Summary: "short note"}
	assert.Equal(t, []string{"genre", "difficulty"}, partial.MissingFields())
}

func TestPipelineError_UnwrapsCause(t *testing.T) {
	cause := errors.Mark(errors.New("daemon down"), ErrContentStoreUnavailable)
	err := error(&PipelineError{Stage: StageContentAddressing, Err: cause})

	assert.True(t, errors.Is(err, ErrContentStoreUnavailable))
	assert.Contains(t, err.Error(), "content_addressing")

	var pe *PipelineError
	assert.True(t, errors.As(err, &pe))
	assert.Equal(t, StageContentAddressing, pe.Stage)
}
