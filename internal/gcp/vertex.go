package gcp

import (
	"context"

	"cloud.google.com/go/vertexai/genai"
	"github.com/cockroachdb/errors"
)

// --- Metadata Model Prompts ---
const MetadataSystemPrompt = "You are a librarian cataloguing study material. Your task is to extract structured metadata from the text of a single document. You must respond only with a JSON object that matches the required schema."
const MetadataUserPrompt = `Read the document text below and describe it.

Fill in every field:
- "title": the document's title, or a short descriptive title if none is stated.
- "genre": the broad subject area, for example "Education", "Science", "Engineering", "History".
- "difficulty": one of "Beginner", "Intermediate", "Advanced".
- "summary": two or three sentences describing the content.
- "keywords": up to eight short keywords.

Do not leave any field empty. Do not include any text outside the JSON object.

Document text:
`

// MetadataResponseSchema constrains the model output to the catalog's metadata fields.
var MetadataResponseSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"title":      {Type: genai.TypeString},
		"genre":      {Type: genai.TypeString},
		"difficulty": {Type: genai.TypeString, Enum: []string{"Beginner", "Intermediate", "Advanced"}},
		"summary":    {Type: genai.TypeString},
		"keywords":   {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
	},
	Required: []string{"title", "genre", "difficulty", "summary"},
}

// VertexClient holds the pre-configured generative models for the app.
type VertexClient struct {
	MetadataModel *genai.GenerativeModel
	baseClient    *genai.Client
}

// NewVertexClient creates a new client holding the metadata model.
func NewVertexClient(ctx context.Context, projectID, region, modelName string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, errors.New("NewVertexClient: projectID and region cannot be empty")
	}
	if modelName == "" {
		modelName = "gemini-1.5-pro"
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, errors.Wrap(err, "genai.NewClient")
	}

	metadataModel := baseClient.GenerativeModel(modelName)
	metadataModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(MetadataSystemPrompt)},
	}
	metadataModel.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   MetadataResponseSchema,
		Temperature:      genai.Ptr[float32](0.0),
	}

	return &VertexClient{
		MetadataModel: metadataModel,
		baseClient:    baseClient,
	}, nil
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}
