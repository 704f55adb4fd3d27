package services

import (
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/Lllllllleong/documentledger/internal/gcp"
)

// Metadata providers.
const (
	ProviderVertex = "vertex"
	ProviderOpenAI = "openai"
)

// IngestConfig holds configuration for the ingest service.
type IngestConfig struct {
	ProjectID     string
	CatalogDBPath string

	MetadataProvider string
	VertexAIRegion   string
	VertexModel      string
	OpenAIBaseURL    string
	OpenAIAPIKey     string
	OpenAIModel      string

	IPFSAPIURL string
	IPFSPin    bool

	SolanaRPCURL      string
	SolanaKeypairPath string
	SolanaAirdrop     bool
	SolanaRPS         float64
	RequireAnchor     bool

	UploadsDir    string
	UploadsBucket string
	// ReadFromGCS enables the bucket-triggered entry point.
	ReadFromGCS bool

	FirestoreCollection string
	WorkflowID          string
	WorkflowLocation    string

	Semantic SemanticConfig

	MaxUploadBytes int64
}

// DefaultMaxUploadBytes caps a single upload at 100 MiB.
const DefaultMaxUploadBytes = 100 << 20

// LoadIngestConfig reads the ingest configuration from the environment.
func LoadIngestConfig() (IngestConfig, error) {
	rps, err := strconv.ParseFloat(gcp.GetEnv("SOLANA_RPC_RPS", "0"), 64)
	if err != nil {
		return IngestConfig{}, errors.Wrap(err, "SOLANA_RPC_RPS must be a number")
	}
	cfg := IngestConfig{
		ProjectID:           gcp.GetEnv("PROJECT_ID", ""),
		CatalogDBPath:       gcp.GetEnv("CATALOG_DB_PATH", "archive.db"),
		MetadataProvider:    gcp.GetEnv("METADATA_PROVIDER", ProviderVertex),
		VertexAIRegion:      gcp.GetEnv("VERTEX_AI_REGION", "us-central1"),
		VertexModel:         gcp.GetEnv("VERTEX_MODEL", "gemini-1.5-pro"),
		OpenAIBaseURL:       gcp.GetEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIAPIKey:        gcp.GetEnv("OPENAI_API_KEY", ""),
		OpenAIModel:         gcp.GetEnv("OPENAI_MODEL", DefaultOpenAIModel),
		IPFSAPIURL:          gcp.GetEnv("IPFS_API_URL", "http://127.0.0.1:5001"),
		IPFSPin:             gcp.GetEnvBool("IPFS_PIN", true),
		SolanaRPCURL:        gcp.GetEnv("SOLANA_RPC_URL", "http://localhost:8899"),
		SolanaKeypairPath:   gcp.GetEnv("SOLANA_KEYPAIR_PATH", ""),
		SolanaAirdrop:       gcp.GetEnvBool("SOLANA_AIRDROP", false),
		SolanaRPS:           rps,
		RequireAnchor:       gcp.GetEnvBool("REQUIRE_ANCHOR", true),
		UploadsDir:          gcp.GetEnv("UPLOADS_DIR", "./uploads"),
		UploadsBucket:       gcp.GetEnv("UPLOADS_BUCKET", ""),
		FirestoreCollection: gcp.GetEnv("FIRESTORE_COLLECTION", ""),
		WorkflowID:          gcp.GetEnv("WORKFLOW_ID", ""),
		WorkflowLocation:    gcp.GetEnv("WORKFLOW_LOCATION", "us-central1"),
		Semantic:            LoadSemanticConfig(),
		MaxUploadBytes:      gcp.GetEnvInt64("MAX_UPLOAD_BYTES", DefaultMaxUploadBytes),
	}
	return cfg, cfg.Validate()
}

// Validate checks the settings that cannot be defaulted.
func (c IngestConfig) Validate() error {
	switch c.MetadataProvider {
	case ProviderVertex:
		if c.ProjectID == "" {
			return errors.New("PROJECT_ID environment variable must be set for the vertex metadata provider")
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return errors.New("OPENAI_API_KEY must be set for the openai metadata provider")
		}
	default:
		return errors.Newf("unknown METADATA_PROVIDER %q (want %q or %q)", c.MetadataProvider, ProviderVertex, ProviderOpenAI)
	}
	if c.CatalogDBPath == "" {
		return errors.New("CATALOG_DB_PATH must be set")
	}
	if (c.FirestoreCollection != "" || c.WorkflowID != "") && c.ProjectID == "" {
		return errors.New("PROJECT_ID must be set to use the run journal or workflow handoff")
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("MAX_UPLOAD_BYTES must be positive")
	}
	return c.Semantic.Validate()
}

func (c IngestConfig) anchorConfig() AnchorConfig {
	cfg := DefaultAnchorConfig
	cfg.Airdrop = c.SolanaAirdrop
	return cfg
}

// rpcTimeout bounds a single ledger RPC call.
const rpcTimeout = 30 * time.Second
