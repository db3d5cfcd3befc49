package docrag

import (
	"errors"
	"io"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/flarexio/docrag/backend"
	"github.com/flarexio/docrag/chunker"
	"github.com/flarexio/docrag/embedding"
	"github.com/flarexio/docrag/persistence"
)

const (
	DefaultEmbedConcurrency = 4
	DefaultTopK             = 5
)

type Config struct {
	Storage  persistence.Config `yaml:"storage"`
	Embedder embedding.Config   `yaml:"embedder"`
	Ingest   IngestConfig       `yaml:"ingest"`
	Query    QueryConfig        `yaml:"query"`
}

type IngestConfig struct {
	ChunkSize        int `yaml:"chunk_size"`
	ChunkOverlap     int `yaml:"chunk_overlap"`
	EmbedConcurrency int `yaml:"embed_concurrency"`
}

type QueryConfig struct {
	TopK int `yaml:"top_k"`

	// MaxContextChars caps the retrieved text per query, 0 means unlimited.
	MaxContextChars int `yaml:"max_context_chars"`
}

func DefaultConfig() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset values. The chunk sizes are only defaulted as a
// pair so that an explicit invalid configuration is still reported.
func (cfg *Config) ApplyDefaults() {
	if cfg.Ingest.ChunkSize == 0 && cfg.Ingest.ChunkOverlap == 0 {
		cfg.Ingest.ChunkSize = chunker.DefaultChunkSize
		cfg.Ingest.ChunkOverlap = chunker.DefaultChunkOverlap
	}

	if cfg.Ingest.EmbedConcurrency <= 0 {
		cfg.Ingest.EmbedConcurrency = DefaultEmbedConcurrency
	}

	if cfg.Query.TopK <= 0 {
		cfg.Query.TopK = DefaultTopK
	}

	if cfg.Query.MaxContextChars < 0 {
		cfg.Query.MaxContextChars = 0
	}
}

// LoadConfig decodes a YAML file. A missing file yields the defaults.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DefaultConfig(), nil
		}

		return Config{}, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

type IngestRequest struct {
	Collection   string   `json:"collection"`
	Document     string   `json:"document"`
	Text         string   `json:"text"`
	ChunkSize    int      `json:"chunk_size,omitempty"`
	ChunkOverlap int      `json:"chunk_overlap,omitempty"`
	Description  string   `json:"description,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	IsPublic     bool     `json:"is_public,omitempty"`
	Owner        string   `json:"owner,omitempty"`
}

type IngestResponse struct {
	Collection      string       `json:"collection"`
	Document        string       `json:"document"`
	ChunksProcessed int          `json:"chunks_processed"`
	Backend         backend.Kind `json:"backend,omitempty"`
}

// QueryRequest leaves K and MaxContextChars nil when the caller did not set
// them, so the configured defaults can be substituted.
type QueryRequest struct {
	Collection      string `json:"collection"`
	Query           string `json:"query"`
	K               *int   `json:"k,omitempty"`
	MaxContextChars *int   `json:"max_context_chars,omitempty"`
}

type QueryResult struct {
	Collection string           `json:"collection"`
	Query      string           `json:"query"`
	Backend    backend.Kind     `json:"backend"`
	Results    []backend.Result `json:"results"`

	// Context is the retained chunk text joined by blank lines.
	Context string `json:"context"`
}

type DeleteCollectionResponse struct {
	Collection string `json:"collection"`
	Deleted    bool   `json:"deleted"`
}
