package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrUnknownEmbedder = errors.New("unknown embedder type")
	ErrEmptyEmbedding  = errors.New("empty embedding")
)

// Embedder converts text into a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension is the vector length, or 0 when unknown until the first call.
	Dimension() int
}

type Type string

const (
	TypeNone    Type = "none"
	TypeHashing Type = "hashing"
	TypeOpenAI  Type = "openai"
)

type Config struct {
	Type      Type         `yaml:"type"`
	Dimension int          `yaml:"dimension"`
	OpenAI    OpenAIConfig `yaml:"openai"`
}

type OpenAIConfig struct {
	BaseURL           string        `yaml:"base_url"`
	APIKeyEnv         string        `yaml:"api_key_env"`
	Model             string        `yaml:"model"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
}

// New builds the embedder described by cfg. It returns a nil Embedder and no
// error when embedding is disabled.
func New(cfg Config) (Embedder, error) {
	switch cfg.Type {
	case "", TypeNone:
		return nil, nil

	case TypeHashing:
		return NewHashing(cfg.Dimension), nil

	case TypeOpenAI:
		return NewOpenAI(cfg.OpenAI)

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEmbedder, cfg.Type)
	}
}

// Normalize scales v to unit length in place. Zero vectors are left as is.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}

	if sum == 0 {
		return v
	}

	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}

	return v
}
