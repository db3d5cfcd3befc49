package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

const (
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	DefaultOpenAIModel   = "text-embedding-3-small"
	DefaultOpenAIKeyEnv  = "OPENAI_API_KEY"
)

var ErrEmbeddingAPI = errors.New("embedding api error")

// OpenAI talks to any server exposing an OpenAI compatible /embeddings
// endpoint. Ollama's legacy single embedding response is accepted as well.
type OpenAI struct {
	baseURL    string
	apiKey     string
	model      string
	maxRetries int
	client     *http.Client
	limiter    *rate.Limiter

	dimension atomic.Int64
}

func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}

	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
	}

	keyEnv := cfg.APIKeyEnv
	if keyEnv == "" {
		keyEnv = DefaultOpenAIKeyEnv
	}

	apiKey := os.Getenv(keyEnv)
	if apiKey == "" && baseURL == DefaultOpenAIBaseURL {
		return nil, fmt.Errorf("%w: %s is not set", ErrEmbeddingAPI, keyEnv)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &OpenAI{
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
		maxRetries: maxRetries,
		client:     &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
	}, nil
}

func (e *OpenAI) Dimension() int {
	return int(e.dimension.Load())
}

type embeddingRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`

	// Ollama
	Embedding []float32 `json:"embedding"`

	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// retryAfterError carries the server requested delay for a retryable response.
type retryAfterError struct {
	status int
	after  time.Duration
	err    error
}

func (e *retryAfterError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s", ErrEmbeddingAPI.Error(), e.err.Error())
	}

	return fmt.Sprintf("%s: status %d", ErrEmbeddingAPI.Error(), e.status)
}

func (e *retryAfterError) Unwrap() error {
	return ErrEmbeddingAPI
}

func (e *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embeddingRequest{
		Input: text,
		Model: e.model,
	})
	if err != nil {
		return nil, err
	}

	var vec []float32
	operation := func() error {
		if err := e.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		v, err := e.do(ctx, body)
		if err != nil {
			var retry *retryAfterError
			if errors.As(err, &retry) {
				if retry.after > 0 {
					select {
					case <-ctx.Done():
						return backoff.Permanent(ctx.Err())
					case <-time.After(retry.after):
					}
				}

				return err
			}

			return backoff.Permanent(err)
		}

		vec = v
		return nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(e.maxRetries)),
		ctx,
	)

	if err := backoff.Retry(operation, b); err != nil {
		return nil, err
	}

	e.dimension.CompareAndSwap(0, int64(len(vec)))

	return Normalize(vec), nil
}

func (e *OpenAI) do(ctx context.Context, body []byte) ([]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &retryAfterError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		io.Copy(io.Discard, resp.Body)

		retry := &retryAfterError{status: resp.StatusCode}
		if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			retry.after = time.Duration(seconds) * time.Second
		}

		return nil, retry
	}

	var result embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingAPI, err)
	}

	if result.Error != nil {
		return nil, fmt.Errorf("%w: %s", ErrEmbeddingAPI, result.Error.Message)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrEmbeddingAPI, resp.StatusCode)
	}

	vec := result.Embedding
	if len(result.Data) > 0 {
		vec = result.Data[0].Embedding
	}

	if len(vec) == 0 {
		return nil, ErrEmptyEmbedding
	}

	return vec, nil
}
