package persistence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/flarexio/docrag/backend"
	"github.com/flarexio/docrag/embedding"
	"github.com/flarexio/docrag/persistence/chromem"
	"github.com/flarexio/docrag/persistence/keyword"
	"github.com/flarexio/docrag/persistence/localindex"
)

type Config struct {
	Path string `yaml:"path"`

	// Backend forces a single backend instead of probing all of them.
	Backend  backend.Kind   `yaml:"backend"`
	VectorDB chromem.Config `yaml:"vectordb"`
}

// Candidate is one backend the Selector may bind.
type Candidate struct {
	Kind backend.Kind
	Open func(ctx context.Context) (backend.Backend, error)
}

// Candidates returns the backends in priority order, or only the forced one.
func Candidates(cfg Config, embedder embedding.Embedder, log *zap.Logger) []Candidate {
	root := cfg.Path

	all := []Candidate{
		{
			Kind: backend.KindChromem,
			Open: func(ctx context.Context) (backend.Backend, error) {
				return chromem.NewChromemBackend(ctx, root, cfg.VectorDB, embedder, log)
			},
		},
		{
			Kind: backend.KindLocalIndex,
			Open: func(ctx context.Context) (backend.Backend, error) {
				if embedder == nil {
					return nil, fmt.Errorf("%w: no embedder configured", backend.ErrBackendUnavailable)
				}

				return localindex.Open(root, log)
			},
		},
		{
			Kind: backend.KindKeyword,
			Open: func(ctx context.Context) (backend.Backend, error) {
				return keyword.Open(root, log)
			},
		},
	}

	if cfg.Backend == "" {
		return all
	}

	for _, c := range all {
		if c.Kind == cfg.Backend {
			return []Candidate{c}
		}
	}

	return []Candidate{
		{
			Kind: cfg.Backend,
			Open: func(ctx context.Context) (backend.Backend, error) {
				return nil, fmt.Errorf("%w: unknown backend %q", backend.ErrBackendUnavailable, cfg.Backend)
			},
		},
	}
}

// Selector binds the first backend that opens and keeps it for its lifetime.
type Selector struct {
	candidates []Candidate
	log        *zap.Logger

	once  sync.Once
	mu    sync.RWMutex
	bound backend.Backend
	err   error
}

func NewSelector(cfg Config, embedder embedding.Embedder, log *zap.Logger) *Selector {
	if log == nil {
		log = zap.L()
	}

	if cfg.Path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Path = filepath.Join(home, ".flarex", "docrag", "data")
		}
	}

	return NewSelectorWithCandidates(log, Candidates(cfg, embedder, log)...)
}

func NewSelectorWithCandidates(log *zap.Logger, candidates ...Candidate) *Selector {
	if log == nil {
		log = zap.L()
	}

	return &Selector{
		candidates: candidates,
		log: log.With(
			zap.String("component", "selector"),
		),
	}
}

// Bind tries the candidates in order on the first call. Later calls return
// the same backend, or the same error when none could be opened.
func (s *Selector) Bind(ctx context.Context) (backend.Backend, error) {
	s.once.Do(func() {
		b, err := s.bind(ctx)

		s.mu.Lock()
		s.bound, s.err = b, err
		s.mu.Unlock()
	})

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.bound, s.err
}

func (s *Selector) bind(ctx context.Context) (backend.Backend, error) {
	causes := []error{backend.ErrNoBackendAvailable}

	for _, c := range s.candidates {
		log := s.log.With(
			zap.String("backend", string(c.Kind)),
		)

		b, err := try(ctx, c)
		if err != nil {
			log.Warn("backend unavailable", zap.Error(err))
			causes = append(causes, fmt.Errorf("%s: %w", c.Kind, err))
			continue
		}

		log.Info("backend bound")
		return b, nil
	}

	err := errors.Join(causes...)
	s.log.Error(err.Error())

	return nil, err
}

func try(ctx context.Context, c Candidate) (b backend.Backend, err error) {
	defer func() {
		if r := recover(); r != nil {
			b = nil
			err = fmt.Errorf("%w: panic: %v", backend.ErrBackendUnavailable, r)
		}
	}()

	b, err = c.Open(ctx)
	if err != nil {
		if !errors.Is(err, backend.ErrBackendUnavailable) {
			err = fmt.Errorf("%w: %w", backend.ErrBackendUnavailable, err)
		}

		return nil, err
	}

	if b == nil {
		return nil, fmt.Errorf("%w: no backend returned", backend.ErrBackendUnavailable)
	}

	return b, nil
}

// Backend returns the bound backend, nil before a successful Bind.
func (s *Selector) Backend() backend.Backend {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.bound
}

func (s *Selector) Close() error {
	b := s.Backend()
	if b == nil {
		return nil
	}

	return b.Close()
}
