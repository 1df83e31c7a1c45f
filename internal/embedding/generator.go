package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/scrypster/riahunter/internal/config"
	"github.com/scrypster/riahunter/pkg/types"
)

// GeneratorOptions tunes a Generator.
type GeneratorOptions struct {
	// Dimension is the stored vector width. Required.
	Dimension int

	// Timeout bounds a single provider call. A call that times out is transient.
	Timeout time.Duration

	MaxAttempts    int
	RetryBaseDelay time.Duration

	// RateLimit is provider calls per second; 0 disables limiting.
	RateLimit float64
	RateBurst int

	Breaker CircuitBreakerConfig
	Logger  zerolog.Logger
}

// OptionsFromConfig maps the embedding section of the config file.
func OptionsFromConfig(cfg config.EmbeddingConfig, logger zerolog.Logger) GeneratorOptions {
	return GeneratorOptions{
		Dimension:      cfg.Dimension,
		Timeout:        cfg.Timeout,
		MaxAttempts:    cfg.MaxAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RateLimit:      cfg.RateLimit,
		RateBurst:      cfg.RateBurst,
		Breaker: CircuitBreakerConfig{
			MaxFailures: uint32(cfg.BreakerMaxFailures),
			Timeout:     cfg.BreakerTimeout,
		},
		Logger: logger,
	}
}

// Result is the outcome for one text of a batch.
type Result struct {
	Vector types.EmbeddingVector
	Err    error
}

// Generator embeds text at a fixed width. It owns the resilience policy around
// the provider: rate limit, circuit breaker, per-call timeout and retries with
// exponential backoff for transient failures.
type Generator struct {
	provider Provider
	opts     GeneratorOptions
	breaker  *CircuitBreaker
	limiter  *rate.Limiter
	logger   zerolog.Logger

	truncateOnce sync.Once
}

// NewGenerator wraps provider with the resilience policy in opts.
func NewGenerator(provider Provider, opts GeneratorOptions) (*Generator, error) {
	if provider == nil {
		return nil, errors.New("embedding: provider is required")
	}
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("embedding: dimension must be positive, got %d", opts.Dimension)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 500 * time.Millisecond
	}

	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	burst := opts.RateBurst
	if burst <= 0 {
		burst = 1
	}

	logger := opts.Logger.With().Str("provider", provider.Name()).Str("model", provider.Model()).Logger()
	return &Generator{
		provider: provider,
		opts:     opts,
		breaker:  NewCircuitBreaker(opts.Breaker, logger),
		limiter:  rate.NewLimiter(limit, burst),
		logger:   logger,
	}, nil
}

// Dimension returns the width of every vector the generator returns.
func (g *Generator) Dimension() int { return g.opts.Dimension }

// Model names the provider model, recorded next to stored embeddings.
func (g *Generator) Model() string { return g.provider.Name() + "/" + g.provider.Model() }

// BreakerState reports the provider circuit state.
func (g *Generator) BreakerState() string { return g.breaker.State() }

// Embed returns the embedding of text at the configured width.
func (g *Generator) Embed(ctx context.Context, text string) (types.EmbeddingVector, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &EmptyInputError{}
	}
	raw, err := g.call(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return g.fit(raw[0])
}

// EmbedBatch embeds texts with one provider call. If that call fails the
// texts are retried one by one, so a single bad input cannot sink the batch.
// While the circuit is open no single calls are made and every pending text
// fails with ErrCircuitOpen. The returned error is only set when ctx is done.
func (g *Generator) EmbedBatch(ctx context.Context, texts []string) ([]Result, error) {
	results := make([]Result, len(texts))

	idx := make([]int, 0, len(texts))
	batch := make([]string, 0, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			results[i].Err = &EmptyInputError{}
			continue
		}
		idx = append(idx, i)
		batch = append(batch, t)
	}
	if len(batch) == 0 {
		return results, nil
	}

	raw, err := g.call(ctx, batch)
	if err == nil {
		for j, i := range idx {
			results[i].Vector, results[i].Err = g.fit(raw[j])
		}
		return results, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if len(batch) == 1 || errors.Is(err, ErrCircuitOpen) {
		failAll(results, idx, err)
		return results, nil
	}

	g.logger.Debug().Err(err).Int("size", len(batch)).Msg("batch embedding failed, falling back to single calls")
	for j, i := range idx {
		results[i].Vector, results[i].Err = g.Embed(ctx, texts[i])
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(results[i].Err, ErrCircuitOpen) {
			failAll(results, idx[j+1:], results[i].Err)
			break
		}
	}
	return results, nil
}

func failAll(results []Result, idx []int, err error) {
	for _, i := range idx {
		results[i].Err = err
	}
}

// call performs one logical provider call with retries.
func (g *Generator) call(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	err := retryWithBackoff(ctx, func() error {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		res, err := g.breaker.Execute(ctx, func() ([][]float32, error) {
			return g.attempt(ctx, texts)
		})
		if err != nil {
			return err
		}
		out = res
		return nil
	}, g.opts.MaxAttempts, g.opts.RetryBaseDelay, IsTransient)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// attempt is one provider round trip under the per-call timeout.
func (g *Generator) attempt(ctx context.Context, texts []string) ([][]float32, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()

	out, err := g.provider.Embed(callCtx, texts)
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, &ProviderError{Provider: g.provider.Name(), Transient: true,
				Err: fmt.Errorf("call timed out after %s: %w", g.opts.Timeout, err)}
		}
		return nil, err
	}
	if len(out) != len(texts) {
		return nil, &ProviderError{Provider: g.provider.Name(),
			Err: fmt.Errorf("returned %d embeddings for %d inputs", len(out), len(texts))}
	}
	return out, nil
}

// fit applies the width policy: exact width passes through, wider vectors are
// truncated to the leading components and re-normalized, narrower fail. A
// vector without direction is the provider's failure for that input.
func (g *Generator) fit(raw []float32) (types.EmbeddingVector, error) {
	want := g.opts.Dimension
	var vec types.EmbeddingVector
	switch {
	case len(raw) == want:
		vec = types.EmbeddingVector(raw).Clone()
	case len(raw) > want:
		g.truncateOnce.Do(func() {
			g.logger.Warn().
				Int("native_dimension", len(raw)).
				Int("dimension", want).
				Msg("provider vectors are wider than the index; truncating, which loses information")
		})
		vec = types.EmbeddingVector(raw[:want]).Normalized()
	default:
		return nil, &DimensionMismatchError{Got: len(raw), Want: want}
	}
	if !vec.HasDirection() {
		return nil, &ProviderError{Provider: g.provider.Name(), Err: errors.New("returned a zero or non-finite vector")}
	}
	return vec, nil
}
