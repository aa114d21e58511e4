package generate

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-logr/logr"

	"github.com/born-ml/tokbridge/internal/config"
)

// Model produces next-token logits for a token sequence.
type Model interface {
	Logits(ctx context.Context, ids []int) ([]float32, error)
}

// Codec converts between text and token ids.
type Codec interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
}

// Result is one streamed generation step.
type Result struct {
	Text    string // decoded text of TokenID
	TokenID int
	Done    bool
	Reason  StopReason
	Err     error
}

// Generator runs the sample/stop loop with finalized settings.
type Generator struct {
	model    Model
	codec    Codec
	settings config.Settings

	maxTokens int
	logger    logr.Logger
}

// Option configures a Generator.
type Option func(*Generator)

// WithMaxTokens caps generation when the settings carry no max_new_tokens criterion.
func WithMaxTokens(n int) Option {
	return func(g *Generator) {
		g.maxTokens = n
	}
}

// WithLogger sets the generator's logger.
func WithLogger(logger logr.Logger) Option {
	return func(g *Generator) {
		g.logger = logger
	}
}

// NewGenerator creates a generator.
func NewGenerator(model Model, codec Codec, settings config.Settings, opts ...Option) *Generator {
	g := &Generator{
		model:     model,
		codec:     codec,
		settings:  settings,
		maxTokens: 256,
		logger:    logr.Discard(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate encodes prompt, generates until a criterion fires and returns the generated text.
func (g *Generator) Generate(ctx context.Context, prompt string) (string, StopReason, error) {
	ids, err := g.codec.Encode(prompt)
	if err != nil {
		return "", StopNone, fmt.Errorf("encode prompt: %w", err)
	}
	var out strings.Builder
	reason, err := g.run(ctx, ids, func(res Result) bool {
		out.WriteString(res.Text)
		return true
	})
	return out.String(), reason, err
}

// Stream generates in a goroutine and sends every step on the returned channel, which is
// closed when generation ends. A failing step is sent with Err set.
func (g *Generator) Stream(ctx context.Context, prompt string) (<-chan Result, error) {
	ids, err := g.codec.Encode(prompt)
	if err != nil {
		return nil, fmt.Errorf("encode prompt: %w", err)
	}
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		reason, err := g.run(ctx, ids, func(res Result) bool {
			select {
			case ch <- res:
				return true
			case <-ctx.Done():
				return false
			}
		})
		if err != nil {
			select {
			case ch <- Result{Done: true, Reason: reason, Err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

// run is the core loop. emit returning false stops generation.
func (g *Generator) run(ctx context.Context, prompt []int, emit func(Result) bool) (StopReason, error) {
	if len(prompt) == 0 {
		return StopNone, fmt.Errorf("empty prompt")
	}
	sampler := NewSamplerWithConfig(ConfigFromSettings(g.settings))
	stopper := NewStopper(g.settings.Criteria)
	limit := g.maxTokens
	if n, ok := stopper.MaxNewTokens(); ok {
		limit = n
	}
	if stopper.Exhausted() || limit <= 0 {
		return StopMaxNewTokens, nil
	}

	seq := append([]int{}, prompt...)
	var generated []int
	for {
		if err := ctx.Err(); err != nil {
			return StopCancelled, err
		}
		logits, err := g.model.Logits(ctx, seq)
		if err != nil {
			return StopNone, fmt.Errorf("model logits: %w", err)
		}
		next := sampler.Sample(logits, generated)
		if next < 0 {
			return StopNone, fmt.Errorf("model returned empty logits")
		}
		piece, err := g.codec.Decode([]int{next})
		if err != nil {
			return StopNone, fmt.Errorf("decode token %d: %w", next, err)
		}
		seq = append(seq, next)
		generated = append(generated, next)

		done, reason := stopper.Step(next, piece)
		if !done && len(generated) >= limit {
			done, reason = true, StopMaxNewTokens
		}
		if !emit(Result{Text: piece, TokenID: next, Done: done, Reason: reason}) {
			return StopCancelled, ctx.Err()
		}
		if done {
			g.logger.V(2).Info("generation stopped", "reason", string(reason), "tokens", len(generated))
			return reason, nil
		}
	}
}
