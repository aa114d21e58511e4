// Package generate provides the generation-side consumers of resolved tokenizer settings.
//
// This package wraps the internal generate implementation and provides
// a clean public API for sampling and stopping.
//
// Components:
//   - Sampler: applies the resolved logits bindings (temperature, top-k, top-p, min-p, penalties)
//   - Stopper: evaluates the resolved stopping criteria
//   - Generator: runs the sample/stop loop over a Model and a Codec
//
// Example usage:
//
//	import (
//	    "github.com/born-ml/tokbridge/generate"
//	    "github.com/born-ml/tokbridge/tokenizer"
//	)
//
//	b, err := tokenizer.Load("./models/llama")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer b.Close()
//
//	// Sample from logits with the model's settings
//	sampler := generate.NewSamplerFromSettings(b.Settings())
//	token := sampler.Sample(logits, previousTokens)
//
//	// Or run the whole loop
//	text, reason, err := b.NewGenerator(model).Generate(ctx, prompt)
package generate

import (
	"github.com/born-ml/tokbridge/internal/config"
	"github.com/born-ml/tokbridge/internal/generate"
)

// Sampling

// SamplingConfig is the sampler's view of the logits bindings.
//
// Parameters:
//   - Temperature: Controls randomness (0 = greedy, 1 = neutral)
//   - TopK: Limits sampling to top K tokens (0 = disabled)
//   - TopP: Nucleus sampling (1.0 = disabled)
//   - MinP: Filters tokens with prob < max_prob * MinP (0 = disabled)
//   - RepeatPenalty, FrequencyPenalty, PresencePenalty: penalties on the recent window
//   - Greedy: pick the argmax regardless of the other knobs
//   - Seed: Random seed for reproducibility (-1 = random)
type SamplingConfig = generate.SamplingConfig

// NeutralSamplingConfig returns a configuration that leaves logits unchanged.
func NeutralSamplingConfig() SamplingConfig {
	return generate.NeutralSamplingConfig()
}

// Sampler samples tokens from logits.
type Sampler = generate.Sampler

// NewSampler creates a sampler from resolved logits bindings.
func NewSampler(bindings []config.LogitsBinding, seed int64) *Sampler {
	return generate.NewSampler(bindings, seed)
}

// NewSamplerFromSettings creates a sampler from finalized settings, honoring do_sample and seed.
func NewSamplerFromSettings(s config.Settings) *Sampler {
	return generate.NewSamplerWithConfig(generate.ConfigFromSettings(s))
}

// NewSamplerWithConfig creates a sampler from an explicit configuration.
func NewSamplerWithConfig(cfg SamplingConfig) *Sampler {
	return generate.NewSamplerWithConfig(cfg)
}

// Stopping

// StopReason says why generation ended.
type StopReason = generate.StopReason

// Stop reasons.
const (
	StopNone         = generate.StopNone
	StopMaxNewTokens = generate.StopMaxNewTokens
	StopSequence     = generate.StopSequence
	StopToken        = generate.StopToken
	StopCancelled    = generate.StopCancelled
)

// Stopper evaluates stopping criteria.
type Stopper = generate.Stopper

// NewStopper creates a stopper from resolved stopping criteria.
func NewStopper(criteria []config.StoppingCriterion) *Stopper {
	return generate.NewStopper(criteria)
}

// Generation

// Model produces next-token logits.
type Model = generate.Model

// Codec converts between text and token ids.
type Codec = generate.Codec

// Result is a single result from streaming generation.
type Result = generate.Result

// Generator runs the sample/stop loop.
type Generator = generate.Generator

// Option configures a Generator.
type Option = generate.Option

// WithMaxTokens caps generation when the settings carry no max_new_tokens criterion.
//
// Example:
//
//	gen := generate.NewGenerator(model, codec, settings, generate.WithMaxTokens(512))
func WithMaxTokens(n int) Option {
	return generate.WithMaxTokens(n)
}

// NewGenerator creates a generator.
func NewGenerator(model Model, codec Codec, settings config.Settings, opts ...Option) *Generator {
	return generate.NewGenerator(model, codec, settings, opts...)
}
