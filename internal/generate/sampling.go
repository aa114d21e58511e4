// Package generate consumes resolved generation settings.
//
// A Sampler picks the next token from logits, applying only the logits bindings that survived
// configuration resolution. A Stopper evaluates the resolved stopping criteria, and a Generator
// drives both over a caller-supplied model.
package generate

import (
	"math"
	"math/rand"
	"sort"

	"github.com/born-ml/tokbridge/internal/config"
)

// SamplingConfig is the sampler's working form of a binding list. Fields that no binding set
// keep their neutral value.
type SamplingConfig struct {
	// Temperature controls randomness. 0 = greedy, 1 = unchanged.
	Temperature float32

	// TopK limits sampling to the K most likely tokens. 0 = disabled.
	TopK int

	// TopP keeps the smallest set of tokens whose cumulative probability exceeds P. 1.0 = disabled.
	TopP float32

	// MinP drops tokens with prob < max_prob * MinP. 0 = disabled.
	MinP float32

	RepeatPenalty    float32 // 1.0 = no penalty.
	FrequencyPenalty float32 // 0 = disabled.
	PresencePenalty  float32 // 0 = disabled.
	RepeatWindow     int     // Number of trailing tokens considered. 0 = all.

	// Greedy forces argmax regardless of temperature (do_sample = false).
	Greedy bool

	// Seed for reproducibility. -1 = random.
	Seed int64
}

// NeutralSamplingConfig returns a configuration that leaves logits unchanged.
func NeutralSamplingConfig() SamplingConfig {
	return SamplingConfig{
		Temperature:   1.0,
		TopP:          1.0,
		RepeatPenalty: 1.0,
		Seed:          -1,
	}
}

// ConfigFromBindings folds bindings into a SamplingConfig. Unknown kinds are ignored.
func ConfigFromBindings(bindings []config.LogitsBinding, seed int64) SamplingConfig {
	cfg := NeutralSamplingConfig()
	cfg.Seed = seed
	for _, b := range bindings {
		switch b.Kind {
		case config.KindTemperature:
			cfg.Temperature = float32(b.Value)
		case config.KindTopK:
			cfg.TopK = int(b.Value)
		case config.KindTopP:
			cfg.TopP = float32(b.Value)
		case config.KindMinP:
			cfg.MinP = float32(b.Value)
		case config.KindRepetitionPenalty:
			cfg.RepeatPenalty = float32(b.Value)
		case config.KindFrequencyPenalty:
			cfg.FrequencyPenalty = float32(b.Value)
		case config.KindPresencePenalty:
			cfg.PresencePenalty = float32(b.Value)
		}
	}
	return cfg
}

// ConfigFromSettings builds the sampler configuration of finalized settings. do_sample = false
// selects greedy decoding; an absent seed means random.
func ConfigFromSettings(s config.Settings) SamplingConfig {
	seed := int64(-1)
	if s.Seed != nil {
		seed = int64(*s.Seed)
	}
	cfg := ConfigFromBindings(s.Bindings, seed)
	if s.DoSample != nil && !*s.DoSample {
		cfg.Greedy = true
	}
	return cfg
}

// Sampler samples tokens from logits.
type Sampler struct {
	config SamplingConfig
	rng    *rand.Rand
}

// NewSampler creates a sampler that applies exactly the given bindings.
func NewSampler(bindings []config.LogitsBinding, seed int64) *Sampler {
	return NewSamplerWithConfig(ConfigFromBindings(bindings, seed))
}

// NewSamplerWithConfig creates a sampler from an explicit configuration.
func NewSamplerWithConfig(cfg SamplingConfig) *Sampler {
	var rng *rand.Rand
	if cfg.Seed >= 0 {
		rng = rand.New(rand.NewSource(cfg.Seed)) //nolint:gosec // Intentional deterministic seed for reproducibility
	} else {
		rng = rand.New(rand.NewSource(rand.Int63())) //nolint:gosec // User requested random seed
	}
	return &Sampler{config: cfg, rng: rng}
}

// Config returns the sampler's configuration.
func (s *Sampler) Config() SamplingConfig { return s.config }

// Sample returns the next token id from logits. previous holds the ids generated so far and is
// used by the penalties. logits is not modified.
//
// Order: repetition penalty, frequency/presence penalties, temperature, then top-k, top-p and
// min-p filtering before drawing from the distribution.
func (s *Sampler) Sample(logits []float32, previous []int) int {
	if len(logits) == 0 {
		return -1
	}
	logits = append([]float32{}, logits...)
	recent := s.window(previous)

	if s.config.RepeatPenalty != 1.0 && s.config.RepeatPenalty > 0 && len(recent) > 0 {
		s.applyRepetitionPenalty(logits, recent)
	}
	if s.config.FrequencyPenalty != 0 || s.config.PresencePenalty != 0 {
		s.applyFrequencyPenalty(logits, recent)
	}

	if s.config.Greedy || s.config.Temperature <= 0 {
		return argmax(logits)
	}
	if s.config.Temperature != 1.0 {
		for i := range logits {
			logits[i] /= s.config.Temperature
		}
	}

	if s.config.TopK > 0 && s.config.TopK < len(logits) {
		s.topKFilter(logits)
	}
	if s.config.TopP > 0 && s.config.TopP < 1.0 {
		s.topPFilter(logits)
	}
	if s.config.MinP > 0 {
		s.minPFilter(logits)
	}

	return s.multinomial(softmax(logits))
}

func (s *Sampler) window(prev []int) []int {
	if w := s.config.RepeatWindow; w > 0 && len(prev) > w {
		return prev[len(prev)-w:]
	}
	return prev
}

func argmax(logits []float32) int {
	maxIdx := 0
	maxVal := logits[0]
	for i, v := range logits[1:] {
		if v > maxVal {
			maxVal = v
			maxIdx = i + 1
		}
	}
	return maxIdx
}

// applyRepetitionPenalty divides positive logits and multiplies negative logits of every
// token present in recent.
func (s *Sampler) applyRepetitionPenalty(logits []float32, recent []int) {
	penalty := s.config.RepeatPenalty
	seen := make(map[int]struct{}, len(recent))
	for _, tok := range recent {
		seen[tok] = struct{}{}
	}
	for tok := range seen {
		if tok < 0 || tok >= len(logits) {
			continue
		}
		if logits[tok] > 0 {
			logits[tok] /= penalty
		} else {
			logits[tok] *= penalty
		}
	}
}

func (s *Sampler) applyFrequencyPenalty(logits []float32, recent []int) {
	freq := make(map[int]int, len(recent))
	for _, tok := range recent {
		freq[tok]++
	}
	for tok, count := range freq {
		if tok < 0 || tok >= len(logits) {
			continue
		}
		logits[tok] -= s.config.FrequencyPenalty*float32(count) + s.config.PresencePenalty
	}
}

// topKFilter sets everything below the k-th largest logit to -inf.
func (s *Sampler) topKFilter(logits []float32) {
	sorted := append([]float32{}, logits...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })
	threshold := sorted[s.config.TopK-1]
	for i := range logits {
		if logits[i] < threshold {
			logits[i] = float32(math.Inf(-1))
		}
	}
}

// topPFilter implements nucleus sampling. At least one token is always kept.
func (s *Sampler) topPFilter(logits []float32) {
	probs := softmax(logits)
	order := make([]int, len(probs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return probs[order[i]] > probs[order[j]] })

	keep := make([]bool, len(logits))
	cum := float32(0)
	for _, idx := range order {
		keep[idx] = true
		cum += probs[idx]
		if cum >= s.config.TopP {
			break
		}
	}
	for i := range logits {
		if !keep[i] {
			logits[i] = float32(math.Inf(-1))
		}
	}
}

// minPFilter keeps tokens with prob >= max_prob * MinP.
func (s *Sampler) minPFilter(logits []float32) {
	probs := softmax(logits)
	maxProb := float32(0)
	for _, p := range probs {
		if p > maxProb {
			maxProb = p
		}
	}
	threshold := maxProb * s.config.MinP
	for i := range logits {
		if probs[i] < threshold {
			logits[i] = float32(math.Inf(-1))
		}
	}
}

// multinomial draws from a categorical distribution.
func (s *Sampler) multinomial(probs []float32) int {
	r := s.rng.Float32()
	cum := float32(0)
	last := 0
	for i, p := range probs {
		if p == 0 {
			continue
		}
		last = i
		cum += p
		if r < cum {
			return i
		}
	}
	// rounding
	return last
}

// softmax converts logits to probabilities; -inf entries get probability 0.
func softmax(logits []float32) []float32 {
	maxVal := float32(math.Inf(-1))
	for _, v := range logits {
		if v > maxVal {
			maxVal = v
		}
	}

	probs := make([]float32, len(logits))
	if math.IsInf(float64(maxVal), -1) {
		return probs
	}
	sum := float32(0)
	for i, v := range logits {
		if math.IsInf(float64(v), -1) {
			continue
		}
		probs[i] = float32(math.Exp(float64(v - maxVal)))
		sum += probs[i]
	}
	if sum > 0 {
		for i := range probs {
			probs[i] /= sum
		}
	}
	return probs
}
