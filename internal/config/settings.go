package config

import "slices"

// BindingCategory groups logits bindings by how they act on the distribution.
type BindingCategory string

const (
	// CategoryWarper bindings reshape the distribution (temperature, top-k, top-p, min-p).
	CategoryWarper BindingCategory = "warper"
	// CategoryPenalty bindings penalize already generated tokens.
	CategoryPenalty BindingCategory = "penalty"
)

// Binding kinds.
const (
	KindTemperature       = "temperature"
	KindTopK              = "top_k"
	KindTopP              = "top_p"
	KindMinP              = "min_p"
	KindRepetitionPenalty = "repetition_penalty"
	KindFrequencyPenalty  = "frequency_penalty"
	KindPresencePenalty   = "presence_penalty"
)

// LogitsBinding is one active decoding-time adjustment.
type LogitsBinding struct {
	Category BindingCategory
	Kind     string
	Value    float64
}

// Criterion kinds.
const (
	CriterionMaxNewTokens  = "max_new_tokens"
	CriterionStopSequences = "stop_sequences"
	CriterionStopTokenIDs  = "stop_token_ids"
)

// StoppingCriterion is one condition under which generation halts. Only the field matching
// Kind is set.
type StoppingCriterion struct {
	Kind         string
	MaxNewTokens int
	Sequences    []string
	TokenIDs     []int
}

// Settings are the finalized generation settings. Bindings and Criteria are derived from the
// knobs and contain only entries that change decoding behavior.
type Settings struct {
	Temperature       *float64
	TopP              *float64
	TopK              *int
	MinP              *float64
	RepetitionPenalty *float64
	FrequencyPenalty  *float64
	PresencePenalty   *float64
	DoSample          *bool
	Seed              *int
	MaxNewTokens      *int
	StopSequences     []string
	StopTokenIDs      []int

	Bindings []LogitsBinding
	Criteria []StoppingCriterion
}

// resolveSettings merges the generation asset with overrides and derives bindings and criteria.
func resolveSettings(gen *GenerationConfig, ov Overrides) Settings {
	if gen == nil {
		gen = &GenerationConfig{}
	}
	var stop *[]string
	if gen.StopSequences != nil {
		s := slices.Clone(gen.StopSequences)
		stop = &s
	}
	var eos *IDList
	if gen.EosTokenID != nil {
		ids := slices.Clone(gen.EosTokenID)
		eos = &ids
	}

	s := Settings{
		Temperature:       apply(ov.Temperature, gen.Temperature),
		TopP:              apply(ov.TopP, gen.TopP),
		TopK:              apply(ov.TopK, gen.TopK),
		MinP:              apply(ov.MinP, gen.MinP),
		RepetitionPenalty: apply(ov.RepetitionPenalty, gen.RepetitionPenalty),
		FrequencyPenalty:  apply(ov.FrequencyPenalty, gen.FrequencyPenalty),
		PresencePenalty:   apply(ov.PresencePenalty, gen.PresencePenalty),
		DoSample:          apply(ov.DoSample, gen.DoSample),
		Seed:              apply(ov.Seed, gen.Seed),
		MaxNewTokens:      apply(ov.MaxNewTokens, gen.MaxNewTokens),
	}
	if p := apply(ov.StopSequences, stop); p != nil {
		s.StopSequences = slices.Clone(*p)
	}
	if p := apply(ov.EosTokenID, eos); p != nil {
		s.StopTokenIDs = slices.Clone([]int(*p))
	}

	s.Bindings = deriveBindings(&s)
	s.Criteria = deriveCriteria(&s)
	return s
}

// deriveBindings emits a binding per setting whose value is not neutral.
func deriveBindings(s *Settings) []LogitsBinding {
	var out []LogitsBinding
	add := func(cat BindingCategory, kind string, v float64) {
		out = append(out, LogitsBinding{Category: cat, Kind: kind, Value: v})
	}
	if v := s.Temperature; v != nil && *v != 1.0 {
		add(CategoryWarper, KindTemperature, *v)
	}
	if v := s.TopK; v != nil && *v > 0 {
		add(CategoryWarper, KindTopK, float64(*v))
	}
	if v := s.TopP; v != nil && *v < 1.0 {
		add(CategoryWarper, KindTopP, *v)
	}
	if v := s.MinP; v != nil && *v > 0 {
		add(CategoryWarper, KindMinP, *v)
	}
	if v := s.RepetitionPenalty; v != nil && *v != 1.0 {
		add(CategoryPenalty, KindRepetitionPenalty, *v)
	}
	if v := s.FrequencyPenalty; v != nil && *v != 0 {
		add(CategoryPenalty, KindFrequencyPenalty, *v)
	}
	if v := s.PresencePenalty; v != nil && *v != 0 {
		add(CategoryPenalty, KindPresencePenalty, *v)
	}
	return out
}

func deriveCriteria(s *Settings) []StoppingCriterion {
	var out []StoppingCriterion
	if s.MaxNewTokens != nil {
		out = append(out, StoppingCriterion{Kind: CriterionMaxNewTokens, MaxNewTokens: *s.MaxNewTokens})
	}
	if len(s.StopSequences) > 0 {
		out = append(out, StoppingCriterion{Kind: CriterionStopSequences, Sequences: slices.Clone(s.StopSequences)})
	}
	if len(s.StopTokenIDs) > 0 {
		out = append(out, StoppingCriterion{Kind: CriterionStopTokenIDs, TokenIDs: slices.Clone(s.StopTokenIDs)})
	}
	return out
}

// Binding returns the binding of the given kind.
func (s Settings) Binding(kind string) (LogitsBinding, bool) {
	for _, b := range s.Bindings {
		if b.Kind == kind {
			return b, true
		}
	}
	return LogitsBinding{}, false
}

// Criterion returns the criterion of the given kind.
func (s Settings) Criterion(kind string) (StoppingCriterion, bool) {
	for _, c := range s.Criteria {
		if c.Kind == kind {
			return c, true
		}
	}
	return StoppingCriterion{}, false
}
