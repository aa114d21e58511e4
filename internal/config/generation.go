package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// IDList is a token id list that also accepts a bare id, as eos_token_id does.
type IDList []int

// UnmarshalJSON accepts an integer, a list of integers or null.
func (l *IDList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if string(data) == "null" {
		*l = nil
		return nil
	}
	if len(data) > 0 && data[0] != '[' {
		id, err := strconv.Atoi(string(data))
		if err != nil {
			return errors.Errorf("token id %s is not an integer", data)
		}
		*l = IDList{id}
		return nil
	}
	var ids []int
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*l = ids
	return nil
}

// GenerationConfig holds the knobs of generation_config.json this system resolves. Absent keys
// stay nil.
type GenerationConfig struct {
	Temperature       *float64 `json:"temperature"`
	TopP              *float64 `json:"top_p"`
	TopK              *int     `json:"top_k"`
	MinP              *float64 `json:"min_p"`
	RepetitionPenalty *float64 `json:"repetition_penalty"`
	FrequencyPenalty  *float64 `json:"frequency_penalty"`
	PresencePenalty   *float64 `json:"presence_penalty"`
	DoSample          *bool    `json:"do_sample"`
	Seed              *int     `json:"seed"`

	MaxNewTokens  *int     `json:"max_new_tokens"`
	StopSequences []string `json:"stop_strings"`

	BosTokenID *int   `json:"bos_token_id"`
	EosTokenID IDList `json:"eos_token_id"`
	PadTokenID *int   `json:"pad_token_id"`

	ConfigFile string `json:"-"`
}

// ParseGenerationConfigFile parses a generation_config.json file.
func ParseGenerationConfigFile(filePath string) (*GenerationConfig, error) {
	content, err := os.ReadFile(filePath) //nolint:gosec // asset path is chosen by the caller.
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read file %q", filePath)
	}
	gen, err := ParseGenerationConfigContent(content)
	if err != nil {
		return nil, errors.WithMessagef(err, "read from file %q", filePath)
	}
	gen.ConfigFile = filePath
	return gen, nil
}

// ParseGenerationConfigContent parses generation_config.json content.
func ParseGenerationConfigContent(jsonContent []byte) (*GenerationConfig, error) {
	gen := &GenerationConfig{}
	if err := json.Unmarshal(jsonContent, gen); err != nil {
		return nil, errors.WithMessage(jsonError("generation_config.json", err), "failed to parse generation_config json content")
	}
	return gen, nil
}

type overrideState uint8

const (
	overrideUnset overrideState = iota
	overrideSet
	overrideCleared
)

// Override is a caller-supplied generation setting. It is either unset (the asset value is
// used), set to a value, or cleared (the setting resolves to absent regardless of the asset).
// In JSON an absent key is unset and null clears.
type Override[T any] struct {
	state overrideState
	value T
}

// Set returns an override holding v.
func Set[T any](v T) Override[T] { return Override[T]{state: overrideSet, value: v} }

// Clear returns an override that removes the setting.
func Clear[T any]() Override[T] { return Override[T]{state: overrideCleared} }

// IsSet reports whether the override carries a value.
func (o Override[T]) IsSet() bool { return o.state == overrideSet }

// IsCleared reports whether the override removes the setting.
func (o Override[T]) IsCleared() bool { return o.state == overrideCleared }

// Value returns the override value and whether it is set.
func (o Override[T]) Value() (T, bool) { return o.value, o.state == overrideSet }

// UnmarshalJSON implements the absent/null/value convention.
func (o *Override[T]) UnmarshalJSON(data []byte) error {
	if string(bytes.TrimSpace(data)) == "null" {
		*o = Clear[T]()
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*o = Set(v)
	return nil
}

// MarshalJSON writes the value, or null for unset and cleared overrides.
func (o Override[T]) MarshalJSON() ([]byte, error) {
	if o.state != overrideSet {
		return []byte("null"), nil
	}
	return json.Marshal(o.value)
}

// apply resolves an optional asset value against o.
func apply[T any](o Override[T], base *T) *T {
	switch o.state {
	case overrideSet:
		v := o.value
		return &v
	case overrideCleared:
		return nil
	default:
		return base
	}
}

// Overrides are the caller's generation overrides. Keys mirror generation_config.json.
type Overrides struct {
	Temperature       Override[float64]  `json:"temperature"`
	TopP              Override[float64]  `json:"top_p"`
	TopK              Override[int]      `json:"top_k"`
	MinP              Override[float64]  `json:"min_p"`
	RepetitionPenalty Override[float64]  `json:"repetition_penalty"`
	FrequencyPenalty  Override[float64]  `json:"frequency_penalty"`
	PresencePenalty   Override[float64]  `json:"presence_penalty"`
	DoSample          Override[bool]     `json:"do_sample"`
	Seed              Override[int]      `json:"seed"`
	MaxNewTokens      Override[int]      `json:"max_new_tokens"`
	StopSequences     Override[[]string] `json:"stop_strings"`
	EosTokenID        Override[IDList]   `json:"eos_token_id"`
}

// ParseOverridesJSON parses overrides. Unknown keys are rejected.
func ParseOverridesJSON(jsonContent []byte) (Overrides, error) {
	var ov Overrides
	dec := json.NewDecoder(bytes.NewReader(jsonContent))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ov); err != nil {
		return Overrides{}, errors.WithMessage(jsonError("overrides", err), "failed to parse overrides")
	}
	return ov, nil
}

// ParseOverridesYAML parses overrides written as YAML, with the same keys and the same
// null-clears convention as ParseOverridesJSON.
func ParseOverridesYAML(yamlContent []byte) (Overrides, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(yamlContent, &raw); err != nil {
		return Overrides{}, errors.Wrap(err, "failed to parse overrides yaml")
	}
	if len(raw) == 0 {
		return Overrides{}, nil
	}
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return Overrides{}, errors.Wrap(err, "overrides yaml is not representable as json")
	}
	return ParseOverridesJSON(asJSON)
}

// ParseOverridesFile parses an overrides file, choosing the format by extension (.json, else YAML).
func ParseOverridesFile(filePath string) (Overrides, error) {
	content, err := os.ReadFile(filePath) //nolint:gosec // override path is chosen by the caller.
	if err != nil {
		return Overrides{}, errors.Wrapf(err, "failed to read file %q", filePath)
	}
	var ov Overrides
	if filepath.Ext(filePath) == ".json" {
		ov, err = ParseOverridesJSON(content)
	} else {
		ov, err = ParseOverridesYAML(content)
	}
	if err != nil {
		return Overrides{}, errors.WithMessagef(err, "read from file %q", filePath)
	}
	return ov, nil
}
