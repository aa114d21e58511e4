// Package config parses tokenizer assets and resolves them into final settings.
//
// A Resolver walks one tokenizer load through four stages: the raw tokenizer config is parsed,
// the special-tokens map is merged, generation defaults and caller overrides are merged, and the
// result is finalized into an immutable Resolved value. Resolved builds the chat-template
// variable payload.
package config

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
)

// Stage is the position of a Resolver in its state machine.
type Stage int

const (
	StageRaw Stage = iota
	StageSpecialMerged
	StageGenerationMerged
	StageFinalized
)

func (s Stage) String() string {
	switch s {
	case StageRaw:
		return "raw"
	case StageSpecialMerged:
		return "special-tokens-merged"
	case StageGenerationMerged:
		return "generation-merged"
	case StageFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// ErrStage is returned when a Resolver step is called out of order.
var ErrStage = errors.New("config: resolver step called out of order")

// ResolvedToken is a core special token after precedence resolution. Content and ID are
// resolved independently; either may be absent.
type ResolvedToken struct {
	Content *string
	ID      *int
}

// Present reports whether the token has content or an id.
func (t ResolvedToken) Present() bool { return t.Content != nil || t.ID != nil }

// Resolver merges the configuration sources of one tokenizer load.
type Resolver struct {
	stage    Stage
	cfg      *TokenizerConfig
	special  *SpecialTokensMap
	settings Settings
	logger   logr.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithLogger sets the logger used for stage transitions.
func WithLogger(logger logr.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// NewResolver starts a resolution from a parsed tokenizer config. A nil cfg is treated as empty.
func NewResolver(cfg *TokenizerConfig, opts ...ResolverOption) *Resolver {
	if cfg == nil {
		cfg = &TokenizerConfig{Vocab: map[string]int{}}
	}
	r := &Resolver{stage: StageRaw, cfg: cfg, logger: logr.Discard()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Stage returns the current stage.
func (r *Resolver) Stage() Stage { return r.stage }

func (r *Resolver) advance(from, to Stage) error {
	if r.stage != from {
		return errors.Wrapf(ErrStage, "cannot move to %s from %s", to, r.stage)
	}
	r.stage = to
	r.logger.V(2).Info("config resolver stage", "stage", to.String())
	return nil
}

// MergeSpecialTokens merges the special-tokens map (nil when the asset is missing).
func (r *Resolver) MergeSpecialTokens(m *SpecialTokensMap) error {
	if err := r.advance(StageRaw, StageSpecialMerged); err != nil {
		return err
	}
	r.special = m
	return nil
}

// MergeGeneration merges generation defaults (nil when the asset is missing) and caller overrides.
func (r *Resolver) MergeGeneration(gen *GenerationConfig, ov Overrides) error {
	if err := r.advance(StageSpecialMerged, StageGenerationMerged); err != nil {
		return err
	}
	r.settings = resolveSettings(gen, ov)
	return nil
}

// Finalize produces the immutable result.
func (r *Resolver) Finalize() (*Resolved, error) {
	if err := r.advance(StageGenerationMerged, StageFinalized); err != nil {
		return nil, err
	}
	res := &Resolved{
		Tokens:        make(map[TokenName]ResolvedToken, len(CoreTokens)),
		Settings:      r.settings,
		ChatTemplate:  r.cfg.ChatTemplate,
		TemplateRoles: maps.Clone(r.cfg.TemplateRoles),
		MaxLength:     r.cfg.MaxLength,
	}
	for _, name := range CoreTokens {
		res.Tokens[name] = r.resolveToken(name)
	}
	res.Additional = r.additional()
	r.logger.V(1).Info("configuration finalized",
		"bindings", len(res.Settings.Bindings), "criteria", len(res.Settings.Criteria))
	return res, nil
}

// resolveToken applies the precedence rules: explicit config, else the special-tokens map, else
// absent; content and id independently.
func (r *Resolver) resolveToken(name TokenName) ResolvedToken {
	var t ResolvedToken
	explicit := r.cfg.Tokens[name]
	fromMap := r.special.Token(name)

	switch {
	case explicit != nil && explicit.Content != nil:
		t.Content = cloneString(explicit.Content)
	case fromMap != nil && fromMap.Content != nil:
		t.Content = cloneString(fromMap.Content)
	}

	switch {
	case r.cfg.TokenIDs[name] != nil:
		t.ID = cloneInt(r.cfg.TokenIDs[name])
	case explicit != nil && explicit.ID != nil:
		t.ID = cloneInt(explicit.ID)
	case fromMap != nil && fromMap.ID != nil:
		t.ID = cloneInt(fromMap.ID)
	}
	return t
}

// additional returns the additional special tokens' content, skipping blank entries. The
// special-tokens map list wins over the config list when both are present.
func (r *Resolver) additional() []string {
	defs := r.cfg.AdditionalSpecialTokens
	if r.special != nil && r.special.AdditionalSpecialTokens != nil {
		defs = r.special.AdditionalSpecialTokens
	}
	var out []string
	for _, d := range defs {
		if d.Content == nil || strings.TrimSpace(*d.Content) == "" {
			continue
		}
		out = append(out, *d.Content)
	}
	return out
}

func cloneString(p *string) *string {
	s := *p
	return &s
}

func cloneInt(p *int) *int {
	v := *p
	return &v
}

// Resolved is the finalized configuration of one tokenizer load.
type Resolved struct {
	Tokens        map[TokenName]ResolvedToken
	Additional    []string
	TemplateRoles map[string]string
	ChatTemplate  string
	MaxLength     *int
	Settings      Settings
}

// Payload assembles the chat-template variable payload: core tokens (content and id), the
// template-role map, the additional special tokens, then vars. Each key in vars overwrites a
// same-named key; values are deep-cloned. ok is false when the payload has no keys.
func (r *Resolved) Payload(vars map[string]any) (payload map[string]any, ok bool, err error) {
	payload = make(map[string]any)
	for _, name := range CoreTokens {
		t := r.Tokens[name]
		if t.Content != nil {
			payload[string(name)+"_token"] = *t.Content
		}
		if t.ID != nil {
			payload[string(name)+"_token_id"] = *t.ID
		}
	}
	if len(r.TemplateRoles) > 0 {
		roles := make(map[string]any, len(r.TemplateRoles))
		for k, v := range r.TemplateRoles {
			roles[k] = v
		}
		payload["roles"] = roles
	}
	if len(r.Additional) > 0 {
		list := make([]any, len(r.Additional))
		for i, s := range r.Additional {
			list[i] = s
		}
		payload["additional_special_tokens"] = list
	}

	keys := slices.Sorted(maps.Keys(vars))
	for _, k := range keys {
		v, err := DeepClone(vars[k])
		if err != nil {
			return nil, false, errors.WithMessagef(err, "payload variable %q", k)
		}
		payload[k] = v
	}
	if len(payload) == 0 {
		return nil, false, nil
	}
	return payload, true, nil
}

// DeepClone copies a JSON-shaped value so the result shares no mutable state with v. Maps,
// slices and scalars produced by encoding/json are copied directly; any other value goes
// through a JSON round trip.
func DeepClone(v any) (any, error) {
	switch x := v.(type) {
	case nil, string, bool, float64, float32, int, int32, int64, uint32, uint64, json.Number:
		return x, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			c, err := DeepClone(e)
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			c, err := DeepClone(e)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	case json.RawMessage:
		return slices.Clone(x), nil
	default:
		data, err := json.Marshal(x)
		if err != nil {
			return nil, errors.Wrap(err, "value is not JSON-representable")
		}
		var out any
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, errors.Wrap(err, "value is not JSON-representable")
		}
		return out, nil
	}
}

// Resolve runs the full state machine in one call.
func Resolve(cfg *TokenizerConfig, special *SpecialTokensMap, gen *GenerationConfig, ov Overrides, opts ...ResolverOption) (*Resolved, error) {
	r := NewResolver(cfg, opts...)
	if err := r.MergeSpecialTokens(special); err != nil {
		return nil, err
	}
	if err := r.MergeGeneration(gen, ov); err != nil {
		return nil, err
	}
	return r.Finalize()
}
