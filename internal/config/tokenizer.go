package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/born-ml/tokbridge/internal/tokerr"
)

// AddedToken is one entry of tokenizer.json's added_tokens.
type AddedToken struct {
	ID         int    `json:"id"`
	Content    string `json:"content"`
	Special    bool   `json:"special"`
	SingleWord bool   `json:"single_word"`
	Lstrip     bool   `json:"lstrip"`
	Rstrip     bool   `json:"rstrip"`
	Normalized bool   `json:"normalized"`
}

// Padding is tokenizer.json's padding block.
type Padding struct {
	Strategy        string // "BatchLongest" or "Fixed"
	FixedLength     *int   // set for "Fixed"
	Direction       string
	PadID           int
	PadTypeID       int
	PadToken        string
	PadToMultipleOf *int
}

type paddingJSON struct {
	Strategy        json.RawMessage `json:"strategy"`
	Direction       string          `json:"direction"`
	PadID           int             `json:"pad_id"`
	PadTypeID       int             `json:"pad_type_id"`
	PadToken        string          `json:"pad_token"`
	PadToMultipleOf *int            `json:"pad_to_multiple_of"`
}

// UnmarshalJSON accepts both "BatchLongest" and {"Fixed": n} strategies.
func (p *Padding) UnmarshalJSON(data []byte) error {
	var raw paddingJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = Padding{
		Direction:       raw.Direction,
		PadID:           raw.PadID,
		PadTypeID:       raw.PadTypeID,
		PadToken:        raw.PadToken,
		PadToMultipleOf: raw.PadToMultipleOf,
	}
	if len(raw.Strategy) == 0 || string(raw.Strategy) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw.Strategy, &p.Strategy); err == nil {
		return nil
	}
	var fixed map[string]int
	if err := json.Unmarshal(raw.Strategy, &fixed); err != nil {
		return errors.Errorf("padding strategy %s: expected a string or an object", raw.Strategy)
	}
	for k, v := range fixed {
		n := v
		p.Strategy, p.FixedLength = k, &n
	}
	return nil
}

// Truncation is tokenizer.json's truncation block.
type Truncation struct {
	MaxLength int    `json:"max_length"`
	Strategy  string `json:"strategy"`
	Direction string `json:"direction"`
	Stride    int    `json:"stride"`
}

// TokenizerConfig is the merged view of tokenizer.json (vocabulary, added tokens, padding,
// truncation) and tokenizer_config.json (explicit special tokens, max length, chat template).
// It is immutable after parsing.
type TokenizerConfig struct {
	ModelType string
	// Vocab maps token content to id. added_tokens are merged in file order; a later entry
	// overwrites an earlier one with the same content.
	Vocab       map[string]int
	AddedTokens []AddedToken
	Padding     *Padding
	Truncation  *Truncation

	// ModelUnkToken is model.unk_token from tokenizer.json.
	ModelUnkToken string

	// Explicit token fields from tokenizer_config.json. A nil entry means the key was absent
	// or null.
	Tokens   map[TokenName]*TokenDef
	TokenIDs map[TokenName]*int

	AdditionalSpecialTokens []TokenDef
	ChatTemplate            string
	TemplateRoles           map[string]string
	AddBOS, AddEOS          *bool

	MaxLength *int

	ConfigFile string
}

type tokenizerJSONDoc struct {
	Model struct {
		Type     string          `json:"type"`
		Vocab    json.RawMessage `json:"vocab"`
		UnkToken *string         `json:"unk_token"`
	} `json:"model"`
	AddedTokens []AddedToken `json:"added_tokens"`
	Padding     *Padding     `json:"padding"`
	Truncation  *Truncation  `json:"truncation"`
}

type tokenizerConfigDoc struct {
	BosToken   *TokenDef `json:"bos_token"`
	EosToken   *TokenDef `json:"eos_token"`
	UnkToken   *TokenDef `json:"unk_token"`
	PadToken   *TokenDef `json:"pad_token"`
	BosTokenID *int      `json:"bos_token_id"`
	EosTokenID *int      `json:"eos_token_id"`
	UnkTokenID *int      `json:"unk_token_id"`
	PadTokenID *int      `json:"pad_token_id"`

	AdditionalSpecialTokens []TokenDef        `json:"additional_special_tokens"`
	ChatTemplate            json.RawMessage   `json:"chat_template"`
	TemplateRoles           map[string]string `json:"chat_template_roles"`
	AddBosToken             *bool             `json:"add_bos_token"`
	AddEosToken             *bool             `json:"add_eos_token"`
	ModelMaxLength          *float64          `json:"model_max_length"`
}

// ParseTokenizerConfigFiles parses tokenizer.json and, if configPath is non-empty and exists,
// tokenizer_config.json.
func ParseTokenizerConfigFiles(tokenizerPath, configPath string) (*TokenizerConfig, error) {
	tokenizerJSON, err := os.ReadFile(tokenizerPath) //nolint:gosec // asset path is chosen by the caller.
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read file %q", tokenizerPath)
	}
	var configJSON []byte
	if configPath != "" {
		configJSON, err = os.ReadFile(configPath) //nolint:gosec // asset path is chosen by the caller.
		if err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "failed to read file %q", configPath)
		}
	}
	cfg, err := ParseTokenizerConfigContent(tokenizerJSON, configJSON)
	if err != nil {
		return nil, errors.WithMessagef(err, "read from %q", tokenizerPath)
	}
	if configJSON != nil {
		cfg.ConfigFile = configPath
	}
	return cfg, nil
}

// ParseTokenizerConfigContent parses tokenizer.json content and optional tokenizer_config.json
// content (nil to skip).
func ParseTokenizerConfigContent(tokenizerJSON, configJSON []byte) (*TokenizerConfig, error) {
	var doc tokenizerJSONDoc
	if err := json.Unmarshal(tokenizerJSON, &doc); err != nil {
		return nil, errors.WithMessage(jsonError("tokenizer.json", err), "failed to parse tokenizer json content")
	}
	cfg := &TokenizerConfig{
		ModelType:   doc.Model.Type,
		Vocab:       make(map[string]int),
		AddedTokens: doc.AddedTokens,
		Padding:     doc.Padding,
		Truncation:  doc.Truncation,
		Tokens:      make(map[TokenName]*TokenDef),
		TokenIDs:    make(map[TokenName]*int),
	}
	if doc.Model.UnkToken != nil {
		cfg.ModelUnkToken = *doc.Model.UnkToken
	}
	if err := readVocab(cfg.Vocab, doc.Model.Vocab); err != nil {
		return nil, err
	}
	for i, a := range doc.AddedTokens {
		if a.ID < 0 {
			return nil, formatError("tokenizer.json", nil, "added_tokens[%d]: id %d is negative", i, a.ID)
		}
		cfg.Vocab[a.Content] = a.ID
	}
	if doc.Truncation != nil && doc.Truncation.MaxLength > 0 {
		n := doc.Truncation.MaxLength
		cfg.MaxLength = &n
	}

	if len(configJSON) == 0 {
		return cfg, nil
	}
	var tc tokenizerConfigDoc
	if err := json.Unmarshal(configJSON, &tc); err != nil {
		return nil, errors.WithMessage(jsonError("tokenizer_config.json", err), "failed to parse tokenizer_config json content")
	}
	cfg.Tokens[BOS], cfg.Tokens[EOS], cfg.Tokens[UNK], cfg.Tokens[PAD] = tc.BosToken, tc.EosToken, tc.UnkToken, tc.PadToken
	cfg.TokenIDs[BOS], cfg.TokenIDs[EOS], cfg.TokenIDs[UNK], cfg.TokenIDs[PAD] = tc.BosTokenID, tc.EosTokenID, tc.UnkTokenID, tc.PadTokenID
	for name, id := range cfg.TokenIDs {
		if id != nil && *id < 0 {
			return nil, formatError("tokenizer_config.json", nil, "%s_token_id %d is negative", name, *id)
		}
	}
	cfg.AdditionalSpecialTokens = tc.AdditionalSpecialTokens
	cfg.TemplateRoles = tc.TemplateRoles
	cfg.AddBOS, cfg.AddEOS = tc.AddBosToken, tc.AddEosToken
	template, err := parseChatTemplate(tc.ChatTemplate)
	if err != nil {
		return nil, err
	}
	cfg.ChatTemplate = template

	// HF writes a huge sentinel (1e30) when the length is unbounded.
	if m := tc.ModelMaxLength; m != nil && *m > 0 && *m <= math.MaxInt32 {
		n := int(*m)
		cfg.MaxLength = &n
	}
	return cfg, nil
}

// formatError reports a semantic problem in a parsed asset; cause may be nil.
func formatError(source string, cause error, format string, args ...any) error {
	return &tokerr.FormatError{Source: source, Reason: fmt.Sprintf(format, args...), Err: cause}
}

// readVocab accepts the object form and the Unigram [[piece, score], ...] form.
func readVocab(dst map[string]int, raw json.RawMessage) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var byToken map[string]int
	if err := json.Unmarshal(raw, &byToken); err == nil {
		for tok, id := range byToken {
			if id < 0 {
				return formatError("tokenizer.json", nil, "model.vocab: token %q has negative id %d", tok, id)
			}
			dst[tok] = id
		}
		return nil
	}
	var pieces [][]json.RawMessage
	if err := json.Unmarshal(raw, &pieces); err != nil {
		return formatError("tokenizer.json", err, "model.vocab: %v", err)
	}
	for i, p := range pieces {
		if len(p) == 0 {
			return formatError("tokenizer.json", nil, "model.vocab[%d]: empty entry", i)
		}
		var piece string
		if err := json.Unmarshal(p[0], &piece); err != nil {
			return formatError("tokenizer.json", err, "model.vocab[%d]: %v", i, err)
		}
		dst[piece] = i
	}
	return nil
}

// parseChatTemplate accepts a single template string or a list of named templates, in which
// case the one named "default" (or the first) is used.
func parseChatTemplate(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var named []struct {
		Name     string `json:"name"`
		Template string `json:"template"`
	}
	if err := json.Unmarshal(raw, &named); err != nil {
		return "", formatError("tokenizer_config.json", err, "chat_template: %v", err)
	}
	for _, n := range named {
		if n.Name == "default" {
			return n.Template, nil
		}
	}
	if len(named) > 0 {
		return named[0].Template, nil
	}
	return "", nil
}

// TokenToID looks token up in the vocabulary.
func (c *TokenizerConfig) TokenToID(token string) (int, bool) {
	id, ok := c.Vocab[token]
	return id, ok
}

// UnknownToken returns the unknown-token content: the explicit config value, else the model's.
func (c *TokenizerConfig) UnknownToken() string {
	if d := c.Tokens[UNK]; d.HasContent() {
		return *d.Content
	}
	return c.ModelUnkToken
}

// UnknownTokenID looks the unknown token up in the vocabulary. It is derived on every call.
func (c *TokenizerConfig) UnknownTokenID() (int, bool) {
	unk := c.UnknownToken()
	if strings.TrimSpace(unk) == "" {
		return 0, false
	}
	return c.TokenToID(unk)
}
