package config

import (
	"bytes"
	"encoding/json"
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// TokenName names one of the core special tokens.
type TokenName string

const (
	BOS TokenName = "bos"
	EOS TokenName = "eos"
	UNK TokenName = "unk"
	PAD TokenName = "pad"
)

// CoreTokens lists the core tokens in payload order.
var CoreTokens = []TokenName{BOS, EOS, UNK, PAD}

// TokenShape records which JSON shape a TokenDef was decoded from.
type TokenShape uint8

const (
	ShapeAbsent TokenShape = iota // JSON null
	ShapeString                   // "<s>"
	ShapeID                       // 1
	ShapeObject                   // {"id": 1, "content": "<s>", ...}
)

// TokenDef is a special-token definition in any of the accepted JSON shapes: a bare string, a
// bare numeric id, or an object with optional id and content. Both fields may be absent.
type TokenDef struct {
	Shape   TokenShape
	Content *string
	ID      *int
	// Flags keeps the remaining object members (lstrip, normalized, special, ...) so the
	// definition re-serializes unchanged.
	Flags map[string]any
}

// TokenString returns a bare-string definition.
func TokenString(content string) TokenDef {
	return TokenDef{Shape: ShapeString, Content: &content}
}

// TokenID returns a bare-id definition.
func TokenID(id int) TokenDef {
	return TokenDef{Shape: ShapeID, ID: &id}
}

// TokenObject returns an object definition with both fields set.
func TokenObject(id int, content string) TokenDef {
	return TokenDef{Shape: ShapeObject, ID: &id, Content: &content}
}

// HasContent reports whether the definition carries non-empty content.
func (d *TokenDef) HasContent() bool {
	return d != nil && d.Content != nil && *d.Content != ""
}

func parseTokenID(raw []byte) (int, error) {
	id, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, errors.Errorf("token id %s is not an integer", raw)
	}
	if id < 0 {
		return 0, errors.Errorf("token id %d is negative", id)
	}
	return id, nil
}

// UnmarshalJSON decodes any accepted shape.
func (d *TokenDef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*d = TokenDef{}
	if len(data) == 0 {
		return errors.New("empty token definition")
	}

	switch c := data[0]; {
	case c == 'n':
		d.Shape = ShapeAbsent
		return nil

	case c == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return errors.Wrap(err, "token string")
		}
		d.Shape, d.Content = ShapeString, &s
		return nil

	case c == '-' || (c >= '0' && c <= '9'):
		id, err := parseTokenID(data)
		if err != nil {
			return err
		}
		d.Shape, d.ID = ShapeID, &id
		return nil

	case c == '{':
		var members map[string]json.RawMessage
		if err := json.Unmarshal(data, &members); err != nil {
			return errors.Wrap(err, "token object")
		}
		d.Shape = ShapeObject
		for key, raw := range members {
			switch key {
			case "content":
				if string(raw) == "null" {
					continue
				}
				var s string
				if err := json.Unmarshal(raw, &s); err != nil {
					return errors.Wrap(err, "token object content")
				}
				d.Content = &s
			case "id":
				if string(raw) == "null" {
					continue
				}
				id, err := parseTokenID(raw)
				if err != nil {
					return err
				}
				d.ID = &id
			default:
				var v any
				if err := json.Unmarshal(raw, &v); err != nil {
					return errors.Wrapf(err, "token object member %q", key)
				}
				if d.Flags == nil {
					d.Flags = make(map[string]any)
				}
				d.Flags[key] = v
			}
		}
		return nil
	}
	return errors.Errorf("unsupported token definition %s", data)
}

// MarshalJSON writes the definition back in the shape it was decoded from.
func (d TokenDef) MarshalJSON() ([]byte, error) {
	switch d.Shape {
	case ShapeString:
		if d.Content == nil {
			return []byte("null"), nil
		}
		return json.Marshal(*d.Content)
	case ShapeID:
		if d.ID == nil {
			return []byte("null"), nil
		}
		return json.Marshal(*d.ID)
	case ShapeObject:
		obj := make(map[string]any, len(d.Flags)+2)
		for k, v := range d.Flags {
			obj[k] = v
		}
		if d.Content != nil {
			obj["content"] = *d.Content
		}
		if d.ID != nil {
			obj["id"] = *d.ID
		}
		return json.Marshal(obj)
	default:
		return []byte("null"), nil
	}
}

// SpecialTokensMap holds special_tokens_map.json.
type SpecialTokensMap struct {
	BosToken                *TokenDef  `json:"bos_token,omitempty"`
	EosToken                *TokenDef  `json:"eos_token,omitempty"`
	UnkToken                *TokenDef  `json:"unk_token,omitempty"`
	PadToken                *TokenDef  `json:"pad_token,omitempty"`
	AdditionalSpecialTokens []TokenDef `json:"additional_special_tokens,omitempty"`
}

// Token returns the definition of a core token, or nil.
func (m *SpecialTokensMap) Token(name TokenName) *TokenDef {
	if m == nil {
		return nil
	}
	switch name {
	case BOS:
		return m.BosToken
	case EOS:
		return m.EosToken
	case UNK:
		return m.UnkToken
	case PAD:
		return m.PadToken
	}
	return nil
}

// ParseSpecialTokensMapFile parses a special_tokens_map.json file.
func ParseSpecialTokensMapFile(filePath string) (*SpecialTokensMap, error) {
	content, err := os.ReadFile(filePath) //nolint:gosec // asset path is chosen by the caller.
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read file %q", filePath)
	}
	m, err := ParseSpecialTokensMapContent(content)
	if err != nil {
		return nil, errors.WithMessagef(err, "read from file %q", filePath)
	}
	return m, nil
}

// ParseSpecialTokensMapContent parses special_tokens_map.json content.
func ParseSpecialTokensMapContent(jsonContent []byte) (*SpecialTokensMap, error) {
	m := &SpecialTokensMap{}
	if err := json.Unmarshal(jsonContent, m); err != nil {
		return nil, errors.WithMessage(jsonError("special_tokens_map.json", err), "failed to parse special_tokens_map json content")
	}
	return m, nil
}
