package gguf

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/born-ml/tokbridge/internal/tokerr"
)

// Metadata keys of the embedded tokenizer.
const (
	KeyModel        = "tokenizer.ggml.model"
	KeyPre          = "tokenizer.ggml.pre"
	KeyTokens       = "tokenizer.ggml.tokens"
	KeyScores       = "tokenizer.ggml.scores"
	KeyTokenTypes   = "tokenizer.ggml.token_type"
	KeyMerges       = "tokenizer.ggml.merges"
	KeyBOS          = "tokenizer.ggml.bos_token_id"
	KeyEOS          = "tokenizer.ggml.eos_token_id"
	KeyUNK          = "tokenizer.ggml.unknown_token_id"
	KeyPAD          = "tokenizer.ggml.padding_token_id"
	KeyAddBOS       = "tokenizer.ggml.add_bos_token"
	KeyAddEOS       = "tokenizer.ggml.add_eos_token"
	KeyChatTemplate = "tokenizer.chat_template"
)

// TokenType classifies a vocabulary entry.
type TokenType int32

// Token types as stored in tokenizer.ggml.token_type.
const (
	TokenNormal      TokenType = 1
	TokenUnknown     TokenType = 2
	TokenControl     TokenType = 3
	TokenUserDefined TokenType = 4
	TokenUnused      TokenType = 5
	TokenByte        TokenType = 6
)

// Vocab is the tokenizer embedded in a GGUF file.
type Vocab struct {
	Model  string // "gpt2", "llama", "bert", ...
	Pre    string
	Tokens []string
	Scores []float32   // nil when absent
	Types  []TokenType // nil when absent
	Merges []string    // "left right" pairs, in rank order

	BOS, EOS, UNK, PAD *int
	AddBOS, AddEOS     *bool

	ChatTemplate  string
	ContextLength int
}

// Vocab extracts the embedded tokenizer. Token ids must index Tokens, and Scores and Types must
// match Tokens in length.
func (f *File) Vocab() (*Vocab, error) {
	v := &Vocab{ContextLength: f.ContextLength()}
	var ok bool
	if v.Model, ok = f.Metadata[KeyModel].(string); !ok {
		return nil, f.formatErr("missing %s", KeyModel)
	}
	if v.Tokens, ok = f.Metadata[KeyTokens].([]string); !ok || len(v.Tokens) == 0 {
		return nil, f.formatErr("missing %s", KeyTokens)
	}
	v.Pre, _ = f.Metadata[KeyPre].(string)
	v.ChatTemplate, _ = f.Metadata[KeyChatTemplate].(string)

	if raw, present := f.Metadata[KeyScores]; present {
		if v.Scores, ok = raw.([]float32); !ok || len(v.Scores) != len(v.Tokens) {
			return nil, f.formatErr("%s must be %d float32 values", KeyScores, len(v.Tokens))
		}
	}
	if raw, present := f.Metadata[KeyTokenTypes]; present {
		types, ok := raw.([]int32)
		if !ok || len(types) != len(v.Tokens) {
			return nil, f.formatErr("%s must be %d int32 values", KeyTokenTypes, len(v.Tokens))
		}
		v.Types = make([]TokenType, len(types))
		for i, t := range types {
			v.Types[i] = TokenType(t)
		}
	}
	if raw, present := f.Metadata[KeyMerges]; present {
		if v.Merges, ok = raw.([]string); !ok {
			return nil, f.formatErr("%s must be a string array", KeyMerges)
		}
	}

	for _, s := range []struct {
		key string
		dst **int
	}{{KeyBOS, &v.BOS}, {KeyEOS, &v.EOS}, {KeyUNK, &v.UNK}, {KeyPAD, &v.PAD}} {
		raw, present := f.Metadata[s.key]
		if !present {
			continue
		}
		id, ok := intValue(raw)
		if !ok || id < 0 || id >= len(v.Tokens) {
			return nil, f.formatErr("%s %v is not a token id", s.key, raw)
		}
		*s.dst = &id
	}
	for _, s := range []struct {
		key string
		dst **bool
	}{{KeyAddBOS, &v.AddBOS}, {KeyAddEOS, &v.AddEOS}} {
		if b, ok := f.Metadata[s.key].(bool); ok {
			*s.dst = &b
		}
	}
	return v, nil
}

func (f *File) formatErr(format string, args ...any) error {
	source := f.FilePath
	if source == "" {
		source = "gguf"
	}
	return &tokerr.FormatError{Source: source, Reason: fmt.Sprintf(format, args...)}
}

// ModelType maps the GGUF tokenizer model to the tokenizer.json model type.
func (v *Vocab) ModelType() (string, error) {
	switch v.Model {
	case "gpt2":
		return "BPE", nil
	case "llama":
		if len(v.Merges) > 0 {
			return "BPE", nil
		}
		return "Unigram", nil
	case "bert":
		return "WordPiece", nil
	default:
		return "", &tokerr.FormatError{Source: "gguf", Reason: fmt.Sprintf("unsupported tokenizer model %q", v.Model)}
	}
}

func (v *Vocab) tokenType(id int) TokenType {
	if v.Types == nil {
		return TokenNormal
	}
	return v.Types[id]
}

type addedTokenJSON struct {
	ID      int    `json:"id"`
	Content string `json:"content"`
	Special bool   `json:"special"`
}

type tokenizerJSON struct {
	Model struct {
		Type     string   `json:"type"`
		Vocab    any      `json:"vocab"`
		Merges   []string `json:"merges,omitempty"`
		UnkToken *string  `json:"unk_token,omitempty"`
	} `json:"model"`
	AddedTokens []addedTokenJSON `json:"added_tokens"`
}

// TokenizerJSON renders the vocabulary as a tokenizer.json document. Control and user-defined
// tokens become added tokens; control tokens are special.
func (v *Vocab) TokenizerJSON() ([]byte, error) {
	modelType, err := v.ModelType()
	if err != nil {
		return nil, err
	}
	var doc tokenizerJSON
	doc.Model.Type = modelType
	doc.Model.Merges = v.Merges
	doc.AddedTokens = []addedTokenJSON{}

	if modelType == "Unigram" {
		pieces := make([][2]any, len(v.Tokens))
		for i, tok := range v.Tokens {
			var score float32
			if v.Scores != nil {
				score = v.Scores[i]
			}
			pieces[i] = [2]any{tok, score}
		}
		doc.Model.Vocab = pieces
	} else {
		vocab := make(map[string]int, len(v.Tokens))
		for i, tok := range v.Tokens {
			if _, dup := vocab[tok]; !dup {
				vocab[tok] = i
			}
		}
		doc.Model.Vocab = vocab
	}
	if v.UNK != nil {
		unk := v.Tokens[*v.UNK]
		doc.Model.UnkToken = &unk
	}

	for i, tok := range v.Tokens {
		switch t := v.tokenType(i); t {
		case TokenControl, TokenUserDefined:
			doc.AddedTokens = append(doc.AddedTokens, addedTokenJSON{ID: i, Content: tok, Special: t == TokenControl})
		}
	}
	return json.Marshal(doc)
}

// TokenizerConfigJSON renders the special tokens, the BOS/EOS flags, the chat template and the
// context length as a tokenizer_config.json document.
func (v *Vocab) TokenizerConfigJSON() ([]byte, error) {
	doc := make(map[string]any)
	for _, s := range []struct {
		name string
		id   *int
	}{{"bos", v.BOS}, {"eos", v.EOS}, {"unk", v.UNK}, {"pad", v.PAD}} {
		if s.id == nil {
			continue
		}
		doc[s.name+"_token"] = v.Tokens[*s.id]
		doc[s.name+"_token_id"] = *s.id
	}
	if v.AddBOS != nil {
		doc["add_bos_token"] = *v.AddBOS
	}
	if v.AddEOS != nil {
		doc["add_eos_token"] = *v.AddEOS
	}
	if v.ChatTemplate != "" {
		doc["chat_template"] = v.ChatTemplate
	}
	if v.ContextLength > 0 {
		doc["model_max_length"] = v.ContextLength
	}
	return json.Marshal(doc)
}

// SentencePieceModel renders a "llama" vocabulary as "piece<TAB>score" lines.
func (v *Vocab) SentencePieceModel() ([]byte, error) {
	if v.Model != "llama" {
		return nil, &tokerr.FormatError{Source: "gguf", Reason: fmt.Sprintf("tokenizer model %q is not SentencePiece", v.Model)}
	}
	var sb strings.Builder
	for i, tok := range v.Tokens {
		if strings.ContainsAny(tok, "\t\n") {
			return nil, &tokerr.FormatError{Source: "gguf", Reason: fmt.Sprintf("token %d %q cannot be written as a piece line", i, tok)}
		}
		var score float32
		if v.Scores != nil {
			score = v.Scores[i]
		}
		sb.WriteString(tok)
		sb.WriteByte('\t')
		sb.WriteString(strconv.FormatFloat(float64(score), 'g', -1, 32))
		sb.WriteByte('\n')
	}
	return []byte(sb.String()), nil
}
