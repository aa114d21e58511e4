package engine

import (
	"encoding/json"
	"fmt"
	"os"
)

// Kind identifies the model family declared by tokenizer.json.
type Kind string

const (
	// KindBPE indicates a byte-pair-encoding model.
	KindBPE Kind = "BPE"

	// KindWordPiece indicates a WordPiece (BERT-style) model.
	KindWordPiece Kind = "WordPiece"

	// KindUnigram indicates a Unigram (SentencePiece-style) model.
	KindUnigram Kind = "Unigram"

	// KindUnknown indicates a missing or unsupported model type.
	KindUnknown Kind = "Unknown"
)

// Metadata describes a tokenizer.json document without constructing it.
type Metadata struct {
	Kind      Kind
	ModelType string // model.type as written
	VocabSize int
	Added     int

	HasBOS bool
	HasEOS bool
	HasPAD bool
	HasUNK bool
}

type detectDoc struct {
	Model struct {
		Type  string          `json:"type"`
		Vocab json.RawMessage `json:"vocab"`
	} `json:"model"`
	AddedTokens []struct {
		Content string `json:"content"`
	} `json:"added_tokens"`
}

// DetectKind reads the model type, vocabulary size and the presence of the conventional special
// tokens from tokenizer.json content.
func DetectKind(doc []byte) (*Metadata, error) {
	var raw detectDoc
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse tokenizer.json: %w", err)
	}

	md := &Metadata{Kind: KindUnknown, ModelType: raw.Model.Type, Added: len(raw.AddedTokens)}
	switch Kind(raw.Model.Type) {
	case KindBPE, KindWordPiece, KindUnigram:
		md.Kind = Kind(raw.Model.Type)
	}

	// The vocabulary is an object for BPE/WordPiece and a list of [piece, score] for Unigram.
	var asMap map[string]json.RawMessage
	var asList []json.RawMessage
	if json.Unmarshal(raw.Model.Vocab, &asMap) == nil {
		md.VocabSize = len(asMap)
	} else if json.Unmarshal(raw.Model.Vocab, &asList) == nil {
		md.VocabSize = len(asList)
	}

	for _, tok := range raw.AddedTokens {
		switch tok.Content {
		case "<s>", "<bos>", "[CLS]", "<|begin_of_text|>":
			md.HasBOS = true
		case "</s>", "<eos>", "[SEP]", "<|end_of_text|>", "<|endoftext|>":
			md.HasEOS = true
		case "<pad>", "[PAD]":
			md.HasPAD = true
		case "<unk>", "[UNK]":
			md.HasUNK = true
		}
	}
	return md, nil
}

// DetectKindFile is DetectKind for a file.
func DetectKindFile(path string) (*Metadata, error) {
	doc, err := os.ReadFile(path) //nolint:gosec // Loading tokenizer from user-specified path is intentional.
	if err != nil {
		return nil, fmt.Errorf("failed to read tokenizer.json: %w", err)
	}
	return DetectKind(doc)
}
