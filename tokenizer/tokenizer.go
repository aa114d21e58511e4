// Package tokenizer is the public API of tokbridge.
//
// It re-exports the engine objects (BPE models, tokenizer-json tokenizers, SentencePiece
// processors, byte-level decoders) and the configuration types, and provides Load, which reads a
// model directory end to end.
//
// Example usage:
//
//	import "github.com/born-ml/tokbridge/tokenizer"
//
//	// Load tokenizer.json and its companion configuration files
//	b, err := tokenizer.Load("./models/llama")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer b.Close()
//
//	// Encode text
//	ids, err := b.Tokenizer.EncodeIDs("Hello, world!", true)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Decode tokens
//	text, err := b.Tokenizer.Decode(ids, true)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Apply the chat template
//	prompt, err := b.RenderChat([]tokenizer.ChatMessage{
//	    {Role: "system", Content: "You are helpful."},
//	    {Role: "user", Content: "Hi!"},
//	}, nil)
package tokenizer

import (
	"github.com/go-logr/logr"

	"github.com/born-ml/tokbridge/internal/argbuild"
	"github.com/born-ml/tokbridge/internal/chat"
	"github.com/born-ml/tokbridge/internal/config"
	"github.com/born-ml/tokbridge/internal/engine"
	"github.com/born-ml/tokbridge/internal/interop"
)

// API is the native ABI an engine object is bound to.
type API = interop.API

// Engine objects.
type (
	// BPE is a byte-pair-encoding model built from merge ranks.
	BPE = engine.BPE

	// Tokenizer is a tokenizer built from tokenizer.json.
	Tokenizer = engine.Tokenizer

	// Encoding is the result of Tokenizer.Encode. Close it when done.
	Encoding = engine.Encoding

	// Processor is a SentencePiece processor.
	Processor = engine.Processor

	// Decoder is a byte-level decoder.
	Decoder = engine.Decoder

	// Option configures an engine object.
	Option = engine.Option

	// TextCodec adapts a BPE model to int ids for generation.
	TextCodec = engine.TextCodec

	// TokenizerCodec adapts a Tokenizer to int ids for generation.
	TokenizerCodec = engine.TokenizerCodec
)

// BPE construction inputs.
type (
	// MergeRank is one merge-rank entry.
	MergeRank = argbuild.MergeRank

	// SpecialToken is one special token with its id.
	SpecialToken = argbuild.SpecialToken
)

// Model detection.
type (
	// Kind is the model family declared by tokenizer.json.
	Kind = engine.Kind

	// Metadata describes a tokenizer.json document.
	Metadata = engine.Metadata
)

// Model kinds.
const (
	KindBPE       = engine.KindBPE
	KindWordPiece = engine.KindWordPiece
	KindUnigram   = engine.KindUnigram
	KindUnknown   = engine.KindUnknown
)

// Configuration.
type (
	// Resolved is the finalized configuration of one load.
	Resolved = config.Resolved

	// Settings are the finalized generation settings.
	Settings = config.Settings

	// Overrides are caller generation overrides.
	Overrides = config.Overrides
)

// Chat rendering.
type (
	// ChatMessage is a single message in a conversation.
	ChatMessage = chat.Message

	// ChatRenderer renders a chat-template payload into a prompt.
	ChatRenderer = chat.Renderer
)

// WithAPI binds an engine object to api instead of the process default.
func WithAPI(api API) Option { return engine.WithAPI(api) }

// WithLogger sets the logger of an engine object.
func WithLogger(logger logr.Logger) Option { return engine.WithLogger(logger) }

// WithPattern sets the BPE pre-tokenization pattern.
func WithPattern(pattern string) Option { return engine.WithPattern(pattern) }

// NewBPE builds a BPE model from merge ranks and special tokens.
func NewBPE(merges []MergeRank, specials []SpecialToken, opts ...Option) (*BPE, error) {
	return engine.NewBPE(merges, specials, opts...)
}

// LoadBPEFile builds a BPE model from a merge-rank file ("<base64-token> <rank>" per line).
func LoadBPEFile(path string, specials []SpecialToken, opts ...Option) (*BPE, error) {
	return engine.LoadBPEFile(path, specials, opts...)
}

// NewTokenizer builds a tokenizer from tokenizer.json content.
func NewTokenizer(doc []byte, opts ...Option) (*Tokenizer, error) {
	return engine.NewTokenizer(doc, opts...)
}

// LoadTokenizerFile builds a tokenizer from a tokenizer.json file.
func LoadTokenizerFile(path string, opts ...Option) (*Tokenizer, error) {
	return engine.LoadTokenizerFile(path, opts...)
}

// NewProcessor builds a SentencePiece processor from a model.
func NewProcessor(model []byte, opts ...Option) (*Processor, error) {
	return engine.NewProcessor(model, opts...)
}

// LoadProcessorFile builds a SentencePiece processor from a model file.
func LoadProcessorFile(path string, opts ...Option) (*Processor, error) {
	return engine.LoadProcessorFile(path, opts...)
}

// NewByteLevelDecoder builds a byte-level decoder.
func NewByteLevelDecoder(opts ...Option) (*Decoder, error) {
	return engine.NewByteLevelDecoder(opts...)
}

// DetectKind reads the model family from tokenizer.json content.
func DetectKind(doc []byte) (*Metadata, error) {
	return engine.DetectKind(doc)
}

// ParseOverridesFile reads generation overrides from a JSON or YAML file.
func ParseOverridesFile(path string) (Overrides, error) {
	return config.ParseOverridesFile(path)
}

// GetChatRenderer returns a built-in chat renderer by name.
//
// Supported names: "chatml", "llama", "mistral".
func GetChatRenderer(name string) (ChatRenderer, error) {
	return chat.Lookup(name)
}
