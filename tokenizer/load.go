package tokenizer

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/born-ml/tokbridge/internal/chat"
	"github.com/born-ml/tokbridge/internal/config"
	"github.com/born-ml/tokbridge/internal/engine"
	"github.com/born-ml/tokbridge/internal/generate"
	"github.com/born-ml/tokbridge/internal/gguf"
	"github.com/born-ml/tokbridge/internal/interop"
	"github.com/born-ml/tokbridge/internal/interop/goimpl"
)

// Asset file names inside a model directory.
const (
	TokenizerFile        = "tokenizer.json"
	TokenizerConfigFile  = "tokenizer_config.json"
	SpecialTokensMapFile = "special_tokens_map.json"
	GenerationConfigFile = "generation_config.json"
)

// EngineEnv selects the engine when Load is not given one: "go" for the in-process engine,
// "native" (the default) for the native library.
const EngineEnv = "TOKBRIDGE_ENGINE"

// EngineByName returns the engine for name ("go" or "native"; empty means native).
func EngineByName(name string, logger logr.Logger) (API, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "go":
		return goimpl.New(goimpl.WithLogger(logger)), nil
	case "", "native":
		return interop.Current()
	default:
		return nil, fmt.Errorf("unknown engine %q (want \"go\" or \"native\")", name)
	}
}

// EngineFromEnv returns the engine named by $TOKBRIDGE_ENGINE.
func EngineFromEnv(logger logr.Logger) (API, error) {
	return EngineByName(os.Getenv(EngineEnv), logger)
}

// LoadOption configures Load.
type LoadOption func(*loadOptions)

type loadOptions struct {
	api       API
	overrides config.Overrides
	renderer  chat.Renderer
	logger    logr.Logger
}

// WithEngine sets the engine the tokenizer is bound to.
func WithEngine(api API) LoadOption {
	return func(o *loadOptions) {
		o.api = api
	}
}

// WithOverrides sets the generation overrides merged over generation_config.json.
func WithOverrides(ov Overrides) LoadOption {
	return func(o *loadOptions) {
		o.overrides = ov
	}
}

// WithChatRenderer forces the chat renderer instead of detecting it from the chat template.
func WithChatRenderer(r ChatRenderer) LoadOption {
	return func(o *loadOptions) {
		o.renderer = r
	}
}

// WithLoadLogger sets the logger for loading and for the objects Load creates.
func WithLoadLogger(logger logr.Logger) LoadOption {
	return func(o *loadOptions) {
		o.logger = logger
	}
}

// Bundle is a loaded tokenizer plus its finalized configuration.
type Bundle struct {
	Dir       string // model directory or GGUF file
	Tokenizer *Tokenizer
	Metadata  *Metadata
	Config    *config.TokenizerConfig
	Resolved  *Resolved

	renderer chat.Renderer
	logger   logr.Logger
}

// Load reads dir/tokenizer.json (required) and, when present, tokenizer_config.json,
// special_tokens_map.json and generation_config.json. The configuration is resolved before the
// tokenizer is constructed, so a malformed asset never leaves a native object behind.
func Load(dir string, opts ...LoadOption) (*Bundle, error) {
	o := loadOptions{logger: logr.Discard()}
	for _, opt := range opts {
		opt(&o)
	}

	tokPath := filepath.Join(dir, TokenizerFile)
	doc, err := os.ReadFile(tokPath) //nolint:gosec // model directory is chosen by the caller.
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read file %q", tokPath)
	}
	cfgPath := filepath.Join(dir, TokenizerConfigFile)
	cfgDoc, err := readOptional(cfgPath)
	if err != nil {
		return nil, err
	}
	cfg, err := config.ParseTokenizerConfigContent(doc, cfgDoc)
	if err != nil {
		return nil, errors.WithMessagef(err, "load %q", dir)
	}
	if cfgDoc != nil {
		cfg.ConfigFile = cfgPath
	}

	var special *config.SpecialTokensMap
	if path := filepath.Join(dir, SpecialTokensMapFile); exists(path) {
		if special, err = config.ParseSpecialTokensMapFile(path); err != nil {
			return nil, err
		}
	}
	var gen *config.GenerationConfig
	if path := filepath.Join(dir, GenerationConfigFile); exists(path) {
		if gen, err = config.ParseGenerationConfigFile(path); err != nil {
			return nil, err
		}
	}
	return assemble(o, dir, doc, cfg, special, gen)
}

// LoadGGUF reads the tokenizer embedded in a GGUF model file. Special tokens and the chat
// template come from the file's metadata, and generation stops at its EOS token.
func LoadGGUF(path string, opts ...LoadOption) (*Bundle, error) {
	o := loadOptions{logger: logr.Discard()}
	for _, opt := range opts {
		opt(&o)
	}

	f, err := gguf.ParseFile(path)
	if err != nil {
		return nil, err
	}
	v, err := f.Vocab()
	if err != nil {
		return nil, err
	}
	doc, err := v.TokenizerJSON()
	if err != nil {
		return nil, err
	}
	cfgDoc, err := v.TokenizerConfigJSON()
	if err != nil {
		return nil, err
	}
	cfg, err := config.ParseTokenizerConfigContent(doc, cfgDoc)
	if err != nil {
		return nil, errors.WithMessagef(err, "load %q", path)
	}
	var gen *config.GenerationConfig
	if v.EOS != nil {
		gen = &config.GenerationConfig{BosTokenID: v.BOS, EosTokenID: config.IDList{*v.EOS}}
	}
	o.logger.V(1).Info("gguf tokenizer read", "path", path, "model", v.Model, "pre", v.Pre,
		"tokens", len(v.Tokens), "merges", len(v.Merges), "file", humanize.Bytes(uint64(f.FileSize))) //nolint:gosec // G115: file sizes are non-negative.
	return assemble(o, path, doc, cfg, nil, gen)
}

// assemble resolves the configuration, then constructs the tokenizer.
func assemble(o loadOptions, source string, doc []byte, cfg *config.TokenizerConfig, special *config.SpecialTokensMap, gen *config.GenerationConfig) (*Bundle, error) {
	resolved, err := config.Resolve(cfg, special, gen, o.overrides, config.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}

	md, err := engine.DetectKind(doc)
	if err != nil {
		return nil, err
	}
	if o.api == nil {
		if o.api, err = EngineFromEnv(o.logger); err != nil {
			return nil, err
		}
	}
	tok, err := engine.NewTokenizer(doc, engine.WithAPI(o.api), engine.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}

	renderer := o.renderer
	if renderer == nil {
		renderer, _ = chat.Detect(resolved.ChatTemplate)
	}
	o.logger.V(1).Info("tokenizer loaded", "source", source, "kind", md.Kind,
		"vocab", md.VocabSize, "added", md.Added, "size", humanize.Bytes(uint64(len(doc))))
	return &Bundle{
		Dir:       source,
		Tokenizer: tok,
		Metadata:  md,
		Config:    cfg,
		Resolved:  resolved,
		renderer:  renderer,
		logger:    o.logger,
	}, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func readOptional(path string) ([]byte, error) {
	data, err := os.ReadFile(path) //nolint:gosec // model directory is chosen by the caller.
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read file %q", path)
	}
	return data, nil
}

// Close releases the tokenizer.
func (b *Bundle) Close() error { return b.Tokenizer.Close() }

// Settings returns the finalized generation settings.
func (b *Bundle) Settings() Settings { return b.Resolved.Settings }

// Payload returns the chat-template payload with vars applied over it.
func (b *Bundle) Payload(vars map[string]any) (map[string]any, bool, error) {
	return b.Resolved.Payload(vars)
}

// ChatRenderer returns the renderer used by RenderChat, or nil when the chat template matches no
// built-in renderer and none was forced.
func (b *Bundle) ChatRenderer() ChatRenderer { return b.renderer }

// RenderChat renders msgs into a prompt.
func (b *Bundle) RenderChat(msgs []ChatMessage, extra map[string]any) (string, error) {
	if b.renderer == nil {
		return "", fmt.Errorf("no chat renderer for the template in %q", b.Dir)
	}
	return chat.Render(b.renderer, b.Resolved, msgs, extra)
}

// Codec adapts the tokenizer for generation: prompts get the configured special tokens and
// output skips them.
func (b *Bundle) Codec() TokenizerCodec {
	return TokenizerCodec{Tokenizer: b.Tokenizer, AddSpecial: true, SkipSpecial: true}
}

// NewGenerator returns a generator driven by model and the bundle's settings.
func (b *Bundle) NewGenerator(model generate.Model, opts ...generate.Option) *generate.Generator {
	opts = append([]generate.Option{generate.WithLogger(b.logger)}, opts...)
	return generate.NewGenerator(model, b.Codec(), b.Resolved.Settings, opts...)
}
