// Package main provides the tokbridge CLI.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"github.com/born-ml/tokbridge/internal/interop"
	"github.com/born-ml/tokbridge/internal/resolver"
	"github.com/born-ml/tokbridge/tokenizer"
)

const version = "v0.1.0-dev"

var errUsage = errors.New("usage")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// cli holds the global flags and the output streams of one invocation.
type cli struct {
	engine    string
	overrides string
	out, errw io.Writer
	logger    logr.Logger
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tokbridge", flag.ContinueOnError)
	fs.SetOutput(stderr)
	klog.InitFlags(fs)
	c := &cli{out: stdout, errw: stderr}
	fs.StringVar(&c.engine, "engine", os.Getenv(tokenizer.EngineEnv), `engine: "go" or "native"`)
	fs.StringVar(&c.overrides, "overrides", "", "generation overrides file (YAML, or JSON by extension)")
	fs.Usage = func() { usage(stderr) }
	if err := fs.Parse(args); err != nil {
		return 2
	}
	defer klog.Flush()
	c.logger = klog.NewKlogr()

	rest := fs.Args()
	if len(rest) == 0 {
		usage(stderr)
		return 2
	}
	cmd, rest := rest[0], rest[1:]

	var err error
	switch cmd {
	case "version":
		fmt.Fprintf(stdout, "tokbridge %s (%s/%s)\n", version, runtime.GOOS, runtime.GOARCH)
	case "encode":
		err = c.encode(rest)
	case "decode":
		err = c.decode(rest)
	case "detect":
		err = c.detect(rest)
	case "payload":
		err = c.payload(rest)
	case "settings":
		err = c.settings(rest)
	case "chat":
		err = c.chat(rest)
	case "probe":
		err = c.probe(rest)
	default:
		err = fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
	if err != nil {
		fmt.Fprintf(stderr, "tokbridge %s: %v\n", cmd, err)
		if errors.Is(err, errUsage) {
			return 2
		}
		return 1
	}
	return 0
}

func usage(w io.Writer) {
	fmt.Fprint(w, `tokbridge - drive native tokenizers from the command line

Usage:
  tokbridge [flags] <command> [args]

Commands:
  version                      Show version
  encode   <dir> <text>        Print token ids and tokens
  decode   <dir> <id>...       Print the text of token ids
  detect   <dir>               Print the model kind and vocabulary size
  payload  <dir> [key=value]   Print the chat-template payload as JSON
  settings <dir>               Print the finalized generation settings as YAML
  chat     <dir> <role:text>.. Render messages with the model's chat template
  probe                        Show where the native library is searched for

<dir> is a model directory holding tokenizer.json, or a .gguf model file.

Flags:
  -engine go|native            Engine (default $TOKBRIDGE_ENGINE, else native)
  -overrides <file>            Generation overrides; null clears a value
  -v <level>                   Log verbosity
`)
}

func (c *cli) load(dir string) (*tokenizer.Bundle, error) {
	api, err := tokenizer.EngineByName(c.engine, c.logger)
	if err != nil {
		return nil, err
	}
	opts := []tokenizer.LoadOption{tokenizer.WithEngine(api), tokenizer.WithLoadLogger(c.logger)}
	if c.overrides != "" {
		ov, err := tokenizer.ParseOverridesFile(c.overrides)
		if err != nil {
			return nil, err
		}
		opts = append(opts, tokenizer.WithOverrides(ov))
	}
	if strings.EqualFold(filepath.Ext(dir), ".gguf") {
		return tokenizer.LoadGGUF(dir, opts...)
	}
	return tokenizer.Load(dir, opts...)
}

func (c *cli) encode(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: encode <dir> <text>", errUsage)
	}
	b, err := c.load(args[0])
	if err != nil {
		return err
	}
	defer b.Close()

	enc, err := b.Tokenizer.Encode(args[1], true)
	if err != nil {
		return err
	}
	defer enc.Close()
	ids, err := enc.IDs()
	if err != nil {
		return err
	}
	toks, err := enc.Tokens()
	if err != nil {
		return err
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(uint64(id), 10)
	}
	fmt.Fprintln(c.out, strings.Join(parts, " "))
	fmt.Fprintln(c.out, strings.Join(toks, " "))
	return nil
}

func (c *cli) decode(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("%w: decode <dir> <id>...", errUsage)
	}
	ids := make([]uint32, len(args)-1)
	for i, s := range args[1:] {
		id, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return fmt.Errorf("%w: id %q: %v", errUsage, s, err)
		}
		ids[i] = uint32(id)
	}
	b, err := c.load(args[0])
	if err != nil {
		return err
	}
	defer b.Close()

	text, err := b.Tokenizer.Decode(ids, true)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, text)
	return nil
}

func (c *cli) detect(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: detect <dir>", errUsage)
	}
	b, err := c.load(args[0])
	if err != nil {
		return err
	}
	defer b.Close()

	md := b.Metadata
	withAdded, err := b.Tokenizer.VocabSize(true)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "kind: %s\nmodel type: %s\nvocabulary: %s (%s with added tokens)\n",
		md.Kind, md.ModelType, humanize.Comma(int64(md.VocabSize)), humanize.Comma(int64(withAdded)))
	return nil
}

func (c *cli) payload(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("%w: payload <dir> [key=value]...", errUsage)
	}
	vars := make(map[string]any, len(args)-1)
	for _, kv := range args[1:] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return fmt.Errorf("%w: variable %q is not key=value", errUsage, kv)
		}
		// Values that parse as JSON keep their type; anything else is a string.
		var parsed any
		if json.Unmarshal([]byte(v), &parsed) != nil {
			parsed = v
		}
		vars[k] = parsed
	}
	b, err := c.load(args[0])
	if err != nil {
		return err
	}
	defer b.Close()

	payload, ok, err := b.Payload(vars)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(c.out, "{}")
		return nil
	}
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

// settingsView is the YAML shape of finalized settings.
type settingsView struct {
	Bindings []bindingView   `yaml:"bindings"`
	Criteria []criterionView `yaml:"criteria"`
	DoSample *bool           `yaml:"do_sample,omitempty"`
	Seed     *int            `yaml:"seed,omitempty"`
}

type bindingView struct {
	Category string  `yaml:"category"`
	Kind     string  `yaml:"kind"`
	Value    float64 `yaml:"value"`
}

type criterionView struct {
	Kind         string   `yaml:"kind"`
	MaxNewTokens int      `yaml:"max_new_tokens,omitempty"`
	Sequences    []string `yaml:"sequences,omitempty"`
	TokenIDs     []int    `yaml:"token_ids,omitempty,flow"`
}

func (c *cli) settings(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: settings <dir>", errUsage)
	}
	b, err := c.load(args[0])
	if err != nil {
		return err
	}
	defer b.Close()

	s := b.Settings()
	view := settingsView{
		Bindings: make([]bindingView, 0, len(s.Bindings)),
		Criteria: make([]criterionView, 0, len(s.Criteria)),
		DoSample: s.DoSample,
		Seed:     s.Seed,
	}
	for _, bd := range s.Bindings {
		view.Bindings = append(view.Bindings, bindingView{Category: string(bd.Category), Kind: bd.Kind, Value: bd.Value})
	}
	for _, cr := range s.Criteria {
		view.Criteria = append(view.Criteria, criterionView{Kind: cr.Kind, MaxNewTokens: cr.MaxNewTokens, Sequences: cr.Sequences, TokenIDs: cr.TokenIDs})
	}
	enc := yaml.NewEncoder(c.out)
	enc.SetIndent(2)
	if err := enc.Encode(view); err != nil {
		return err
	}
	return enc.Close()
}

func (c *cli) chat(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("%w: chat <dir> <role:text>...", errUsage)
	}
	msgs := make([]tokenizer.ChatMessage, 0, len(args)-1)
	for _, a := range args[1:] {
		role, content, ok := strings.Cut(a, ":")
		if !ok {
			return fmt.Errorf("%w: message %q is not role:text", errUsage, a)
		}
		msgs = append(msgs, tokenizer.ChatMessage{Role: role, Content: content})
	}
	b, err := c.load(args[0])
	if err != nil {
		return err
	}
	defer b.Close()

	prompt, err := b.RenderChat(msgs, nil)
	if err != nil {
		return err
	}
	fmt.Fprint(c.out, prompt)
	return nil
}

func (c *cli) probe(args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("%w: probe takes no arguments", errUsage)
	}
	fmt.Fprintf(c.out, "runtime: %s\n", resolver.RuntimeIdentifier(runtime.GOOS, runtime.GOARCH))
	fmt.Fprintf(c.out, "library: %s\n", resolver.LibraryFileName(interop.LibraryName, runtime.GOOS))
	for _, p := range resolver.ProbeCandidates(resolver.DefaultSearchDirs(), runtime.GOOS, runtime.GOARCH, interop.LibraryName) {
		mark := " "
		if resolver.FileExists(p) {
			mark = "*"
		}
		fmt.Fprintf(c.out, "%s %s\n", mark, p)
	}
	if _, err := interop.Native(); err != nil {
		fmt.Fprintf(c.out, "native: unavailable (%v)\n", err)
		return nil
	}
	fmt.Fprintln(c.out, "native: bound")
	return nil
}
