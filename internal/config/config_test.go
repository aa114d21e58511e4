package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/tokbridge/internal/tokerr"
)

func ptr[T any](v T) *T { return &v }

func TestTokenDefShapes(t *testing.T) {
	var defs []TokenDef
	require.NoError(t, json.Unmarshal([]byte(`["<a>", 7, {"id": 3, "content": "<b>", "lstrip": true}, {"content": "<c>"}, {"id": 9}]`), &defs))
	require.Len(t, defs, 5)

	assert.Equal(t, ShapeString, defs[0].Shape)
	assert.Equal(t, "<a>", *defs[0].Content)
	assert.Nil(t, defs[0].ID)

	assert.Equal(t, ShapeID, defs[1].Shape)
	assert.Equal(t, 7, *defs[1].ID)
	assert.Nil(t, defs[1].Content)

	assert.Equal(t, ShapeObject, defs[2].Shape)
	assert.Equal(t, 3, *defs[2].ID)
	assert.Equal(t, "<b>", *defs[2].Content)
	assert.Equal(t, true, defs[2].Flags["lstrip"])

	assert.Nil(t, defs[3].ID)
	assert.Nil(t, defs[4].Content)
}

func TestTokenDefRoundTrip(t *testing.T) {
	inputs := []string{
		`["<s>", 2, {"id": 1, "content": "</s>"}]`,
		`[{"content": "<pad>", "special": true, "normalized": false}, 0, "x"]`,
		`[{"id": 5}, {"content": "only"}, "<|im_end|>"]`,
	}
	for _, in := range inputs {
		var first []TokenDef
		require.NoError(t, json.Unmarshal([]byte(in), &first))

		out, err := json.Marshal(first)
		require.NoError(t, err)
		var second []TokenDef
		require.NoError(t, json.Unmarshal(out, &second))

		assert.Equal(t, first, second, "round trip of %s via %s", in, out)
	}
}

func TestTokenDefRejects(t *testing.T) {
	for _, in := range []string{`-1`, `1.5`, `true`, `{"id": -2}`, `{"content": 3}`} {
		var d TokenDef
		assert.Error(t, json.Unmarshal([]byte(in), &d), in)
	}
}

func TestParseSpecialTokensMap(t *testing.T) {
	m, err := ParseSpecialTokensMapContent([]byte(`{
		"bos_token": {"id": 1, "content": "<s>"},
		"eos_token": "</s>",
		"unk_token": 0,
		"additional_special_tokens": ["<x>", "", {"content": "<y>"}]
	}`))
	require.NoError(t, err)
	assert.Equal(t, "<s>", *m.Token(BOS).Content)
	assert.Equal(t, "</s>", *m.Token(EOS).Content)
	assert.Equal(t, 0, *m.Token(UNK).ID)
	assert.Nil(t, m.Token(PAD))
	assert.Len(t, m.AdditionalSpecialTokens, 3)

	var nilMap *SpecialTokensMap
	assert.Nil(t, nilMap.Token(BOS))
}

func TestParseSpecialTokensMapSyntaxError(t *testing.T) {
	_, err := ParseSpecialTokensMapContent([]byte(`{"bos_token": }`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, tokerr.ErrFormat))
	var fe *tokerr.FormatError
	require.True(t, errors.As(err, &fe))
	assert.Positive(t, fe.Offset)
}

const tokenizerDoc = `{
  "model": {"type": "BPE", "vocab": {"<unk>": 0, "a": 1, "b": 2}, "unk_token": "<unk>"},
  "added_tokens": [
    {"id": 10, "content": "<s>", "special": true},
    {"id": 11, "content": "<s>", "special": true},
    {"id": 12, "content": "a", "special": false}
  ],
  "padding": {"strategy": {"Fixed": 8}, "direction": "Left", "pad_id": 3, "pad_token": "<pad>"},
  "truncation": {"max_length": 256, "strategy": "LongestFirst"}
}`

func TestParseTokenizerConfig(t *testing.T) {
	cfg, err := ParseTokenizerConfigContent([]byte(tokenizerDoc), []byte(`{
		"bos_token": "<s>",
		"bos_token_id": null,
		"eos_token": {"content": "</s>", "lstrip": false},
		"pad_token": null,
		"model_max_length": 1000000000000000019884624838656,
		"chat_template": [{"name": "tool_use", "template": "T"}, {"name": "default", "template": "D"}],
		"chat_template_roles": {"user": "USER"}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "BPE", cfg.ModelType)
	// Later added tokens overwrite earlier ones with the same content.
	assert.Equal(t, 11, cfg.Vocab["<s>"])
	assert.Equal(t, 12, cfg.Vocab["a"])
	assert.Equal(t, 2, cfg.Vocab["b"])

	id, ok := cfg.UnknownTokenID()
	require.True(t, ok)
	assert.Equal(t, 0, id)

	require.NotNil(t, cfg.Padding)
	assert.Equal(t, "Fixed", cfg.Padding.Strategy)
	assert.Equal(t, 8, *cfg.Padding.FixedLength)
	assert.Equal(t, "Left", cfg.Padding.Direction)

	// The unbounded sentinel falls back to the truncation length.
	require.NotNil(t, cfg.MaxLength)
	assert.Equal(t, 256, *cfg.MaxLength)

	assert.Equal(t, "<s>", *cfg.Tokens[BOS].Content)
	assert.Nil(t, cfg.TokenIDs[BOS])
	assert.Equal(t, "</s>", *cfg.Tokens[EOS].Content)
	assert.Nil(t, cfg.Tokens[PAD])
	assert.Equal(t, "D", cfg.ChatTemplate)
	assert.Equal(t, map[string]string{"user": "USER"}, cfg.TemplateRoles)
}

func TestUnknownTokenIDIsDerived(t *testing.T) {
	cfg, err := ParseTokenizerConfigContent([]byte(`{"model": {"vocab": {"x": 4}}}`), nil)
	require.NoError(t, err)
	_, ok := cfg.UnknownTokenID()
	assert.False(t, ok)

	cfg.ModelUnkToken = "x"
	id, ok := cfg.UnknownTokenID()
	require.True(t, ok)
	assert.Equal(t, 4, id)

	cfg.Vocab["x"] = 9
	id, _ = cfg.UnknownTokenID()
	assert.Equal(t, 9, id)
}

func TestParseTokenizerConfigUnigramVocab(t *testing.T) {
	cfg, err := ParseTokenizerConfigContent([]byte(`{"model": {"type": "Unigram", "vocab": [["<unk>", 0], ["▁a", -1.5]]}}`), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"<unk>": 0, "▁a": 1}, cfg.Vocab)
	assert.Nil(t, cfg.MaxLength)
}

func TestParseTokenizerConfigFormatErrors(t *testing.T) {
	for _, tc := range []struct {
		name, tokenizer, config, source, reason string
	}{
		{"negative added token", `{"added_tokens": [{"id": -1, "content": "x"}]}`, "", "tokenizer.json", "added_tokens[0]"},
		{"negative vocab id", `{"model": {"vocab": {"a": -2}}}`, "", "tokenizer.json", "negative id"},
		{"vocab shape", `{"model": {"vocab": 7}}`, "", "tokenizer.json", "model.vocab"},
		{"empty unigram entry", `{"model": {"vocab": [[]]}}`, "", "tokenizer.json", "model.vocab[0]"},
		{"non-string piece", `{"model": {"vocab": [[3, 0.5]]}}`, "", "tokenizer.json", "model.vocab[0]"},
		{"negative token id", `{}`, `{"eos_token_id": -1}`, "tokenizer_config.json", "eos_token_id"},
		{"chat template shape", `{}`, `{"chat_template": 5}`, "tokenizer_config.json", "chat_template"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var config []byte
			if tc.config != "" {
				config = []byte(tc.config)
			}
			_, err := ParseTokenizerConfigContent([]byte(tc.tokenizer), config)
			require.ErrorIs(t, err, tokerr.ErrFormat)
			var fe *tokerr.FormatError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tc.source, fe.Source)
			assert.Contains(t, fe.Reason, tc.reason)
		})
	}
}

func TestParseTokenizerConfigFiles(t *testing.T) {
	dir := t.TempDir()
	tokPath := filepath.Join(dir, "tokenizer.json")
	require.NoError(t, os.WriteFile(tokPath, []byte(tokenizerDoc), 0o600))

	cfg, err := ParseTokenizerConfigFiles(tokPath, filepath.Join(dir, "tokenizer_config.json"))
	require.NoError(t, err, "a missing tokenizer_config.json is not an error")
	assert.Empty(t, cfg.ConfigFile)

	_, err = ParseTokenizerConfigFiles(filepath.Join(dir, "missing.json"), "")
	assert.Error(t, err)
}

func TestParseMergeRanks(t *testing.T) {
	entries, err := ParseMergeRanks(strings.NewReader("QQ== 0\nQg== 1\n"), "ranks.tiktoken")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, []byte{0x41}, entries[0].Token)
	assert.Equal(t, 0, entries[0].Rank)
	assert.Equal(t, []byte{0x42}, entries[1].Token)
	assert.Equal(t, 1, entries[1].Rank)

	entries, err = ParseMergeRanks(strings.NewReader("\nQQ== 0\n\n  \nQg== 1"), "ranks")
	require.NoError(t, err)
	assert.Len(t, entries, 2, "blank lines are skipped")
}

func TestParseMergeRanksErrors(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		line   int
		reason string
	}{
		{"wrong field count", "QQ== 0\nQg== 1 extra\n", 2, "fields"},
		{"single field", "\n\nQQ==\n", 3, "fields"},
		{"bad base64", "QQ== 0\n!!! 1\n", 2, "base64"},
		{"non-numeric rank", "QQ== zero\n", 1, "decimal"},
		{"negative rank", "QQ== -1\n", 1, "negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMergeRanks(strings.NewReader(tt.input), "ranks")
			require.Error(t, err)
			assert.ErrorIs(t, err, tokerr.ErrFormat)
			var fe *tokerr.FormatError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tt.line, fe.Line)
			assert.Contains(t, fe.Reason, tt.reason)
			assert.Contains(t, err.Error(), "ranks:")
		})
	}
}

func TestMergeRankLoader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cl.tiktoken")
	require.NoError(t, os.WriteFile(path, []byte("QQ== 0\nQg== 1\n"), 0o600))

	loader := &MergeRankLoader{Files: map[string]string{"https://example.invalid/cl.tiktoken": path}}
	ranks, err := loader.LoadTiktokenBpe("https://example.invalid/cl.tiktoken")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"A": 0, "B": 1}, ranks)

	sorted := SortedByRank(ranks)
	assert.Equal(t, []MergeRankEntry{{Token: []byte("A"), Rank: 0}, {Token: []byte("B"), Rank: 1}}, sorted)

	_, err = loader.LoadTiktokenBpe(filepath.Join(dir, "absent"))
	assert.Error(t, err)
}

func resolveGen(t *testing.T, gen string, ov Overrides) Settings {
	t.Helper()
	g, err := ParseGenerationConfigContent([]byte(gen))
	require.NoError(t, err)
	res, err := Resolve(nil, nil, g, ov)
	require.NoError(t, err)
	return res.Settings
}

func TestNeutralOverrideRemovesBinding(t *testing.T) {
	s := resolveGen(t, `{"temperature": 0.7, "top_p": 0.9}`, Overrides{TopP: Set(1.0)})

	b, ok := s.Binding(KindTemperature)
	require.True(t, ok)
	assert.Equal(t, CategoryWarper, b.Category)
	assert.InDelta(t, 0.7, b.Value, 1e-9)
	_, ok = s.Binding(KindTopP)
	assert.False(t, ok, "top_p = 1.0 is neutral")
	require.NotNil(t, s.TopP)
	assert.InDelta(t, 1.0, *s.TopP, 1e-9)
}

// Lookups work on the value returned by a call, which is not addressable.
func TestSettingsLookupOnValue(t *testing.T) {
	gen := `{"temperature": 0.5, "max_new_tokens": 8}`
	b, ok := resolveGen(t, gen, Overrides{}).Binding(KindTemperature)
	require.True(t, ok)
	assert.InDelta(t, 0.5, b.Value, 1e-9)
	c, ok := resolveGen(t, gen, Overrides{}).Criterion(CriterionMaxNewTokens)
	require.True(t, ok)
	assert.Equal(t, 8, c.MaxNewTokens)

	_, ok = Settings{}.Binding(KindTopK)
	assert.False(t, ok)
}

func TestBindings(t *testing.T) {
	tests := []struct {
		name  string
		gen   string
		ov    Overrides
		kinds []string
	}{
		{"none", `{}`, Overrides{}, nil},
		{"all active", `{"temperature": 0.5, "top_k": 40, "top_p": 0.8, "min_p": 0.05, "repetition_penalty": 1.1, "frequency_penalty": 0.2, "presence_penalty": -0.1}`, Overrides{},
			[]string{KindTemperature, KindTopK, KindTopP, KindMinP, KindRepetitionPenalty, KindFrequencyPenalty, KindPresencePenalty}},
		{"all neutral", `{"temperature": 1.0, "top_k": 0, "top_p": 1.0, "min_p": 0, "repetition_penalty": 1.0, "frequency_penalty": 0, "presence_penalty": 0}`, Overrides{}, nil},
		{"cleared temperature", `{"temperature": 0.3}`, Overrides{Temperature: Clear[float64]()}, nil},
		{"override adds", `{}`, Overrides{TopK: Set(5), RepetitionPenalty: Set(1.2)}, []string{KindTopK, KindRepetitionPenalty}},
		{"greedy temperature is active", `{"temperature": 0}`, Overrides{}, []string{KindTemperature}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := resolveGen(t, tt.gen, tt.ov)
			var kinds []string
			for _, b := range s.Bindings {
				kinds = append(kinds, b.Kind)
			}
			assert.Equal(t, tt.kinds, kinds)
		})
	}
}

func TestStoppingCriteria(t *testing.T) {
	s := resolveGen(t, `{"max_new_tokens": 64, "stop_strings": ["\n\n"], "eos_token_id": [2, 32000]}`, Overrides{})
	c, ok := s.Criterion(CriterionMaxNewTokens)
	require.True(t, ok)
	assert.Equal(t, 64, c.MaxNewTokens)
	c, ok = s.Criterion(CriterionStopSequences)
	require.True(t, ok)
	assert.Equal(t, []string{"\n\n"}, c.Sequences)
	c, ok = s.Criterion(CriterionStopTokenIDs)
	require.True(t, ok)
	assert.Equal(t, []int{2, 32000}, c.TokenIDs)

	s = resolveGen(t, `{"max_new_tokens": 64, "stop_strings": ["x"], "eos_token_id": 2}`,
		Overrides{MaxNewTokens: Clear[int](), StopSequences: Set([]string{})})
	assert.Len(t, s.Criteria, 1)
	c, ok = s.Criterion(CriterionStopTokenIDs)
	require.True(t, ok)
	assert.Equal(t, []int{2}, c.TokenIDs)

	s = resolveGen(t, `{"stop_strings": ["x"]}`, Overrides{StopSequences: Clear[[]string]()})
	assert.Empty(t, s.Criteria)
	assert.Nil(t, s.StopSequences)
}

func TestParseOverrides(t *testing.T) {
	ov, err := ParseOverridesYAML([]byte("temperature: 0.2\ntop_p: null\nmax_new_tokens: 12\nstop_strings: [\"END\"]\n"))
	require.NoError(t, err)
	v, ok := ov.Temperature.Value()
	require.True(t, ok)
	assert.InDelta(t, 0.2, v, 1e-9)
	assert.True(t, ov.TopP.IsCleared())
	assert.False(t, ov.TopK.IsSet())
	assert.False(t, ov.TopK.IsCleared())
	n, _ := ov.MaxNewTokens.Value()
	assert.Equal(t, 12, n)
	stops, _ := ov.StopSequences.Value()
	assert.Equal(t, []string{"END"}, stops)

	ov, err = ParseOverridesJSON([]byte(`{"temperature": null, "eos_token_id": 7}`))
	require.NoError(t, err)
	assert.True(t, ov.Temperature.IsCleared())
	eos, _ := ov.EosTokenID.Value()
	assert.Equal(t, IDList{7}, eos)

	_, err = ParseOverridesJSON([]byte(`{"temprature": 1}`))
	assert.Error(t, err, "unknown keys are rejected")

	ov, err = ParseOverridesYAML(nil)
	require.NoError(t, err)
	assert.False(t, ov.Temperature.IsSet())
}

func TestParseOverridesFile(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "ov.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("top_k: 3\n"), 0o600))
	ov, err := ParseOverridesFile(yamlPath)
	require.NoError(t, err)
	k, _ := ov.TopK.Value()
	assert.Equal(t, 3, k)

	jsonPath := filepath.Join(dir, "ov.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"top_k": null}`), 0o600))
	ov, err = ParseOverridesFile(jsonPath)
	require.NoError(t, err)
	assert.True(t, ov.TopK.IsCleared())
}

func TestResolverStageOrder(t *testing.T) {
	r := NewResolver(nil)
	assert.Equal(t, StageRaw, r.Stage())

	_, err := r.Finalize()
	assert.ErrorIs(t, err, ErrStage)
	assert.ErrorIs(t, r.MergeGeneration(nil, Overrides{}), ErrStage)

	require.NoError(t, r.MergeSpecialTokens(nil))
	assert.Equal(t, StageSpecialMerged, r.Stage())
	assert.ErrorIs(t, r.MergeSpecialTokens(nil), ErrStage)

	require.NoError(t, r.MergeGeneration(nil, Overrides{}))
	res, err := r.Finalize()
	require.NoError(t, err)
	assert.Equal(t, StageFinalized, r.Stage())
	assert.NotNil(t, res)

	_, err = r.Finalize()
	assert.ErrorIs(t, err, ErrStage)
}

func TestPayloadBOSFromMap(t *testing.T) {
	cfg, err := ParseTokenizerConfigContent([]byte(`{"model": {"vocab": {}}}`), []byte(`{"bos_token": "<s>", "bos_token_id": null}`))
	require.NoError(t, err)
	special, err := ParseSpecialTokensMapContent([]byte(`{"bos_token": {"id": 1, "content": "<s>"}}`))
	require.NoError(t, err)

	res, err := Resolve(cfg, special, nil, Overrides{})
	require.NoError(t, err)
	payload, ok, err := res.Payload(nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "<s>", payload["bos_token"])
	assert.Equal(t, 1, payload["bos_token_id"])
	assert.NotContains(t, payload, "eos_token")
}

func TestTokenPrecedence(t *testing.T) {
	cfg, err := ParseTokenizerConfigContent([]byte(`{"model": {}}`), []byte(`{
		"eos_token": "<cfg-eos>", "eos_token_id": 5,
		"unk_token": {"content": "<cfg-unk>", "id": 8},
		"pad_token_id": 0
	}`))
	require.NoError(t, err)
	special, err := ParseSpecialTokensMapContent([]byte(`{
		"eos_token": {"content": "<map-eos>", "id": 6},
		"unk_token": {"content": "<map-unk>", "id": 9},
		"pad_token": "<map-pad>"
	}`))
	require.NoError(t, err)

	res, err := Resolve(cfg, special, nil, Overrides{})
	require.NoError(t, err)

	assert.Equal(t, ResolvedToken{Content: ptr("<cfg-eos>"), ID: ptr(5)}, res.Tokens[EOS])
	assert.Equal(t, ResolvedToken{Content: ptr("<cfg-unk>"), ID: ptr(8)}, res.Tokens[UNK])
	assert.Equal(t, ResolvedToken{Content: ptr("<map-pad>"), ID: ptr(0)}, res.Tokens[PAD])
	assert.False(t, res.Tokens[BOS].Present())
}

func TestPayloadVariables(t *testing.T) {
	cfg, err := ParseTokenizerConfigContent([]byte(`{"model": {}}`), []byte(`{
		"eos_token": "</s>",
		"chat_template_roles": {"assistant": "BOT"},
		"additional_special_tokens": ["<a>", " ", null, {"content": "<b>"}]
	}`))
	require.NoError(t, err)
	res, err := Resolve(cfg, nil, nil, Overrides{})
	require.NoError(t, err)

	messages := []any{map[string]any{"role": "user", "content": "hi"}}
	vars := map[string]any{
		"eos_token": "<override>",
		"messages":  messages,
		"tools":     []string{"search"},
	}
	payload, ok, err := res.Payload(vars)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, "<override>", payload["eos_token"], "caller variables win")
	assert.Equal(t, map[string]any{"assistant": "BOT"}, payload["roles"])
	assert.Equal(t, []any{"<a>", "<b>"}, payload["additional_special_tokens"])
	assert.Equal(t, []any{"search"}, payload["tools"])

	// Mutating the caller's data does not reach the payload.
	messages[0].(map[string]any)["content"] = "changed"
	got := payload["messages"].([]any)[0].(map[string]any)["content"]
	assert.Equal(t, "hi", got)
}

func TestPayloadEmpty(t *testing.T) {
	res, err := Resolve(nil, nil, nil, Overrides{})
	require.NoError(t, err)
	payload, ok, err := res.Payload(nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, payload)

	payload, ok, err = res.Payload(map[string]any{"x": nil})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, payload, "x")
}

func TestPayloadRejectsUnrepresentable(t *testing.T) {
	res, err := Resolve(nil, nil, nil, Overrides{})
	require.NoError(t, err)
	_, _, err = res.Payload(map[string]any{"fn": func() {}})
	assert.Error(t, err)
}
