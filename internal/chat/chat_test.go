package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/tokbridge/internal/config"
)

func resolvedFor(t *testing.T, configJSON string) *config.Resolved {
	t.Helper()
	cfg, err := config.ParseTokenizerConfigContent([]byte(`{"model": {}}`), []byte(configJSON))
	require.NoError(t, err)
	res, err := config.Resolve(cfg, nil, nil, config.Overrides{})
	require.NoError(t, err)
	return res
}

func TestChatML(t *testing.T) {
	tests := []struct {
		name     string
		messages []Message
		want     string
	}{
		{
			name:     "single user message",
			messages: []Message{{Role: "user", Content: "Hello!"}},
			want:     "<|im_start|>user\nHello!<|im_end|>\n<|im_start|>assistant\n",
		},
		{
			name: "full conversation",
			messages: []Message{
				{Role: "system", Content: "You are helpful."},
				{Role: "user", Content: "Hello!"},
				{Role: "assistant", Content: "Hi! How can I help?"},
				{Role: "user", Content: "Tell me a joke."},
			},
			want: "<|im_start|>system\nYou are helpful.<|im_end|>\n" +
				"<|im_start|>user\nHello!<|im_end|>\n" +
				"<|im_start|>assistant\nHi! How can I help?<|im_end|>\n" +
				"<|im_start|>user\nTell me a joke.<|im_end|>\n" +
				"<|im_start|>assistant\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(ChatML{}, nil, tt.messages, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChatMLRolesAndGenerationPrompt(t *testing.T) {
	res := resolvedFor(t, `{"chat_template_roles": {"user": "human", "assistant": "gpt"}}`)
	got, err := Render(ChatML{}, res, []Message{{Role: "user", Content: "hi"}}, map[string]any{"add_generation_prompt": false})
	require.NoError(t, err)
	assert.Equal(t, "<|im_start|>human\nhi<|im_end|>\n", got)

	got, err = Render(ChatML{}, res, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "<|im_start|>gpt\n", got)
}

func TestLLaMAUsesPayloadTokens(t *testing.T) {
	msgs := []Message{
		{Role: "system", Content: "Be brief."},
		{Role: "user", Content: "Hi"},
		{Role: "assistant", Content: "Hello"},
		{Role: "user", Content: "Bye"},
	}

	got, err := Render(LLaMA{}, resolvedFor(t, `{"bos_token": "<s>", "eos_token": "</s>"}`), msgs, nil)
	require.NoError(t, err)
	assert.Equal(t, "<s>[INST] <<SYS>>\nBe brief.\n<</SYS>>\n\nHi [/INST] Hello</s><s>[INST] Bye [/INST]", got)

	got, err = Render(LLaMA{}, resolvedFor(t, `{"bos_token": "<|begin|>", "eos_token": {"content": "<|end|>"}}`), msgs[1:3], nil)
	require.NoError(t, err)
	assert.Equal(t, "<|begin|>[INST] Hi [/INST] Hello<|end|>", got)

	got, err = Render(LLaMA{}, nil, msgs[1:2], nil)
	require.NoError(t, err)
	assert.Equal(t, "[INST] Hi [/INST]", got, "absent tokens render as nothing")
}

func TestMistral(t *testing.T) {
	res := resolvedFor(t, `{"bos_token": "<s>", "eos_token": "</s>"}`)
	got, err := Render(Mistral{}, res, []Message{
		{Role: "system", Content: "Sys"},
		{Role: "user", Content: "Q1"},
		{Role: "assistant", Content: "A1"},
		{Role: "user", Content: "Q2"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "<s>[INST] Sys [/INST][INST] Q1 [/INST] A1</s><s>[INST] Q2 [/INST]", got)
}

func TestRenderRejectsMalformedMessages(t *testing.T) {
	_, err := ChatML{}.Render(map[string]any{"messages": "nope"})
	assert.ErrorContains(t, err, "expected a list")

	_, err = ChatML{}.Render(map[string]any{"messages": []any{map[string]any{"content": "x"}}})
	assert.ErrorContains(t, err, "missing role")

	_, err = Render(ChatML{}, nil, nil, map[string]any{"bad": make(chan int)})
	assert.Error(t, err)
}

func TestLookupAndDetect(t *testing.T) {
	for _, name := range []string{"ChatML", "llama", "MISTRAL"} {
		r, err := Lookup(name)
		require.NoError(t, err)
		assert.NotEmpty(t, r.Name())
	}
	_, err := Lookup("vicuna")
	assert.Error(t, err)

	tests := []struct {
		template string
		want     string
	}{
		{"{% for m in messages %}<|im_start|>{{ m.role }}{% endfor %}", "ChatML"},
		{"{{ bos_token }}[INST] <<SYS>>{{ system }}<</SYS>>", "LLaMA"},
		{"{{ bos_token }}[INST] {{ m.content }} [/INST]", "Mistral"},
	}
	for _, tt := range tests {
		r, ok := Detect(tt.template)
		require.True(t, ok, tt.template)
		assert.Equal(t, tt.want, r.Name())
	}
	_, ok := Detect("{{ messages }}")
	assert.False(t, ok)
}
