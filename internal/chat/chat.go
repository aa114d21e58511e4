// Package chat renders conversations from a resolved chat-template payload.
//
// The full Jinja-style template engine lives outside this module and plugs in through Renderer.
// The built-in renderers cover the ChatML, LLaMA and Mistral layouts; they read bos and eos from
// the payload rather than assuming fixed token strings.
package chat

import (
	"fmt"
	"strings"

	"github.com/born-ml/tokbridge/internal/config"
)

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Renderer turns a chat-template payload into a prompt. The payload holds the resolved token
// variables plus "messages" and "add_generation_prompt".
type Renderer interface {
	Name() string
	Render(payload map[string]any) (string, error)
}

// Render builds the payload for msgs from resolved (extra variables win over the built-in ones)
// and passes it to r. A nil resolved renders without token variables.
func Render(r Renderer, resolved *config.Resolved, msgs []Message, extra map[string]any) (string, error) {
	vars := map[string]any{
		"messages":              msgs,
		"add_generation_prompt": true,
	}
	for k, v := range extra {
		vars[k] = v
	}
	if resolved == nil {
		resolved = &config.Resolved{}
	}
	payload, _, err := resolved.Payload(vars)
	if err != nil {
		return "", fmt.Errorf("chat payload: %w", err)
	}
	return r.Render(payload)
}

// Lookup returns a built-in renderer by name.
func Lookup(name string) (Renderer, error) {
	switch strings.ToLower(name) {
	case "chatml":
		return ChatML{}, nil
	case "llama":
		return LLaMA{}, nil
	case "mistral":
		return Mistral{}, nil
	default:
		return nil, fmt.Errorf("unknown chat template: %s", name)
	}
}

// Detect picks the built-in renderer whose layout a template source uses. ok is false when
// none matches.
func Detect(template string) (Renderer, bool) {
	switch {
	case strings.Contains(template, "<|im_start|>"):
		return ChatML{}, true
	case strings.Contains(template, "<<SYS>>"):
		return LLaMA{}, true
	case strings.Contains(template, "[INST]"):
		return Mistral{}, true
	default:
		return nil, false
	}
}

// messages reads the "messages" variable. After payload cloning it is a list of objects.
func messages(payload map[string]any) ([]Message, error) {
	raw, ok := payload["messages"]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("messages: expected a list, got %T", raw)
	}
	out := make([]Message, 0, len(list))
	for i, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("messages[%d]: expected an object, got %T", i, item)
		}
		role, _ := obj["role"].(string)
		content, _ := obj["content"].(string)
		if role == "" {
			return nil, fmt.Errorf("messages[%d]: missing role", i)
		}
		out = append(out, Message{Role: role, Content: content})
	}
	return out, nil
}

func stringVar(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

// roleName maps a role through the payload's "roles" table.
func roleName(payload map[string]any, role string) string {
	if roles, ok := payload["roles"].(map[string]any); ok {
		if name, ok := roles[role].(string); ok && name != "" {
			return name
		}
	}
	return role
}

func generationPrompt(payload map[string]any) bool {
	v, ok := payload["add_generation_prompt"].(bool)
	return !ok || v
}
