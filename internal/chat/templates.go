package chat

import "strings"

// ChatML renders <|im_start|>role\ncontent<|im_end|> turns.
type ChatML struct{}

// Name returns the template name.
func (ChatML) Name() string { return "ChatML" }

// Render implements Renderer.
func (ChatML) Render(payload map[string]any) (string, error) {
	msgs, err := messages(payload)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, msg := range msgs {
		sb.WriteString("<|im_start|>")
		sb.WriteString(roleName(payload, msg.Role))
		sb.WriteString("\n")
		sb.WriteString(msg.Content)
		sb.WriteString("<|im_end|>\n")
	}
	if generationPrompt(payload) {
		sb.WriteString("<|im_start|>")
		sb.WriteString(roleName(payload, "assistant"))
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// LLaMA renders the [INST] layout with the system prompt folded into the first user turn.
type LLaMA struct{}

// Name returns the template name.
func (LLaMA) Name() string { return "LLaMA" }

// Render implements Renderer.
func (LLaMA) Render(payload map[string]any) (string, error) {
	msgs, err := messages(payload)
	if err != nil {
		return "", err
	}
	bos, eos := stringVar(payload, "bos_token"), stringVar(payload, "eos_token")

	var systemPrompt string
	var conversation []Message
	for _, msg := range msgs {
		if msg.Role == "system" {
			systemPrompt = msg.Content
			continue
		}
		conversation = append(conversation, msg)
	}

	var sb strings.Builder
	sb.WriteString(bos)
	for i, msg := range conversation {
		switch msg.Role {
		case "user":
			sb.WriteString("[INST] ")
			if i == 0 && systemPrompt != "" {
				sb.WriteString("<<SYS>>\n")
				sb.WriteString(systemPrompt)
				sb.WriteString("\n<</SYS>>\n\n")
			}
			sb.WriteString(msg.Content)
			sb.WriteString(" [/INST]")
		case "assistant":
			sb.WriteString(" ")
			sb.WriteString(msg.Content)
			sb.WriteString(eos)
			if i < len(conversation)-1 {
				sb.WriteString(bos)
			}
		}
	}
	return sb.String(), nil
}

// Mistral renders the [INST] layout without a system block; a leading system message becomes
// its own instruction.
type Mistral struct{}

// Name returns the template name.
func (Mistral) Name() string { return "Mistral" }

// Render implements Renderer.
func (Mistral) Render(payload map[string]any) (string, error) {
	msgs, err := messages(payload)
	if err != nil {
		return "", err
	}
	bos, eos := stringVar(payload, "bos_token"), stringVar(payload, "eos_token")

	var sb strings.Builder
	sb.WriteString(bos)
	for i, msg := range msgs {
		switch msg.Role {
		case "user":
			sb.WriteString("[INST] ")
			sb.WriteString(msg.Content)
			sb.WriteString(" [/INST]")
		case "assistant":
			if i > 0 {
				sb.WriteString(" ")
			}
			sb.WriteString(msg.Content)
			sb.WriteString(eos)
			if i < len(msgs)-1 {
				sb.WriteString(bos)
			}
		case "system":
			if i == 0 {
				sb.WriteString("[INST] ")
				sb.WriteString(msg.Content)
				sb.WriteString(" [/INST]")
			}
		}
	}
	return sb.String(), nil
}
