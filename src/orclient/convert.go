package orclient

import (
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"

	"github.com/elee1766/threadloom/src/aisdk"
	"github.com/elee1766/threadloom/src/thread"
)

func toParams(system string, msgs []*aisdk.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}
	for i, m := range msgs {
		p, err := toParam(m)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func toParam(m *aisdk.Message) (openai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case thread.RoleSystem:
		return openai.SystemMessage(m.Text()), nil
	case thread.RoleTool:
		return openai.ToolMessage(flattenText(m.Content), m.ToolCallID), nil
	case thread.RoleAssistant:
		asst := openai.ChatCompletionAssistantMessageParam{}
		if text := m.Text(); text != "" {
			asst.Content.OfString = openai.String(text)
		}
		for _, tc := range m.ToolCalls {
			asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: openai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Function.Name,
					Arguments: string(tc.Function.Arguments),
				},
			})
		}
		return openai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil
	case thread.RoleUser:
		parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(m.Content))
		for _, p := range m.Content {
			switch p.Type {
			case thread.ContentText:
				parts = append(parts, openai.TextContentPart(p.Text))
			case thread.ContentImageURL:
				parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL: p.ImageURL.URL,
				}))
			case thread.ContentInputAudio:
				parts = append(parts, openai.InputAudioContentPart(openai.ChatCompletionContentPartInputAudioInputAudioParam{
					Data:   p.InputAudio.Data,
					Format: p.InputAudio.Format,
				}))
			case thread.ContentResource:
				parts = append(parts, openai.TextContentPart(resourceText(p.Resource)))
			}
		}
		return openai.UserMessage(parts), nil
	}
	return openai.ChatCompletionMessageParamUnion{}, fmt.Errorf("unsupported role %q", m.Role)
}

// flattenText renders every part as text, for roles that only accept text
func flattenText(parts []thread.ContentPart) string {
	out := ""
	for _, p := range parts {
		var s string
		switch p.Type {
		case thread.ContentText:
			s = p.Text
		case thread.ContentResource:
			s = resourceText(p.Resource)
		case thread.ContentImageURL:
			s = "[image]"
		case thread.ContentInputAudio:
			s = "[audio]"
		}
		if out != "" {
			out += "\n"
		}
		out += s
	}
	return out
}

func resourceText(r *thread.Resource) string {
	if r.Text != "" {
		return fmt.Sprintf("[resource %s]\n%s", r.URI, r.Text)
	}
	return fmt.Sprintf("[resource %s]", r.URI)
}

func toToolParams(defs []*aisdk.ToolDefinition) ([]openai.ChatCompletionToolParam, error) {
	out := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for _, d := range defs {
		params := openai.FunctionParameters{"type": "object", "properties": map[string]any{}}
		if d.Parameters != nil {
			raw, err := json.Marshal(d.Parameters)
			if err != nil {
				return nil, fmt.Errorf("tool %s: failed to marshal schema: %w", d.Name, err)
			}
			params = openai.FunctionParameters{}
			if err := json.Unmarshal(raw, &params); err != nil {
				return nil, fmt.Errorf("tool %s: failed to decode schema: %w", d.Name, err)
			}
		}
		fn := openai.FunctionDefinitionParam{
			Name:       d.Name,
			Parameters: params,
		}
		if d.Description != "" {
			fn.Description = openai.String(d.Description)
		}
		out = append(out, openai.ChatCompletionToolParam{Function: fn})
	}
	return out, nil
}
