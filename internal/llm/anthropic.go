package llm

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/percolation-labs/rem/internal/remerr"
)

// AnthropicProvider implements ChatProvider against the Messages API.
type AnthropicProvider struct {
	client *anthropic.Client
}

var _ ChatProvider = (*AnthropicProvider)(nil)

const defaultMaxTokens = 4096

// NewAnthropicProvider creates a provider from an API key.
func NewAnthropicProvider(apiKey string, httpClient *http.Client) *AnthropicProvider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey), option.WithHTTPClient(httpClient))
	return &AnthropicProvider{client: &client}
}

func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (Response, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: defaultMaxTokens,
		Messages:  toAnthropicMessages(req.Messages),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: rawSchemaToInputSchema(t.Parameters),
			},
		})
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, &remerr.ProviderError{Provider: "anthropic", Retryable: true, Err: err}
	}

	var out Response
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			text := variant.Text
			out.Content = &text
		case anthropic.ToolUseBlock:
			args, _ := json.Marshal(variant.Input)
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:   variant.ID,
				Type: "function",
				Function: FunctionCall{
					Name:      variant.Name,
					Arguments: string(args),
				},
			})
		}
	}
	return out, nil
}

func toAnthropicMessages(msgs []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		content := ""
		if m.Content != nil {
			content = *m.Content
		}
		switch m.Role {
		case "user", "tool":
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(content)))
		case "assistant":
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(content)))
		}
	}
	return out
}

func rawSchemaToInputSchema(raw []byte) anthropic.ToolInputSchemaParam {
	if len(raw) == 0 {
		return anthropic.ToolInputSchemaParam{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return anthropic.ToolInputSchemaParam{}
	}
	props, _ := m["properties"]
	required, _ := m["required"].([]any)
	reqStrs := make([]string, 0, len(required))
	for _, r := range required {
		if s, ok := r.(string); ok {
			reqStrs = append(reqStrs, s)
		}
	}
	return anthropic.ToolInputSchemaParam{Properties: props, Required: reqStrs}
}
