package llm

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/percolation-labs/rem/internal/remerr"
)

// OpenAIProvider implements ChatProvider against the chat completions API,
// and any OpenAI-compatible endpoint via WithBaseURL.
type OpenAIProvider struct {
	client *openai.Client
}

var _ ChatProvider = (*OpenAIProvider)(nil)

// NewOpenAIProvider creates a provider from an API key.
func NewOpenAIProvider(apiKey string, baseURL string, httpClient *http.Client) *OpenAIProvider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithHTTPClient(httpClient)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &OpenAIProvider{client: &client}
}

func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (Response, error) {
	params := openai.ChatCompletionNewParams{
		Model:    req.Model,
		Messages: toOpenAIMessages(req),
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolUnionParam{
			OfFunction: &openai.ChatCompletionFunctionToolParam{
				Function: shared.FunctionDefinitionParam{
					Name:        t.Name,
					Description: openai.String(t.Description),
					Parameters:  rawSchemaToParams(t.Parameters),
				},
			},
		})
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, &remerr.ProviderError{Provider: "openai", Retryable: true, Err: err}
	}
	if len(resp.Choices) == 0 {
		return Response{}, &remerr.ProviderError{Provider: "openai", Err: ErrNoChoices}
	}

	msg := resp.Choices[0].Message
	out := Response{}
	if msg.Content != "" {
		content := msg.Content
		out.Content = &content
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return out, nil
}

func toOpenAIMessages(req Request) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, openai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "user":
			if m.Content != nil {
				msgs = append(msgs, openai.UserMessage(*m.Content))
			}
		case "assistant":
			content := ""
			if m.Content != nil {
				content = *m.Content
			}
			msgs = append(msgs, openai.AssistantMessage(content))
		case "tool":
			content := ""
			if m.Content != nil {
				content = *m.Content
			}
			msgs = append(msgs, openai.ToolMessage(content, m.ToolCallID))
		case "system":
			if m.Content != nil {
				msgs = append(msgs, openai.SystemMessage(*m.Content))
			}
		}
	}
	return msgs
}

// rawSchemaToParams decodes a tool's JSON Schema bytes into the map shape
// openai-go's FunctionParameters wraps; a malformed schema degrades to an
// empty parameter object rather than failing the whole request.
func rawSchemaToParams(raw []byte) shared.FunctionParameters {
	if len(raw) == 0 {
		return shared.FunctionParameters{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return shared.FunctionParameters{}
	}
	return shared.FunctionParameters(m)
}
