package provider

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

const MessageRefused = "refused"

type OpenAIOptions struct {
	ID           string
	Model        string
	APIKey       string
	BaseURL      string
	Capabilities Capabilities
	CostPerCall  float64
	HTTPClient   *http.Client
}

// OpenAIAdapter serves llm_text and llm_structured through the chat
// completions API. Structured mode sends a strict JSON schema response
// format when the caller supplies one.
type OpenAIAdapter struct {
	id          string
	model       string
	caps        Capabilities
	costPerCall float64
	client      openai.Client
}

func NewOpenAIAdapter(o OpenAIOptions) *OpenAIAdapter {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if o.APIKey != "" {
		opts = append(opts, option.WithAPIKey(o.APIKey))
	}
	if o.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(o.BaseURL))
	}
	if o.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(o.HTTPClient))
	}
	return &OpenAIAdapter{
		id:          o.ID,
		model:       o.Model,
		caps:        o.Capabilities,
		costPerCall: o.CostPerCall,
		client:      openai.NewClient(opts...),
	}
}

func (a *OpenAIAdapter) ID() string                 { return a.id }
func (a *OpenAIAdapter) Model() string              { return a.model }
func (a *OpenAIAdapter) Capabilities() Capabilities { return a.caps }

func (a *OpenAIAdapter) EstimateCost(Params) float64 {
	return a.costPerCall
}

func (a *OpenAIAdapter) Invoke(ctx context.Context, params Params) Result {
	p, err := a.buildParams(params)
	if err != nil {
		return Failure(CodeInvalidInput, err.Error())
	}
	completion, err := a.client.Chat.Completions.New(ctx, p)
	if err != nil {
		return classifyOpenAIError(ctx, err)
	}
	if len(completion.Choices) == 0 {
		return Failure(CodeTransient, "empty completion")
	}
	msg := completion.Choices[0].Message
	if msg.Refusal != "" {
		return Result{Code: CodePermanent, Message: MessageRefused, Refused: true, Text: msg.Refusal}
	}
	return TextResult(msg.Content)
}

// Stream forwards content deltas to onDelta while accumulating the full
// completion.
func (a *OpenAIAdapter) Stream(ctx context.Context, params Params, onDelta func(string)) Result {
	p, err := a.buildParams(params)
	if err != nil {
		return Failure(CodeInvalidInput, err.Error())
	}
	stream := a.client.Chat.Completions.NewStreaming(ctx, p)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" && onDelta != nil {
			onDelta(chunk.Choices[0].Delta.Content)
		}
	}
	if err := stream.Err(); err != nil {
		return classifyOpenAIError(ctx, err)
	}
	if len(acc.Choices) == 0 {
		return Failure(CodeTransient, "empty completion")
	}
	msg := acc.Choices[0].Message
	if msg.Refusal != "" {
		return Result{Code: CodePermanent, Message: MessageRefused, Refused: true, Text: msg.Refusal}
	}
	return TextResult(msg.Content)
}

func (a *OpenAIAdapter) buildParams(params Params) (openai.ChatCompletionNewParams, error) {
	msgs, err := messagesFrom(params)
	if err != nil {
		return openai.ChatCompletionNewParams{}, err
	}
	p := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(a.model),
		Messages: toChatMessages(msgs),
	}
	if effort := params.String(KeyReasoningEffort); effort != "" && reasoningModel(a.model) {
		p.ReasoningEffort = shared.ReasoningEffort(effort)
	}
	if schema, ok := params[KeyJSONSchema].(map[string]any); ok && a.caps.Kind == KindLLMStructured {
		name := params.String(KeySchemaName)
		if name == "" {
			name = "response"
		}
		p.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   name,
					Schema: schema,
					Strict: openai.Bool(true),
				},
			},
		}
	}
	return p, nil
}

func messagesFrom(params Params) ([]Message, error) {
	if msgs, ok := params[KeyMessages].([]Message); ok && len(msgs) > 0 {
		return msgs, nil
	}
	if prompt := params.String(KeyPrompt); prompt != "" {
		return []Message{{Role: "user", Content: prompt}}, nil
	}
	return nil, errors.New("no messages or prompt")
}

func toChatMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			if len(m.ImageURLs) == 0 {
				out = append(out, openai.UserMessage(m.Content))
				continue
			}
			parts := []openai.ChatCompletionContentPartUnionParam{openai.TextContentPart(m.Content)}
			for _, u := range m.ImageURLs {
				parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: u}))
			}
			out = append(out, openai.UserMessage(parts))
		}
	}
	return out
}

// reasoningModel reports whether the model accepts reasoning_effort.
func reasoningModel(model string) bool {
	m := strings.ToLower(model)
	return strings.HasPrefix(m, "o1") || strings.HasPrefix(m, "o3") || strings.HasPrefix(m, "o4") || strings.HasPrefix(m, "gpt-5")
}

func classifyOpenAIError(ctx context.Context, err error) Result {
	if ctx.Err() != nil {
		return FromContext(ctx)
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := fmt.Sprintf("openai status %d: %s", apiErr.StatusCode, apiErr.Message)
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return Failure(CodeRateLimited, msg)
		case apiErr.StatusCode >= 500:
			return Failure(CodeTransient, msg)
		case apiErr.StatusCode == http.StatusBadRequest || apiErr.StatusCode == http.StatusUnprocessableEntity:
			return Failure(CodeInvalidInput, msg)
		default:
			return Failure(CodePermanent, msg)
		}
	}
	switch {
	case isRateLimitError(err):
		return Failure(CodeRateLimited, err.Error())
	case isServerError(err):
		return Failure(CodeTransient, err.Error())
	}
	log.Printf("[Provider] openai network error: %v", err)
	return Failure(CodeTransient, err.Error())
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests")
}

func isServerError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "server_error")
}
