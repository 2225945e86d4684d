// Package openai provides an llm.Provider backed by the OpenAI chat
// completions API. It also serves OpenAI-compatible endpoints via
// WithBaseURL.
package openai

import (
	"context"
	"fmt"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/korahq/kora/pkg/provider/llm"
)

// Compile-time assertion that Provider satisfies llm.Provider.
var _ llm.Provider = (*Provider)(nil)

// Provider implements llm.Provider using the OpenAI API.
type Provider struct {
	client      oai.Client
	model       string
	temperature float64
	maxTokens   int
}

// Option is a functional option for Provider.
type Option func(*Provider, *[]option.RequestOption)

// WithBaseURL overrides the default API base URL, enabling
// OpenAI-compatible servers such as vLLM or LM Studio.
func WithBaseURL(url string) Option {
	return func(_ *Provider, opts *[]option.RequestOption) {
		*opts = append(*opts, option.WithBaseURL(url))
	}
}

// WithOrganization sets the OpenAI organization header.
func WithOrganization(org string) Option {
	return func(_ *Provider, opts *[]option.RequestOption) {
		*opts = append(*opts, option.WithOrganization(org))
	}
}

// WithTimeout bounds each API request.
func WithTimeout(d time.Duration) Option {
	return func(_ *Provider, opts *[]option.RequestOption) {
		*opts = append(*opts, option.WithRequestTimeout(d))
	}
}

// WithDefaults sets the temperature and max token count applied when a
// request leaves them zero.
func WithDefaults(temperature float64, maxTokens int) Option {
	return func(p *Provider, _ *[]option.RequestOption) {
		p.temperature = temperature
		p.maxTokens = maxTokens
	}
}

// New creates an OpenAI chat provider for the given model.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	p := &Provider{model: model}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	for _, o := range opts {
		o(p, &reqOpts)
	}
	p.client = oai.NewClient(reqOpts...)
	return p, nil
}

// StreamCompletion implements llm.Provider. Tool call deltas are
// reassembled by index and emitted once complete, alongside the finish
// reason chunk.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		defer stream.Close()

		// Tool call fragments arrive as deltas keyed by index.
		type partial struct {
			id   string
			name string
			args string
		}
		accum := make(map[int]*partial)

		send := func(c llm.Chunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]

			for _, tc := range choice.Delta.ToolCalls {
				idx := int(tc.Index)
				pt, ok := accum[idx]
				if !ok {
					pt = &partial{}
					accum[idx] = pt
				}
				if tc.ID != "" {
					pt.id = tc.ID
				}
				if tc.Function.Name != "" {
					pt.name = tc.Function.Name
				}
				pt.args += tc.Function.Arguments
			}

			if choice.Delta.Content != "" {
				if !send(llm.Chunk{Text: choice.Delta.Content}) {
					return
				}
			}

			if choice.FinishReason != "" {
				out := llm.Chunk{FinishReason: choice.FinishReason}
				for i := 0; i < len(accum); i++ {
					pt := accum[i]
					if pt == nil {
						continue
					}
					out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
						ID:        pt.id,
						Name:      pt.name,
						Arguments: pt.args,
					})
				}
				if !send(out) {
					return
				}
			}
		}

		if err := stream.Err(); err != nil {
			send(llm.Chunk{FinishReason: llm.FinishReasonError, Text: err.Error()})
		}
	}()

	return ch, nil
}

func (p *Provider) buildParams(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		converted, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		msgs = append(msgs, converted)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: msgs,
	}

	temp := req.Temperature
	if temp == 0 {
		temp = p.temperature
	}
	if temp != 0 {
		params.Temperature = param.NewOpt(temp)
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.maxTokens
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(maxTokens))
	}

	for _, t := range req.Tools {
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: param.NewOpt(t.Description),
				Parameters:  shared.FunctionParameters(t.Parameters),
			},
		})
	}

	return params, nil
}

func convertMessage(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case llm.RoleSystem:
		return oai.SystemMessage(m.Content), nil

	case llm.RoleUser:
		return oai.UserMessage(m.Content), nil

	case llm.RoleAssistant:
		asst := oai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			asst.Content.OfString = param.NewOpt(m.Content)
		}
		for _, tc := range m.ToolCalls {
			asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil

	case llm.RoleTool:
		return oai.ToolMessage(m.Content, m.ToolCallID), nil

	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unsupported message role %q", m.Role)
	}
}
