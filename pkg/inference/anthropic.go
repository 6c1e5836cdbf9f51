package inference

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/job-scorer/pkg/anthropic"
)

type anthropicClient struct {
	client anthropic.Client
	model  string
}

// NewAnthropic adapts an Anthropic messages client to the Client interface.
// The system text is sent as a cached block; a response schema is appended to
// the prompt as an instruction since the Messages API has no schema field.
func NewAnthropic(client anthropic.Client, model string) Client {
	return &anthropicClient{client: client, model: model}
}

func (c *anthropicClient) Model() string { return c.model }

func (c *anthropicClient) Send(ctx context.Context, payload string) (*Response, error) {
	req, err := DecodeRequest(payload)
	if err != nil {
		return nil, err
	}

	prompt := req.Prompt
	if len(req.ResponseSchema) > 0 {
		prompt = strings.TrimSpace(prompt) +
			"\n\nRespond with a single JSON object matching this JSON schema:\n" + string(req.ResponseSchema)
	}
	temp := req.Temperature

	resp, err := c.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       c.model,
		MaxTokens:   int64(req.MaxTokens),
		System:      anthropic.CachedSystem(req.System),
		Messages:    []anthropic.Message{{Role: "user", Content: prompt}},
		Temperature: &temp,
	})
	if err != nil {
		if code, ok := anthropic.StatusCode(err); ok {
			return nil, eris.Wrap(&StatusError{StatusCode: code, Body: err.Error()}, "inference: anthropic")
		}
		return nil, eris.Wrap(err, "inference: anthropic")
	}

	return &Response{
		Content: resp.Text(),
		Usage: Usage{
			InputTokens:  resp.Usage.InputTokens + resp.Usage.CacheCreationInputTokens + resp.Usage.CacheReadInputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}, nil
}

func (c *anthropicClient) Ping(ctx context.Context) error {
	_, err := Complete(ctx, c, pingRequest)
	return eris.Wrap(err, "inference: ping")
}
