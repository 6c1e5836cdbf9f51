// Package inference is the boundary to the text-generation service. Requests
// are rendered to a JSON payload up front; clients only send payloads and
// return the raw text content of the reply.
package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
)

// Request is the generalized inference request body.
type Request struct {
	Prompt         string          `json:"prompt"`
	System         string          `json:"system,omitempty"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens"`
	ResponseSchema json.RawMessage `json:"response_schema,omitempty"`
}

// Encode renders the request as the payload sent to the service.
func (r Request) Encode() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", eris.Wrap(err, "inference: encode request")
	}
	return string(data), nil
}

// DecodeRequest parses a payload produced by Encode.
func DecodeRequest(payload string) (Request, error) {
	var r Request
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return Request{}, eris.Wrap(err, "inference: decode request")
	}
	return r, nil
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Response is the untyped text reply.
type Response struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// Client sends rendered payloads to the inference service.
type Client interface {
	// Send issues one rendered payload.
	Send(ctx context.Context, payload string) (*Response, error)
	// Ping checks that the service is reachable and answering.
	Ping(ctx context.Context) error
	// Model names the model used, for cost attribution.
	Model() string
}

// Complete encodes req and sends it with c.
func Complete(ctx context.Context, c Client, req Request) (*Response, error) {
	payload, err := req.Encode()
	if err != nil {
		return nil, err
	}
	return c.Send(ctx, payload)
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
	// Wait is the delay requested by a Retry-After header, if any.
	Wait time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("inference: status %d: %s", e.StatusCode, e.Body)
}

// HTTPStatus exposes the status code to error classifiers.
func (e *StatusError) HTTPStatus() int {
	return e.StatusCode
}

// RetryAfter exposes the server-requested delay to retry policies.
func (e *StatusError) RetryAfter() time.Duration {
	return e.Wait
}

var pingRequest = Request{Prompt: "ping", MaxTokens: 1}
