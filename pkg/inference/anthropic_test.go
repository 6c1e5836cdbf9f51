package inference

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/job-scorer/pkg/anthropic"
)

// mockAnthropic implements anthropic.Client for testing.
type mockAnthropic struct {
	mock.Mock
}

func (m *mockAnthropic) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func TestAnthropic_Send(t *testing.T) {
	mc := &mockAnthropic{}
	mc.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "claude-haiku-4-5-20251001" &&
			req.MaxTokens == 256 &&
			len(req.System) == 1 && req.System[0].Text == "profile" &&
			req.Temperature != nil && *req.Temperature == 0.2 &&
			strings.Contains(req.Messages[0].Content, "score this") &&
			strings.Contains(req.Messages[0].Content, `{"type":"object"}`)
	})).Return(&anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: `{"score": 55}`}},
		Usage:   anthropic.TokenUsage{InputTokens: 10, CacheReadInputTokens: 90, OutputTokens: 12},
	}, nil)

	c := NewAnthropic(mc, "claude-haiku-4-5-20251001")
	assert.Equal(t, "claude-haiku-4-5-20251001", c.Model())

	resp, err := Complete(context.Background(), c, Request{
		Prompt:         "score this",
		System:         "profile",
		Temperature:    0.2,
		MaxTokens:      256,
		ResponseSchema: []byte(`{"type":"object"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, `{"score": 55}`, resp.Content)
	assert.Equal(t, int64(100), resp.Usage.InputTokens)
	assert.Equal(t, int64(12), resp.Usage.OutputTokens)
	mc.AssertExpectations(t)
}

func TestAnthropic_Send_NoSystem(t *testing.T) {
	mc := &mockAnthropic{}
	mc.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.System == nil && req.Messages[0].Content == "plain"
	})).Return(&anthropic.MessageResponse{}, nil)

	_, err := Complete(context.Background(), NewAnthropic(mc, "m"), Request{Prompt: "plain", MaxTokens: 8})
	require.NoError(t, err)
	mc.AssertExpectations(t)
}

func TestAnthropic_Send_Error(t *testing.T) {
	mc := &mockAnthropic{}
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset by peer"))

	_, err := NewAnthropic(mc, "m").Send(context.Background(), `{"prompt":"x","max_tokens":1}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	var se *StatusError
	assert.False(t, errors.As(err, &se))
}

func TestAnthropic_Send_BadPayload(t *testing.T) {
	mc := &mockAnthropic{}
	_, err := NewAnthropic(mc, "m").Send(context.Background(), "{")
	require.Error(t, err)
	mc.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything)
}

func TestAnthropic_Ping(t *testing.T) {
	mc := &mockAnthropic{}
	mc.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.MaxTokens == 1
	})).Return(&anthropic.MessageResponse{}, nil)

	require.NoError(t, NewAnthropic(mc, "m").Ping(context.Background()))
}
