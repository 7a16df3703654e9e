package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"

	"github.com/taskhive-ai/taskhive-engine/internal/engine/metrics"
	"github.com/taskhive-ai/taskhive-engine/pkg/httpclient"
	"github.com/taskhive-ai/taskhive-engine/pkg/logging"
	"github.com/taskhive-ai/taskhive-engine/pkg/types"
)

// Client is the reasoning oracle surface the planner and the verification
// pipeline depend on. The production implementation talks to an OpenAI-style
// vision chat-completions endpoint.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// CostRecorder receives one cost entry per oracle call. *treasury.Treasury
// satisfies it.
type CostRecorder interface {
	RecordCost(ctx context.Context, category types.EntryCategory, operation string, jobID uint64, amount *big.Int)
}

// Request is one oracle call. Op and JobID only label the cost entry.
type Request struct {
	System      string
	Prompt      string
	ImageURLs   []string
	MaxTokens   int
	Temperature float32
	Op          string
	JobID       uint64
}

type Response struct {
	Content      string
	FinishReason string
}

type Config struct {
	BaseURL  string
	APIKey   string
	Model    string
	CallCost *big.Int
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("oracle base URL cannot be empty")
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("oracle model cannot be empty")
	}
	return nil
}

// VisionClient calls an OpenAI-style /chat/completions endpoint, attaching
// image URLs as vision content parts.
type VisionClient struct {
	config   *Config
	http     *httpclient.Client
	recorder CostRecorder
	logger   logging.Logger
}

func NewVisionClient(config *Config, hc *httpclient.Client, recorder CostRecorder, logger logging.Logger) (*VisionClient, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if hc == nil {
		return nil, fmt.Errorf("http client cannot be nil")
	}
	return &VisionClient{
		config:   config,
		http:     hc,
		recorder: recorder,
		logger:   logger,
	}, nil
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (c *VisionClient) Complete(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Response{}, fmt.Errorf("oracle prompt cannot be empty")
	}

	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	if len(req.ImageURLs) == 0 {
		messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})
	} else {
		parts := make([]contentPart, 0, len(req.ImageURLs)+1)
		parts = append(parts, contentPart{Type: "text", Text: req.Prompt})
		for _, url := range req.ImageURLs {
			parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: url}})
		}
		messages = append(messages, chatMessage{Role: "user", Content: parts})
	}

	payload, err := json.Marshal(chatRequest{
		Model:       c.config.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return Response{}, fmt.Errorf("failed to marshal oracle request: %w", err)
	}

	endpoint := strings.TrimRight(c.config.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("failed to create oracle request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	// The call is metered whether or not the response turns out usable.
	if c.recorder != nil && c.config.CallCost != nil {
		c.recorder.RecordCost(ctx, types.CategoryOracleCall, req.Op, req.JobID, c.config.CallCost)
	}

	resp, err := c.http.DoWithRetry(ctx, httpReq)
	if err != nil {
		metrics.OracleCallsTotal.WithLabelValues(req.Op, "error").Inc()
		return Response{}, fmt.Errorf("oracle request failed: %w", err)
	}
	defer resp.Body.Close()
	metrics.OracleCallsTotal.WithLabelValues(req.Op, "ok").Inc()

	var decoded chatCompletionResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 10<<20)).Decode(&decoded); err != nil {
		return Response{}, fmt.Errorf("failed to decode oracle response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return Response{}, fmt.Errorf("oracle response has no choices")
	}
	content := decoded.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return Response{}, fmt.Errorf("oracle response is empty")
	}
	return Response{
		Content:      content,
		FinishReason: strings.TrimSpace(decoded.Choices[0].FinishReason),
	}, nil
}
