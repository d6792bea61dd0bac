// Package agents implements the pipeline's generation steps on top of an
// OpenAI-compatible chat completions API. Every request asks for a JSON
// object response and reports the tokens it consumed.
package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/KiranJinka45/multiAgent-sub000/errors"
	"github.com/KiranJinka45/multiAgent-sub000/internal/breaker"
	"github.com/KiranJinka45/multiAgent-sub000/logger"
)

const (
	DefaultModel          = "llama-3.3-70b-versatile"
	DefaultValidatorModel = "llama-3.1-8b-instant"
	defaultTimeout        = 55 * time.Second
	maxErrorBody          = 4 << 10
)

// Completion is one parsed model reply.
type Completion struct {
	Content json.RawMessage
	Tokens  int64
}

// Completer sends a system and user prompt and returns a JSON object.
type Completer interface {
	CompleteJSON(ctx context.Context, model, system, user string) (Completion, error)
}

type ClientConfig struct {
	BaseURL string
	APIKey  string
	// RequestsPerSecond paces outgoing requests. Zero disables pacing.
	RequestsPerSecond float64
	Timeout           time.Duration
	HTTPClient        *http.Client
	// Breaker guards every request. Shared by all agents using the client.
	Breaker *breaker.Breaker
	Logger  *zap.SugaredLogger
}

// ChatClient is safe for concurrent use.
type ChatClient struct {
	http     *http.Client
	endpoint string
	apiKey   string
	limiter  *rate.Limiter
	breaker  *breaker.Breaker
	log      *zap.SugaredLogger
}

var _ Completer = (*ChatClient)(nil)

func NewChatClient(cfg ClientConfig) (*ChatClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("chat client requires a base url")
	}
	if cfg.Breaker == nil {
		return nil, errors.New("chat client requires a circuit breaker")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &ChatClient{
		http:     httpClient,
		endpoint: strings.TrimSuffix(cfg.BaseURL, "/") + "/chat/completions",
		apiKey:   cfg.APIKey,
		limiter:  limiter,
		breaker:  cfg.Breaker,
		log:      logger.OrNop(cfg.Logger).With(logger.FieldComponent, "llm"),
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	ResponseFormat responseFormat `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int64 `json:"total_tokens"`
	} `json:"usage"`
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// CompleteJSON waits for the rate limiter, then sends the request through
// the breaker. An open breaker returns errors.ErrCircuitOpen without
// touching the network.
func (c *ChatClient) CompleteJSON(ctx context.Context, model, system, user string) (Completion, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Completion{}, errors.Wrap(err, "wait for llm rate limit")
	}

	start := time.Now()
	out, err := breaker.Call(ctx, c.breaker, func(ctx context.Context) (Completion, error) {
		return c.do(ctx, chatRequest{
			Model: model,
			Messages: []chatMessage{
				{Role: "system", Content: system},
				{Role: "user", Content: user},
			},
			ResponseFormat: responseFormat{Type: "json_object"},
		})
	})
	if err != nil {
		c.log.Errorw("LLM prompt failed", "model", model, logger.FieldError, err)
		return Completion{}, err
	}
	c.log.Debugw("LLM prompt completed",
		"model", model,
		logger.FieldTokens, out.Tokens,
		logger.FieldDurationMS, time.Since(start).Milliseconds(),
	)
	return out, nil
}

func (c *ChatClient) do(ctx context.Context, body chatRequest) (Completion, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Completion{}, errors.Wrap(err, "encode chat request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Completion{}, errors.Wrap(err, "build chat request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Completion{}, errors.Wrap(err, "send chat request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var ae apiError
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &ae) == nil && ae.Error.Message != "" {
			msg = ae.Error.Message
		}
		return Completion{}, errors.WithDetailf(
			errors.Newf("chat completions returned %d", resp.StatusCode),
			"%s", msg,
		)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return Completion{}, errors.Wrap(err, "decode chat response")
	}
	if len(cr.Choices) == 0 || strings.TrimSpace(cr.Choices[0].Message.Content) == "" {
		return Completion{}, errors.New("empty response from LLM")
	}
	content := cr.Choices[0].Message.Content
	if !json.Valid([]byte(content)) {
		return Completion{}, errors.New("LLM response is not valid JSON")
	}
	return Completion{Content: json.RawMessage(content), Tokens: cr.Usage.TotalTokens}, nil
}
