package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gaborage/communityassist/config"
	"github.com/gaborage/communityassist/fetch"
	"github.com/gaborage/communityassist/logger"
)

const (
	completionsPath = "/v1/chat/completions"
	contentPath     = "choices.0.message.content"

	chatMaxTokens = 150
	newsMaxTokens = 500

	chatSystemPrompt = "You are a helpful assistant that answers user questions based on the provided data."
	newsSystemPrompt = "You are a helpful assistant that provides news articles based on a pin code."
	newsUserPrompt   = "Fetch the latest news articles (up to 5 days old) for the region with pin code %s. " +
		"Provide the title, URL, and publication date for each article in chronological order (latest to oldest)."
)

// Message roles
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// Message is one chat-completion message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens"`
}

type completionResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Completion is the trimmed assistant reply.
type Completion struct {
	Content  string
	Attempts int
}

// CompletionClient calls a chat-completion API on behalf of chat and news.
type CompletionClient struct {
	exec    Executor
	url     string
	apiKey  string
	model   string
	policy  fetch.RetryPolicy
	breaker *Breaker
	logger  logger.Logger
}

// NewCompletionClient creates a completion client from configuration.
func NewCompletionClient(exec Executor, cfg config.OpenAIConfig, log logger.Logger, opts ...Option) *CompletionClient {
	if log == nil {
		log = logger.Nop()
	}
	o := buildOptions(opts)

	policy := Policy(cfg.Retry)
	if o.policy != nil {
		policy = *o.policy
	}

	return &CompletionClient{
		exec:    exec,
		url:     strings.TrimRight(cfg.BaseURL, "/") + completionsPath,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		policy:  policy,
		breaker: o.breaker,
		logger:  log,
	}
}

// Configured reports whether an API credential is present.
func (c *CompletionClient) Configured() bool {
	return c.apiKey != ""
}

// Complete sends messages and returns the first choice's content, trimmed.
func (c *CompletionClient) Complete(ctx context.Context, messages []Message, maxTokens int) (*Completion, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(completionRequest{
		Model:     c.model,
		Messages:  messages,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode completion request: %w", err)
	}

	desc := fetch.Post(c.url, map[string]string{
		"Authorization": "Bearer " + c.apiKey,
		"Content-Type":  "application/json",
	}, body)

	out, err := c.breaker.Execute(func() fetch.Outcome {
		return c.exec.Execute(ctx, desc, c.policy, fetch.HasString(contentPath))
	})
	if err != nil {
		return nil, err
	}

	var resp completionResponse
	if err := out.Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode completion response: %w", err)
	}

	c.logger.WithContext(ctx).Debug().
		Str("model", c.model).
		Int("attempts", out.Attempts).
		Msg("Completion received")

	return &Completion{
		Content:  strings.TrimSpace(resp.Choices[0].Message.Content),
		Attempts: out.Attempts,
	}, nil
}

// Chat answers a free-text prompt.
func (c *CompletionClient) Chat(ctx context.Context, prompt string) (*Completion, error) {
	return c.Complete(ctx, []Message{
		{Role: RoleSystem, Content: chatSystemPrompt},
		{Role: RoleUser, Content: prompt},
	}, chatMaxTokens)
}

// News asks for recent articles for a postal pin code.
func (c *CompletionClient) News(ctx context.Context, pinCode string) (*Completion, error) {
	return c.Complete(ctx, []Message{
		{Role: RoleSystem, Content: newsSystemPrompt},
		{Role: RoleUser, Content: fmt.Sprintf(newsUserPrompt, pinCode)},
	}, newsMaxTokens)
}

// Breaker returns the client's breaker, nil when disabled.
func (c *CompletionClient) Breaker() *Breaker {
	return c.breaker
}
