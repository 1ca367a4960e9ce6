// Package claude implements reviewer, executive and content collaborators
// backed by the Anthropic Messages API.
package claude

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/lucasnoah/stagegate/internal/telemetry"
)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel = "claude-sonnet-4-5"

	defaultMaxTokens  = 4096
	defaultMaxElapsed = 90 * time.Second
	scope             = "github.com/lucasnoah/stagegate/claude"
)

// ErrAPIKeyRequired is returned when no API key is available.
var ErrAPIKeyRequired = errors.New("API key required")

// Completer turns a prompt into model text.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Client calls the Messages API with retries on rate limits and server errors.
type Client struct {
	client     anthropic.Client
	model      anthropic.Model
	maxTokens  int64
	maxElapsed time.Duration
}

// NewClient returns a client. ANTHROPIC_API_KEY takes precedence over apiKey.
func NewClient(apiKey, model string) (*Client, error) {
	if env := os.Getenv("ANTHROPIC_API_KEY"); env != "" {
		apiKey = env
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY", ErrAPIKeyRequired)
	}
	if model == "" {
		model = DefaultModel
	}
	metricsOnce.Do(initMetrics)
	return &Client{
		client:     anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:      anthropic.Model(model),
		maxTokens:  defaultMaxTokens,
		maxElapsed: defaultMaxElapsed,
	}, nil
}

// Model reports the configured model.
func (c *Client) Model() string { return string(c.model) }

var aiMetrics struct {
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
	duration     metric.Float64Histogram
}

var metricsOnce sync.Once

func initMetrics() {
	m := telemetry.Meter(scope)
	aiMetrics.inputTokens, _ = m.Int64Counter("stagegate.ai.input_tokens",
		metric.WithDescription("Anthropic API input tokens consumed"),
		metric.WithUnit("{token}"),
	)
	aiMetrics.outputTokens, _ = m.Int64Counter("stagegate.ai.output_tokens",
		metric.WithDescription("Anthropic API output tokens generated"),
		metric.WithUnit("{token}"),
	)
	aiMetrics.duration, _ = m.Float64Histogram("stagegate.ai.request.duration",
		metric.WithDescription("Anthropic API request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
}

// Complete sends prompt as a single user message and returns the text blocks
// of the reply.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, span := telemetry.Tracer(scope).Start(ctx, "anthropic.messages.new")
	defer span.End()
	modelAttr := attribute.String("stagegate.ai.model", string(c.model))
	span.SetAttributes(modelAttr)

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxElapsedTime = c.maxElapsed

	var (
		message  *anthropic.Message
		attempts int
	)
	err := backoff.Retry(func() error {
		attempts++
		t0 := time.Now()
		m, err := c.client.Messages.New(ctx, params)
		if err != nil {
			if isRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if aiMetrics.inputTokens != nil {
			aiMetrics.inputTokens.Add(ctx, m.Usage.InputTokens, metric.WithAttributes(modelAttr))
			aiMetrics.outputTokens.Add(ctx, m.Usage.OutputTokens, metric.WithAttributes(modelAttr))
			aiMetrics.duration.Record(ctx, float64(time.Since(t0).Milliseconds()), metric.WithAttributes(modelAttr))
		}
		message = m
		return nil
	}, backoff.WithContext(bo, ctx))
	span.SetAttributes(attribute.Int("stagegate.ai.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("anthropic messages: %w", err)
	}
	span.SetAttributes(
		attribute.Int64("stagegate.ai.input_tokens", message.Usage.InputTokens),
		attribute.Int64("stagegate.ai.output_tokens", message.Usage.OutputTokens),
	)

	var b strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", errors.New("unexpected response format: no text content")
	}
	return b.String(), nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}
