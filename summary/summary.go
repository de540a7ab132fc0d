// Package summary generates handoff summaries for warm transfers.
//
// The primary path asks an OpenAI-compatible chat endpoint (Groq by
// default) for a 2-3 sentence summary of the call so far. When the
// backend is not configured or the request fails, a deterministic
// fallback summary is substituted so the transfer itself never fails.
package summary

import (
	"context"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "https://api.groq.com/openai/v1"
	DefaultModel   = "llama-3.1-8b-instant"

	systemPrompt = "You create short, crisp handoff summaries."

	// Returned when there is no transcript to summarize.
	emptyTranscriptSummary = "Dummy summary: transfer context"
)

// Result is the outcome of a summarization attempt. Fallback is true when
// the LLM was unavailable and the deterministic summary was used instead;
// the shape of the result is identical either way.
type Result struct {
	Text     string
	Fallback bool
}

// Status describes summarizer availability for the health endpoint.
type Status struct {
	Available bool   `json:"available"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Error     string `json:"error,omitempty"`
}

// Config holds summarizer settings, normally populated from the environment.
type Config struct {
	APIKey   string
	BaseURL  string
	Model    string
	Provider string
}

// Client calls the chat-completions API to produce handoff summaries.
type Client struct {
	api       openai.Client
	model     string
	provider  string
	available bool
	reason    string
	log       zerolog.Logger
}

// New builds a summarizer. A missing API key does not fail construction;
// the client reports itself unavailable and every Summarize call falls
// back deterministically.
func New(cfg Config, log zerolog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Provider == "" {
		cfg.Provider = "groq"
	}

	c := &Client{
		model:    cfg.Model,
		provider: cfg.Provider,
		log:      log.With().Str("component", "summary").Logger(),
	}
	if cfg.APIKey == "" {
		c.reason = "api key not configured"
		return c
	}

	c.api = openai.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
	)
	c.available = true
	return c
}

// Status reports whether the LLM backend is usable.
func (c *Client) Status() Status {
	return Status{
		Available: c.available,
		Provider:  c.provider,
		Model:     c.model,
		Error:     c.reason,
	}
}

// Summarize produces a handoff summary for the given transcript. It never
// returns an error: LLM failures degrade to FallbackSummary.
func (c *Client) Summarize(ctx context.Context, transcript string) Result {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		// Canned text either way, but the flag must still reflect
		// backend availability.
		return Result{Text: emptyTranscriptSummary, Fallback: !c.available}
	}
	if !c.available {
		return Result{Text: FallbackSummary(transcript), Fallback: true}
	}

	completion, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(buildPrompt(transcript)),
		},
		Temperature:         openai.Float(0.3),
		MaxCompletionTokens: openai.Int(160),
	})
	if err != nil {
		c.log.Warn().Err(err).Msg("summary generation failed, using fallback")
		return Result{Text: FallbackSummary(transcript), Fallback: true}
	}
	if len(completion.Choices) == 0 || strings.TrimSpace(completion.Choices[0].Message.Content) == "" {
		c.log.Warn().Msg("summary response empty, using fallback")
		return Result{Text: FallbackSummary(transcript), Fallback: true}
	}
	return Result{Text: strings.TrimSpace(completion.Choices[0].Message.Content)}
}

// FallbackSummary derives a fixed-format summary from the first 120
// characters of the transcript.
func FallbackSummary(transcript string) string {
	notes := strings.TrimSpace(strings.ReplaceAll(firstN(transcript, 120), "\n", " "))
	if notes == "" {
		notes = "No transcript available"
	}
	return "LLM unavailable — Notes: " + notes + " — please verify details."
}

func buildPrompt(transcript string) string {
	return "You are an assistant creating a concise handoff summary between two human agents. " +
		"Summarize the following caller context in 2-3 short sentences, focusing on intent, status, and next steps.\n\n" +
		"Context:\n" + transcript + "\n\nSummary:"
}

func firstN(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
