package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/JakeFAU/marketplace-scraper/internal/scraper"
)

const claudeSystemPrompt = `You extract product listings from marketplace search result pages.
Reply with a single JSON object of the form {"json": [ ... ]} and nothing else.
Each element describes one product card with the keys:
description (product title), brand, code (marketplace product id),
currentPrice (number), currency (ISO code), rating (number), link (absolute or relative URL).
Omit keys you cannot find. Keep the order in which products appear on the page.`

// messageCreator is the subset of the Anthropic client used here.
type messageCreator interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// ClaudeParser asks an Anthropic model to read the fragment.
type ClaudeParser struct {
	messages  messageCreator
	model     string
	maxTokens int64
	markdown  bool
}

// ClaudeOptions configures NewClaudeParser.
type ClaudeOptions struct {
	APIKey    string
	Model     string
	MaxTokens int64
	// Markdown converts the fragment to markdown before sending, which
	// usually halves the prompt size.
	Markdown bool
}

// NewClaudeParser builds a parser backed by the Anthropic Messages API.
func NewClaudeParser(opts ClaudeOptions) (*ClaudeParser, error) {
	if opts.APIKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	client := anthropic.NewClient(option.WithAPIKey(opts.APIKey))
	return newClaudeParser(&client.Messages, opts), nil
}

func newClaudeParser(messages messageCreator, opts ClaudeOptions) *ClaudeParser {
	if opts.Model == "" {
		opts.Model = "claude-sonnet-4-5"
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	return &ClaudeParser{
		messages:  messages,
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
		markdown:  opts.Markdown,
	}
}

// Parse sends the fragment and decodes the model's JSON reply.
func (p *ClaudeParser) Parse(ctx context.Context, fragment string) ([]scraper.Candidate, error) {
	content := fragment
	if p.markdown {
		converted, err := md.NewConverter("", true, nil).ConvertString(fragment)
		if err != nil {
			return nil, fmt.Errorf("convert to markdown: %w", err)
		}
		content = converted
	}

	resp, err := p.messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: p.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: claudeSystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(content)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic messages: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, errors.New("empty response from anthropic")
	}
	return decodeCandidates([]byte(stripCodeFence(text.String())))
}

// stripCodeFence removes a surrounding ```json ... ``` block if the model
// added one.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
