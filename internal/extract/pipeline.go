package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/marketplace-scraper/internal/scraper"
)

// Pipeline sanitizes a page and hands the fragment to a Parser.
type Pipeline struct {
	parser Parser
}

// NewPipeline wires a parser behind the sanitizer.
func NewPipeline(parser Parser) *Pipeline {
	return &Pipeline{parser: parser}
}

// Extract implements scraper.Extractor.
func (p *Pipeline) Extract(ctx context.Context, rawHTML string) ([]scraper.Candidate, error) {
	fragment, err := Sanitize(rawHTML)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(fragment) == "" {
		return nil, nil
	}
	return p.parser.Parse(ctx, fragment)
}

type timeoutExtractor struct {
	next    scraper.Extractor
	timeout time.Duration
}

// WithTimeout bounds every Extract call. A non-positive timeout returns ext
// unchanged.
func WithTimeout(ext scraper.Extractor, timeout time.Duration) scraper.Extractor {
	if timeout <= 0 {
		return ext
	}
	return &timeoutExtractor{next: ext, timeout: timeout}
}

type extractResult struct {
	candidates []scraper.Candidate
	err        error
}

func (t *timeoutExtractor) Extract(ctx context.Context, rawHTML string) ([]scraper.Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	done := make(chan extractResult, 1)
	go func() {
		c, err := t.next.Extract(ctx, rawHTML)
		done <- extractResult{candidates: c, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("extract: %w", ctx.Err())
	case res := <-done:
		return res.candidates, res.err
	}
}
