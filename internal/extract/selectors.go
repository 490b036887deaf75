package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/marketplace-scraper/internal/scraper"
)

// Strategy is a CSS selector with an optional "@attr" suffix. An empty
// selector addresses the container itself.
type Strategy string

func (s Strategy) split() (selector, attr string) {
	raw := string(s)
	if i := strings.LastIndex(raw, "@"); i >= 0 {
		return strings.TrimSpace(raw[:i]), strings.TrimSpace(raw[i+1:])
	}
	return strings.TrimSpace(raw), ""
}

// Selectors lists ordered strategies per field; the first non-empty match
// wins.
type Selectors struct {
	Containers []string
	Name       []Strategy
	Brand      []Strategy
	Code       []Strategy
	Price      []Strategy
	Currency   []Strategy
	Rating     []Strategy
	Link       []Strategy
}

// DefaultSelectors covers schema.org microdata and common marketplace
// card markup.
func DefaultSelectors() Selectors {
	return Selectors{
		Containers: []string{`div[data-scroll-id]`, `[itemtype*="Product"]`, `[data-product-id]`, `article`},
		Name:       []Strategy{`[itemprop=name]@content`, `[itemprop=name]`, `[class*=title]`, `[class*=name]`},
		Brand:      []Strategy{`[itemprop=brand]@content`, `[itemprop=brand]`, `[class*=brand]`},
		Code:       []Strategy{`@data-scroll-id`, `@data-product-id`, `meta[itemprop=sku]@content`, `[itemprop=sku]`},
		Price:      []Strategy{`meta[itemprop=price]@content`, `[itemprop=price]@content`, `[itemprop=price]`, `[class*=price]`},
		Currency:   []Strategy{`meta[itemprop=priceCurrency]@content`, `[itemprop=priceCurrency]@content`},
		Rating:     []Strategy{`meta[itemprop=ratingValue]@content`, `[itemprop=ratingValue]`, `[class*=rating]`},
		Link:       []Strategy{`a[href]@href`, `@href`},
	}
}

// SelectorExtractor reads product cards straight from the raw page with
// CSS selectors. It needs no external service and is used by the offline
// CLI and as a fallback.
type SelectorExtractor struct {
	sel Selectors
}

// NewSelectorExtractor returns an extractor; zero-valued fields fall back to
// DefaultSelectors.
func NewSelectorExtractor(sel Selectors) *SelectorExtractor {
	def := DefaultSelectors()
	if len(sel.Containers) == 0 {
		sel.Containers = def.Containers
	}
	if len(sel.Name) == 0 {
		sel.Name = def.Name
	}
	if len(sel.Brand) == 0 {
		sel.Brand = def.Brand
	}
	if len(sel.Code) == 0 {
		sel.Code = def.Code
	}
	if len(sel.Price) == 0 {
		sel.Price = def.Price
	}
	if len(sel.Currency) == 0 {
		sel.Currency = def.Currency
	}
	if len(sel.Rating) == 0 {
		sel.Rating = def.Rating
	}
	if len(sel.Link) == 0 {
		sel.Link = def.Link
	}
	return &SelectorExtractor{sel: sel}
}

// Extract implements scraper.Extractor.
func (e *SelectorExtractor) Extract(ctx context.Context, rawHTML string) ([]scraper.Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var cards *goquery.Selection
	for _, c := range e.sel.Containers {
		if found := doc.Find(c); found.Length() > 0 {
			cards = found
			break
		}
	}
	if cards == nil {
		return nil, nil
	}

	out := make([]scraper.Candidate, 0, cards.Length())
	var ctxErr error
	cards.EachWithBreak(func(_ int, card *goquery.Selection) bool {
		if ctxErr = ctx.Err(); ctxErr != nil {
			return false
		}
		c := scraper.Candidate{
			Description: lookup(card, e.sel.Name),
			Brand:       lookup(card, e.sel.Brand),
			Code:        lookup(card, e.sel.Code),
			Currency:    lookup(card, e.sel.Currency),
			Link:        lookup(card, e.sel.Link),
		}
		if v, ok := parseNumber(lookup(card, e.sel.Price)); ok {
			c.Price = &v
		}
		if v, ok := parseNumber(lookup(card, e.sel.Rating)); ok {
			c.Rating = &v
		}
		if c.Description == "" && c.Code == "" {
			return true
		}
		out = append(out, c)
		return true
	})
	if ctxErr != nil {
		return nil, fmt.Errorf("extract: %w", ctxErr)
	}
	return out, nil
}

func lookup(card *goquery.Selection, strategies []Strategy) string {
	for _, s := range strategies {
		selector, attr := s.split()
		target := card
		if selector != "" {
			target = card.Find(selector).First()
		}
		if target.Length() == 0 {
			continue
		}
		var v string
		if attr != "" {
			v, _ = target.Attr(attr)
		} else {
			v = target.Text()
		}
		if v = strings.Join(strings.Fields(v), " "); v != "" {
			return v
		}
	}
	return ""
}
