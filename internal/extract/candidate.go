package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/JakeFAU/marketplace-scraper/internal/scraper"
)

// serviceResponse is the contract shared by the content-understanding
// service and the Claude parser: {"json": [ {...}, ... ]}.
type serviceResponse struct {
	JSON []serviceRecord `json:"json"`
}

type serviceRecord struct {
	Description   string     `json:"description"`
	Product       string     `json:"product"`
	Name          string     `json:"name"`
	Brand         flexString `json:"brand"`
	Code          flexString `json:"code"`
	CurrentPrice  flexFloat  `json:"currentPrice"`
	Price         flexFloat  `json:"price"`
	Currency      string     `json:"currency"`
	PriceCurrency string     `json:"priceCurrency"`
	Rating        flexFloat  `json:"rating"`
	Link          string     `json:"link"`
	URL           string     `json:"url"`
}

func (r serviceRecord) candidate() scraper.Candidate {
	c := scraper.Candidate{
		Description: firstNonEmpty(r.Description, r.Product, r.Name),
		Brand:       string(r.Brand),
		Code:        string(r.Code),
		Price:       r.CurrentPrice.ptr(),
		Currency:    firstNonEmpty(r.Currency, r.PriceCurrency),
		Rating:      r.Rating.ptr(),
		Link:        firstNonEmpty(r.Link, r.URL),
	}
	if c.Price == nil {
		c.Price = r.Price.ptr()
	}
	return c
}

func decodeCandidates(data []byte) ([]scraper.Candidate, error) {
	var resp serviceResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode candidates: %w", err)
	}
	out := make([]scraper.Candidate, 0, len(resp.JSON))
	for _, rec := range resp.JSON {
		out = append(out, rec.candidate())
	}
	return out, nil
}

// flexFloat accepts numbers, numeric strings, and null. Unparseable strings
// such as "N/A" decode to absent.
type flexFloat struct {
	value float64
	set   bool
}

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = flexFloat{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode number string: %w", err)
		}
		if v, ok := parseNumber(s); ok {
			*f = flexFloat{value: v, set: true}
		} else {
			*f = flexFloat{}
		}
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("decode number: %w", err)
	}
	*f = flexFloat{value: v, set: true}
	return nil
}

func (f flexFloat) ptr() *float64 {
	if !f.set {
		return nil
	}
	v := f.value
	return &v
}

// flexString accepts strings and bare numbers (product codes are often
// emitted as integers).
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*s = ""
	case len(data) > 0 && data[0] == '"':
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("decode string: %w", err)
		}
		*s = flexString(v)
	default:
		*s = flexString(string(data))
	}
	return nil
}

// parseNumber reads the first number in text written for humans, e.g.
// "1 299,00 ₽", "$12.50" or "4.8 (123 reviews)". Spaces inside the number
// are thousands separators.
func parseNumber(raw string) (float64, bool) {
	var b strings.Builder
	started := false
scan:
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			started = true
			b.WriteRune(r)
		case !started:
			continue
		case r == '.' || r == ',':
			b.WriteRune(r)
		case r == ' ' || r == '\u00a0' || r == '\u202f':
			continue
		default:
			break scan
		}
	}
	s := strings.TrimRight(b.String(), ".,")
	if s == "" {
		return 0, false
	}
	switch {
	case strings.Contains(s, ",") && strings.Contains(s, "."):
		s = strings.ReplaceAll(s, ",", "")
	case strings.Contains(s, ","):
		s = strings.ReplaceAll(s, ",", ".")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
