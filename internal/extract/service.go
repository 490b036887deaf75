package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/JakeFAU/marketplace-scraper/internal/scraper"
)

// Parser turns a sanitized fragment into candidates.
type Parser interface {
	Parse(ctx context.Context, fragment string) ([]scraper.Candidate, error)
}

// ServiceClient calls an external content-understanding endpoint with
// {"question": fragment} and expects {"json": [...]} back.
type ServiceClient struct {
	endpoint string
	client   *http.Client
}

// NewServiceClient builds a ServiceClient. A nil client gets a 60s timeout.
func NewServiceClient(endpoint string, client *http.Client) (*ServiceClient, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid content service url %q", endpoint)
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &ServiceClient{endpoint: endpoint, client: client}, nil
}

type serviceRequest struct {
	Question string `json:"question"`
}

// Parse posts the fragment and decodes the candidate list.
func (c *ServiceClient) Parse(ctx context.Context, fragment string) ([]scraper.Candidate, error) {
	body, err := json.Marshal(serviceRequest{Question: fragment})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("content service request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // body fully read below

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read content service response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("content service status %d", resp.StatusCode)
	}
	return decodeCandidates(payload)
}
