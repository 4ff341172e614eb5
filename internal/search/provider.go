package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Candidate is one company returned by the search provider before it becomes
// (or merges into) a Lead.
type Candidate struct {
	ExternalID string `json:"registration_number"`
	Name       string `json:"name"`
	Address    string `json:"address"`
	Phone      string `json:"phone"`
}

// CandidateProvider discovers companies by niche and location.
type CandidateProvider interface {
	FindCompanies(ctx context.Context, niche, location string, limit int) ([]Candidate, error)
}

// HTTPCandidateProvider calls the external company-search API.
type HTTPCandidateProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPCandidateProvider(baseURL, apiKey string, timeout time.Duration) *HTTPCandidateProvider {
	return &HTTPCandidateProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *HTTPCandidateProvider) FindCompanies(ctx context.Context, niche, location string, limit int) ([]Candidate, error) {
	body, err := json.Marshal(map[string]any{
		"query":    niche,
		"location": location,
		"limit":    limit,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/companies/search", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("X-API-KEY", p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search provider returned %d", resp.StatusCode)
	}

	var out struct {
		Companies []Candidate `json:"companies"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("search provider: decode response: %w", err)
	}
	return out.Companies, nil
}
