package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/devXprite/world-chatapp/internal/domain"
)

const defaultIPInfoURL = "https://ipinfo.io/json"

// CountryResolver looks up the client's country code from its public IP.
// Failures are non-fatal by contract: callers fall back to a nil country.
type CountryResolver struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewCountryResolver creates a resolver for ipinfo.io. baseURL overrides the
// endpoint (tests point it at a local server); empty means the real service.
func NewCountryResolver(baseURL, token string) *CountryResolver {
	if baseURL == "" {
		baseURL = defaultIPInfoURL
	}
	return &CountryResolver{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// Lookup returns the two-letter country code for the caller's IP.
// Errors wrap domain.ErrLocationLookup.
func (r *CountryResolver) Lookup(ctx context.Context) (*string, error) {
	endpoint := r.baseURL
	if r.token != "" {
		endpoint += "?token=" + url.QueryEscape(r.token)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrLocationLookup, err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrLocationLookup, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", domain.ErrLocationLookup, resp.StatusCode)
	}

	var payload struct {
		Country string `json:"country"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrLocationLookup, err)
	}
	if payload.Country == "" {
		return nil, fmt.Errorf("%w: empty country in response", domain.ErrLocationLookup)
	}

	return &payload.Country, nil
}
