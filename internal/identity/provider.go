package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidCredentials means the provider rejected the email/password pair.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrProviderUnavailable means the provider could not be reached or answered
	// with a server error.
	ErrProviderUnavailable = errors.New("identity provider unavailable")
	// ErrNotConfigured means no provider URL is set.
	ErrNotConfigured = errors.New("identity provider not configured")
)

// User is the provider's view of an authenticated account.
type User struct {
	ID    string   `json:"id"`
	Email string   `json:"email"`
	Name  string   `json:"name,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// Provider verifies credentials against an external identity provider over
// HTTP. It holds no session state of its own.
type Provider struct {
	baseURL string
	client  *http.Client
}

// NewProvider builds a Provider for the given base URL. An empty URL yields a
// provider that always returns ErrNotConfigured.
func NewProvider(baseURL string) *Provider {
	return &Provider{baseURL: baseURL, client: &http.Client{}}
}

// VerifyCredentials asks the provider to check an email/password pair. A 401
// from the provider maps to ErrInvalidCredentials; transport and server
// failures map to ErrProviderUnavailable.
func (p *Provider) VerifyCredentials(ctx context.Context, email, password string) (*User, error) {
	if p.baseURL == "" {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var user User
		if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
			return nil, fmt.Errorf("%w: bad response body", ErrProviderUnavailable)
		}
		if user.Email == "" {
			user.Email = email
		}
		return &user, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrInvalidCredentials
	default:
		return nil, fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	}
}
