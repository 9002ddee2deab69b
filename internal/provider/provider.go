// Package provider abstracts the per-provider OAuth and mailbox access a
// connection needs. Adding a provider means adding an implementation here;
// the connection manager and pipeline only see the Provider interface.
package provider

import (
	"context"
	"sort"
	"strings"
	"time"

	"smart-mail-sorter-go/internal/apperr"
	"smart-mail-sorter-go/internal/model"
	"smart-mail-sorter-go/internal/oauthstate"
)

// TokenResponse is the result of a code exchange or refresh
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scope        string
}

// Identity is the provider account behind an access token
type Identity struct {
	ProviderUserID string
	Email          string
}

// Message is a fetched mailbox message. Body is held in memory only.
type Message struct {
	ID         string
	Subject    string
	From       string
	ReceivedAt time.Time
	Body       string
}

// Complete reports whether m carries every field categorization needs
func (m Message) Complete() bool {
	return m.ID != "" &&
		strings.TrimSpace(m.Subject) != "" &&
		m.From != "" &&
		!m.ReceivedAt.IsZero() &&
		strings.TrimSpace(m.Body) != ""
}

// FetchOptions bounds a mailbox fetch
type FetchOptions struct {
	Since time.Time
	Limit int
}

// Provider is the capability set of one mail provider. Every method is a
// blocking network call bounded by the provider's HTTP timeout.
type Provider interface {
	Name() model.Provider
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*TokenResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error)
	FetchIdentity(ctx context.Context, accessToken string) (*Identity, error)
	// FetchMessages returns messages newest first
	FetchMessages(ctx context.Context, accessToken string, opts FetchOptions) ([]Message, error)
}

// BuildAuthorizationURL issues a fresh state for customerID and returns the
// provider consent URL carrying it.
func BuildAuthorizationURL(p Provider, customerID string, now time.Time) (string, string) {
	state := oauthstate.Encode(customerID, now)
	return p.AuthCodeURL(state), state
}

// Availability statuses
const (
	StatusAvailable  = "available"
	StatusComingSoon = "coming_soon"
)

// Availability describes one entry of the provider catalogue
type Availability struct {
	Provider    model.Provider `json:"provider"`
	DisplayName string         `json:"display_name"`
	Status      string         `json:"status"`
}

var displayNames = map[model.Provider]string{
	model.ProviderOutlook: "Microsoft Outlook",
	model.ProviderGmail:   "Gmail",
	model.ProviderYahoo:   "Yahoo Mail",
	model.ProviderICloud:  "iCloud Mail",
}

// Registry holds the configured providers
type Registry struct {
	providers map[model.Provider]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[model.Provider]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the provider registered under name
func (r *Registry) Get(name model.Provider) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, apperr.UnsupportedProvider(string(name))
	}
	return p, nil
}

// Names lists registered providers in a stable order
func (r *Registry) Names() []model.Provider {
	names := make([]model.Provider, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Available lists every known provider with its availability
func (r *Registry) Available() []Availability {
	out := make([]Availability, 0, len(model.Providers))
	for _, name := range model.Providers {
		status := StatusComingSoon
		if _, ok := r.providers[name]; ok {
			status = StatusAvailable
		}
		out = append(out, Availability{
			Provider:    name,
			DisplayName: displayNames[name],
			Status:      status,
		})
	}
	return out
}
