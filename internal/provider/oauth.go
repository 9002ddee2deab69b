package provider

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"smart-mail-sorter-go/internal/apperr"
	"smart-mail-sorter-go/internal/model"
)

// DefaultHTTPTimeout bounds every provider call
const DefaultHTTPTimeout = 30 * time.Second

// defaultTokenLifetime is assumed when a token response has no expires_in
const defaultTokenLifetime = time.Hour

// oauthClient implements the authorization-code half shared by all providers
type oauthClient struct {
	name       model.Provider
	config     *oauth2.Config
	httpClient *http.Client
	authParams []oauth2.AuthCodeOption
}

func newOAuthClient(name model.Provider, config *oauth2.Config, timeout time.Duration, authParams ...oauth2.AuthCodeOption) oauthClient {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return oauthClient{
		name:       name,
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
		authParams: authParams,
	}
}

func (c *oauthClient) Name() model.Provider {
	return c.name
}

func (c *oauthClient) AuthCodeURL(state string) string {
	return c.config.AuthCodeURL(state, c.authParams...)
}

func (c *oauthClient) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func (c *oauthClient) Exchange(ctx context.Context, code string) (*TokenResponse, error) {
	tok, err := c.config.Exchange(c.withClient(ctx), code)
	if err != nil {
		return nil, c.authError(err)
	}
	return toTokenResponse(tok), nil
}

// Refresh never reuses a cached token; it always hits the token endpoint.
func (c *oauthClient) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	tok, err := c.config.TokenSource(c.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, c.authError(err)
	}
	return toTokenResponse(tok), nil
}

// bearerClient returns an HTTP client that authenticates with accessToken
func (c *oauthClient) bearerClient(ctx context.Context, accessToken string) *http.Client {
	client := oauth2.NewClient(c.withClient(ctx), oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))
	client.Timeout = c.httpClient.Timeout
	return client
}

func (c *oauthClient) authError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		return apperr.ExternalAuthFailure(string(c.name), retrieveErr.Response.StatusCode, err)
	}
	return apperr.ExternalAuthFailure(string(c.name), 0, err)
}

func toTokenResponse(tok *oauth2.Token) *TokenResponse {
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(defaultTokenLifetime)
	}
	scope, _ := tok.Extra("scope").(string)
	return &TokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       expiry,
		Scope:        scope,
	}
}
