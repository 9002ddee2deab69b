package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"smart-mail-sorter-go/internal/apperr"
	"smart-mail-sorter-go/internal/config"
	"smart-mail-sorter-go/internal/model"
)

const (
	defaultOutlookAuthBase = "https://login.microsoftonline.com"
	defaultGraphBase       = "https://graph.microsoft.com/v1.0"
)

var outlookScopes = []string{
	"https://graph.microsoft.com/Mail.Read",
	"https://graph.microsoft.com/Mail.ReadWrite",
	"https://graph.microsoft.com/User.Read",
	"offline_access",
}

// Outlook talks to the Microsoft identity platform and Graph mail API
type Outlook struct {
	oauthClient
	graphBase string
}

var _ Provider = (*Outlook)(nil)

func NewOutlook(cfg config.OutlookConfig, timeout time.Duration) *Outlook {
	tenant := cfg.TenantID
	if tenant == "" {
		tenant = "common"
	}

	endpoint := microsoft.AzureADEndpoint(tenant)
	if base := strings.TrimRight(cfg.AuthBaseURL, "/"); base != "" && base != defaultOutlookAuthBase {
		endpoint.AuthURL = fmt.Sprintf("%s/%s/oauth2/v2.0/authorize", base, tenant)
		endpoint.TokenURL = fmt.Sprintf("%s/%s/oauth2/v2.0/token", base, tenant)
	}
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	graphBase := strings.TrimRight(cfg.GraphBaseURL, "/")
	if graphBase == "" {
		graphBase = defaultGraphBase
	}

	return &Outlook{
		oauthClient: newOAuthClient(model.ProviderOutlook, &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       outlookScopes,
			Endpoint:     endpoint,
		}, timeout,
			oauth2.SetAuthURLParam("prompt", "consent"),
			oauth2.SetAuthURLParam("response_mode", "query"),
		),
		graphBase: graphBase,
	}
}

type graphUser struct {
	ID                string `json:"id"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
}

type graphMessage struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	From    *struct {
		EmailAddress struct {
			Name    string `json:"name"`
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"from"`
	ReceivedDateTime string `json:"receivedDateTime"`
	Body             *struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
}

type graphMessageList struct {
	Value []graphMessage `json:"value"`
}

func (o *Outlook) FetchIdentity(ctx context.Context, accessToken string) (*Identity, error) {
	var user graphUser
	status, err := o.doGet(ctx, accessToken, o.graphBase+"/me", &user)
	if err != nil {
		return nil, apperr.ExternalAuthFailure(string(o.name), status, err)
	}

	email := user.Mail
	if email == "" {
		email = user.UserPrincipalName
	}
	return &Identity{ProviderUserID: user.ID, Email: email}, nil
}

func (o *Outlook) FetchMessages(ctx context.Context, accessToken string, opts FetchOptions) ([]Message, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	params := url.Values{}
	params.Set("$filter", "receivedDateTime ge "+opts.Since.UTC().Format(time.RFC3339))
	params.Set("$select", "id,subject,from,receivedDateTime,body")
	params.Set("$top", strconv.Itoa(limit))
	params.Set("$orderby", "receivedDateTime desc")

	var list graphMessageList
	status, err := o.doGet(ctx, accessToken, o.graphBase+"/me/messages?"+params.Encode(), &list)
	if err != nil {
		return nil, apperr.ProviderFetch(string(o.name), status, err)
	}

	messages := make([]Message, 0, len(list.Value))
	for _, gm := range list.Value {
		msg := Message{ID: gm.ID, Subject: gm.Subject}
		if gm.From != nil {
			msg.From = gm.From.EmailAddress.Address
		}
		if gm.Body != nil {
			msg.Body = gm.Body.Content
		}
		if t, err := time.Parse(time.RFC3339, gm.ReceivedDateTime); err == nil {
			msg.ReceivedAt = t
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// doGet returns the HTTP status alongside any error so callers can classify it
func (o *Outlook) doGet(ctx context.Context, accessToken, rawURL string, result interface{}) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, fmt.Errorf("graph HTTP %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode graph response: %w", err)
	}
	return resp.StatusCode, nil
}
