package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	oauth2api "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"

	"smart-mail-sorter-go/internal/apperr"
	"smart-mail-sorter-go/internal/config"
	"smart-mail-sorter-go/internal/model"
)

// Gmail reads mail through the Gmail REST API
type Gmail struct {
	oauthClient
	endpoint string
}

var _ Provider = (*Gmail)(nil)

func NewGmail(cfg config.GmailConfig, timeout time.Duration) *Gmail {
	endpoint := google.Endpoint
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	return &Gmail{
		oauthClient: newOAuthClient(model.ProviderGmail, &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes: []string{
				gmail.GmailReadonlyScope,
				oauth2api.UserinfoEmailScope,
				"openid",
			},
			Endpoint: endpoint,
		}, timeout,
			oauth2.AccessTypeOffline,
			oauth2.ApprovalForce,
		),
		endpoint: cfg.Endpoint,
	}
}

func (g *Gmail) options(ctx context.Context, accessToken string) []option.ClientOption {
	opts := []option.ClientOption{option.WithHTTPClient(g.bearerClient(ctx, accessToken))}
	if g.endpoint != "" {
		opts = append(opts, option.WithEndpoint(g.endpoint))
	}
	return opts
}

func (g *Gmail) FetchIdentity(ctx context.Context, accessToken string) (*Identity, error) {
	svc, err := oauth2api.NewService(ctx, g.options(ctx, accessToken)...)
	if err != nil {
		return nil, apperr.ExternalAuthFailure(string(g.name), 0, err)
	}

	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return nil, apperr.ExternalAuthFailure(string(g.name), googleStatus(err), err)
	}
	return &Identity{ProviderUserID: info.Id, Email: info.Email}, nil
}

func (g *Gmail) FetchMessages(ctx context.Context, accessToken string, opts FetchOptions) ([]Message, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	svc, err := gmail.NewService(ctx, g.options(ctx, accessToken)...)
	if err != nil {
		return nil, apperr.ProviderFetch(string(g.name), 0, err)
	}

	list, err := svc.Users.Messages.List("me").
		Q(fmt.Sprintf("after:%d", opts.Since.Unix())).
		MaxResults(int64(limit)).
		Context(ctx).
		Do()
	if err != nil {
		return nil, apperr.ProviderFetch(string(g.name), googleStatus(err), err)
	}

	messages := make([]Message, 0, len(list.Messages))
	for _, ref := range list.Messages {
		full, err := svc.Users.Messages.Get("me", ref.Id).Format("full").Context(ctx).Do()
		if err != nil {
			return nil, apperr.ProviderFetch(string(g.name), googleStatus(err), err)
		}
		messages = append(messages, parseGmailMessage(full))
	}
	return messages, nil
}

func parseGmailMessage(msg *gmail.Message) Message {
	out := Message{ID: msg.Id}
	if msg.InternalDate > 0 {
		out.ReceivedAt = time.UnixMilli(msg.InternalDate).UTC()
	}
	if msg.Payload == nil {
		return out
	}

	for _, header := range msg.Payload.Headers {
		switch header.Name {
		case "Subject":
			out.Subject = header.Value
		case "From":
			out.From = header.Value
		}
	}

	var plain, html string
	collectGmailBody(msg.Payload, &plain, &html)
	out.Body = plain
	if out.Body == "" {
		out.Body = html
	}
	return out
}

// collectGmailBody walks multipart payloads keeping the first text and html parts
func collectGmailBody(part *gmail.MessagePart, plain, html *string) {
	if part.Body != nil && part.Body.Data != "" {
		if data, err := decodeBase64URL(part.Body.Data); err == nil {
			switch {
			case strings.HasPrefix(part.MimeType, "text/plain") && *plain == "":
				*plain = string(data)
			case strings.HasPrefix(part.MimeType, "text/html") && *html == "":
				*html = string(data)
			}
		}
	}
	for _, sub := range part.Parts {
		collectGmailBody(sub, plain, html)
	}
}

func decodeBase64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

func googleStatus(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}
