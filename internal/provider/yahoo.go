package provider

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-sasl"
	"github.com/goccy/go-json"
	"golang.org/x/oauth2"

	"github.com/sirupsen/logrus"

	"smart-mail-sorter-go/internal/apperr"
	"smart-mail-sorter-go/internal/config"
	"smart-mail-sorter-go/internal/model"
)

const (
	yahooAuthURL     = "https://api.login.yahoo.com/oauth2/request_auth"
	yahooTokenURL    = "https://api.login.yahoo.com/oauth2/get_token"
	yahooUserInfoURL = "https://api.login.yahoo.com/openid/v1/userinfo"
	defaultYahooIMAP = "imap.mail.yahoo.com:993"
)

// Yahoo authenticates with OAuth2 and reads the inbox over IMAP using OAUTHBEARER
type Yahoo struct {
	oauthClient
	imapAddr    string
	userInfoURL string
}

var _ Provider = (*Yahoo)(nil)

func NewYahoo(cfg config.YahooConfig, timeout time.Duration) *Yahoo {
	addr := cfg.IMAPAddr
	if addr == "" {
		addr = defaultYahooIMAP
	}

	return &Yahoo{
		oauthClient: newOAuthClient(model.ProviderYahoo, &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       []string{"openid", "email", "mail-r"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   yahooAuthURL,
				TokenURL:  yahooTokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		}, timeout),
		imapAddr:    addr,
		userInfoURL: yahooUserInfoURL,
	}
}

func (y *Yahoo) FetchIdentity(ctx context.Context, accessToken string) (*Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, y.userInfoURL, nil)
	if err != nil {
		return nil, apperr.ExternalAuthFailure(string(y.name), 0, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := y.httpClient.Do(req)
	if err != nil {
		return nil, apperr.ExternalAuthFailure(string(y.name), 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, apperr.ExternalAuthFailure(string(y.name), resp.StatusCode,
			fmt.Errorf("userinfo HTTP %d: %s", resp.StatusCode, string(body)))
	}

	var info struct {
		Sub   string `json:"sub"`
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, apperr.ExternalAuthFailure(string(y.name), resp.StatusCode, err)
	}
	return &Identity{ProviderUserID: info.Sub, Email: info.Email}, nil
}

// FetchMessages needs the mailbox address for the SASL exchange, so it
// resolves the identity first.
func (y *Yahoo) FetchMessages(ctx context.Context, accessToken string, opts FetchOptions) ([]Message, error) {
	identity, err := y.FetchIdentity(ctx, accessToken)
	if err != nil {
		return nil, apperr.ProviderFetch(string(y.name), apperr.As(err).ProviderStatus, err)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	c, err := y.dial(ctx)
	if err != nil {
		return nil, apperr.ProviderFetch(string(y.name), 0, err)
	}
	defer c.Logout()

	host, port := splitHostPort(y.imapAddr)
	if err := c.Authenticate(sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
		Username: identity.Email,
		Token:    accessToken,
		Host:     host,
		Port:     port,
	})); err != nil {
		return nil, apperr.ProviderFetch(string(y.name), http.StatusUnauthorized, err)
	}

	mbox, err := c.Select("INBOX", true)
	if err != nil {
		return nil, apperr.ProviderFetch(string(y.name), 0, fmt.Errorf("failed to select INBOX: %w", err))
	}

	criteria := imap.NewSearchCriteria()
	criteria.Since = opts.Since
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, apperr.ProviderFetch(string(y.name), 0, fmt.Errorf("failed to search messages: %w", err))
	}
	if len(uids) == 0 {
		return []Message{}, nil
	}

	// highest UIDs are the newest arrivals
	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
	if len(uids) > limit {
		uids = uids[:limit]
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, imap.FetchInternalDate, section.FetchItem()}

	fetched := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, items, fetched)
	}()

	messages := make([]Message, 0, len(uids))
	for msg := range fetched {
		parsed, err := parseIMAPMessage(msg, section)
		if err != nil {
			logrus.WithError(err).WithField("uid", msg.Uid).Warn("Failed to parse IMAP message")
		}
		parsed.ID = fmt.Sprintf("%d:%d", mbox.UidValidity, msg.Uid)
		messages = append(messages, parsed)
	}
	if err := <-done; err != nil {
		return nil, apperr.ProviderFetch(string(y.name), 0, fmt.Errorf("failed to fetch messages: %w", err))
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].ReceivedAt.After(messages[j].ReceivedAt)
	})
	return messages, nil
}

func (y *Yahoo) dial(ctx context.Context) (*client.Client, error) {
	host, _ := splitHostPort(y.imapAddr)
	dialer := &net.Dialer{Timeout: y.httpClient.Timeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}

	c, err := client.DialWithDialerTLS(dialer, y.imapAddr, &tls.Config{ServerName: host})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	c.Timeout = y.httpClient.Timeout
	return c, nil
}

func parseIMAPMessage(msg *imap.Message, section *imap.BodySectionName) (Message, error) {
	out := Message{ReceivedAt: msg.InternalDate}
	if msg.Envelope != nil {
		out.Subject = msg.Envelope.Subject
		if len(msg.Envelope.From) > 0 {
			out.From = msg.Envelope.From[0].Address()
		}
		if out.ReceivedAt.IsZero() {
			out.ReceivedAt = msg.Envelope.Date
		}
	}

	r := msg.GetBody(section)
	if r == nil {
		return out, errors.New("server did not return a message body")
	}

	body, err := readTextBody(r)
	out.Body = body
	return out, err
}

// readTextBody returns the first text/plain part, or the first text/html
// part when no plain text exists.
func readTextBody(r io.Reader) (string, error) {
	entity, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return "", fmt.Errorf("failed to read message: %w", err)
	}

	var plain, html string
	err = entity.Walk(func(_ []int, part *message.Entity, err error) error {
		if err != nil {
			return err
		}
		if part.MultipartReader() != nil {
			return nil
		}
		mediaType, _, _ := part.Header.ContentType()
		if mediaType != "text/plain" && mediaType != "text/html" {
			return nil
		}

		content, err := io.ReadAll(part.Body)
		if err != nil {
			return fmt.Errorf("failed to read part body: %w", err)
		}
		if mediaType == "text/plain" && plain == "" {
			plain = string(content)
		} else if mediaType == "text/html" && html == "" {
			html = string(content)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	if plain != "" {
		return plain, nil
	}
	return html, nil
}

func splitHostPort(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return strings.TrimSpace(addr), 993
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		port = 993
	}
	return host, port
}
