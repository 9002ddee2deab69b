package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"smart-mail-sorter-go/internal/connection"
	"smart-mail-sorter-go/internal/model"
)

var authorizeCmd = &cobra.Command{
	Use:   "authorize <customer-id> <provider>",
	Short: "Connect a mailbox from the terminal without the web frontend",
	Long: "Prints the provider consent URL, then reads the URL the browser was " +
		"redirected to and completes the connection. Use a persistent secrets " +
		"backend; the memory backend forgets the tokens when the command exits.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		c, err := newContainer(cfg)
		if err != nil {
			return err
		}
		defer c.Close()

		conn, err := authorize(cmd.Context(), c.manager, args[0], model.Provider(args[1]), cmd.InOrStdin(), cmd.OutOrStdout())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\nConnected %s mailbox %s (connection %s)\n", conn.Provider, conn.ProviderEmail, conn.ID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(authorizeCmd)
}

func authorize(ctx context.Context, m *connection.Manager, customerID string, name model.Provider, in io.Reader, out io.Writer) (*model.MailboxConnection, error) {
	authURL, err := m.InitiateConnect(ctx, customerID, name)
	if err != nil {
		return nil, err
	}

	fmt.Fprintf(out, "Go to the following link in your browser: %v\n", authURL)
	fmt.Fprint(out, "\nAfter authorization, paste the full URL you were redirected to: ")

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read redirect URL: %w", err)
	}

	code, state, err := parseRedirect(strings.TrimSpace(line))
	if err != nil {
		return nil, err
	}
	return m.CompleteConnect(ctx, name, code, state)
}

// parseRedirect extracts the authorization code and state from the
// provider's redirect URL.
func parseRedirect(raw string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid redirect URL: %w", err)
	}
	q := u.Query()
	if e := q.Get("error"); e != "" {
		return "", "", fmt.Errorf("provider returned %s: %s", e, q.Get("error_description"))
	}
	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		return "", "", errors.New("redirect URL must carry code and state parameters")
	}
	return code, state, nil
}
