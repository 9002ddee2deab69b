// Package oauthstate issues and validates the CSRF state carried through the
// OAuth redirect. The state is self-describing and never persisted:
// customerID_issuedAtMillis_nonce.
package oauthstate

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"smart-mail-sorter-go/internal/apperr"
)

// DefaultMaxAge is how long an issued state stays valid
const DefaultMaxAge = 30 * time.Minute

// tolerated clock skew for states issued slightly in the future
const maxSkew = time.Minute

// Encode builds a state for customerID issued at now
func Encode(customerID string, now time.Time) string {
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	return customerID + "_" + strconv.FormatInt(now.UnixMilli(), 10) + "_" + nonce
}

// Decode returns the customer ID embedded in state after checking it is
// well formed and no older than maxAge.
func Decode(state string, now time.Time, maxAge time.Duration) (string, error) {
	if state == "" {
		return "", apperr.InvalidState("missing")
	}

	nonceSep := strings.LastIndex(state, "_")
	if nonceSep <= 0 || nonceSep == len(state)-1 {
		return "", apperr.InvalidState("malformed")
	}
	tsSep := strings.LastIndex(state[:nonceSep], "_")
	if tsSep <= 0 {
		return "", apperr.InvalidState("malformed")
	}

	customerID := state[:tsSep]
	issuedMillis, err := strconv.ParseInt(state[tsSep+1:nonceSep], 10, 64)
	if err != nil {
		return "", apperr.InvalidState("malformed")
	}

	issuedAt := time.UnixMilli(issuedMillis)
	age := now.Sub(issuedAt)
	if age > maxAge {
		return "", apperr.InvalidState("expired")
	}
	if age < -maxSkew {
		return "", apperr.InvalidState("issued in the future")
	}

	return customerID, nil
}
