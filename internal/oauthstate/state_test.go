package oauthstate

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smart-mail-sorter-go/internal/apperr"
)

func TestEncodeDecode(t *testing.T) {
	now := time.Now()
	state := Encode("cust-42", now)

	assert.True(t, strings.HasPrefix(state, "cust-42_"))

	customerID, err := Decode(state, now.Add(29*time.Minute), DefaultMaxAge)
	require.NoError(t, err)
	assert.Equal(t, "cust-42", customerID)
}

func TestEncodeIsUnique(t *testing.T) {
	now := time.Now()
	assert.NotEqual(t, Encode("c", now), Encode("c", now))
}

func TestDecodeCustomerIDWithUnderscore(t *testing.T) {
	now := time.Now()
	customerID, err := Decode(Encode("tenant_a_cust", now), now, DefaultMaxAge)
	require.NoError(t, err)
	assert.Equal(t, "tenant_a_cust", customerID)
}

func TestDecodeRejects(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name  string
		state string
		at    time.Time
	}{
		{"empty", "", now},
		{"no separators", "garbage", now},
		{"missing nonce", "cust_123_", now},
		{"missing customer", "_123_abc", now},
		{"non numeric timestamp", "cust_abc_def", now},
		{"expired", Encode("cust", now), now.Add(31 * time.Minute)},
		{"future", Encode("cust", now.Add(10*time.Minute)), now},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.state, tt.at, DefaultMaxAge)
			assert.True(t, apperr.HasCode(err, apperr.CodeInvalidState), "got %v", err)
		})
	}
}
