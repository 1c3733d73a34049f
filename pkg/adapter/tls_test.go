package adapter

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A Config that never mentions TLS must keep certificate verification on.
func TestTLSVerificationOnByDefault(t *testing.T) {
	c, err := New(Config{BaseURL: "https://fleet.example", Username: "u", Password: "p"})
	require.NoError(t, err)

	tr, ok := c.transport.httpc.Transport.(*http.Transport)
	if ok && tr.TLSClientConfig != nil {
		assert.False(t, tr.TLSClientConfig.InsecureSkipVerify)
	}
	// Transport nil means net/http's default, which verifies.
}

func TestTLSVerificationExplicitOptOut(t *testing.T) {
	c, err := New(Config{
		BaseURL:     "https://fleet.example",
		Username:    "u",
		Password:    "p",
		InsecureTLS: true,
	})
	require.NoError(t, err)

	tr, ok := c.transport.httpc.Transport.(*http.Transport)
	require.True(t, ok)
	require.NotNil(t, tr.TLSClientConfig)
	assert.True(t, tr.TLSClientConfig.InsecureSkipVerify)
}
