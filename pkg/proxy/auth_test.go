package proxy

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"":                   "",
		"Bearer abc":         "abc",
		"bearer  abc ":       "abc",
		"Basic dXNlcjpwYXNz": "",
		"Bearer":             "",
	}
	for header, want := range cases {
		h := http.Header{}
		if header != "" {
			h.Set("Authorization", header)
		}
		assert.Equal(t, want, bearerToken(h), "header %q", header)
	}
}

func TestTokenAllowed(t *testing.T) {
	assert.True(t, tokenAllowed("", ""), "open access when no secret is configured")
	assert.True(t, tokenAllowed("anything", ""), "any token passes when no secret is configured")
	assert.False(t, tokenAllowed("", "secret"), "missing token")
	assert.False(t, tokenAllowed("secreT", "secret"), "wrong token")
	assert.True(t, tokenAllowed("secret", "secret"))
}

func TestClientIDIgnoresToken(t *testing.T) {
	r := httptest.NewRequest("GET", "http://example.test/v1/models", nil)
	r.RemoteAddr = "10.1.2.3:41430"
	assert.Equal(t, "ip:10.1.2.3", clientID(r))

	r.Header.Set("Authorization", "Bearer tok")
	assert.Equal(t, "ip:10.1.2.3", clientID(r))

	r.RemoteAddr = "10.1.2.4"
	assert.Equal(t, "ip:10.1.2.4", clientID(r), "address without a port")
}
