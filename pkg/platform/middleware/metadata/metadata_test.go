package metadata

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		header http.Header
		remote string
		want   string
	}{
		{"forwarded chain uses first hop", http.Header{"X-Forwarded-For": {"203.0.113.7, 10.0.0.1"}}, "10.0.0.2:443", "203.0.113.7"},
		{"real ip header", http.Header{"X-Real-Ip": {" 198.51.100.4 "}}, "10.0.0.2:443", "198.51.100.4"},
		{"remote ipv4", nil, "192.0.2.1:5050", "192.0.2.1"},
		{"remote ipv6", nil, "[::1]:5050", "::1"},
		{"remote without port", nil, "192.0.2.1", "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.Header = tt.header
			if r.Header == nil {
				r.Header = http.Header{}
			}
			r.RemoteAddr = tt.remote
			assert.Equal(t, tt.want, ClientIP(r))
		})
	}
}

func TestClientMetadataStoresCaller(t *testing.T) {
	var got Client
	h := ClientMetadata(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.9:1234"
	r.Header.Set("User-Agent", "eddie-core/2.1")
	h.ServeHTTP(httptest.NewRecorder(), r)

	assert.Equal(t, Client{IP: "192.0.2.9", UserAgent: "eddie-core/2.1"}, got)
}
