package credentials

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSourceAuthConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		routes  []SourceRoute
		wantErr string
	}{
		{name: "empty"},
		{
			name: "host and catch-all",
			routes: []SourceRoute{
				{Match: SourceRouteMatch{Host: "cdn.example.com"}},
				{Match: SourceRouteMatch{Any: true}},
			},
		},
		{
			name: "catch-all not last",
			routes: []SourceRoute{
				{Match: SourceRouteMatch{Any: true}},
				{Match: SourceRouteMatch{Host: "cdn.example.com"}},
			},
			wantErr: "only the last route",
		},
		{
			name:    "missing host",
			routes:  []SourceRoute{{Token: "t"}},
			wantErr: "host is required",
		},
		{
			name:    "bad path prefix",
			routes:  []SourceRoute{{Match: SourceRouteMatch{Host: "a", PathPrefix: "private"}}},
			wantErr: "must start with /",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := (&SourceAuthConfig{Routes: tt.routes}).Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestSourceAuthConfig_Match(t *testing.T) {
	cfg := &SourceAuthConfig{Routes: []SourceRoute{
		{Match: SourceRouteMatch{Host: "assets.example.com", PathPrefix: "/private/"}, Token: "private"},
		{Match: SourceRouteMatch{Host: "CDN.example.com"}, Token: "cdn"},
	}}

	route := cfg.Match(mustURL(t, "https://cdn.example.com:8443/a.png"))
	require.NotNil(t, route)
	require.Equal(t, "cdn", route.Token)

	route = cfg.Match(mustURL(t, "https://assets.example.com/private/a.png"))
	require.NotNil(t, route)
	require.Equal(t, "private", route.Token)

	require.Nil(t, cfg.Match(mustURL(t, "https://assets.example.com/public/a.png")))
	require.Nil(t, cfg.Match(mustURL(t, "https://evil.example.net/a.png")))
}

func TestSourceRoute_Apply(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "https://cdn.example.com/a.png", nil)
	require.NoError(t, err)

	(&SourceRoute{Token: "abc", Username: "ignored", Headers: map[string]string{"X-Client": "ic"}}).Apply(req)
	require.Equal(t, "Bearer abc", req.Header.Get("Authorization"))
	require.Equal(t, "ic", req.Header.Get("X-Client"))

	req, err = http.NewRequest(http.MethodGet, "https://cdn.example.com/a.png", nil)
	require.NoError(t, err)
	(&SourceRoute{Username: "u", Password: "p"}).Apply(req)
	user, pass, ok := req.BasicAuth()
	require.True(t, ok)
	require.Equal(t, "u", user)
	require.Equal(t, "p", pass)
}
