package imagecache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeSourceURL(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "https://example.com/a.png", want: "https://example.com/a.png"},
		{in: "HTTPS://example.com/a.png", want: "https://example.com/a.png"},
		{in: "https://example.com/a b.png", want: "https://example.com/a%20b.png"},
		{in: "https://example.com/a.png?w=1", want: "https://example.com/a.png?w=1"},
		{in: "ftp://example.com/a.png", wantErr: true},
		{in: "https:///a.png", wantErr: true},
		{in: "example.com/a.png", wantErr: true},
		{in: "https://exa mple.com/", wantErr: true},
	}
	for _, tt := range tests {
		got, err := NormalizeSourceURL(tt.in)
		if tt.wantErr {
			require.ErrorIs(t, err, ErrInvalidSourceURL, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got)

		again, err := NormalizeSourceURL(got)
		require.NoError(t, err)
		require.Equal(t, got, again, "normalization is idempotent")
	}
}
