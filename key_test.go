package imagecache

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestKeyString(t *testing.T) {
	// BLAKE3 hash of empty string
	k := KeyForBytes([]byte{})
	expected := "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"
	require.Equal(t, expected, k.String())
}

func TestKeyShortString(t *testing.T) {
	k := KeyForBytes([]byte("hello"))
	short := k.ShortString()
	require.Len(t, short, 16)
	require.True(t, strings.HasPrefix(k.String(), short))
}

func TestKeyDir(t *testing.T) {
	k := KeyForBytes([]byte("test"))
	require.Len(t, k.Dir(), 2)
	require.True(t, strings.HasPrefix(k.String(), k.Dir()))
}

func TestKeyIsZero(t *testing.T) {
	var zero Key
	require.True(t, zero.IsZero())
	require.False(t, KeyForBytes([]byte("test")).IsZero())
}

func TestKeyMarshalUnmarshal(t *testing.T) {
	original := KeyForBytes([]byte("test data"))

	text, err := original.MarshalText()
	require.NoError(t, err)

	var parsed Key
	require.NoError(t, parsed.UnmarshalText(text))
	require.Equal(t, original, parsed)
}

func TestParseKey(t *testing.T) {
	original := KeyForURL("https://example.com/a.png")

	parsed, err := ParseKey(original.String())
	require.NoError(t, err)
	require.Equal(t, original, parsed)

	upper, err := ParseKey(strings.ToUpper(original.String()))
	require.NoError(t, err)
	require.Equal(t, original, upper)
}

func TestParseKeyInvalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"too short", "abc123"},
		{"too long", strings.Repeat("a", 128)},
		{"invalid hex", strings.Repeat("zz", 32)},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseKey(tt.input)
			require.Error(t, err)
		})
	}
}

func TestKeyForURL(t *testing.T) {
	a := KeyForURL("https://x/a.png")
	require.Equal(t, a, KeyForURL("https://x/a.png"))
	require.NotEqual(t, a, KeyForURL("https://x/b.png"))
	// The URL key is a digest of the URL string itself.
	require.Equal(t, KeyForBytes([]byte("https://x/a.png")), a)
}

func TestKeyForVariant(t *testing.T) {
	source := KeyForURL("https://x/a.png")
	small := TransformSpec{TallestSide: 100, Extension: ExtAVIF}

	k := KeyForVariant(source, small)
	require.Equal(t, k, KeyForVariant(source, small))
	require.NotEqual(t, source, k)

	require.NotEqual(t, k, KeyForVariant(source, TransformSpec{TallestSide: 200, Extension: ExtAVIF}))
	require.NotEqual(t, k, KeyForVariant(source, TransformSpec{TallestSide: 100, Extension: ExtJXL}))
	require.NotEqual(t, k, KeyForVariant(KeyForURL("https://x/b.png"), small))
}

func TestKeyDeterminismProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("KeyForBytes is stable", prop.ForAll(
		func(data []byte) bool {
			return KeyForBytes(data) == KeyForBytes(append([]byte(nil), data...))
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.Property("KeyForURL round trips through ParseKey", prop.ForAll(
		func(url string) bool {
			k := KeyForURL(url)
			parsed, err := ParseKey(k.String())
			return err == nil && parsed == k
		},
		gen.AnyString(),
	))

	properties.Property("KeyForVariant depends only on source and canonical spec", prop.ForAll(
		func(url string, side int, extIdx int) bool {
			ext := []string{"avif", "heif", "jxl", "png", "", "webp"}[extIdx]
			spec1, err1 := Canonicalize(Options{TallestSide: side, Extension: ext})
			spec2, err2 := Canonicalize(Options{TallestSide: side, Extension: strings.ToUpper(ext)})
			if err1 != nil || err2 != nil {
				return false
			}
			source := KeyForURL(url)
			return KeyForVariant(source, spec1) == KeyForVariant(source, spec2)
		},
		gen.AlphaString(),
		gen.IntRange(0, MaxTallestSide),
		gen.IntRange(0, 5),
	))

	properties.TestingRun(t)
}
