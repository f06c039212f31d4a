package shorturl

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidCode(t *testing.T) {
	assert.True(t, ValidCode("abc123"))
	assert.True(t, ValidCode("a_b-c"))
	assert.True(t, ValidCode(strings.Repeat("x", 50)))
	assert.False(t, ValidCode(""))
	assert.False(t, ValidCode(strings.Repeat("x", 51)))
	assert.False(t, ValidCode("has.dot"))
	assert.False(t, ValidCode("has space"))
	assert.False(t, ValidCode("héllo"))
}

func TestIsReserved(t *testing.T) {
	for _, code := range []string{"api", "admin", "www", "app", "login", "register", "dashboard", "health", "preview", "null", "undefined", "test"} {
		assert.True(t, IsReserved(code), code)
	}
	assert.True(t, IsReserved("ADMIN"))
	assert.False(t, IsReserved("mylink"))
}

func TestRandomCode_LengthAndAlphabet(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		code, err := RandomCode(6)
		require.NoError(t, err)
		require.Len(t, code, 6)
		require.True(t, ValidCode(code))
		require.NotContains(t, code, "_")
		require.NotContains(t, code, "-")
		seen[code] = true
	}
	// With a 62-character alphabet, 100 draws of 6 characters colliding
	// would indicate a broken generator.
	assert.Greater(t, len(seen), 95)
}

func TestBuildFinalURL_SetsUTMParameters(t *testing.T) {
	got, err := BuildFinalURL("https://example.com/x", map[string]string{"utm_source": "nl"})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/x?utm_source=nl", got)
}

func TestBuildFinalURL_Idempotent(t *testing.T) {
	utm := map[string]string{"utm_source": "nl", "utm_campaign": "spring"}
	once, err := BuildFinalURL("https://example.com/x?keep=1", utm)
	require.NoError(t, err)
	twice, err := BuildFinalURL(once, utm)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
	assert.Contains(t, once, "keep=1")
}

func TestBuildFinalURL_NoUTM_ReturnsOriginalUnchanged(t *testing.T) {
	got, err := BuildFinalURL("https://example.com/x?a=%20b", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/x?a=%20b", got)
}

func TestNormalizeHost(t *testing.T) {
	assert.Equal(t, "go.acme.test", NormalizeHost("go.acme.test:443"))
	assert.Equal(t, "go.acme.test", NormalizeHost("Go.Acme.TEST"))
	assert.Equal(t, "go.acme.test", NormalizeHost(" go.acme.test "))
	assert.Equal(t, "localhost", NormalizeHost("localhost:8080"))
}

func TestFullShortURL(t *testing.T) {
	assert.Equal(t, "https://sho.rt/abc123", FullShortURL("sho.rt", "abc123"))
}
