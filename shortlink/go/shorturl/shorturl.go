// Package shorturl holds short-code validation, generation, and final URL
// synthesis.
package shorturl

import (
	"crypto/rand"
	"math/big"
	"net/url"
	"regexp"
	"strings"

	"go.shortlink.dev/infra/go/skerr"
)

// codeRegexp is the only legal shape for a short code.
var codeRegexp = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

// alphabet is used for generated codes. Generated codes never contain '_'
// or '-'; only custom codes may.
const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// DefaultCodeLength is the starting length for generated codes.
const DefaultCodeLength = 6

// reservedCodes cannot be claimed as custom codes; they collide with
// routes or confuse clients.
var reservedCodes = map[string]bool{
	"api":       true,
	"admin":     true,
	"www":       true,
	"app":       true,
	"login":     true,
	"register":  true,
	"dashboard": true,
	"health":    true,
	"preview":   true,
	"null":      true,
	"undefined": true,
	"test":      true,
}

// ValidCode returns true if code matches [A-Za-z0-9_-]{1,50}.
func ValidCode(code string) bool {
	return codeRegexp.MatchString(code)
}

// IsReserved returns true if code is on the reserved-word list. The check
// is case-insensitive.
func IsReserved(code string) bool {
	return reservedCodes[strings.ToLower(code)]
}

// RandomCode returns a cryptographically random code of length n drawn
// from the alphabet.
func RandomCode(n int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", skerr.Wrap(err)
		}
		b[i] = alphabet[idx.Int64()]
	}
	return string(b), nil
}

// BuildFinalURL starts from originalURL and sets one query parameter per
// UTM entry, returning the serialized URL. Setting a parameter that is
// already present overwrites it, which makes the operation idempotent.
func BuildFinalURL(originalURL string, utm map[string]string) (string, error) {
	if len(utm) == 0 {
		return originalURL, nil
	}
	u, err := url.Parse(originalURL)
	if err != nil {
		return "", skerr.Wrapf(err, "parsing original url")
	}
	q := u.Query()
	for k, v := range utm {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// FullShortURL derives the canonical short URL for a code under a host.
func FullShortURL(host, code string) string {
	return "https://" + host + "/" + code
}

// NormalizeHost strips any port from a Host header value and lowercases
// the remainder.
func NormalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if i := strings.LastIndexByte(host, ':'); i >= 0 && isAllDigits(host[i+1:]) {
		host = host[:i]
	}
	return host
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
