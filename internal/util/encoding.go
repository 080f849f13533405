package util

import (
	"encoding/base64"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize applies NFKC normalisation and trims surrounding whitespace.
func Normalize(s string) string {
	return strings.TrimSpace(norm.NFKC.String(s))
}

// EncodeBase64URL encodes b as unpadded base64url.
func EncodeBase64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeBase64URL decodes base64url input. Padding and the standard
// alphabet's '+' and '/' are accepted, since servers and platforms are not
// consistent about either.
func DecodeBase64URL(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	s = strings.NewReplacer("+", "-", "/", "_").Replace(s)
	return base64.RawURLEncoding.DecodeString(s)
}
