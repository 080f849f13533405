package api

import (
	"net/url"
	"strings"
)

// literal path segments of the endpoint contract. Anything else in a path is
// an identifier or a bearer token.
var literalSegments = map[string]bool{
	"sessions":  true,
	"tokens":    true,
	"webauthn":  true,
	"challenge": true,
	"passkeys":  true,
	"email":     true,
	"requests":  true,
	"statuses":  true,
	"status":    true,
}

// Path joins escaped path segments into a resource, e.g.
// Path("sessions", id, "tokens") is "/sessions/<id>/tokens".
func Path(segments ...string) string {
	var b strings.Builder
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

// Route reduces a resource to its template so it can be used as a metric
// label or logged: "/sessions/abc/tokens" becomes "/sessions/:id/tokens".
func Route(resource string) string {
	if i := strings.IndexAny(resource, "?#"); i >= 0 {
		resource = resource[:i]
	}
	parts := strings.Split(strings.Trim(resource, "/"), "/")
	for i, p := range parts {
		if p != "" && !literalSegments[p] {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}
