package wstest

import (
	"net/http/httptest"
	"strings"
)

// URL returns the WebSocket url of path on s. TLS servers get wss.
func URL(s *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + path
}
