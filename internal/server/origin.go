package server

import (
	"net/url"
	"slices"
	"strings"
)

type builtinOrigin struct {
	scheme string
	host   string
}

// Local dashboards may connect from any port on the loopback interface.
var builtinOrigins = []builtinOrigin{
	{scheme: "http", host: "localhost"},
	{scheme: "http", host: "127.0.0.1"},
	{scheme: "http", host: "::1"},
	{scheme: "https", host: "localhost"},
}

func isBuiltinOrigin(u *url.URL) bool {
	if u == nil {
		return false
	}
	hostname := u.Hostname()
	for _, b := range builtinOrigins {
		if u.Scheme == b.scheme && hostname == b.host {
			return true
		}
	}
	return false
}

// originAllowed validates the Origin header of an upgrade request. Requests
// without one come from non-browser clients and are accepted.
func (s *Server) originAllowed(origin string) bool {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if isBuiltinOrigin(u) {
		return true
	}
	return slices.Contains(s.origins, strings.ToLower(strings.TrimRight(origin, "/")))
}

func sanitizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))
		if o == "" || slices.Contains(out, o) {
			continue
		}
		out = append(out, o)
	}
	return out
}
