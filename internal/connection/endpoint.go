package connection

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultPath is where the application server accepts realtime sockets.
const DefaultPath = "/ws/applications/"

// EndpointBuilder returns the socket URL for the next attempt (without the token).
type EndpointBuilder func() (string, error)

// NewEndpoint builds an EndpointBuilder from the page origin. The socket scheme
// mirrors the origin scheme: http→ws, https→wss.
func NewEndpoint(origin, path string) EndpointBuilder {
	return func() (string, error) {
		u, err := url.Parse(origin)
		if err != nil {
			return "", fmt.Errorf("parse origin: %w", err)
		}

		switch u.Scheme {
		case "http":
			u.Scheme = "ws"
		case "https":
			u.Scheme = "wss"
		case "ws", "wss":
		default:
			return "", fmt.Errorf("unsupported origin scheme %q", u.Scheme)
		}
		if u.Host == "" {
			return "", fmt.Errorf("origin %q has no host", origin)
		}

		if path == "" {
			path = DefaultPath
		}
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		u.Path = path
		u.RawPath = ""
		u.RawQuery = ""
		u.Fragment = ""

		return u.String(), nil
	}
}

// withToken attaches the access token as the "token" query parameter.
func withToken(endpoint, token string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
