package delivery

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// NewPoster picks a transport for rawURL based on its scheme.
func NewPoster(rawURL string, logger zerolog.Logger) (Poster, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid delivery URL %q: %w", rawURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "coap":
		return NewCoAPPoster(rawURL, logger)
	case "http", "https":
		return NewHTTPPoster(rawURL, nil), nil
	default:
		return nil, fmt.Errorf("unsupported delivery URL scheme %q", u.Scheme)
	}
}

// SupportedScheme reports whether NewPoster can handle rawURL.
func SupportedScheme(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "coap", "http", "https":
		return u.Host != ""
	default:
		return false
	}
}
