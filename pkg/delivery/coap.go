package delivery

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"
	"github.com/rs/zerolog"
)

const defaultCoAPPort = "5683"

// CoAPPoster sends readings as confirmable CoAP POST requests over UDP.
// Every request uses its own short-lived UDP session.
type CoAPPoster struct {
	addr   string
	path   string
	logger zerolog.Logger
}

// NewCoAPPoster parses a coap:// URL. Session errors reported by the CoAP
// stack outside a request go to logger.
func NewCoAPPoster(rawURL string, logger zerolog.Logger) (*CoAPPoster, error) {
	addr, path, err := parseCoAPURL(rawURL)
	if err != nil {
		return nil, err
	}
	return &CoAPPoster{
		addr:   addr,
		path:   path,
		logger: logger.With().Str("component", "CoAPPoster").Str("addr", addr).Logger(),
	}, nil
}

// Addr returns the host:port the poster dials.
func (p *CoAPPoster) Addr() string { return p.addr }

// Path returns the resource path requests are posted to.
func (p *CoAPPoster) Path() string { return p.path }

// Post dials the endpoint, posts body as text/plain and returns the response.
func (p *CoAPPoster) Post(ctx context.Context, body []byte) (*Response, error) {
	conn, err := udp.Dial(p.addr, options.WithErrors(p.sessionError))
	if err != nil {
		return nil, fmt.Errorf("coap dial %s: %w", p.addr, err)
	}
	defer func() { _ = conn.Close() }()

	resp, err := conn.Post(ctx, p.path, message.TextPlain, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("coap post %s%s: %w", p.addr, p.path, err)
	}

	var payload []byte
	if resp.Body() != nil {
		payload, err = resp.ReadBody()
		if err != nil {
			return nil, fmt.Errorf("coap read response body: %w", err)
		}
	}
	res := &Response{Code: resp.Code().String(), Body: payload}
	if resp.Code() >= codes.BadRequest {
		return res, fmt.Errorf("%w: %s", ErrRejected, res.Code)
	}
	return res, nil
}

// sessionError receives errors from the UDP session's read loop.
func (p *CoAPPoster) sessionError(err error) {
	p.logger.Debug().Err(err).Msg("CoAP session error.")
}

// Close is a no-op; sessions are closed after every request.
func (p *CoAPPoster) Close() error {
	return nil
}

func parseCoAPURL(rawURL string) (string, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid CoAP URL %q: %w", rawURL, err)
	}
	if !strings.EqualFold(u.Scheme, "coap") {
		return "", "", fmt.Errorf("CoAP URL must use the coap scheme, got %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return "", "", fmt.Errorf("CoAP URL %q has no host", rawURL)
	}
	port := u.Port()
	if port == "" {
		port = defaultCoAPPort
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return net.JoinHostPort(u.Hostname(), port), path, nil
}
