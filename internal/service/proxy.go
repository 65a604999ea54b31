// Package service implements the core proxy forwarding logic.
package service

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"image-proxy-go/internal/client"
	"image-proxy-go/internal/config"
	"image-proxy-go/internal/metrics"
	"image-proxy-go/internal/model"
	"image-proxy-go/internal/profile"
)

// edgeHeaders carry client-network metadata added by the edge network in
// front of the proxy. They mean nothing to the upstream.
var edgeHeaders = []string{
	"CF-Connecting-IP",
	"CF-IPCountry",
	"CF-Ray",
	"CF-Visitor",
}

// hopByHopHeaders apply to a single connection and are never relayed.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client  *client.UpstreamClient
	profile *profile.Profile
	metrics *metrics.Metrics
	logger  *slog.Logger
	baseURL *url.URL
}

// NewProxyService creates a ProxyService for the given profile.
// The metrics parameter is optional; pass nil to disable recording.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, p *profile.Profile, m *metrics.Metrics, logger *slog.Logger) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("upstream base_url %q has no host", cfg.Upstream.BaseURL)
	}

	return &ProxyService{
		client:  c,
		profile: p,
		metrics: m,
		logger:  logger.With("component", "proxy_service", "profile", p.Name),
		baseURL: u,
	}, nil
}

// Profile returns the profile the service was built with.
func (s *ProxyService) Profile() *profile.Profile {
	return s.profile
}

// Forward passes a request through to the upstream with header cleanup only.
// The caller is responsible for closing the response body.
//
// Inbound headers are copied, edge and hop-by-hop headers are removed and
// Host is rewritten to the upstream host. GET and HEAD requests are sent
// without a body.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	header := pr.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Del("Host")
	for _, h := range edgeHeaders {
		header.Del(h)
	}
	stripHopHeaders(header)

	out := &model.OutboundRequest{
		Method: pr.Method,
		URL:    s.buildUpstreamURL(pr.Path, pr.RawQuery),
		Host:   s.baseURL.Host,
		Header: header,
	}
	if pr.Method != http.MethodGet && pr.Method != http.MethodHead {
		out.Body = pr.Body
		out.ContentLength = pr.ContentLength
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
	)

	resp, err := s.client.DoStream(pr.Ctx, out)
	if err != nil {
		return nil, &UpstreamError{Upstream: s.profile.UpstreamName, Err: err}
	}

	resp.Header = relayHeaders(resp.Header)
	return resp, nil
}

// buildUpstreamURL joins the upstream base URL with the inbound path and
// copies the raw query verbatim, keeping parameter order and repeated keys.
func (s *ProxyService) buildUpstreamURL(path, rawQuery string) string {
	u := *s.baseURL
	u.Path = strings.TrimRight(s.baseURL.Path, "/") + path
	u.RawPath = ""
	u.RawQuery = rawQuery
	u.Fragment = ""
	return u.String()
}

// relayHeaders returns a fresh copy of upstream response headers without
// hop-by-hop fields.
func relayHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	stripHopHeaders(dst)
	return dst
}

// stripHopHeaders removes hop-by-hop headers, including any named in Connection.
func stripHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
