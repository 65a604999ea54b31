package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"image-proxy-go/internal/model"
)

// GenerateImage validates an image-generation request, reduces its body to
// the profile's allow-list, fills defaults and posts it to the upstream.
// The caller is responsible for closing the response body.
//
// Unknown body parameters are dropped silently; they never fail the request.
// The Authorization header is copied as-is, empty when absent, and left for
// the upstream to judge.
func (s *ProxyService) GenerateImage(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	if !strings.Contains(strings.ToLower(pr.Header.Get("Content-Type")), "application/json") {
		s.reject("content_type")
		return nil, ErrUnsupportedContentType
	}

	body, err := readJSONBody(pr)
	if err != nil {
		if errors.Is(err, ErrInvalidJSON) {
			s.reject("invalid_json")
		}
		return nil, err
	}

	if name := s.profile.MissingRequired(body); name != "" {
		s.reject("missing_field")
		return nil, &MissingFieldError{Field: name}
	}

	params, dropped := s.profile.Filter(body)
	if len(dropped) > 0 {
		s.logger.Debug("dropped unsupported parameters", "params", dropped)
		if s.metrics != nil {
			s.metrics.DroppedParams.WithLabelValues(s.profile.Name).Add(float64(len(dropped)))
		}
	}
	s.profile.ApplyDefaults(params)

	payload, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode upstream body: %w", err)
	}

	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	header.Set("Authorization", pr.Header.Get("Authorization"))

	s.logger.Debug("forwarding image request",
		"path", pr.Path,
		"params", len(params),
	)

	resp, err := s.client.DoStream(pr.Ctx, &model.OutboundRequest{
		Method: http.MethodPost,
		URL:    s.buildUpstreamURL(pr.Path, pr.RawQuery),
		Header: header,
		Body:   bytes.NewReader(payload),
	})
	if err != nil {
		return nil, &UpstreamError{Upstream: s.profile.UpstreamName, Err: err}
	}

	resp.Header = relayHeaders(resp.Header)
	if s.profile.ForceJSONResponse {
		resp.Header.Set("Content-Type", "application/json")
	}
	return resp, nil
}

// readJSONBody consumes pr.Body once, puts back a re-readable copy and
// decodes the bytes as a single JSON object. Numbers stay json.Number so
// they are re-encoded exactly as sent.
func readJSONBody(pr *model.ProxyRequest) (map[string]any, error) {
	var raw []byte
	if pr.Body != nil {
		var err error
		raw, err = io.ReadAll(pr.Body)
		_ = pr.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
	}
	pr.Body = io.NopCloser(bytes.NewReader(raw))

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if body == nil {
		return nil, fmt.Errorf("%w: body is null", ErrInvalidJSON)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: unexpected data after object", ErrInvalidJSON)
	}
	return body, nil
}

func (s *ProxyService) reject(reason string) {
	if s.metrics != nil {
		s.metrics.RejectedRequests.WithLabelValues(reason).Inc()
	}
}
