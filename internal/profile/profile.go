// Package profile describes how a deployment transforms proxied requests:
// which routes it serves, which body parameters pass through to the upstream
// and which defaults fill the gaps.
package profile

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"sort"
	"strings"

	"image-proxy-go/internal/config"
)

// Route is the dispatch decision for an inbound request.
type Route int

const (
	// RouteNotFound means no handler serves the method/path.
	RouteNotFound Route = iota
	// RouteImage sends the request through the image-generation transformer.
	RouteImage
	// RoutePassthrough forwards the request upstream with header cleanup only.
	RoutePassthrough
)

func (r Route) String() string {
	switch r {
	case RouteImage:
		return "image"
	case RoutePassthrough:
		return "passthrough"
	default:
		return "not_found"
	}
}

// Profile is the parameter set of one proxy deployment.
type Profile struct {
	Name string
	// UpstreamName labels the upstream in client-facing error messages.
	UpstreamName string
	APIPrefix    string
	ImagePath    string
	// Passthrough enables generic forwarding of every APIPrefix path.
	// Without it only ImagePath is served.
	Passthrough    bool
	AllowedParams  []string
	RequiredParams []string
	Defaults       map[string]any
	// ForceJSONResponse overrides the upstream Content-Type on image responses.
	ForceJSONResponse bool
}

var builtin = map[string]Profile{
	"xai": {
		Name:              "xai",
		UpstreamName:      "xAI",
		APIPrefix:         "/v1/",
		ImagePath:         "/v1/images/generations",
		Passthrough:       true,
		AllowedParams:     []string{"model", "prompt", "n", "response_format"},
		RequiredParams:    []string{"prompt"},
		ForceJSONResponse: true,
	},
	"jimeng": {
		Name:          "jimeng",
		UpstreamName:  "Jimeng",
		APIPrefix:     "/v1/",
		ImagePath:     "/v1/images/generations",
		AllowedParams: []string{"model", "prompt", "negativePrompt", "width", "height", "sample_strength"},
		Defaults: map[string]any{
			"model":           "jimeng-3.0",
			"negativePrompt":  "",
			"width":           1024,
			"height":          1024,
			"sample_strength": 0.5,
		},
		ForceJSONResponse: true,
	},
}

// Names returns the built-in profile names in sorted order.
func Names() []string {
	names := make([]string, 0, len(builtin))
	for name := range builtin {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns a copy of the named built-in profile.
func Lookup(name string) (*Profile, error) {
	p, ok := builtin[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown profile %q (available: %s)", name, strings.Join(Names(), ", "))
	}
	p.AllowedParams = slices.Clone(p.AllowedParams)
	p.RequiredParams = slices.Clone(p.RequiredParams)
	p.Defaults = maps.Clone(p.Defaults)
	return &p, nil
}

// FromConfig resolves the configured profile and applies the overrides
// present in the [proxy] section.
func FromConfig(cfg *config.Config) (*Profile, error) {
	p, err := Lookup(cfg.Proxy.Profile)
	if err != nil {
		return nil, fmt.Errorf("profile: %w", err)
	}

	if len(cfg.Proxy.AllowedParams) > 0 {
		p.AllowedParams = slices.Clone(cfg.Proxy.AllowedParams)
	}
	if cfg.Proxy.RequiredParams != nil {
		p.RequiredParams = slices.Clone(cfg.Proxy.RequiredParams)
	}
	if len(cfg.Proxy.Defaults) > 0 {
		p.Defaults = maps.Clone(cfg.Proxy.Defaults)
	}
	if cfg.Proxy.Passthrough != nil {
		p.Passthrough = *cfg.Proxy.Passthrough
	}

	for _, name := range p.RequiredParams {
		if !slices.Contains(p.AllowedParams, name) {
			return nil, fmt.Errorf("profile %s: required param %q is not in the allow-list", p.Name, name)
		}
	}
	for name := range p.Defaults {
		if !slices.Contains(p.AllowedParams, name) {
			return nil, fmt.Errorf("profile %s: default for %q is not in the allow-list", p.Name, name)
		}
	}

	return p, nil
}

// Route decides how a non-preflight request is handled.
func (p *Profile) Route(method, path string) Route {
	if p.Passthrough && !strings.HasPrefix(path, p.APIPrefix) {
		return RouteNotFound
	}
	if path == p.ImagePath && method == http.MethodPost {
		return RouteImage
	}
	if p.Passthrough {
		return RoutePassthrough
	}
	return RouteNotFound
}

// Filter copies the allow-listed keys present in body into a new map.
// Keys outside the allow-list are returned in dropped, sorted; they are never
// an error. An explicit JSON null counts as present.
func (p *Profile) Filter(body map[string]any) (kept map[string]any, dropped []string) {
	kept = make(map[string]any, len(p.AllowedParams))
	for _, name := range p.AllowedParams {
		if v, ok := body[name]; ok {
			kept[name] = v
		}
	}
	for name := range body {
		if !slices.Contains(p.AllowedParams, name) {
			dropped = append(dropped, name)
		}
	}
	sort.Strings(dropped)
	return kept, dropped
}

// ApplyDefaults fills every defaulted key missing from params. Only absence
// triggers a default; a supplied zero value, empty string or false is kept.
func (p *Profile) ApplyDefaults(params map[string]any) {
	for name, v := range p.Defaults {
		if _, ok := params[name]; !ok {
			params[name] = v
		}
	}
}

// MissingRequired returns the first required parameter that is absent or
// falsy in body, or "" when all are satisfied.
func (p *Profile) MissingRequired(body map[string]any) string {
	for _, name := range p.RequiredParams {
		v, ok := body[name]
		if !ok || isFalsy(v) {
			return name
		}
	}
	return ""
}

func isFalsy(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case bool:
		return !val
	case string:
		return val == ""
	case json.Number:
		f, err := val.Float64()
		return err == nil && f == 0
	case float64:
		return val == 0
	case int:
		return val == 0
	case int64:
		return val == 0
	default:
		return false
	}
}
