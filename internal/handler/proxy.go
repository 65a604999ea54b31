package handler

import (
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/labstack/echo/v4"

	"image-proxy-go/internal/middleware"
	"image-proxy-go/internal/model"
	"image-proxy-go/internal/profile"
	"image-proxy-go/internal/service"
)

// ProxyHandler dispatches API requests to the image transformer or the
// generic passthrough and streams the upstream response back.
type ProxyHandler struct {
	service *service.ProxyService
	profile *profile.Profile
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		profile: svc.Profile(),
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle routes the request by method and path. Preflight requests never get
// here; the CORS middleware answers them before routing.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	route := h.profile.Route(req.Method, req.URL.Path)
	if route == profile.RouteNotFound {
		return writeError(c, http.StatusNotFound, http.StatusText(http.StatusNotFound))
	}

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.Path,
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	var (
		resp *model.ProxyResponse
		err  error
	)
	if route == profile.RouteImage {
		resp, err = h.service.GenerateImage(pr)
		// The transformer leaves a re-readable copy of the body behind.
		req.Body = pr.Body
	} else {
		resp, err = h.service.Forward(pr)
	}
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	dst := c.Response().Header()
	for key, vals := range resp.Header {
		dst[key] = slices.Clone(vals)
	}
	middleware.ApplyCORS(dst)

	c.Response().WriteHeader(resp.StatusCode)

	// The status is already on the wire; a mid-stream failure leaves the
	// client with a truncated body.
	if _, err := io.Copy(responseWriter(c, resp), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", sanitizeError(err),
			"path", req.URL.Path,
		)
	}

	return nil
}

// responseWriter returns the writer for the relayed body. Event streams are
// flushed after every write so chunks reach the client as they arrive.
func responseWriter(c echo.Context, resp *model.ProxyResponse) io.Writer {
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return flushWriter{c.Response()}
	}
	return c.Response()
}

type flushWriter struct {
	res *echo.Response
}

func (w flushWriter) Write(p []byte) (int, error) {
	n, err := w.res.Write(p)
	w.res.Flush()
	return n, err
}
