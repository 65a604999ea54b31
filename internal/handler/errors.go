package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"image-proxy-go/internal/middleware"
	"image-proxy-go/internal/service"
)

// secretParamPattern matches credential-looking query parameter values in
// URLs embedded in error messages.
var secretParamPattern = regexp.MustCompile(`(?i)((?:api_?key|key|token|access_token)=)[^&\s"]+`)

// mapError converts a service error into its terminal HTTP response.
func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	status, msg := classifyError(err)

	attrs := []any{
		"err", sanitizeError(err),
		"status", status,
		"path", c.Request().URL.Path,
	}
	if status >= 500 {
		h.logger.Error("proxy error", attrs...)
	} else {
		h.logger.Info("request rejected", attrs...)
	}

	return writeError(c, status, msg)
}

// classifyError maps an error to a status code and client-facing message.
func classifyError(err error) (int, string) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code, fmt.Sprint(he.Message)
	}

	if errors.Is(err, service.ErrUnsupportedContentType) {
		return http.StatusBadRequest, "Unsupported Content-Type. Expected application/json"
	}
	if errors.Is(err, service.ErrInvalidJSON) {
		return http.StatusBadRequest, "Invalid JSON body"
	}

	var mf *service.MissingFieldError
	if errors.As(err, &mf) {
		return http.StatusBadRequest, "Missing required field: " + mf.Field
	}

	var ue *service.UpstreamError
	if errors.As(err, &ue) {
		return http.StatusBadGateway, fmt.Sprintf("Error fetching from %s API: %s", ue.Upstream, sanitizeError(ue.Err))
	}

	return http.StatusInternalServerError, "Internal server error: " + sanitizeError(err)
}

// writeError sends the error body: plain text for 404, {"error": msg} JSON
// otherwise. The CORS origin header is always present.
func writeError(c echo.Context, status int, msg string) error {
	middleware.ApplyCORS(c.Response().Header())
	if c.Request().Method == http.MethodHead {
		return c.NoContent(status)
	}
	if status == http.StatusNotFound {
		return c.String(status, msg)
	}
	return c.JSON(status, map[string]string{"error": msg})
}

// ErrorHandler returns the Echo HTTPErrorHandler: the outer boundary for
// router errors, body-limit rejections and recovered panics.
func ErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	logger = logger.With("component", "error_handler")
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, msg := classifyError(err)
		if status >= 500 {
			logger.Error("unhandled error",
				"err", sanitizeError(err),
				"path", c.Request().URL.Path,
			)
		}

		if werr := writeError(c, status, msg); werr != nil {
			logger.Error("writing error response", "err", werr)
		}
	}
}

// sanitizeError redacts credentials from error messages that may contain upstream URLs.
func sanitizeError(err error) string {
	return secretParamPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
