package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/epicrisis/internal/metrics"
)

// maxBodyBytes bounds a request body; prompts are text, not uploads.
const maxBodyBytes = 4 << 20

func reply(c *echo.Context, route string, status int, v any) error {
	metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	return c.JSON(status, v)
}

func writeBadRequest(c *echo.Context, route, msg string) error {
	return writeError(c, route, http.StatusBadRequest, "invalid_request_error", msg, "")
}

func writeNotFound(c *echo.Context, route, msg string) error {
	return writeError(c, route, http.StatusNotFound, "not_found_error", msg, "")
}

func writeError(c *echo.Context, route string, status int, errType, msg, param string) error {
	return reply(c, route, status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Param:   param,
		},
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(io.LimitReader(r, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, fmt.Errorf("decode request: %w", err)
	}
	return out, nil
}

func newGenerationID() string {
	return "gen-" + uuid.NewString()
}
