package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/sultanranait/Claraly/internal/platform/capture"
)

// Recovery turns a handler panic into a 500 and reports it.
func Recovery(logger zerolog.Logger, reporter capture.Reporter) echo.MiddlewareFunc {
	reporter = capture.OrNop(reporter)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				var stack [4096]byte
				n := runtime.Stack(stack[:], false)

				rid := GetRequestID(c)
				logger.Error().
					Str("request_id", rid).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(stack[:n])).
					Msg("panic recovered")

				reporter.Capture(c.Request().Context(), fmt.Errorf("panic: %v", r), capture.Context{
					Operation: "http.panic",
					Extra: map[string]any{
						"request_id": rid,
						"method":     c.Request().Method,
						"path":       c.Path(),
					},
				})

				err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
			}()
			return next(c)
		}
	}
}
