package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicflow/engine/internal/platform/auth"
)

// Recovery turns a handler panic into a 500. The log line carries the route
// and, when authenticated, the actor. http.ErrAbortHandler is re-panicked.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}

				event := logger.Error().
					Str("request_id", fmt.Sprint(c.Get("request_id"))).
					Str("method", c.Request().Method).
					Str("route", c.Path()).
					Str("panic", fmt.Sprint(r)).
					Bytes("stack", debug.Stack())
				if actor, ok := auth.ActorFromContext(c.Request().Context()); ok {
					event = event.Str("actor_id", actor.UserID).Str("role", actor.Role)
				}
				event.Msg("panic recovered")

				err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
			}()
			return next(c)
		}
	}
}
