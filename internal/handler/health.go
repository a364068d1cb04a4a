package handler // HTTP handlers of the admission API

import (
    "net/http"

    "github.com/labstack/echo/v4"
)

// Health is the liveness probe used by load balancers.  It returns a plain
// "ok" with status 200.
func Health(c echo.Context) error {
    return c.String(http.StatusOK, "ok")
}
