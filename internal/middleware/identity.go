package middleware

import "github.com/labstack/echo/v4"

// GateHeader names the header gate devices use to identify themselves.
const GateHeader = "X-Gate-ID"

// ActingUser returns the authenticated user id stored by JWTAuth, or ""
// for anonymous requests.
func ActingUser(c echo.Context) string {
    if s, ok := c.Get("user_id").(string); ok {
        return s
    }
    return ""
}

// GateID returns the gate identifier sent in GateHeader, or "" when absent.
func GateID(c echo.Context) string {
    return c.Request().Header.Get(GateHeader)
}
