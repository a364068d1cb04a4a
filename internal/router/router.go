package router // package router wires HTTP routes to handlers and middleware

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gatekeep/admission/internal/handler"
	"github.com/gatekeep/admission/internal/middleware"
)

// RegisterRoutes registers routes that do not require authentication: the
// health probe and the Prometheus scrape endpoint.
func RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", handler.Health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// RegisterAdmission registers the admission API under /v1.  Every route
// requires a staff JWT; the role set differs per route.  Scans pass
// through the per-gate rate limiter before reaching the engine.
func RegisterAdmission(e *echo.Echo, h *handler.AdmissionHandler, jwtSecret string, limiter echo.MiddlewareFunc) {
	g := e.Group("/v1", middleware.JWTAuth(jwtSecret))

	g.POST("/scans", h.Scan, middleware.RequireRole(middleware.RoleStaff, middleware.RoleAdmin), limiter)
	g.GET("/tickets/:id/scans", h.ListScans, middleware.RequireRole(middleware.RoleStaff, middleware.RoleAdmin))

	// Token minting is called by the ticket wallet service.
	g.POST("/tickets/:id/token", h.MintToken, middleware.RequireRole(middleware.RoleService, middleware.RoleAdmin))

	admin := middleware.RequireRole(middleware.RoleAdmin)
	g.POST("/tickets/:id/revoke", h.Revoke, admin)
	g.DELETE("/tickets/:id/guard", h.ResetGuard, admin)
}
