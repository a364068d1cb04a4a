package handler

import (
    "context"
    "errors"
    "log/slog"
    "net/http"
    "strconv"

    "github.com/labstack/echo/v4"

    "github.com/gatekeep/admission/internal/admission"
    "github.com/gatekeep/admission/internal/middleware"
    "github.com/gatekeep/admission/internal/model"
    "github.com/gatekeep/admission/internal/queue"
    "github.com/gatekeep/admission/internal/repository"
)

// AdmissionService is what the HTTP layer needs from the engine.
type AdmissionService interface {
    Scan(ctx context.Context, req admission.ScanRequest) (admission.ScanPayload, error)
    MintToken(ctx context.Context, ticketID string, direction *model.PresenceState, deviceHash string) (admission.MintedToken, error)
    Revoke(ctx context.Context, ticketID, reason string) (*model.Ticket, error)
    ResetGuard(ctx context.Context, ticketID string) error
    RecentScans(ctx context.Context, ticketID string, limit int) ([]model.ScanLog, error)
}

// AdmissionHandler exposes scans and ticket administration over HTTP.
type AdmissionHandler struct {
    svc AdmissionService
    log *slog.Logger
}

// NewAdmissionHandler constructs an AdmissionHandler.
func NewAdmissionHandler(svc AdmissionService, logger *slog.Logger) *AdmissionHandler {
    if logger == nil {
        logger = slog.Default()
    }
    return &AdmissionHandler{svc: svc, log: logger.With("component", "http")}
}

type scanRequest struct {
    Token      string               `json:"token"`
    TicketID   string               `json:"ticket_id"`
    Direction  *model.PresenceState `json:"direction"`
    Gate       string               `json:"gate"`
    DeviceHash string               `json:"device_hash"`
}

// Scan handles POST /v1/scans.  Every admission decision, including
// rejections, is answered with 200 and a verdict.
func (h *AdmissionHandler) Scan(c echo.Context) error {
    var req scanRequest
    if err := c.Bind(&req); err != nil {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid json"})
    }
    if req.Gate == "" {
        req.Gate = middleware.GateID(c)
    }
    p, err := h.svc.Scan(requestContext(c), admission.ScanRequest{
        Token:        req.Token,
        TicketID:     req.TicketID,
        Direction:    req.Direction,
        Gate:         req.Gate,
        DeviceHash:   req.DeviceHash,
        ActingUserID: middleware.ActingUser(c),
    })
    if err != nil {
        return h.fail(c, err)
    }
    return c.JSON(http.StatusOK, p)
}

type mintRequest struct {
    Direction  *model.PresenceState `json:"direction"`
    DeviceHash string               `json:"device_hash"`
}

// MintToken handles POST /v1/tickets/:id/token.  The body is optional.
func (h *AdmissionHandler) MintToken(c echo.Context) error {
    var req mintRequest
    if c.Request().ContentLength > 0 {
        if err := c.Bind(&req); err != nil {
            return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid json"})
        }
    }
    tok, err := h.svc.MintToken(requestContext(c), c.Param("id"), req.Direction, req.DeviceHash)
    if err != nil {
        return h.fail(c, err)
    }
    return c.JSON(http.StatusOK, tok)
}

type revokeRequest struct {
    Reason string `json:"reason"`
}

// Revoke handles POST /v1/tickets/:id/revoke.
func (h *AdmissionHandler) Revoke(c echo.Context) error {
    var req revokeRequest
    if c.Request().ContentLength > 0 {
        if err := c.Bind(&req); err != nil {
            return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid json"})
        }
    }
    t, err := h.svc.Revoke(requestContext(c), c.Param("id"), req.Reason)
    if err != nil {
        return h.fail(c, err)
    }
    return c.JSON(http.StatusOK, t)
}

// ResetGuard handles DELETE /v1/tickets/:id/guard.
func (h *AdmissionHandler) ResetGuard(c echo.Context) error {
    if err := h.svc.ResetGuard(requestContext(c), c.Param("id")); err != nil {
        return h.fail(c, err)
    }
    return c.NoContent(http.StatusNoContent)
}

// ListScans handles GET /v1/tickets/:id/scans?limit=N (default 50, max 500).
func (h *AdmissionHandler) ListScans(c echo.Context) error {
    limit := 50
    if v := c.QueryParam("limit"); v != "" {
        n, err := strconv.Atoi(v)
        if err != nil || n < 1 {
            return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid limit"})
        }
        limit = min(n, 500)
    }
    logs, err := h.svc.RecentScans(requestContext(c), c.Param("id"), limit)
    if err != nil {
        return h.fail(c, err)
    }
    if logs == nil {
        logs = []model.ScanLog{}
    }
    return c.JSON(http.StatusOK, echo.Map{"scans": logs})
}

// fail maps engine errors to HTTP responses.  Infrastructure failures are
// logged and hidden behind a generic message.
func (h *AdmissionHandler) fail(c echo.Context, err error) error {
    switch {
    case errors.Is(err, admission.ErrTicketNotFound):
        return c.JSON(http.StatusNotFound, echo.Map{"error": "ticket not found"})
    case errors.Is(err, admission.ErrInvalidRequest), errors.Is(err, admission.ErrUnknownAttributeMode):
        return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
    case errors.Is(err, admission.ErrTicketRevoked):
        return c.JSON(http.StatusConflict, echo.Map{"error": "ticket revoked"})
    case errors.Is(err, admission.ErrTicketBusy), errors.Is(err, repository.ErrConflict):
        return c.JSON(http.StatusConflict, echo.Map{"error": "ticket busy, retry"})
    }
    h.log.Error("request failed", "path", c.Path(), "err", err)
    return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "admission temporarily unavailable"})
}

// requestContext carries the request id into outbound events.
func requestContext(c echo.Context) context.Context {
    id := c.Response().Header().Get(echo.HeaderXRequestID)
    if id == "" {
        id = c.Request().Header.Get(echo.HeaderXRequestID)
    }
    return queue.WithTrace(c.Request().Context(), id)
}
