// Package gatekeeper admits or rejects voice upgrade requests before the
// WebSocket handshake.
//
// Rejected requests never see a handshake: the transport is hijacked, a bare
// status line is written and the connection is closed. Only the voice path is
// served; every other upgrade is answered with 404. Authentication and
// authorization failures are all answered with the same 401.
package gatekeeper

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/signagehq/voicerelay/internal/identity"
	"github.com/signagehq/voicerelay/internal/logger"
	"github.com/signagehq/voicerelay/internal/metrics"
	"github.com/signagehq/voicerelay/internal/policy"
)

const (
	tenantKey = "voice.tenant_id"
	claimsKey = "voice.claims"
)

// Rejection reasons, used in logs and metrics.
const (
	ReasonWrongPath     = "wrong_path"
	ReasonMissingParams = "missing_params"
	ReasonInvalidToken  = "invalid_token"
	ReasonPolicyDenied  = "policy_denied"
	ReasonPolicyError   = "policy_error"
)

// Policy evaluates tenant access for a verified caller.
type Policy interface {
	Evaluate(ctx context.Context, input policy.AccessInput) (policy.Decision, error)
}

// Gatekeeper guards the voice endpoint.
type Gatekeeper struct {
	path     string
	verifier identity.Verifier
	policy   Policy
	log      *logger.Logger
	metrics  *metrics.Metrics
}

// New creates a Gatekeeper admitting upgrades on path.
func New(path string, verifier identity.Verifier, p Policy, log *logger.Logger, m *metrics.Metrics) *Gatekeeper {
	return &Gatekeeper{
		path:     path,
		verifier: verifier,
		policy:   p,
		log:      log,
		metrics:  m,
	}
}

// Middleware returns the echo middleware. Requests that are not WebSocket
// upgrades pass through untouched.
func (g *Gatekeeper) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !websocket.IsWebSocketUpgrade(req) {
				return next(c)
			}

			if req.URL.Path != g.path {
				g.reject(c, http.StatusNotFound, ReasonWrongPath)
				return nil
			}

			query := req.URL.Query()
			token := query.Get("token")
			orgID := query.Get("orgId")
			if token == "" || orgID == "" {
				g.reject(c, http.StatusUnauthorized, ReasonMissingParams)
				return nil
			}

			ctx := req.Context()
			claims, err := g.verifier.Verify(ctx, token)
			if err != nil {
				g.reject(c, http.StatusUnauthorized, ReasonInvalidToken, logrus.Fields{"error": err.Error()})
				return nil
			}

			decision, err := g.policy.Evaluate(ctx, policy.AccessInput{OrgID: orgID, Claims: claims})
			if err != nil {
				g.reject(c, http.StatusUnauthorized, ReasonPolicyError, logrus.Fields{"error": err.Error()})
				return nil
			}
			if decision != policy.Allow {
				g.reject(c, http.StatusUnauthorized, ReasonPolicyDenied, logrus.Fields{"org_id": orgID})
				return nil
			}

			c.Set(tenantKey, orgID)
			c.Set(claimsKey, claims)
			return next(c)
		}
	}
}

// TenantID returns the tenant admitted for this request.
func TenantID(c echo.Context) string {
	id, _ := c.Get(tenantKey).(string)
	return id
}

// Claims returns the verified token claims for this request.
func Claims(c echo.Context) identity.Claims {
	claims, _ := c.Get(claimsKey).(identity.Claims)
	return claims
}

func (g *Gatekeeper) reject(c echo.Context, status int, reason string, fields ...logrus.Fields) {
	g.metrics.GateRejected(reason)
	g.log.Warn("rejecting voice upgrade", append(fields, logrus.Fields{
		"reason": reason,
		"status": status,
		"path":   c.Request().URL.Path,
		"remote": c.RealIP(),
	})...)

	if hj, ok := c.Response().Writer.(http.Hijacker); ok {
		conn, buf, err := hj.Hijack()
		if err == nil {
			fmt.Fprintf(buf, "HTTP/1.1 %d %s\r\n\r\n", status, http.StatusText(status))
			_ = buf.Flush()
			_ = conn.Close()
			return
		}
	}
	_ = c.NoContent(status)
}
