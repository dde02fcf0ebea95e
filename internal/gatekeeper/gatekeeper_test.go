package gatekeeper

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signagehq/voicerelay/internal/identity"
	"github.com/signagehq/voicerelay/internal/logger"
	"github.com/signagehq/voicerelay/internal/policy"
)

const voicePath = "/api/voice-stream"

type stubVerifier struct {
	claims identity.Claims
	err    error
}

func (v stubVerifier) Verify(context.Context, string) (identity.Claims, error) {
	return v.claims, v.err
}

type stubPolicy struct {
	decision policy.Decision
	err      error
	input    *policy.AccessInput
}

func (p *stubPolicy) Evaluate(_ context.Context, in policy.AccessInput) (policy.Decision, error) {
	p.input = &in
	return p.decision, p.err
}

func upgradeRequest(target string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	return req
}

// serve runs the middleware in front of a handler that records whether it
// was reached.
func serve(g *Gatekeeper, req *http.Request) (*httptest.ResponseRecorder, echo.Context, bool) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	reached := false
	h := g.Middleware()(func(c echo.Context) error {
		reached = true
		return c.NoContent(http.StatusSwitchingProtocols)
	})
	_ = h(c)
	return rec, c, reached
}

func newGate(v identity.Verifier, p Policy) *Gatekeeper {
	return New(voicePath, v, p, logger.Discard(), nil)
}

func TestAdmitsValidRequest(t *testing.T) {
	claims := identity.Claims{"sub": "user-1"}
	p := &stubPolicy{decision: policy.Allow}
	g := newGate(stubVerifier{claims: claims}, p)

	_, c, reached := serve(g, upgradeRequest(voicePath+"?token=abc&orgId=org-1"))

	assert.True(t, reached)
	assert.Equal(t, "org-1", TenantID(c))
	assert.Equal(t, claims, Claims(c))
	require.NotNil(t, p.input)
	assert.Equal(t, "org-1", p.input.OrgID)
	assert.Equal(t, "user-1", p.input.Claims["sub"])
}

func TestRejections(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		verifier identity.Verifier
		policy   *stubPolicy
		status   int
	}{
		{
			name:     "wrong path",
			target:   "/api/other?token=abc&orgId=org-1",
			verifier: stubVerifier{},
			policy:   &stubPolicy{decision: policy.Allow},
			status:   http.StatusNotFound,
		},
		{
			name:     "missing token",
			target:   voicePath + "?orgId=org-1",
			verifier: stubVerifier{},
			policy:   &stubPolicy{decision: policy.Allow},
			status:   http.StatusUnauthorized,
		},
		{
			name:     "missing org",
			target:   voicePath + "?token=abc",
			verifier: stubVerifier{},
			policy:   &stubPolicy{decision: policy.Allow},
			status:   http.StatusUnauthorized,
		},
		{
			name:     "invalid token",
			target:   voicePath + "?token=abc&orgId=org-1",
			verifier: stubVerifier{err: identity.ErrInvalidToken},
			policy:   &stubPolicy{decision: policy.Allow},
			status:   http.StatusUnauthorized,
		},
		{
			name:     "policy deny",
			target:   voicePath + "?token=abc&orgId=org-1",
			verifier: stubVerifier{claims: identity.Claims{}},
			policy:   &stubPolicy{decision: policy.Deny},
			status:   http.StatusUnauthorized,
		},
		{
			name:     "policy error",
			target:   voicePath + "?token=abc&orgId=org-1",
			verifier: stubVerifier{claims: identity.Claims{}},
			policy:   &stubPolicy{err: errors.New("rego failure")},
			status:   http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGate(tt.verifier, tt.policy)
			rec, c, reached := serve(g, upgradeRequest(tt.target))

			assert.False(t, reached)
			assert.Equal(t, tt.status, rec.Code)
			assert.Empty(t, rec.Body.String())
			assert.Empty(t, TenantID(c))
		})
	}
}

func TestNonUpgradeRequestsPassThrough(t *testing.T) {
	g := newGate(stubVerifier{err: identity.ErrInvalidToken}, &stubPolicy{})
	req := httptest.NewRequest(http.MethodGet, "/other", nil)

	_, _, reached := serve(g, req)
	assert.True(t, reached)
}

func TestWithJWTAndDefaultPolicy(t *testing.T) {
	ctx := context.Background()
	verifier, err := identity.NewJWTVerifier("secret", "", "")
	require.NoError(t, err)
	engine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	require.NoError(t, err)
	g := newGate(verifier, engine)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "user-1",
		"orgs": []string{"org-1"},
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, c, reached := serve(g, upgradeRequest(voicePath+"?token="+token+"&orgId=org-1"))
	assert.True(t, reached)
	assert.Equal(t, "org-1", TenantID(c))

	rec, _, reached := serve(g, upgradeRequest(voicePath+"?token="+token+"&orgId=org-2"))
	assert.False(t, reached)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _, reached = serve(g, upgradeRequest(voicePath+"?token=not-a-jwt&orgId=org-1"))
	assert.False(t, reached)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
