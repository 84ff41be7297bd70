package auth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService("test-secret", "stockledger")
	require.NoError(t, err)
	return svc
}

func TestGenerateAndParse(t *testing.T) {
	svc := newTestService(t)
	token, err := svc.Generate("user-1", "Ana", []string{"clerk"}, time.Hour)
	require.NoError(t, err)

	p, err := svc.Parse(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", p.Subject)
	require.Equal(t, []string{"clerk"}, p.Roles)
}

func TestParseRejectsExpiredAndForeignTokens(t *testing.T) {
	svc := newTestService(t)
	token, err := svc.Generate("user-1", "", nil, time.Minute)
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = svc.Parse(token)
	require.ErrorIs(t, err, ErrInvalidToken)

	other, err := NewService("other-secret", "stockledger")
	require.NoError(t, err)
	foreign, err := other.Generate("user-1", "", nil, time.Hour)
	require.NoError(t, err)
	_, err = newTestService(t).Parse(foreign)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewService("", "x")
	require.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	svc := newTestService(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var seen string
	h := Middleware(svc, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := shared.PrincipalFromContext(r.Context())
		seen = p.Subject
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer token.invalid.here")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	token, err := svc.Generate("user-7", "", nil, time.Hour)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, "user-7", seen)
}
