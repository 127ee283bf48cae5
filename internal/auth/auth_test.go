package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthorize_Disabled(t *testing.T) {
	var nilAuth *Authenticator
	req := httptest.NewRequest(http.MethodGet, "/sockets/alpha", nil)

	assert.NoError(t, nilAuth.Authorize(req, "alpha"))
	assert.NoError(t, New("", "").Authorize(req, "alpha"))
	assert.False(t, New("", "").Enabled())
}

func TestAuthorize_StaticToken(t *testing.T) {
	a := New("secret-token", "")

	tests := []struct {
		name    string
		setup   func(r *http.Request)
		wantErr bool
	}{
		{name: "query", setup: func(r *http.Request) {
			q := r.URL.Query()
			q.Set("token", "secret-token")
			r.URL.RawQuery = q.Encode()
		}},
		{name: "header", setup: func(r *http.Request) { r.Header.Set(TokenHeader, "secret-token") }},
		{name: "bearer", setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer secret-token") }},
		{name: "missing", setup: func(*http.Request) {}, wantErr: true},
		{name: "wrong", setup: func(r *http.Request) { r.Header.Set(TokenHeader, "nope") }, wantErr: true},
		{name: "basic scheme", setup: func(r *http.Request) { r.Header.Set("Authorization", "Basic secret-token") }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/sockets/alpha", nil)
			tt.setup(req)
			err := a.Authorize(req, "alpha")
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnauthorized)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestJWT_PadScope(t *testing.T) {
	a := New("", "jwt-secret")

	scoped, err := a.Issue("viewer", "alpha", time.Hour)
	require.NoError(t, err)
	unscoped, err := a.Issue("editor", "", time.Hour)
	require.NoError(t, err)

	assert.NoError(t, a.Check(scoped, "alpha"))
	assert.ErrorIs(t, a.Check(scoped, "beta"), ErrForbiddenPad)
	assert.NoError(t, a.Check(unscoped, "beta"))

	claims, err := a.Validate(scoped)
	require.NoError(t, err)
	assert.Equal(t, "viewer", claims.Subject)
	assert.Equal(t, "alpha", claims.Pad)
}

func TestJWT_Rejected(t *testing.T) {
	a := New("", "jwt-secret")
	other := New("", "other-secret")

	forged, err := other.Issue("mallory", "", time.Hour)
	require.NoError(t, err)
	assert.ErrorIs(t, a.Check(forged, "alpha"), ErrUnauthorized)

	expired, err := a.Issue("viewer", "", -time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, a.Check(expired, "alpha"), ErrUnauthorized)

	assert.ErrorIs(t, a.Check("not-a-jwt", "alpha"), ErrUnauthorized)
}

func TestIssue_NoSecret(t *testing.T) {
	_, err := New("token", "").Issue("x", "", time.Hour)
	assert.Error(t, err)
}

func TestStaticTokenAndJWT(t *testing.T) {
	a := New("static", "jwt-secret")
	tok, err := a.Issue("viewer", "", time.Hour)
	require.NoError(t, err)

	assert.NoError(t, a.Check("static", "alpha"))
	assert.NoError(t, a.Check(tok, "alpha"))
}
