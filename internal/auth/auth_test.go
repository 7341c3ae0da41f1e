package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBearerToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "valid", header: "Bearer test-key", want: "test-key"},
		{name: "padded", header: "Bearer   test-key  ", want: "test-key"},
		{name: "missing", header: "", wantErr: true},
		{name: "basic", header: "Basic abc", wantErr: true},
		{name: "empty bearer", header: "Bearer   ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://example.test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractBearerToken(req)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuthenticate_APIKeyIsAdmin(t *testing.T) {
	t.Parallel()
	a := &Authenticator{APIKey: "admin-key"}

	p, ok := a.Authenticate("admin-key")
	require.True(t, ok)
	assert.Equal(t, "admin", p.Subject)
	assert.True(t, HasAnyScope(p, ScopeJogRW))
	assert.True(t, HasAnyScope(p, ScopeEventsRO))

	_, ok = a.Authenticate("admin-kez")
	assert.False(t, ok)
	_, ok = a.Authenticate("")
	assert.False(t, ok)
}

func TestAuthenticate_ScopedTokens(t *testing.T) {
	t.Parallel()
	a := &Authenticator{Tokens: []TokenConfig{
		{Name: "pendant", Token: "jog-token", Scopes: []string{"jog:rw"}},
		{Name: "dashboard", Token: "ro-token", Scopes: []string{" status:ro ", "", "events:ro"}},
	}}

	p, ok := a.Authenticate("jog-token")
	require.True(t, ok)
	assert.Equal(t, "pendant", p.Subject)
	assert.True(t, HasAnyScope(p, ScopeJogRW))
	assert.True(t, HasAnyScope(p, ScopeStatusRO), "jog:rw implies status:ro")
	assert.False(t, HasAnyScope(p, ScopeEventsRO))

	p, ok = a.Authenticate("ro-token")
	require.True(t, ok)
	assert.False(t, HasAnyScope(p, ScopeJogRW))
	assert.True(t, HasAnyScope(p, ScopeStatusRO, ScopeJogRW))
	assert.True(t, HasAnyScope(p))
}

func TestAuthenticator_Enabled(t *testing.T) {
	t.Parallel()
	var nilAuth *Authenticator
	assert.False(t, nilAuth.Enabled())
	assert.False(t, (&Authenticator{}).Enabled())
	assert.True(t, (&Authenticator{APIKey: "k"}).Enabled())
}
