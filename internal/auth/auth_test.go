package auth

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"mediawall/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)
	return config.Config{
		Users:  map[string]config.User{"alice": {Bcrypt: string(h)}},
		Tokens: map[string]string{"tok-123": "alice"},
	}
}

func basic(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func doAuthed(t *testing.T, cfg config.Config, authHeader string) (*httptest.ResponseRecorder, string) {
	t.Helper()
	var gotUser string
	h := RequireAuth(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = UserFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/list", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, gotUser
}

func TestRequireAuthBasic(t *testing.T) {
	cfg := testConfig(t)

	rec, user := doAuthed(t, cfg, basic("alice", "hunter2"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", user)

	rec, _ = doAuthed(t, cfg, basic("alice", "wrong"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	rec, _ = doAuthed(t, cfg, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuthBearer(t *testing.T) {
	cfg := testConfig(t)

	rec, user := doAuthed(t, cfg, "Bearer tok-123")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", user)

	rec, _ = doAuthed(t, cfg, "Bearer nope")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuthOptional(t *testing.T) {
	cfg := testConfig(t)
	cfg.AuthOptional = true

	rec, user := doAuthed(t, cfg, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, user)

	// invalid creds are still rejected even in optional mode
	rec, _ = doAuthed(t, cfg, basic("alice", "wrong"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuthDisabled(t *testing.T) {
	rec, user := doAuthed(t, config.Config{}, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, user)
}

func TestAllowedNoAuthMode(t *testing.T) {
	ok, err := Allowed(config.Config{}, "", "/anything", PermCurate)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllowedDefaults(t *testing.T) {
	cfg := testConfig(t)

	ok, err := Allowed(cfg, "alice", "/albums", PermView)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Allowed(cfg, "", "/albums", PermView)
	require.NoError(t, err)
	assert.False(t, ok)

	for _, perm := range []Perm{PermUpload, PermCurate} {
		ok, err = Allowed(cfg, "alice", "/albums", perm)
		require.NoError(t, err)
		assert.False(t, ok, "perm %v should be denied without ACLs", perm)
	}
}

func TestAllowedACLFirstMatch(t *testing.T) {
	cfg := testConfig(t)
	cfg.ACLs = []config.ACL{
		{Path: "/public", View: []string{"*"}, Upload: []string{"alice"}},
		{Path: "/", View: []string{"alice"}, Curate: []string{"alice"}},
	}

	ok, err := Allowed(cfg, "", "/public/cats.jpg", PermView)
	require.NoError(t, err)
	assert.True(t, ok, "wildcard view allows anonymous")

	ok, err = Allowed(cfg, "", "/public", PermUpload)
	require.NoError(t, err)
	assert.False(t, ok, "anonymous never uploads")

	ok, err = Allowed(cfg, "alice", "/public/sub", PermUpload)
	require.NoError(t, err)
	assert.True(t, ok)

	// the /public rule matches first, so curate falls to its (empty) list
	ok, err = Allowed(cfg, "alice", "/public", PermCurate)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = Allowed(cfg, "alice", "/private", PermCurate)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = Allowed(cfg, "alice", "not-clean", PermView)
	assert.Error(t, err)
}

func TestParseBasicAuth(t *testing.T) {
	u, p, ok := parseBasicAuth(basic("bob", "pw:with:colons"))
	assert.True(t, ok)
	assert.Equal(t, "bob", u)
	assert.Equal(t, "pw:with:colons", p)

	_, _, ok = parseBasicAuth("Basic not-base64!!!")
	assert.False(t, ok)

	_, _, ok = parseBasicAuth(basic("", "pw"))
	assert.False(t, ok)

	_, _, ok = parseBasicAuth("Digest abc")
	assert.False(t, ok)
}
