package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veritas/api/internal/authpw"
	"veritas/api/internal/search"
	"veritas/api/internal/store"
)

func doRequest(t *testing.T, h http.Handler, method, path, token string, body io.Reader) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Body.Len() > 0 {
		_ = json.Unmarshal(rr.Body.Bytes(), &payload)
	}
	return rr, payload
}

func jsonBody(v string) io.Reader {
	return bytes.NewBufferString(v)
}

func handlerFor(env *testEnv) http.Handler {
	return NewHTTPServer(env.service, "*", 10, nil).Handler()
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(&fakeStore{})
	h := handlerFor(env)

	rr, payload := doRequest(t, h, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, payload["ok"])
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	rr, payload = doRequest(t, h, http.MethodGet, "/api/ready", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ready", payload["status"])
}

func TestReadyReportsDatabaseFailure(t *testing.T) {
	env := newTestEnv(&fakeStore{pingFn: func(context.Context) error { return errors.New("connection refused") }})

	rr, payload := doRequest(t, handlerFor(env), http.MethodGet, "/api/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "not_ready", payload["status"])
}

func TestUnknownRouteIsNotFound(t *testing.T) {
	env := newTestEnv(&fakeStore{})
	rr, payload := doRequest(t, handlerFor(env), http.MethodGet, "/api/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", payload["code"])
}

func TestSignInReturnsSession(t *testing.T) {
	env := newTestEnv((&fakeStore{}).withRoles(map[string]string{"u1": "mentor"}))
	env.auth.signInFn = func(_ context.Context, email, password string) (store.User, error) {
		if email == "a@example.com" && password == "hunter22" {
			return store.User{ID: "u1", Email: email}, nil
		}
		return store.User{}, authpw.ErrInvalidCredentials
	}
	h := handlerFor(env)

	rr, payload := doRequest(t, h, http.MethodPost, "/api/auth/signin", "", jsonBody(`{"email":"a@example.com","password":"hunter22"}`))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "u1", payload["userId"])
	assert.NotEmpty(t, payload["accessToken"])
	assert.NotEmpty(t, payload["refreshToken"])

	rr, payload = doRequest(t, h, http.MethodPost, "/api/auth/signin", "", jsonBody(`{"email":"a@example.com","password":"wrong"}`))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "INVALID_CREDENTIALS", payload["code"])
}

func TestSignInRejectsMalformedBody(t *testing.T) {
	env := newTestEnv(&fakeStore{})
	rr, payload := doRequest(t, handlerFor(env), http.MethodPost, "/api/auth/signin", "", jsonBody(`{"email":`))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_BODY", payload["code"])
}

func TestSignInIsRateLimitedPerIP(t *testing.T) {
	env := newTestEnv(&fakeStore{})
	h := NewHTTPServer(env.service, "*", 2, nil).Handler()

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rr, _ := doRequest(t, h, http.MethodPost, "/api/auth/signin", "", jsonBody(`{"email":"a@example.com","password":"x"}`))
		codes = append(codes, rr.Code)
	}
	assert.Equal(t, []int{http.StatusUnauthorized, http.StatusUnauthorized, http.StatusTooManyRequests}, codes)
}

func TestRefreshRotatesToken(t *testing.T) {
	env := newTestEnv((&fakeStore{}).withRoles(map[string]string{"u1": "researcher"}))
	session := env.login("u1")
	h := handlerFor(env)

	rr, payload := doRequest(t, h, http.MethodPost, "/api/auth/refresh", "", jsonBody(`{"refreshToken":"`+session.RefreshToken+`"}`))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.NotEqual(t, session.RefreshToken, payload["refreshToken"])
	assert.Equal(t, "u1", payload["userId"])

	rr, _ = doRequest(t, h, http.MethodPost, "/api/auth/refresh", "", jsonBody(`{"refreshToken":"`+session.RefreshToken+`"}`))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestSignOutRevokesAccessToken(t *testing.T) {
	env := newTestEnv((&fakeStore{}).withRoles(map[string]string{"u1": "mentor"}))
	session := env.login("u1")
	h := handlerFor(env)

	_, payload := doRequest(t, h, http.MethodGet, "/api/auth/user", session.Token, nil)
	user, _ := payload["user"].(map[string]any)
	require.NotNil(t, user)
	assert.Equal(t, "u1", user["id"])

	rr, _ := doRequest(t, h, http.MethodPost, "/api/auth/signout", session.Token, jsonBody(`{"refreshToken":"`+session.RefreshToken+`"}`))
	assert.Equal(t, http.StatusOK, rr.Code)

	_, payload = doRequest(t, h, http.MethodGet, "/api/auth/user", session.Token, nil)
	assert.Nil(t, payload["user"])

	rr, _ = doRequest(t, h, http.MethodGet, "/api/rows/profiles/u1", session.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAuthUserWithoutToken(t *testing.T) {
	env := newTestEnv(&fakeStore{})
	rr, payload := doRequest(t, handlerFor(env), http.MethodGet, "/api/auth/user", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, payload, "user")
	assert.Nil(t, payload["user"])
}

func TestRowsRequireSession(t *testing.T) {
	env := newTestEnv(&fakeStore{})
	rr, payload := doRequest(t, handlerFor(env), http.MethodGet, "/api/rows/profiles/u1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "UNAUTHORIZED", payload["code"])
}

func TestGetOwnProfileRow(t *testing.T) {
	env := newTestEnv((&fakeStore{}).withRoles(map[string]string{"u1": ""}))
	session := env.login("u1")

	rr, payload := doRequest(t, handlerFor(env), http.MethodGet, "/api/rows/profiles/u1", session.Token, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "u1", payload["id"])
	assert.Contains(t, payload, "role")
	assert.Nil(t, payload["role"])
}

func TestRowAccessIsOwnerOrAdmin(t *testing.T) {
	fs := (&fakeStore{}).withRoles(map[string]string{"u1": "mentor", "u2": "researcher", "boss": "admin"})
	fs.getRoleRowFn = func(_ context.Context, table, id string) (map[string]any, error) {
		return map[string]any{"id": id, "field": "ml"}, nil
	}
	env := newTestEnv(fs)
	h := handlerFor(env)

	rr, payload := doRequest(t, h, http.MethodGet, "/api/rows/researcher/u2", env.login("u1").Token, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "FORBIDDEN", payload["code"])

	rr, payload = doRequest(t, h, http.MethodGet, "/api/rows/researcher/u2", env.login("boss").Token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ml", payload["field"])
}

func TestUnknownTable(t *testing.T) {
	env := newTestEnv((&fakeStore{}).withRoles(map[string]string{"u1": "admin"}))
	rr, payload := doRequest(t, handlerFor(env), http.MethodGet, "/api/rows/users/u1", env.login("u1").Token, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "UNKNOWN_TABLE", payload["code"])
}

func TestPutRoleRowSanitizesPayload(t *testing.T) {
	var written map[string]any
	fs := (&fakeStore{}).withRoles(map[string]string{"u1": "mentor"})
	fs.upsertRoleRowFn = func(_ context.Context, table, id string, fields map[string]any) (map[string]any, error) {
		assert.Equal(t, "mentor", table)
		written = fields
		return map[string]any{"id": id, "bio": fields["bio"]}, nil
	}
	env := newTestEnv(fs)

	rr, payload := doRequest(t, handlerFor(env), http.MethodPut, "/api/rows/mentor/u1", env.login("u1").Token,
		jsonBody(`{"bio":"hi","id":"other","role":"admin","name":"X","skip":null}`))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, map[string]any{"bio": "hi"}, written)
	assert.Equal(t, "u1", payload["id"])
}

func TestPutProfileReindexesSearch(t *testing.T) {
	fs := (&fakeStore{}).withRoles(map[string]string{"u1": "mentor"})
	fs.updateProfileFn = func(_ context.Context, id string, fields map[string]any) (store.ProfileRow, error) {
		assert.Equal(t, map[string]any{"name": "Ada", "mode": "dark"}, fields)
		return store.ProfileRow{ID: id, Name: "Ada", Email: "ada@example.com", Role: "mentor", Mode: "dark"}, nil
	}
	env := newTestEnv(fs)

	rr, payload := doRequest(t, handlerFor(env), http.MethodPut, "/api/rows/profiles/u1", env.login("u1").Token,
		jsonBody(`{"name":" Ada ","mode":"dark","pfp":""}`))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "dark", payload["mode"])
	require.Len(t, env.search.indexed, 1)
	assert.Equal(t, search.Result{ID: "u1", Name: "Ada", Email: "ada@example.com", Role: "mentor"}, env.search.indexed[0])
}

func TestPutProfileValidation(t *testing.T) {
	env := newTestEnv((&fakeStore{}).withRoles(map[string]string{"u1": "mentor"}))
	h := handlerFor(env)
	token := env.login("u1").Token

	rr, payload := doRequest(t, h, http.MethodPut, "/api/rows/profiles/u1", token, jsonBody(`{"mode":"sepia"}`))
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "VALIDATION_ERROR", payload["code"])

	rr, payload = doRequest(t, h, http.MethodPut, "/api/rows/profiles/u1", token, jsonBody(`{"role":"admin"}`))
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "FORBIDDEN", payload["code"])
}

func TestAdminMayAssignAdmin(t *testing.T) {
	fs := (&fakeStore{}).withRoles(map[string]string{"boss": "admin", "u2": "mentor"})
	fs.updateProfileFn = func(_ context.Context, id string, fields map[string]any) (store.ProfileRow, error) {
		return store.ProfileRow{ID: id, Role: fields["role"].(string)}, nil
	}
	env := newTestEnv(fs)

	rr, payload := doRequest(t, handlerFor(env), http.MethodPut, "/api/rows/profiles/u2", env.login("boss").Token, jsonBody(`{"role":"admin"}`))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "admin", payload["role"])
}

func TestAvatarUpload(t *testing.T) {
	var written map[string]any
	fs := (&fakeStore{}).withRoles(map[string]string{"u1": "mentor"})
	fs.updateProfileFn = func(_ context.Context, id string, fields map[string]any) (store.ProfileRow, error) {
		written = fields
		return store.ProfileRow{ID: id, Pfp: fields["pfp"].(string)}, nil
	}
	env := newTestEnv(fs)
	h := handlerFor(env)
	token := env.login("u1").Token

	req := httptest.NewRequest(http.MethodPut, "/api/profiles/u1/avatar", strings.NewReader("\x89PNG..."))
	req.Header.Set("Content-Type", "image/png")
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Len(t, env.objects.puts, 1)
	assert.Equal(t, "pfp", env.objects.puts[0].bucket)
	assert.Equal(t, "u1.png", env.objects.puts[0].key)
	assert.Equal(t, int64(7), env.objects.puts[0].size)
	assert.Equal(t, map[string]any{"pfp": "http://minio.test/pfp/u1.png"}, written)

	req = httptest.NewRequest(http.MethodPut, "/api/profiles/u1/avatar", strings.NewReader("text"))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rr.Code)
}

func TestSearchExcludesCaller(t *testing.T) {
	env := newTestEnv((&fakeStore{}).withRoles(map[string]string{"u1": "mentor"}))
	env.search.results = []search.Result{{ID: "u2", Name: "Grace"}}
	h := handlerFor(env)
	token := env.login("u1").Token

	rr, payload := doRequest(t, h, http.MethodGet, "/api/users/search?q=gr&limit=500", token, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "gr", payload["query"])
	require.Len(t, env.search.queries, 1)
	assert.Equal(t, search.Query{Text: "gr", ExcludeID: "u1", Limit: maxSearchLimit}, env.search.queries[0])

	rr, payload = doRequest(t, h, http.MethodGet, "/api/users/search?q=%20%20", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []any{}, payload["results"])
	assert.Len(t, env.search.queries, 1)

	rr, _ = doRequest(t, h, http.MethodGet, "/api/users/search?q=gr&limit=abc", token, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCaptureSignedURL(t *testing.T) {
	env := newTestEnv((&fakeStore{}).withRoles(map[string]string{"u1": "mentor"}))

	rr, payload := doRequest(t, handlerFor(env), http.MethodGet, "/api/captures/signed-url", env.login("u1").Token, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	key, _ := payload["key"].(string)
	assert.True(t, strings.HasPrefix(key, "u1/"))
	assert.True(t, strings.HasSuffix(key, ".png"))
	assert.Contains(t, payload["uploadUrl"], "X-Amz-Signature")
	assert.Equal(t, []string{"captures/" + key}, env.objects.presigned)
}

func TestOverlayRoundTrip(t *testing.T) {
	overlay := false
	fs := (&fakeStore{}).withRoles(map[string]string{"u1": "mentor", "u2": "mentor"})
	fs.getOverlayFn = func(context.Context, string) (bool, error) { return overlay, nil }
	fs.setOverlayFn = func(_ context.Context, _ string, v bool) error { overlay = v; return nil }
	env := newTestEnv(fs)
	h := handlerFor(env)
	token := env.login("u1").Token

	rr, _ := doRequest(t, h, http.MethodPut, "/api/settings/u1/overlay", token, jsonBody(`{"overlay":true}`))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	_, payload := doRequest(t, h, http.MethodGet, "/api/settings/u1/overlay", token, nil)
	assert.Equal(t, true, payload["overlay"])

	rr, _ = doRequest(t, h, http.MethodPut, "/api/settings/u1/overlay", token, jsonBody(`{}`))
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr, _ = doRequest(t, h, http.MethodGet, "/api/settings/u2/overlay", token, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestAdminCreateUser(t *testing.T) {
	env := newTestEnv((&fakeStore{}).withRoles(map[string]string{"boss": "admin", "u1": "mentor", "new-user": "researcher"}))
	var got authpw.CreateUserRequest
	env.auth.createUserFn = func(_ context.Context, req authpw.CreateUserRequest) (store.User, error) {
		got = req
		return store.User{ID: "new-user", Email: req.Email}, nil
	}
	h := handlerFor(env)
	body := `{"email":"new@example.com","password":"longenough","name":"New","role":"researcher"}`

	rr, _ := doRequest(t, h, http.MethodPost, "/api/admin/users", env.login("u1").Token, jsonBody(body))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr, payload := doRequest(t, h, http.MethodPost, "/api/admin/users", env.login("boss").Token, jsonBody(body))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, "new-user", payload["id"])
	assert.Equal(t, "boss", got.CreatedBy)
	require.Len(t, env.search.indexed, 1)
	assert.Equal(t, "new-user", env.search.indexed[0].ID)
}

func TestAdminCreateUserErrors(t *testing.T) {
	env := newTestEnv((&fakeStore{}).withRoles(map[string]string{"boss": "admin"}))
	h := handlerFor(env)
	token := env.login("boss").Token

	env.auth.createUserFn = func(context.Context, authpw.CreateUserRequest) (store.User, error) {
		return store.User{}, &authpw.ValidationError{Field: "password", Message: "password must be at least 8 characters"}
	}
	rr, payload := doRequest(t, h, http.MethodPost, "/api/admin/users", token, jsonBody(`{"email":"a@example.com","password":"short"}`))
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, map[string]any{"field": "password"}, payload["details"])

	env.auth.createUserFn = func(context.Context, authpw.CreateUserRequest) (store.User, error) {
		return store.User{}, authpw.ErrEmailTaken
	}
	rr, payload = doRequest(t, h, http.MethodPost, "/api/admin/users", token, jsonBody(`{"email":"a@example.com","password":"longenough"}`))
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "EMAIL_EXISTS", payload["code"])
}

func TestInternalErrorsAreMasked(t *testing.T) {
	fs := (&fakeStore{}).withRoles(map[string]string{"u1": "mentor"})
	fs.getOverlayFn = func(context.Context, string) (bool, error) { return false, errors.New("pq: secret detail") }
	env := newTestEnv(fs)

	rr, payload := doRequest(t, handlerFor(env), http.MethodGet, "/api/settings/u1/overlay", env.login("u1").Token, nil)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "SERVER_ERROR", payload["code"])
	assert.NotContains(t, rr.Body.String(), "secret detail")
}
