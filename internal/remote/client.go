// Package remote is the client side of the profile store HTTP API. It keeps the session
// in the local cache and reports session transitions to subscribers.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"veritas/api/internal/authpw"
	"veritas/api/internal/cache"
	"veritas/api/internal/logging"
	"veritas/api/internal/profile"
	"veritas/api/internal/profilesync"
	"veritas/api/internal/rbac"
	"veritas/api/internal/search"
)

// SessionKey is the local cache key holding the serialized session.
const SessionKey = "veritas_session"

var ErrNotSignedIn = errors.New("remote: not signed in")

// APIError is a non-2xx response from the API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote: %d %s: %s", e.Status, e.Code, e.Message)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

type Session struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	UserID       string    `json:"userId"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

type AuthListener func(profilesync.AuthEvent)

type Client struct {
	baseURL string
	http    *http.Client
	store   cache.Store
	log     *zap.Logger

	mu        sync.Mutex
	session   *Session
	listeners map[int]AuthListener
	nextID    int
}

func New(baseURL string, store cache.Store, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      httpClient,
		store:     store,
		log:       logging.OrNop(logger),
		listeners: make(map[int]AuthListener),
	}
}

// Restore loads a session persisted by an earlier run. A missing or unreadable entry
// leaves the client signed out.
func (c *Client) Restore(ctx context.Context) error {
	raw, ok, err := c.store.Get(ctx, SessionKey)
	if err != nil {
		return fmt.Errorf("read session: %w", err)
	}
	if !ok {
		return nil
	}
	var session Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil || session.UserID == "" {
		c.log.Warn("remote: dropping unreadable session")
		return c.store.Remove(ctx, SessionKey)
	}
	c.mu.Lock()
	c.session = &session
	c.mu.Unlock()
	return nil
}

// OnAuthStateChange registers fn for SIGNED_IN and SIGNED_OUT events. The returned func
// unsubscribes.
func (c *Client) OnAuthStateChange(fn AuthListener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Client) emit(evt profilesync.AuthEvent) {
	c.mu.Lock()
	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]AuthListener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, c.listeners[id])
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(evt)
	}
}

// UserID is the signed-in user id, or "".
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.UserID
}

// AccessToken is the current bearer token, or "".
func (c *Client) AccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.AccessToken
}

func (c *Client) refreshToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.RefreshToken
}

func (c *Client) SignIn(ctx context.Context, email, password string) (Session, error) {
	var session Session
	err := c.do(ctx, http.MethodPost, "/api/auth/signin", "", map[string]string{
		"email":    email,
		"password": password,
	}, &session)
	if err != nil {
		return Session{}, err
	}
	if err := c.adopt(ctx, session); err != nil {
		return Session{}, err
	}
	c.emit(profilesync.AuthEvent{Type: profilesync.SignedIn, UserID: session.UserID})
	return session, nil
}

// Refresh rotates the refresh token. Any failure other than a transport error ends the
// session.
func (c *Client) Refresh(ctx context.Context) error {
	refresh := c.refreshToken()
	if refresh == "" {
		return ErrNotSignedIn
	}
	var session Session
	err := c.do(ctx, http.MethodPost, "/api/auth/refresh", "", map[string]string{"refreshToken": refresh}, &session)
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		c.drop(ctx)
		return err
	}
	if err != nil {
		return err
	}
	if err := c.adopt(ctx, session); err != nil {
		return err
	}
	c.emit(profilesync.AuthEvent{Type: profilesync.SignedIn, UserID: session.UserID})
	return nil
}

// SignOut revokes the session server-side on a best-effort basis and always clears it
// locally.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session != nil {
		err := c.do(ctx, http.MethodPost, "/api/auth/signout", session.AccessToken,
			map[string]string{"refreshToken": session.RefreshToken}, nil)
		if err != nil {
			c.log.Warn("remote: sign-out request failed", zap.Error(err))
		}
	}
	c.drop(ctx)
	return nil
}

func (c *Client) adopt(ctx context.Context, session Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	c.mu.Lock()
	c.session = &session
	c.mu.Unlock()
	if err := c.store.Set(ctx, SessionKey, string(raw)); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

func (c *Client) drop(ctx context.Context) {
	c.mu.Lock()
	had := c.session != nil
	c.session = nil
	c.mu.Unlock()
	if err := c.store.Remove(ctx, SessionKey); err != nil {
		c.log.Warn("remote: clear session", zap.Error(err))
	}
	if had {
		c.emit(profilesync.AuthEvent{Type: profilesync.SignedOut})
	}
}

// CurrentUser asks the server who the stored session belongs to. An expired access token
// is refreshed once; "" means no session.
func (c *Client) CurrentUser(ctx context.Context) (string, error) {
	if c.AccessToken() == "" {
		return "", nil
	}
	id, err := c.whoami(ctx)
	if err != nil || id != "" {
		return id, err
	}
	if err := c.Refresh(ctx); err != nil {
		if errors.Is(err, ErrNotSignedIn) || IsStatus(err, http.StatusUnauthorized) {
			return "", nil
		}
		return "", err
	}
	return c.whoami(ctx)
}

func (c *Client) whoami(ctx context.Context) (string, error) {
	var out struct {
		User *struct {
			ID    string `json:"id"`
			Email string `json:"email"`
		} `json:"user"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/auth/user", c.AccessToken(), nil, &out); err != nil {
		return "", err
	}
	if out.User == nil {
		return "", nil
	}
	return out.User.ID, nil
}

func (c *Client) GetProfile(ctx context.Context, userID string) (profile.Profile, error) {
	var p profile.Profile
	if err := c.authed(ctx, http.MethodGet, "/api/rows/profiles/"+url.PathEscape(userID), nil, &p); err != nil {
		return profile.Profile{}, err
	}
	return p, nil
}

func (c *Client) GetRoleData(ctx context.Context, role rbac.Role, userID string) (map[string]any, error) {
	table, ok := rbac.Table(role)
	if !ok {
		return nil, fmt.Errorf("remote: no role table for %q", role)
	}
	var data map[string]any
	if err := c.authed(ctx, http.MethodGet, "/api/rows/"+table+"/"+url.PathEscape(userID), nil, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// PutRow upserts fields into table for userID and returns the stored row.
func (c *Client) PutRow(ctx context.Context, table, userID string, fields map[string]any) (map[string]any, error) {
	var row map[string]any
	if err := c.authed(ctx, http.MethodPut, "/api/rows/"+table+"/"+url.PathEscape(userID), fields, &row); err != nil {
		return nil, err
	}
	return row, nil
}

// Search runs one name query. It satisfies search.QueryFunc.
func (c *Client) Search(ctx context.Context, q search.Query) ([]search.Result, error) {
	params := url.Values{}
	params.Set("q", q.Text)
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	var resp search.Response
	if err := c.authed(ctx, http.MethodGet, "/api/users/search?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	results := resp.Results[:0]
	for _, r := range resp.Results {
		if q.ExcludeID != "" && r.ID == q.ExcludeID {
			continue
		}
		results = append(results, r)
	}
	return results, nil
}

// UploadAvatar stores an image as the user's profile picture and returns its public URL.
func (c *Client) UploadAvatar(ctx context.Context, userID, contentType string, image []byte) (string, error) {
	var out struct {
		Pfp string `json:"pfp"`
	}
	err := c.authedRaw(ctx, http.MethodPut, "/api/profiles/"+url.PathEscape(userID)+"/avatar", contentType, image, &out)
	if err != nil {
		return "", err
	}
	return out.Pfp, nil
}

// Overlay reads the overlay permission flag. It satisfies capture.OverlaySource.
func (c *Client) Overlay(ctx context.Context, userID string) (bool, error) {
	var out struct {
		Overlay bool `json:"overlay"`
	}
	if err := c.authed(ctx, http.MethodGet, "/api/settings/"+url.PathEscape(userID)+"/overlay", nil, &out); err != nil {
		return false, err
	}
	return out.Overlay, nil
}

func (c *Client) SetOverlay(ctx context.Context, userID string, overlay bool) error {
	return c.authed(ctx, http.MethodPut, "/api/settings/"+url.PathEscape(userID)+"/overlay",
		map[string]bool{"overlay": overlay}, nil)
}

// CreateUser is the admin account-creation call.
func (c *Client) CreateUser(ctx context.Context, req authpw.CreateUserRequest) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	body := map[string]string{
		"email":    req.Email,
		"password": req.Password,
		"name":     req.Name,
		"role":     req.Role,
	}
	if err := c.authed(ctx, http.MethodPost, "/api/admin/users", body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// authed sends a JSON request with the session token, refreshing once on 401.
func (c *Client) authed(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = raw
	}
	return c.authedRaw(ctx, method, path, "application/json", payload, out)
}

func (c *Client) authedRaw(ctx context.Context, method, path, contentType string, payload []byte, out any) error {
	token := c.AccessToken()
	if token == "" {
		return ErrNotSignedIn
	}
	err := c.send(ctx, method, path, token, contentType, payload, out)
	if !IsStatus(err, http.StatusUnauthorized) {
		return err
	}
	if refreshErr := c.Refresh(ctx); refreshErr != nil {
		return err
	}
	return c.send(ctx, method, path, c.AccessToken(), contentType, payload, out)
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	var payload []byte
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = raw
	}
	return c.send(ctx, method, path, token, "application/json", payload, out)
}

func (c *Client) send(ctx context.Context, method, path, token, contentType string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{Status: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		if json.Unmarshal(raw, apiErr) != nil || apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
