package app

import (
	"context"
	"io"
	"sync"
	"time"

	"veritas/api/internal/authpw"
	"veritas/api/internal/config"
	"veritas/api/internal/search"
	"veritas/api/internal/store"
)

type fakeStore struct {
	pingFn          func(ctx context.Context) error
	getUserByIDFn   func(ctx context.Context, id string) (store.User, error)
	getProfileFn    func(ctx context.Context, id string) (store.ProfileRow, error)
	updateProfileFn func(ctx context.Context, id string, fields map[string]any) (store.ProfileRow, error)
	getRoleRowFn    func(ctx context.Context, table, id string) (map[string]any, error)
	upsertRoleRowFn func(ctx context.Context, table, id string, fields map[string]any) (map[string]any, error)
	getOverlayFn    func(ctx context.Context, id string) (bool, error)
	setOverlayFn    func(ctx context.Context, id string, overlay bool) error
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, id)
	}
	return store.User{ID: id, Email: id + "@example.com"}, nil
}

func (f *fakeStore) GetProfile(ctx context.Context, id string) (store.ProfileRow, error) {
	if f.getProfileFn != nil {
		return f.getProfileFn(ctx, id)
	}
	return store.ProfileRow{}, store.ErrNotFound
}

func (f *fakeStore) UpdateProfile(ctx context.Context, id string, fields map[string]any) (store.ProfileRow, error) {
	if f.updateProfileFn != nil {
		return f.updateProfileFn(ctx, id, fields)
	}
	return store.ProfileRow{ID: id}, nil
}

func (f *fakeStore) GetRoleRow(ctx context.Context, table, id string) (map[string]any, error) {
	if f.getRoleRowFn != nil {
		return f.getRoleRowFn(ctx, table, id)
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) UpsertRoleRow(ctx context.Context, table, id string, fields map[string]any) (map[string]any, error) {
	if f.upsertRoleRowFn != nil {
		return f.upsertRoleRowFn(ctx, table, id, fields)
	}
	out := map[string]any{"id": id}
	for k, v := range fields {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) GetOverlay(ctx context.Context, id string) (bool, error) {
	if f.getOverlayFn != nil {
		return f.getOverlayFn(ctx, id)
	}
	return false, nil
}

func (f *fakeStore) SetOverlay(ctx context.Context, id string, overlay bool) error {
	if f.setOverlayFn != nil {
		return f.setOverlayFn(ctx, id, overlay)
	}
	return nil
}

// withRoles answers GetProfile from a fixed id → role table.
func (f *fakeStore) withRoles(roles map[string]string) *fakeStore {
	f.getProfileFn = func(_ context.Context, id string) (store.ProfileRow, error) {
		role, ok := roles[id]
		if !ok {
			return store.ProfileRow{}, store.ErrNotFound
		}
		return store.ProfileRow{ID: id, Name: "User " + id, Email: id + "@example.com", Role: role, Mode: "light"}, nil
	}
	return f
}

type memSessions struct {
	mu      sync.Mutex
	refresh map[string]string
	revoked map[string]bool
}

func newMemSessions() *memSessions {
	return &memSessions{refresh: map[string]string{}, revoked: map[string]bool{}}
}

func (m *memSessions) SaveRefreshSession(_ context.Context, tokenHash, userID string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[tokenHash] = userID
	return nil
}

func (m *memSessions) LookupRefreshSession(_ context.Context, tokenHash string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	userID, ok := m.refresh[tokenHash]
	if !ok {
		return "", store.ErrNotFound
	}
	return userID, nil
}

func (m *memSessions) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.refresh, tokenHash)
	return nil
}

func (m *memSessions) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[jti] = true
	return nil
}

func (m *memSessions) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revoked[jti], nil
}

type fakeAuth struct {
	signInFn     func(ctx context.Context, email, password string) (store.User, error)
	createUserFn func(ctx context.Context, req authpw.CreateUserRequest) (store.User, error)
}

func (f *fakeAuth) SignIn(ctx context.Context, email, password string) (store.User, error) {
	if f.signInFn != nil {
		return f.signInFn(ctx, email, password)
	}
	return store.User{}, authpw.ErrInvalidCredentials
}

func (f *fakeAuth) CreateUser(ctx context.Context, req authpw.CreateUserRequest) (store.User, error) {
	if f.createUserFn != nil {
		return f.createUserFn(ctx, req)
	}
	return store.User{ID: "new-user", Email: req.Email}, nil
}

type fakeSearch struct {
	mu      sync.Mutex
	queries []search.Query
	indexed []search.Result
	results []search.Result
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return search.Response{Results: f.results, Query: q.Text}
}

func (f *fakeSearch) IndexProfile(p search.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, p)
}

type putCall struct {
	bucket      string
	key         string
	size        int64
	contentType string
	body        []byte
}

type fakeObjects struct {
	puts      []putCall
	presigned []string
}

func (f *fakeObjects) PresignPut(_ context.Context, bucket, key string, _ time.Duration) (string, error) {
	f.presigned = append(f.presigned, bucket+"/"+key)
	return "http://minio.test/" + bucket + "/" + key + "?X-Amz-Signature=sig", nil
}

func (f *fakeObjects) Put(_ context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.puts = append(f.puts, putCall{bucket: bucket, key: key, size: size, contentType: contentType, body: body})
	return nil
}

func (f *fakeObjects) PublicURL(bucket, key string) string {
	return "http://minio.test/" + bucket + "/" + key
}

type testEnv struct {
	store    *fakeStore
	sessions *memSessions
	auth     *fakeAuth
	search   *fakeSearch
	objects  *fakeObjects
	service  *Service
}

func newTestEnv(fs *fakeStore) *testEnv {
	env := &testEnv{
		store:    fs,
		sessions: newMemSessions(),
		auth:     &fakeAuth{},
		search:   &fakeSearch{},
		objects:  &fakeObjects{},
	}
	env.service = New(config.Config{
		JWTSecret:     "test-secret",
		AccessTTL:     time.Hour,
		RefreshTTL:    24 * time.Hour,
		CaptureBucket: "captures",
		AvatarBucket:  "pfp",
		UploadURLTTL:  5 * time.Minute,
	}, Deps{
		Store:    env.store,
		Sessions: env.sessions,
		Auth:     env.auth,
		Search:   env.search,
		Objects:  env.objects,
	})
	return env
}

// login issues a real session for userID.
func (e *testEnv) login(userID string) Session {
	session, err := e.service.issueSession(context.Background(), store.User{ID: userID, Email: userID + "@example.com"})
	if err != nil {
		panic(err)
	}
	return session
}
