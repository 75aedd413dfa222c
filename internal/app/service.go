package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"veritas/api/internal/auth"
	"veritas/api/internal/authpw"
	"veritas/api/internal/config"
	"veritas/api/internal/logging"
	"veritas/api/internal/profile"
	"veritas/api/internal/rbac"
	"veritas/api/internal/search"
	"veritas/api/internal/store"
	"veritas/api/internal/util"
)

const (
	profilesTable  = "profiles"
	maxSearchLimit = 50
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Email        string
	Role         rbac.Role
	JTI          string
	ExpiresAt    time.Time
}

// DataStore is the PostgreSQL surface the service needs.
type DataStore interface {
	Ping(ctx context.Context) error
	GetUserByID(ctx context.Context, id string) (store.User, error)
	GetProfile(ctx context.Context, id string) (store.ProfileRow, error)
	UpdateProfile(ctx context.Context, id string, fields map[string]any) (store.ProfileRow, error)
	GetRoleRow(ctx context.Context, table, id string) (map[string]any, error)
	UpsertRoleRow(ctx context.Context, table, id string, fields map[string]any) (map[string]any, error)
	GetOverlay(ctx context.Context, id string) (bool, error)
	SetOverlay(ctx context.Context, id string, overlay bool) error
}

// SessionStore keeps refresh sessions and revoked access tokens. Implemented by
// session.RedisStore and store.PostgresStore.
type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

type PasswordAuth interface {
	SignIn(ctx context.Context, email, password string) (store.User, error)
	CreateUser(ctx context.Context, req authpw.CreateUserRequest) (store.User, error)
}

type ProfileSearch interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexProfile(p search.Result)
}

type ObjectStore interface {
	PresignPut(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
	Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error
	PublicURL(bucket, key string) string
}

type Deps struct {
	Store    DataStore
	Sessions SessionStore
	Auth     PasswordAuth
	Search   ProfileSearch
	Objects  ObjectStore
	Logger   *zap.Logger
}

type Service struct {
	cfg      config.Config
	store    DataStore
	sessions SessionStore
	auth     PasswordAuth
	search   ProfileSearch
	objects  ObjectStore
	log      *zap.Logger
}

func New(cfg config.Config, deps Deps) *Service {
	return &Service{
		cfg:      cfg,
		store:    deps.Store,
		sessions: deps.Sessions,
		auth:     deps.Auth,
		search:   deps.Search,
		objects:  deps.Objects,
		log:      logging.OrNop(deps.Logger),
	}
}

// Bootstrap creates the configured first admin account if it does not exist yet.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.cfg.BootstrapAdminEmail == "" {
		return nil
	}
	user, err := s.auth.CreateUser(ctx, authpw.CreateUserRequest{
		Email:    s.cfg.BootstrapAdminEmail,
		Password: s.cfg.BootstrapAdminPassword,
		Name:     "Admin",
		Role:     string(rbac.RoleAdmin),
	})
	if errors.Is(err, authpw.ErrEmailTaken) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	s.log.Info("app: bootstrap admin created", zap.String("user_id", user.ID))
	s.reindex(ctx, user.ID)
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.auth.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, auth.ErrInvalidToken
	}
	tokenHash := auth.HashToken(refreshToken)
	userID, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	row, err := s.store.GetProfile(ctx, user.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Session{}, err
	}
	role := rbac.Normalize(row.Role)

	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: row.Name,
		Role: string(role),
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh, err := util.NewSecret()
	if err != nil {
		return Session{}, fmt.Errorf("generate refresh token: %w", err)
	}
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Email:        user.Email,
		Role:         role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		Email:     user.Email,
		Role:      rbac.Normalize(claims.Role),
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			s.log.Warn("app: revoke access token", zap.Error(err))
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.log.Warn("app: revoke refresh token", zap.Error(err))
		}
	}
	return nil
}

// roleOf reads the caller's current role from the profiles table; token claims may be
// stale after a role change.
func (s *Service) roleOf(ctx context.Context, userID string) (rbac.Role, error) {
	row, err := s.store.GetProfile(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return rbac.RoleNone, nil
	}
	if err != nil {
		return rbac.RoleNone, err
	}
	return rbac.Normalize(row.Role), nil
}

// authorize allows access to ownerID's rows for the owner and for admins.
func (s *Service) authorize(ctx context.Context, session Session, ownerID string, own, any rbac.Action) (rbac.Role, error) {
	role, err := s.roleOf(ctx, session.UserID)
	if err != nil {
		return rbac.RoleNone, err
	}
	if session.UserID == ownerID && rbac.Can(role, own) {
		return role, nil
	}
	if rbac.Can(role, any) {
		return role, nil
	}
	return role, errForbidden
}

func (s *Service) GetRow(ctx context.Context, session Session, table, id string) (map[string]any, error) {
	if table != profilesTable && !rbac.IsRoleTable(table) {
		return nil, errUnknownTable
	}
	if _, err := s.authorize(ctx, session, id, rbac.ActionWriteOwn, rbac.ActionWriteAny); err != nil {
		return nil, err
	}

	if table == profilesTable {
		row, err := s.store.GetProfile(ctx, id)
		if err != nil {
			return nil, err
		}
		return profileRowJSON(row), nil
	}
	return s.store.GetRoleRow(ctx, table, id)
}

// PutRow upserts a profiles row or a role row. Only admins may hand out the admin role.
func (s *Service) PutRow(ctx context.Context, session Session, table, id string, fields map[string]any) (map[string]any, error) {
	if table != profilesTable && !rbac.IsRoleTable(table) {
		return nil, errUnknownTable
	}
	callerRole, err := s.authorize(ctx, session, id, rbac.ActionWriteOwn, rbac.ActionWriteAny)
	if err != nil {
		return nil, err
	}

	if table != profilesTable {
		return s.store.UpsertRoleRow(ctx, table, id, profile.SanitizeRolePayload(fields))
	}

	clean, err := profile.SanitizeBaseUpdate(fields)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	if clean["role"] == string(rbac.RoleAdmin) && callerRole != rbac.RoleAdmin {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only admins can assign the admin role", nil)
	}
	row, err := s.store.UpdateProfile(ctx, id, clean)
	if err != nil {
		return nil, err
	}
	s.search.IndexProfile(searchRecord(row))
	return profileRowJSON(row), nil
}

var avatarExtensions = map[string]string{
	"image/png":  "png",
	"image/jpeg": "jpg",
	"image/webp": "webp",
	"image/gif":  "gif",
}

// UploadAvatar stores the image as <id>.<ext> in the avatar bucket and points the
// profile's pfp at it.
func (s *Service) UploadAvatar(ctx context.Context, session Session, id, contentType string, body io.Reader, size int64) (string, error) {
	if _, err := s.authorize(ctx, session, id, rbac.ActionWriteOwn, rbac.ActionWriteAny); err != nil {
		return "", err
	}
	ext, ok := avatarExtensions[strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))]
	if !ok {
		return "", domainError(http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE", "Avatar must be png, jpeg, webp or gif", nil)
	}

	key := id + "." + ext
	if err := s.objects.Put(ctx, s.cfg.AvatarBucket, key, body, size, contentType); err != nil {
		return "", err
	}
	pfp := s.objects.PublicURL(s.cfg.AvatarBucket, key)

	row, err := s.store.UpdateProfile(ctx, id, map[string]any{"pfp": pfp})
	if err != nil {
		return "", err
	}
	s.search.IndexProfile(searchRecord(row))
	return pfp, nil
}

// SearchUsers finds profiles by name, never including the caller.
func (s *Service) SearchUsers(ctx context.Context, session Session, text string, limit int) search.Response {
	if limit <= 0 {
		limit = search.DefaultLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	if strings.TrimSpace(text) == "" {
		return search.Response{Results: []search.Result{}, Query: text}
	}
	return s.search.Search(ctx, search.Query{Text: text, ExcludeID: session.UserID, Limit: limit})
}

// CaptureUploadURL presigns a PUT for a fresh capture key.
func (s *Service) CaptureUploadURL(ctx context.Context, session Session) (map[string]any, error) {
	key := session.UserID + "/" + util.NewID("") + ".png"
	uploadURL, err := s.objects.PresignPut(ctx, s.cfg.CaptureBucket, key, s.cfg.UploadURLTTL)
	if err != nil {
		return nil, err
	}
	return map[string]any{"uploadUrl": uploadURL, "key": key}, nil
}

func (s *Service) GetOverlay(ctx context.Context, session Session, id string) (bool, error) {
	if _, err := s.authorize(ctx, session, id, rbac.ActionWriteOwn, rbac.ActionWriteAny); err != nil {
		return false, err
	}
	return s.store.GetOverlay(ctx, id)
}

func (s *Service) SetOverlay(ctx context.Context, session Session, id string, overlay bool) error {
	if _, err := s.authorize(ctx, session, id, rbac.ActionWriteOwn, rbac.ActionWriteAny); err != nil {
		return err
	}
	return s.store.SetOverlay(ctx, id, overlay)
}

// CreateUser is the admin account-creation flow.
func (s *Service) CreateUser(ctx context.Context, session Session, req authpw.CreateUserRequest) (store.User, error) {
	role, err := s.roleOf(ctx, session.UserID)
	if err != nil {
		return store.User{}, err
	}
	if !rbac.Can(role, rbac.ActionManageUsers) {
		return store.User{}, errForbidden
	}
	req.CreatedBy = session.UserID
	user, err := s.auth.CreateUser(ctx, req)
	if err != nil {
		return store.User{}, err
	}
	s.reindex(ctx, user.ID)
	return user, nil
}

func (s *Service) reindex(ctx context.Context, id string) {
	row, err := s.store.GetProfile(ctx, id)
	if err != nil {
		s.log.Warn("app: reindex profile", zap.String("id", id), zap.Error(err))
		return
	}
	s.search.IndexProfile(searchRecord(row))
}

func profileRowJSON(row store.ProfileRow) map[string]any {
	out := map[string]any{
		"id":    row.ID,
		"name":  row.Name,
		"email": row.Email,
		"role":  nil,
		"pfp":   row.Pfp,
		"mode":  row.Mode,
	}
	if row.Role != "" {
		out["role"] = row.Role
	}
	return out
}

func searchRecord(row store.ProfileRow) search.Result {
	return search.Result{ID: row.ID, Name: row.Name, Email: row.Email, Role: row.Role, Pfp: row.Pfp}
}
