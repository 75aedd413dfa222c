// Package authpw provides email/password sign-in and admin-driven account creation.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"veritas/api/internal/rbac"
	"veritas/api/internal/store"
	"veritas/api/internal/util"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
)

// ValidationError reports a rejected CreateUser request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CreateUser(ctx context.Context, in store.NewUser) (store.User, error)
}

// Service provides email/password authentication
type Service struct {
	store UserStore
	cost  int
}

// NewService creates a new auth service
func NewService(store UserStore) *Service {
	return &Service{store: store, cost: bcrypt.DefaultCost}
}

// SignIn authenticates a user
func (s *Service) SignIn(ctx context.Context, email, password string) (store.User, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return store.User{}, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// CreateUserRequest is the admin's new-account form.
type CreateUserRequest struct {
	Email    string
	Password string
	Name     string
	Role     string
	// CreatedBy is the admin's user id.
	CreatedBy string
}

// CreateUser validates the request and writes the user, profile and role rows.
func (s *Service) CreateUser(ctx context.Context, req CreateUserRequest) (store.User, error) {
	email := strings.TrimSpace(req.Email)
	if _, err := mail.ParseAddress(email); err != nil {
		return store.User{}, &ValidationError{Field: "email", Message: "must be a valid address"}
	}
	if len(req.Password) < 8 {
		return store.User{}, &ValidationError{Field: "password", Message: "must be at least 8 characters"}
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return store.User{}, &ValidationError{Field: "name", Message: "is required"}
	}
	role := rbac.Normalize(strings.TrimSpace(req.Role))
	if !rbac.Known(role) {
		return store.User{}, &ValidationError{Field: "role", Message: "must be mentor, researcher or admin"}
	}

	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return store.User{}, ErrEmailTaken
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.store.CreateUser(ctx, store.NewUser{
		ID:           util.NewID(""),
		Email:        email,
		PasswordHash: string(hash),
		Name:         name,
		Role:         string(role),
		CreatedBy:    req.CreatedBy,
	})
	if err != nil {
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}
