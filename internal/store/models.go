package store

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("store: not found")

type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedBy    *string
	CreatedAt    time.Time
}

// ProfileRow is a row of the profiles table. An empty Role encodes NULL.
type ProfileRow struct {
	ID        string
	Name      string
	Email     string
	Role      string
	Pfp       string
	Mode      string
	UpdatedAt time.Time
}

// NewUser carries everything CreateUser writes in one transaction.
type NewUser struct {
	ID           string
	Email        string
	PasswordHash string
	Name         string
	Role         string
	CreatedBy    string
}
