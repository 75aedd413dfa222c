package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"veritas/api/internal/profile"
)

// Well-known keys of the cached profile pair.
const (
	ProfileKey = "veritas_profile"
	UserIDKey  = "veritas_user_id"
)

// Status classifies a cache read.
type Status int

const (
	Miss Status = iota
	Hit
	// Corrupt covers unparsable blobs and partial pairs.
	Corrupt
)

func (s Status) String() string {
	switch s {
	case Hit:
		return "hit"
	case Corrupt:
		return "corrupt"
	default:
		return "miss"
	}
}

// Entry is the result of ProfileCache.Read.
type Entry struct {
	Status  Status
	Profile profile.Profile
	UserID  string
}

// ProfileCache stores the profile blob and its user id as a pair.
type ProfileCache struct {
	store Store
}

func NewProfileCache(store Store) *ProfileCache {
	return &ProfileCache{store: store}
}

// Read loads the cached pair. Only both keys present, a parsable blob and matching ids
// count as a Hit.
func (c *ProfileCache) Read(ctx context.Context) (Entry, error) {
	blob, hasBlob, err := c.store.Get(ctx, ProfileKey)
	if err != nil {
		return Entry{}, fmt.Errorf("read cached profile: %w", err)
	}
	userID, hasUser, err := c.store.Get(ctx, UserIDKey)
	if err != nil {
		return Entry{}, fmt.Errorf("read cached user id: %w", err)
	}

	switch {
	case !hasBlob && !hasUser:
		return Entry{Status: Miss}, nil
	case !hasBlob || !hasUser || userID == "":
		return Entry{Status: Corrupt}, nil
	}

	var p profile.Profile
	if err := json.Unmarshal([]byte(blob), &p); err != nil {
		return Entry{Status: Corrupt}, nil
	}
	if p.ID != "" && p.ID != userID {
		return Entry{Status: Corrupt}, nil
	}
	p.ID = userID
	return Entry{Status: Hit, Profile: p, UserID: userID}, nil
}

// Write stores the profile and its user id.
func (c *ProfileCache) Write(ctx context.Context, p profile.Profile, userID string) error {
	blob, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	if err := c.store.Set(ctx, ProfileKey, string(blob)); err != nil {
		return err
	}
	return c.store.Set(ctx, UserIDKey, userID)
}

// Clear removes both keys, attempting the second even if the first fails.
func (c *ProfileCache) Clear(ctx context.Context) error {
	return errors.Join(
		c.store.Remove(ctx, ProfileKey),
		c.store.Remove(ctx, UserIDKey),
	)
}
