// Package cache provides the client-local key-value store that keeps the signed-in
// user's profile between runs.
package cache

import "context"

// Store is a string key-value store. Get reports a missing key with ok == false.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}
