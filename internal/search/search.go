// Package search finds profiles by display name. The server side queries Meilisearch and
// falls back to PostgreSQL; Input is the debounced client-side search box.
package search

import "context"

const DefaultLimit = 8

// Result is a single profile hit.
type Result struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role,omitempty"`
	Pfp   string `json:"pfp,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text      string
	ExcludeID string
	Limit     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Query   string   `json:"query"`
}

// Searcher can execute a name search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, error)
	Healthy() bool
}

// Index is a Searcher that accepts profile updates.
type Index interface {
	Searcher
	IndexProfiles(profiles []Result) error
	DeleteProfile(id string) error
}

// Source is the authoritative searcher; it can list every profile for reindexing.
type Source interface {
	Searcher
	LoadAll(ctx context.Context) ([]Result, error)
}

func limitOf(q Query) int {
	if q.Limit <= 0 {
		return DefaultLimit
	}
	return q.Limit
}
