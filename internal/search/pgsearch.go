package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgSearch implements Source with a case-insensitive substring match on profiles.name.
type PgSearch struct {
	db *sql.DB
}

func NewPgSearch(db *sql.DB) *PgSearch {
	return &PgSearch{db: db}
}

// Healthy always returns true; if Postgres is down the whole app is down.
func (p *PgSearch) Healthy() bool {
	return true
}

func (p *PgSearch) Search(ctx context.Context, q Query) ([]Result, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, nil
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, coalesce(name, ''), coalesce(email, ''), coalesce(role, ''), coalesce(pfp, '')
		FROM profiles
		WHERE name ILIKE $1 ESCAPE '\' AND id <> $2
		ORDER BY name ASC
		LIMIT $3
	`, "%"+escapeLike(text)+"%", q.ExcludeID, limitOf(q))
	if err != nil {
		return nil, fmt.Errorf("pgsearch query: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Name, &r.Email, &r.Role, &r.Pfp); err != nil {
			return nil, fmt.Errorf("pgsearch scan: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// LoadAll returns every profile for full reindexing.
func (p *PgSearch) LoadAll(ctx context.Context) ([]Result, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, coalesce(name, ''), coalesce(email, ''), coalesce(role, ''), coalesce(pfp, '')
		FROM profiles
	`)
	if err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Name, &r.Email, &r.Role, &r.Pfp); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return results, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
