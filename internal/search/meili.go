package search

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"

	"veritas/api/internal/logging"
)

const idxProfiles = "veritas_profiles"

// Meili implements Index via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	log     *zap.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the profile index. An unreachable
// server is not an error; the health loop picks it up once it comes back.
func NewMeili(url, apiKey string, logger *zap.Logger) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		log:    logging.OrNop(logger),
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		m.log.Warn("search: meilisearch unavailable", zap.String("url", url), zap.Error(err))
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxProfiles,
		PrimaryKey: "id",
	}); err != nil {
		m.log.Debug("search: create index (may already exist)", zap.String("index", idxProfiles), zap.Error(err))
	}

	index := m.client.Index(idxProfiles)
	filterable := []interface{}{"id", "role"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Warn("search: update filterable attributes", zap.Error(err))
	}
	searchable := []string{"name"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn("search: update searchable attributes", zap.Error(err))
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search runs a name query. Meilisearch ranks by relevance with typo tolerance, so hits
// are narrowed to substring matches and re-ordered by name afterwards.
func (m *Meili) Search(_ context.Context, q Query) ([]Result, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, nil
	}
	limit := limitOf(q)

	sr := &meili.SearchRequest{
		IndexUID: idxProfiles,
		Query:    text,
		Limit:    int64(limit * 4),
	}
	if q.ExcludeID != "" {
		sr.Filter = fmt.Sprintf("id != %q", q.ExcludeID)
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{sr},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var hits []Result
	for _, res := range resp.Results {
		for _, hit := range res.Hits {
			hits = append(hits, hitToResult(hit))
		}
	}
	return narrow(hits, q), nil
}

// narrow keeps case-insensitive substring matches on name, drops the excluded id, sorts
// by name and applies the limit.
func narrow(hits []Result, q Query) []Result {
	needle := strings.ToLower(strings.TrimSpace(q.Text))
	out := make([]Result, 0, len(hits))
	for _, hit := range hits {
		if hit.ID == q.ExcludeID && q.ExcludeID != "" {
			continue
		}
		if !strings.Contains(strings.ToLower(hit.Name), needle) {
			continue
		}
		out = append(out, hit)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if limit := limitOf(q); len(out) > limit {
		out = out[:limit]
	}
	return out
}

func hitToResult(hit meili.Hit) Result {
	return Result{
		ID:    decodeString(hit, "id"),
		Name:  decodeString(hit, "name"),
		Email: decodeString(hit, "email"),
		Role:  decodeString(hit, "role"),
		Pfp:   decodeString(hit, "pfp"),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// IndexProfiles adds or replaces profile documents.
func (m *Meili) IndexProfiles(profiles []Result) error {
	if len(profiles) == 0 {
		return nil
	}
	_, err := m.client.Index(idxProfiles).AddDocuments(profiles, nil)
	return err
}

// DeleteProfile removes a profile document.
func (m *Meili) DeleteProfile(id string) error {
	_, err := m.client.Index(idxProfiles).DeleteDocument(id, nil)
	return err
}
