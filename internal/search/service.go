package search

import (
	"context"

	"go.uber.org/zap"

	"veritas/api/internal/logging"
)

// Service is the facade that tries Meilisearch first and falls back to PostgreSQL.
type Service struct {
	index  Index
	source Source
	log    *zap.Logger
}

// NewService creates a search service. index may be nil when Meilisearch is not configured.
func NewService(index Index, source Source, logger *zap.Logger) *Service {
	return &Service{index: index, source: source, log: logging.OrNop(logger)}
}

// Search never fails; backend errors degrade to an empty result set.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if s.index != nil && s.index.Healthy() {
		results, err := s.index.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Query: q.Text}
		}
		s.log.Warn("search: meilisearch error, falling back to postgres", zap.Error(err))
	}

	if s.source == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, err := s.source.Search(ctx, q)
	if err != nil {
		s.log.Warn("search: postgres error", zap.Error(err))
		return Response{Results: []Result{}, Query: q.Text}
	}
	return Response{Results: nonNil(results), Query: q.Text}
}

// IndexProfile pushes a profile to the index (fire-and-forget).
func (s *Service) IndexProfile(p Result) {
	if s.index == nil || !s.index.Healthy() {
		return
	}
	go func() {
		if err := s.index.IndexProfiles([]Result{p}); err != nil {
			s.log.Warn("search: index profile", zap.String("id", p.ID), zap.Error(err))
		}
	}()
}

// DeleteProfile removes a profile from the index (fire-and-forget).
func (s *Service) DeleteProfile(id string) {
	if s.index == nil || !s.index.Healthy() {
		return
	}
	go func() {
		if err := s.index.DeleteProfile(id); err != nil {
			s.log.Warn("search: delete profile", zap.String("id", id), zap.Error(err))
		}
	}()
}

// ReindexAllFromPG reloads every profile from PostgreSQL into the index. Called on
// bootstrap when the index is reachable.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.index == nil || !s.index.Healthy() || s.source == nil {
		return
	}
	profiles, err := s.source.LoadAll(ctx)
	if err != nil {
		s.log.Warn("search: reindex load failed", zap.Error(err))
		return
	}
	if err := s.index.IndexProfiles(profiles); err != nil {
		s.log.Warn("search: reindex profiles", zap.Error(err))
		return
	}
	s.log.Info("search: reindexed profiles", zap.Int("count", len(profiles)))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
