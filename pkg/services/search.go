package services

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"

	"contentfleet/pkg/eventbus"
	"contentfleet/pkg/metrics"
	"contentfleet/pkg/model"
)

const searchLimit = 10

type SearchIndex interface {
	Insert(ctx context.Context, record *model.SearchPost) error
	DeleteByPostID(ctx context.Context, postID string) error
	TextSearch(ctx context.Context, query string, limit int64) ([]model.SearchPost, error)
}

// SearchService keeps a full text index of posts, fed by post events.
type SearchService struct {
	index  SearchIndex
	logger *slog.Logger
	now    func() time.Time
}

func NewSearchService(index SearchIndex, logger *slog.Logger) *SearchService {
	return &SearchService{
		index:  index,
		logger: logger.With("component", "search"),
		now:    time.Now,
	}
}

// Subscribe registers the search reactions on bus.
func (s *SearchService) Subscribe(ctx context.Context, bus Subscriber) error {
	if err := bus.Subscribe(ctx, model.RoutingKeyPostCreated, eventbus.JSON(s.HandlePostCreated)); err != nil {
		return err
	}
	return bus.Subscribe(ctx, model.RoutingKeyPostDeleted, eventbus.JSON(s.HandlePostDeleted))
}

// HandlePostCreated indexes the post. Indexing the same post twice keeps the
// first record.
func (s *SearchService) HandlePostCreated(ctx context.Context, event model.PostCreatedEvent) error {
	if event.PostID == "" || event.UserID == "" {
		s.logger.Warn("invalid post.created event", "post_id", event.PostID, "user_id", event.UserID)
		return errors.Wrap(model.ErrInvalidArgument, "post.created event without post or user id")
	}

	now := s.now().UTC()
	record := model.SearchPost{
		PostID:    event.PostID,
		UserID:    event.UserID,
		Content:   event.Content,
		CreatedAt: event.CreatedAt,
		IndexedAt: now,
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}

	err := s.index.Insert(ctx, &record)
	if errors.Is(err, model.ErrDuplicateKey) {
		s.logger.Debug("post already indexed", "post_id", event.PostID)
		return nil
	}
	if err != nil {
		s.logger.Error("error indexing post", "post_id", event.PostID, "msg", err.Error())
		return err
	}
	s.logger.Info("post indexed", "post_id", event.PostID, "search_id", record.ID.Hex())
	return nil
}

// HandlePostDeleted removes the post from the index. A post that is not
// indexed counts as removed.
func (s *SearchService) HandlePostDeleted(ctx context.Context, event model.PostDeletedEvent) error {
	if event.PostID == "" {
		s.logger.Warn("invalid post.deleted event")
		return errors.Wrap(model.ErrInvalidArgument, "post.deleted event without post id")
	}

	err := s.index.DeleteByPostID(ctx, event.PostID)
	if errors.Is(err, model.ErrNotFound) {
		metrics.Inconsistencies.WithLabelValues("search_record_missing").Inc()
		s.logger.Warn("search record not found", "post_id", event.PostID)
		return nil
	}
	if err != nil {
		s.logger.Error("error removing post from index", "post_id", event.PostID, "msg", err.Error())
		return err
	}
	s.logger.Info("post removed from index", "post_id", event.PostID)
	return nil
}

// Search returns the best matches for query, most relevant first.
func (s *SearchService) Search(ctx context.Context, query string) ([]model.SearchPost, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.Wrap(model.ErrInvalidArgument, "query is required")
	}
	results, err := s.index.TextSearch(ctx, query, searchLimit)
	if err != nil {
		s.logger.Error("error searching posts", "query", query, "msg", err.Error())
		return nil, err
	}
	return results, nil
}
