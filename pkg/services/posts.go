package services

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"contentfleet/pkg/cache"
	"contentfleet/pkg/metrics"
	"contentfleet/pkg/model"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100

	// keeps (page-1)*limit within int64
	maxPage = math.MaxInt64 / maxPageSize
)

type PostStore interface {
	Insert(ctx context.Context, post *model.Post) error
	FindByID(ctx context.Context, id primitive.ObjectID) (model.Post, error)
	DeleteByID(ctx context.Context, id primitive.ObjectID) error
	List(ctx context.Context, skip, limit int64) ([]model.Post, error)
	Count(ctx context.Context) (int64, error)
}

type PostServiceOptions struct {
	PostTTL    time.Duration
	ListingTTL time.Duration
}

// PostService owns post records. Every mutation is followed by an event for
// the other services and by invalidation of the single post key and of every
// cached listing page.
type PostService struct {
	store  PostStore
	bus    Publisher
	cache  *cache.Aside
	opts   PostServiceOptions
	logger *slog.Logger
}

func NewPostService(store PostStore, bus Publisher, aside *cache.Aside, opts PostServiceOptions, logger *slog.Logger) *PostService {
	return &PostService{
		store:  store,
		bus:    bus,
		cache:  aside,
		opts:   opts,
		logger: logger.With("component", "posts"),
	}
}

func parseID(id string) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return primitive.NilObjectID, errors.Wrapf(model.ErrInvalidArgument, "invalid post id %q", id)
	}
	return oid, nil
}

func (p *PostService) CreatePost(ctx context.Context, userID, content string, mediaIDs []string) (model.Post, error) {
	if userID == "" {
		return model.Post{}, errors.Wrap(model.ErrInvalidArgument, "missing user id")
	}
	if strings.TrimSpace(content) == "" {
		return model.Post{}, errors.Wrap(model.ErrInvalidArgument, "content is required")
	}
	if mediaIDs == nil {
		mediaIDs = []string{}
	}

	post := model.Post{User: userID, Content: content, MediaIDs: mediaIDs}
	if err := p.store.Insert(ctx, &post); err != nil {
		p.logger.Error("error writing post to mongodb", "user_id", userID, "msg", err.Error())
		return model.Post{}, err
	}
	postID := post.ID.Hex()

	event := model.PostCreatedEvent{
		PostID:    postID,
		UserID:    post.User,
		Content:   post.Content,
		CreatedAt: post.CreatedAt,
	}
	if err := p.bus.Publish(ctx, model.RoutingKeyPostCreated, event); err != nil {
		metrics.Inconsistencies.WithLabelValues("unpublished_create").Inc()
		p.logger.Error("error publishing post.created, search index will miss the post", "post_id", postID, "msg", err.Error())
	}

	p.cache.Invalidate(ctx, cache.PostKey(postID), cache.AllListings)
	p.logger.Info("post created", "post_id", postID, "user_id", userID, "media", len(mediaIDs))
	return post, nil
}

func (p *PostService) GetPost(ctx context.Context, id string) (model.Post, error) {
	oid, err := parseID(id)
	if err != nil {
		return model.Post{}, err
	}
	return cache.Fetch(ctx, p.cache, cache.PostKey(oid.Hex()), p.opts.PostTTL, func(ctx context.Context) (model.Post, error) {
		return p.store.FindByID(ctx, oid)
	})
}

// ListPosts returns one page of posts, newest first. page starts at 1; out
// of range values fall back to the first page of defaultPageSize posts.
func (p *PostService) ListPosts(ctx context.Context, page, limit int64) (model.PostPage, error) {
	if page < 1 {
		page = 1
	}
	if page > maxPage {
		page = maxPage
	}
	if limit < 1 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	key := cache.ListingKey(page, limit)
	return cache.Fetch(ctx, p.cache, key, p.opts.ListingTTL, func(ctx context.Context) (model.PostPage, error) {
		posts, err := p.store.List(ctx, (page-1)*limit, limit)
		if err != nil {
			p.logger.Error("error reading posts from mongodb", "page", page, "limit", limit, "msg", err.Error())
			return model.PostPage{}, err
		}
		total, err := p.store.Count(ctx)
		if err != nil {
			p.logger.Error("error counting posts in mongodb", "msg", err.Error())
			return model.PostPage{}, err
		}
		return model.PostPage{
			Posts:       posts,
			CurrentPage: page,
			TotalPages:  int64(math.Ceil(float64(total) / float64(limit))),
			TotalPosts:  total,
		}, nil
	})
}

// DeletePost removes a post owned by userID and starts the cascade that
// removes its search record and media. Authorization failures return before
// anything is changed. Once the record is gone the call succeeds even if the
// event cannot be published.
func (p *PostService) DeletePost(ctx context.Context, userID, id string) error {
	oid, err := parseID(id)
	if err != nil {
		return err
	}

	post, err := p.store.FindByID(ctx, oid)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			p.logger.Error("error reading post from mongodb", "post_id", id, "msg", err.Error())
		}
		return err
	}
	if post.User != userID {
		p.logger.Warn("refusing to delete post owned by another user", "post_id", id, "owner", post.User, "user_id", userID)
		return model.ErrForbidden
	}

	if err := p.store.DeleteByID(ctx, oid); err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			p.logger.Error("error deleting post from mongodb", "post_id", id, "msg", err.Error())
		}
		return err
	}

	id = oid.Hex()
	event := model.PostDeletedEvent{
		PostID:   id,
		UserID:   post.User,
		MediaIDs: post.MediaIDs,
	}
	if event.MediaIDs == nil {
		event.MediaIDs = []string{}
	}
	if err := p.bus.Publish(ctx, model.RoutingKeyPostDeleted, event); err != nil {
		metrics.Inconsistencies.WithLabelValues("unpublished_delete").Inc()
		p.logger.Error("error publishing post.deleted, search record and media are orphaned",
			"post_id", id, "media_ids", post.MediaIDs, "msg", err.Error())
	}

	p.cache.Invalidate(ctx, cache.PostKey(id), cache.AllListings)
	p.logger.Info("post deleted", "post_id", id, "user_id", userID, "media", len(post.MediaIDs))
	return nil
}
