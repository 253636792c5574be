package services

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"contentfleet/pkg/model"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type memPostStore struct {
	mu    sync.Mutex
	posts map[primitive.ObjectID]model.Post
	reads int
}

func newMemPostStore() *memPostStore {
	return &memPostStore{posts: make(map[primitive.ObjectID]model.Post)}
}

func (s *memPostStore) Insert(_ context.Context, post *model.Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if post.ID.IsZero() {
		post.ID = primitive.NewObjectID()
	}
	s.posts[post.ID] = *post
	return nil
}

func (s *memPostStore) FindByID(_ context.Context, id primitive.ObjectID) (model.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	p, ok := s.posts[id]
	if !ok {
		return model.Post{}, model.ErrNotFound
	}
	return p, nil
}

func (s *memPostStore) DeleteByID(_ context.Context, id primitive.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.posts[id]; !ok {
		return model.ErrNotFound
	}
	delete(s.posts, id)
	return nil
}

func (s *memPostStore) List(_ context.Context, skip, limit int64) ([]model.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	all := make([]model.Post, 0, len(s.posts))
	for _, p := range s.posts {
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if skip >= int64(len(all)) {
		return []model.Post{}, nil
	}
	end := skip + limit
	if end > int64(len(all)) {
		end = int64(len(all))
	}
	return all[skip:end], nil
}

func (s *memPostStore) Count(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.posts)), nil
}

func (s *memPostStore) readCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

type published struct {
	key     string
	payload any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, key string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, published{key: key, payload: payload})
	return nil
}

func (p *recordingPublisher) published() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.events...)
}

// memSearchIndex enforces the unique post id and matches queries word by
// word, scoring a record by the number of query words it contains.
type memSearchIndex struct {
	mu      sync.Mutex
	records map[string]model.SearchPost
	err     error
}

func newMemSearchIndex() *memSearchIndex {
	return &memSearchIndex{records: make(map[string]model.SearchPost)}
}

func (s *memSearchIndex) Insert(_ context.Context, record *model.SearchPost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if _, ok := s.records[record.PostID]; ok {
		return model.ErrDuplicateKey
	}
	record.ID = primitive.NewObjectID()
	s.records[record.PostID] = *record
	return nil
}

func (s *memSearchIndex) DeleteByPostID(_ context.Context, postID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if _, ok := s.records[postID]; !ok {
		return model.ErrNotFound
	}
	delete(s.records, postID)
	return nil
}

func (s *memSearchIndex) TextSearch(_ context.Context, query string, limit int64) ([]model.SearchPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	words := strings.Fields(strings.ToLower(query))
	var out []model.SearchPost
	for _, r := range s.records {
		content := strings.Fields(strings.ToLower(r.Content))
		score := 0
		for _, w := range words {
			for _, c := range content {
				if c == w {
					score++
				}
			}
		}
		if score > 0 {
			r.Score = float64(score)
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memSearchIndex) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *memSearchIndex) get(postID string) (model.SearchPost, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[postID]
	return r, ok
}

type memMediaStore struct {
	mu    sync.Mutex
	media map[primitive.ObjectID]model.Media
	err   error
}

func newMemMediaStore() *memMediaStore {
	return &memMediaStore{media: make(map[primitive.ObjectID]model.Media)}
}

func (s *memMediaStore) Insert(_ context.Context, media *model.Media) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if media.ID.IsZero() {
		media.ID = primitive.NewObjectID()
	}
	s.media[media.ID] = *media
	return nil
}

func (s *memMediaStore) FindByIDs(_ context.Context, ids []string) ([]model.Media, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := []model.Media{}
	for _, id := range ids {
		oid, err := primitive.ObjectIDFromHex(id)
		if err != nil {
			continue
		}
		if m, ok := s.media[oid]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memMediaStore) DeleteByID(_ context.Context, id primitive.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.media, id)
	return nil
}

func (s *memMediaStore) has(id primitive.ObjectID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.media[id]
	return ok
}

func (s *memMediaStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.media)
}

// memBlobStore fails deletion of the blobs listed in failDelete.
type memBlobStore struct {
	mu         sync.Mutex
	blobs      map[string][]byte
	failDelete map[string]error
	seq        int
}

func newMemBlobStore() *memBlobStore {
	return &memBlobStore{blobs: make(map[string][]byte), failDelete: make(map[string]error)}
}

func (s *memBlobStore) Upload(_ context.Context, r io.Reader, meta model.BlobMetadata) (model.Blob, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return model.Blob{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := primitive.NewObjectID().Hex()
	s.blobs[id] = data
	return model.Blob{ID: id, URL: "http://media.test/" + id}, nil
}

func (s *memBlobStore) Open(_ context.Context, id string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memBlobStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failDelete[id]; ok {
		return err
	}
	delete(s.blobs, id)
	return nil
}

func (s *memBlobStore) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[id]
	return ok
}

func (s *memBlobStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}

var errStoreDown = errors.New("server selection timeout")
