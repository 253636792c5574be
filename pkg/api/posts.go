package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"contentfleet/pkg/model"
)

const maxPostBody = 1 << 20

type PostService interface {
	CreatePost(ctx context.Context, userID, content string, mediaIDs []string) (model.Post, error)
	GetPost(ctx context.Context, id string) (model.Post, error)
	ListPosts(ctx context.Context, page, limit int64) (model.PostPage, error)
	DeletePost(ctx context.Context, userID, id string) error
}

type CreatePostRequest struct {
	Content  string   `json:"content" validate:"required,max=5000"`
	MediaIDs []string `json:"mediaIds" validate:"omitempty,max=10,dive,mongodb"`
}

type createPostResponse struct {
	response
	PostID string `json:"postId"`
}

type postsHandler struct {
	posts PostService
}

// RegisterPosts mounts the posts endpoints. Every route requires a bearer
// token.
func RegisterPosts(r *mux.Router, posts PostService, auth *Authenticator) {
	h := &postsHandler{posts: posts}
	sr := r.PathPrefix("/api/posts").Subrouter()
	sr.Use(auth.Require)
	sr.Handle("/create-post", instrument("create-post", h.create)).Methods(http.MethodPost)
	sr.Handle("/all-posts", instrument("all-posts", h.list)).Methods(http.MethodGet)
	sr.Handle("/{id}", instrument("get-post", h.get)).Methods(http.MethodGet)
	sr.Handle("/{id}", instrument("delete-post", h.delete)).Methods(http.MethodDelete)
}

func (h *postsHandler) create(w http.ResponseWriter, r *http.Request) {
	var req CreatePostRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPostBody)).Decode(&req); err != nil {
		writeError(w, errors.Wrap(model.ErrInvalidArgument, "malformed request body"), "")
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, err, "")
		return
	}

	post, err := h.posts.CreatePost(r.Context(), UserID(r.Context()), req.Content, req.MediaIDs)
	if err != nil {
		writeError(w, err, "Error creating post")
		return
	}
	writeJSON(w, http.StatusCreated, createPostResponse{
		response: response{Success: true, Message: "Post created successfully"},
		PostID:   post.ID.Hex(),
	})
}

func queryInt(r *http.Request, name string, fallback int64) int64 {
	v, err := strconv.ParseInt(r.URL.Query().Get(name), 10, 64)
	if err != nil || v < 1 {
		return fallback
	}
	return v
}

func (h *postsHandler) list(w http.ResponseWriter, r *http.Request) {
	page, err := h.posts.ListPosts(r.Context(), queryInt(r, "page", 1), queryInt(r, "limit", 10))
	if err != nil {
		writeError(w, err, "Error fetching posts")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *postsHandler) get(w http.ResponseWriter, r *http.Request) {
	post, err := h.posts.GetPost(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err, "Error fetching post")
		return
	}
	writeJSON(w, http.StatusOK, post)
}

func (h *postsHandler) delete(w http.ResponseWriter, r *http.Request) {
	err := h.posts.DeletePost(r.Context(), UserID(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err, "Error deleting post")
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Message: "Post deleted successfully"})
}
