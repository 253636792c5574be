package api

import (
	"context"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"contentfleet/pkg/model"
)

const maxUploadSize = 5 << 20

type MediaService interface {
	Upload(ctx context.Context, userID, filename, mimeType string, r io.Reader) (model.Media, error)
	Open(ctx context.Context, publicID string) (io.ReadCloser, error)
}

type uploadResponse struct {
	response
	MediaID string `json:"mediaId"`
	URL     string `json:"url"`
}

type mediaHandler struct {
	media MediaService
}

// RegisterMedia mounts the upload endpoint, which requires a bearer token,
// and the public download endpoint the returned urls point at.
func RegisterMedia(r *mux.Router, media MediaService, auth *Authenticator) {
	h := &mediaHandler{media: media}
	r.Handle("/api/media/upload", auth.Require(instrument("upload-media", h.upload))).Methods(http.MethodPost)
	r.Handle("/api/media/files/{id}", instrument("download-media", h.download)).Methods(http.MethodGet)
}

func (h *mediaHandler) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, errors.Wrap(model.ErrInvalidArgument, "No file found. Please add a file and try again!"), "")
		return
	}
	defer file.Close()

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	media, err := h.media.Upload(r.Context(), UserID(r.Context()), header.Filename, mimeType, file)
	if err != nil {
		writeError(w, err, "Error uploading media")
		return
	}
	writeJSON(w, http.StatusCreated, uploadResponse{
		response: response{Success: true, Message: "Media upload is successfully"},
		MediaID:  media.ID.Hex(),
		URL:      media.URL,
	})
}

func (h *mediaHandler) download(w http.ResponseWriter, r *http.Request) {
	rc, err := h.media.Open(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err, "Error reading media")
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = io.Copy(w, rc)
}
