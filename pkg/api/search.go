package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"contentfleet/pkg/model"
)

type SearchService interface {
	Search(ctx context.Context, query string) ([]model.SearchPost, error)
}

func RegisterSearch(r *mux.Router, search SearchService, auth *Authenticator) {
	sr := r.PathPrefix("/api/search").Subrouter()
	sr.Use(auth.Require)
	sr.Handle("/posts", instrument("search-posts", func(w http.ResponseWriter, r *http.Request) {
		results, err := search.Search(r.Context(), r.URL.Query().Get("query"))
		if err != nil {
			writeError(w, err, "Error while searching post")
			return
		}
		writeJSON(w, http.StatusOK, results)
	})).Methods(http.MethodGet)
}
