package httpapi

import (
	"database/sql"
	"net/http"

	"vitaltrace/internal/storage"
)

func NewMux(db *sql.DB, repo storage.Repository, closer SessionCloser) *http.ServeMux {
	mux := http.NewServeMux()
	registerHealthcheck(mux, db)
	newSessionsController(repo, closer).RegisterRoutes(mux)
	return mux
}
