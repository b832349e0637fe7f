package server

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"
)

// lookupObjectMetadata returns the stored metadata of an object.
func (s *Server) lookupObjectMetadata(ctx context.Context, owner string, key string) (hashHex string, size int64, contentType sql.NullString, modifiedAt time.Time, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT hash, size, content_type, modified_at FROM objects WHERE owner = ? AND object_key = ?`,
		owner, key,
	).Scan(&hashHex, &size, &contentType, &modifiedAt)
	return
}

// handleGetObject implements GET /objects/{key...}.
func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request, key string) {
	owner := ownerOf(r)

	hashHex, size, contentType, modifiedAt, err := s.lookupObjectMetadata(r.Context(), owner, key)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, "NoSuchKey", "The specified key does not exist.", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("Object metadata lookup", "key", key, "err", err)
		writeInternalError(w)
		return
	}

	f, err := s.cfg.Engine.OpenObject(owner, hashHex)
	if errors.Is(err, os.ErrNotExist) {
		slog.Error("Object payload missing", "key", key, "hash", hashHex)
		writeError(w, "NoSuchKey", "The specified key does not exist.", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("Open object payload", "key", key, "err", err)
		writeInternalError(w)
		return
	}
	defer f.Close()

	if contentType.Valid && contentType.String != "" {
		w.Header().Set("Content-Type", contentType.String)
	}
	w.Header().Set("ETag", createETag(hashHex))
	w.Header().Set("X-Object-Size", strconv.FormatInt(size, 10))

	http.ServeContent(w, r, key, modifiedAt, f)
}
