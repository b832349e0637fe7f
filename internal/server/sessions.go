package server

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"ferry/pkg/plan"
	"ferry/pkg/schema"

	"github.com/google/uuid"
)

// sessionRecord is a row of the sessions table.
type sessionRecord struct {
	ID          string
	Owner       string
	Key         string
	Name        string
	Size        int64
	PartSize    int64
	ContentType sql.NullString
	State       schema.SessionState
	ETag        sql.NullString
}

func (rec sessionRecord) session() schema.Session {
	return schema.Session{
		UploadID: rec.ID,
		Key:      rec.Key,
		Size:     rec.Size,
		PartSize: rec.PartSize,
	}
}

func (rec sessionRecord) parts() []schema.Part {
	return plan.Parts(rec.Size, rec.PartSize)
}

// lookupSession loads the session with the given id owned by owner.
func (s *Server) lookupSession(ctx context.Context, owner string, id string) (sessionRecord, error) {
	var rec sessionRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner, object_key, name, size, part_size, content_type, state, etag
		 FROM sessions WHERE id = ? AND owner = ?`,
		id, owner,
	).Scan(&rec.ID, &rec.Owner, &rec.Key, &rec.Name, &rec.Size, &rec.PartSize, &rec.ContentType, &rec.State, &rec.ETag)
	return rec, err
}

// loadSessionOrError writes NoSuchUpload or an internal error and returns
// false if the session cannot be loaded.
func (s *Server) loadSessionOrError(w http.ResponseWriter, r *http.Request, id string) (sessionRecord, bool) {
	rec, err := s.lookupSession(r.Context(), ownerOf(r), id)
	if errors.Is(err, sql.ErrNoRows) {
		writeNoSuchUpload(w)
		return sessionRecord{}, false
	}
	if err != nil {
		slog.Error("Session lookup", "upload_id", id, "err", err)
		writeInternalError(w)
		return sessionRecord{}, false
	}
	return rec, true
}

// acknowledgedParts returns the stored parts of a session ordered by number.
func (s *Server) acknowledgedParts(ctx context.Context, id string) ([]schema.PartResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT part_number, etag, size FROM parts WHERE session_id = ? ORDER BY part_number`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	parts := make([]schema.PartResult, 0)
	for rows.Next() {
		var p schema.PartResult
		if err := rows.Scan(&p.Number, &p.ETag, &p.Size); err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}

	return parts, rows.Err()
}

// handleCreateSession implements POST /sessions.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer r.Body.Close()

	var req schema.CreateSessionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&req); err != nil {
		writeError(w, "MalformedJSON", "The request body is not valid JSON.", http.StatusBadRequest)
		return
	}

	if req.Size <= 0 {
		writeError(w, "InvalidArgument", "Size must be positive.", http.StatusBadRequest)
		return
	}

	if req.PartSize <= 0 {
		req.PartSize = plan.PartSize(req.Size)
	}

	if req.PartSize < s.cfg.MinPartSize && req.Size > req.PartSize {
		writeError(w, "EntityTooSmall", fmt.Sprintf("Part size must be at least %d bytes.", s.cfg.MinPartSize), http.StatusBadRequest)
		return
	}

	if plan.Count(req.Size, req.PartSize) > MaxParts {
		writeError(w, "InvalidArgument", fmt.Sprintf("An upload may have at most %d parts.", MaxParts), http.StatusBadRequest)
		return
	}

	key := req.Key
	if key == "" {
		key = req.Name
	}

	if !isValidObjectKey(key) {
		writeError(w, "InvalidObjectName", "The specified key is not valid.", http.StatusBadRequest)
		return
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	uploadID := uuid.NewString()
	if err := s.cfg.Engine.CreateUpload(uploadID); err != nil {
		slog.Error("Create upload dir", "upload_id", uploadID, "err", err)
		writeInternalError(w)
		return
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(id, owner, object_key, name, size, part_size, content_type, state, created_at, modified_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uploadID, ownerOf(r), key, req.Name, req.Size, req.PartSize, contentType, schema.SessionPending, now, now,
	)
	if err != nil {
		slog.Error("Insert session", "upload_id", uploadID, "err", err)
		_ = s.cfg.Engine.RemoveUpload(uploadID)
		writeInternalError(w)
		return
	}

	slog.Info("Created upload session", "upload_id", uploadID, "key", key, "size", req.Size, "part_size", req.PartSize)

	session := schema.Session{UploadID: uploadID, Key: key, Size: req.Size, PartSize: req.PartSize}
	if err := writeJSONResponse(w, http.StatusCreated, session); err != nil {
		slog.Error("Encode session", "upload_id", uploadID, "err", err)
	}
}

// handleGetStatus implements GET /sessions/{id}.
func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request, id string) {
	rec, ok := s.loadSessionOrError(w, r, id)
	if !ok {
		return
	}

	parts, err := s.acknowledgedParts(r.Context(), id)
	if err != nil {
		slog.Error("List session parts", "upload_id", id, "err", err)
		writeInternalError(w)
		return
	}

	status := schema.Status{
		Session: rec.session(),
		State:   rec.State,
		Parts:   parts,
		ETag:    rec.ETag.String,
	}

	if err := writeJSONResponse(w, http.StatusOK, status); err != nil {
		slog.Error("Encode status", "upload_id", id, "err", err)
	}
}

// handleMissingParts implements GET /sessions/{id}/missing.
func (s *Server) handleMissingParts(w http.ResponseWriter, r *http.Request, id string) {
	rec, ok := s.loadSessionOrError(w, r, id)
	if !ok {
		return
	}

	if rec.State != schema.SessionPending {
		writeError(w, "InvalidSessionState", fmt.Sprintf("The upload session is %s.", rec.State), http.StatusConflict)
		return
	}

	acked, err := s.acknowledgedParts(r.Context(), id)
	if err != nil {
		slog.Error("List session parts", "upload_id", id, "err", err)
		writeInternalError(w)
		return
	}

	have := make(map[int]bool, len(acked))
	for _, p := range acked {
		have[p.Number] = true
	}

	missing := make([]schema.Part, 0)
	for _, p := range rec.parts() {
		if !have[p.Number] {
			missing = append(missing, p)
		}
	}

	if err := writeJSONResponse(w, http.StatusOK, schema.MissingPartsResponse{Parts: missing}); err != nil {
		slog.Error("Encode missing parts", "upload_id", id, "err", err)
	}
}

// handleUploadPart implements PUT /sessions/{id}/parts/{part}.
func (s *Server) handleUploadPart(w http.ResponseWriter, r *http.Request, id string, rawPart string) {
	ctx := r.Context()
	defer r.Body.Close()

	rec, ok := s.loadSessionOrError(w, r, id)
	if !ok {
		return
	}

	if rec.State != schema.SessionPending {
		writeError(w, "InvalidSessionState", fmt.Sprintf("The upload session is %s.", rec.State), http.StatusConflict)
		return
	}

	parts := rec.parts()
	partNumber, err := strconv.Atoi(rawPart)
	if err != nil || partNumber < 1 || partNumber > len(parts) {
		writeError(w, "InvalidArgument", fmt.Sprintf("Part number must be between 1 and %d.", len(parts)), http.StatusBadRequest)
		return
	}

	expected := parts[partNumber-1].Size()
	if r.ContentLength >= 0 && r.ContentLength != expected {
		writeError(w, "IncompleteBody", fmt.Sprintf("Part %d must be %d bytes.", partNumber, expected), http.StatusBadRequest)
		return
	}

	size, hashHex, err := s.cfg.Engine.WritePart(id, partNumber, io.LimitReader(r.Body, expected+1))
	if errors.Is(err, os.ErrNotExist) {
		writeNoSuchUpload(w)
		return
	}
	if err != nil {
		slog.Error("Write upload part payload", "upload_id", id, "part", partNumber, "err", err)
		writeError(w, "InvalidRequest", "Failed to read request body.", http.StatusBadRequest)
		return
	}

	if size != expected {
		// The stored file no longer matches any acknowledgement.
		_, _ = s.db.ExecContext(ctx, `DELETE FROM parts WHERE session_id = ? AND part_number = ?`, id, partNumber)
		writeError(w, "IncompleteBody", fmt.Sprintf("Part %d must be %d bytes, got %d.", partNumber, expected, size), http.StatusBadRequest)
		return
	}

	etag := createETag(hashHex)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO parts(session_id, part_number, size, etag, modified_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, part_number) DO UPDATE SET
		 	size=excluded.size,
		 	etag=excluded.etag,
		 	modified_at=excluded.modified_at`,
		id, partNumber, size, etag, time.Now().UTC(),
	)
	if err != nil {
		slog.Error("Record upload part", "upload_id", id, "part", partNumber, "err", err)
		writeInternalError(w)
		return
	}

	w.Header().Set("ETag", etag)
	result := schema.PartResult{Number: partNumber, ETag: etag, Size: size}
	if err := writeJSONResponse(w, http.StatusOK, result); err != nil {
		slog.Error("Encode part result", "upload_id", id, "part", partNumber, "err", err)
	}
}

// validateManifest checks a finalize request against the stored parts and
// returns the error code and message to reply with, or "" if it is valid.
func (s *Server) validateManifest(rec sessionRecord, manifest []schema.CompletedPart, acked []schema.PartResult) (string, string) {
	if len(manifest) == 0 {
		return "InvalidRequest", "You must specify at least one part."
	}

	for i := 1; i < len(manifest); i++ {
		if manifest[i].Number <= manifest[i-1].Number {
			return "InvalidPartOrder", "The list of parts was not in ascending order."
		}
	}

	stored := make(map[int]schema.PartResult, len(acked))
	for _, p := range acked {
		stored[p.Number] = p
	}

	for _, m := range manifest {
		p, ok := stored[m.Number]
		if !ok || p.ETag != m.ETag {
			return "InvalidPart", fmt.Sprintf("Part %d could not be found or its tag does not match.", m.Number)
		}
	}

	planned := rec.parts()
	if len(manifest) != len(planned) || manifest[len(manifest)-1].Number != len(planned) {
		return "IncompleteUpload", fmt.Sprintf("The upload needs %d parts, %d were listed.", len(planned), len(manifest))
	}

	for _, m := range manifest[:len(manifest)-1] {
		if stored[m.Number].Size < s.cfg.MinPartSize {
			return "EntityTooSmall", fmt.Sprintf("Part %d is smaller than the minimum allowed size.", m.Number)
		}
	}

	return "", ""
}

// handleCompleteSession implements POST /sessions/{id}/complete.
func (s *Server) handleCompleteSession(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()
	defer r.Body.Close()

	rec, ok := s.loadSessionOrError(w, r, id)
	if !ok {
		return
	}

	switch rec.State {
	case schema.SessionComplete:
		// Completing twice returns the original result.
		result := schema.Result{Key: rec.Key, ETag: rec.ETag.String}
		if err := writeJSONResponse(w, http.StatusOK, result); err != nil {
			slog.Error("Encode complete result", "upload_id", id, "err", err)
		}
		return
	case schema.SessionAborted:
		writeError(w, "InvalidSessionState", "The upload session was aborted.", http.StatusConflict)
		return
	}

	var req schema.CompleteRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4<<20)).Decode(&req); err != nil {
		writeError(w, "MalformedJSON", "The request body is not valid JSON.", http.StatusBadRequest)
		return
	}

	acked, err := s.acknowledgedParts(ctx, id)
	if err != nil {
		slog.Error("List session parts", "upload_id", id, "err", err)
		writeInternalError(w)
		return
	}

	if code, message := s.validateManifest(rec, req.Parts, acked); code != "" {
		writeError(w, code, message, http.StatusBadRequest)
		return
	}

	finalFile, err := s.cfg.Engine.CreateTemp("final-*")
	if err != nil {
		slog.Error("Create final temp file", "upload_id", id, "err", err)
		writeInternalError(w)
		return
	}
	defer func() {
		name := finalFile.Name()
		if err := finalFile.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			slog.Debug("Failed to close final file", "path", name, "err", err)
		}
		// Best-effort cleanup; the storage engine may have moved the file.
		if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
			slog.Debug("Failed to remove final temp file", "path", name, "err", err)
		}
	}()

	h := sha256.New()
	var totalSize int64
	buf := make([]byte, 32*1024)

	for _, part := range req.Parts {
		n, err := s.appendPart(finalFile, h, buf, id, part.Number)
		if err != nil {
			slog.Error("Stream upload part into final file", "upload_id", id, "part", part.Number, "err", err)
			writeError(w, "InvalidPart", fmt.Sprintf("Part %d could not be read.", part.Number), http.StatusBadRequest)
			return
		}
		totalSize += n
	}

	if totalSize != rec.Size {
		writeError(w, "IncompleteUpload", fmt.Sprintf("The parts hold %d bytes, expected %d.", totalSize, rec.Size), http.StatusBadRequest)
		return
	}

	if err := finalFile.Close(); err != nil {
		slog.Error("Close final file", "upload_id", id, "err", err)
		writeInternalError(w)
		return
	}

	hashHex := hex.EncodeToString(h.Sum(nil))
	if err := s.cfg.Engine.PutObjectFromFile(rec.Owner, hashHex, finalFile.Name(), totalSize); err != nil {
		slog.Error("Store completed object", "upload_id", id, "err", err)
		writeInternalError(w)
		return
	}

	etag := createETag(hashHex)
	now := time.Now().UTC()
	err = WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO objects(owner, object_key, hash, size, content_type, session_id, created_at, modified_at)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(owner, object_key) DO UPDATE SET
			 	hash=excluded.hash,
			 	size=excluded.size,
			 	content_type=excluded.content_type,
			 	session_id=excluded.session_id,
			 	modified_at=excluded.modified_at`,
			rec.Owner, rec.Key, hashHex, totalSize, rec.ContentType, id, now, now,
		); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET state = ?, etag = ?, modified_at = ? WHERE id = ?`,
			schema.SessionComplete, etag, now, id,
		); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `DELETE FROM parts WHERE session_id = ?`, id)
		return err
	})
	if err != nil {
		slog.Error("Record completed object", "upload_id", id, "err", err)
		writeInternalError(w)
		return
	}

	if err := s.cfg.Engine.RemoveUpload(id); err != nil {
		slog.Debug("Failed to remove upload dir", "upload_id", id, "err", err)
	}

	slog.Info("Completed upload", "upload_id", id, "key", rec.Key, "size", totalSize, "etag", etag)

	if err := writeJSONResponse(w, http.StatusOK, schema.Result{Key: rec.Key, ETag: etag}); err != nil {
		slog.Error("Encode complete result", "upload_id", id, "err", err)
	}
}

// appendPart copies one stored part to dst while feeding h.
func (s *Server) appendPart(dst io.Writer, h io.Writer, buf []byte, id string, number int) (int64, error) {
	pf, err := s.cfg.Engine.OpenPart(id, number)
	if err != nil {
		return 0, err
	}
	defer pf.Close()

	return io.CopyBuffer(dst, io.TeeReader(pf, h), buf)
}

// handleAbortSession implements DELETE /sessions/{id}. Aborting is
// idempotent: unknown and already aborted sessions succeed, and a completed
// object is left untouched.
func (s *Server) handleAbortSession(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()

	rec, err := s.lookupSession(ctx, ownerOf(r), id)
	if errors.Is(err, sql.ErrNoRows) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		slog.Error("Session lookup", "upload_id", id, "err", err)
		writeInternalError(w)
		return
	}

	if rec.State == schema.SessionPending {
		err := WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx,
				`UPDATE sessions SET state = ?, modified_at = ? WHERE id = ?`,
				schema.SessionAborted, time.Now().UTC(), id,
			); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `DELETE FROM parts WHERE session_id = ?`, id)
			return err
		})
		if err != nil {
			slog.Error("Abort session", "upload_id", id, "err", err)
			writeInternalError(w)
			return
		}
		slog.Info("Aborted upload session", "upload_id", id)
	}

	if err := s.cfg.Engine.RemoveUpload(id); err != nil {
		slog.Debug("Failed to remove upload dir on abort", "upload_id", id, "err", err)
	}

	w.WriteHeader(http.StatusNoContent)
}
