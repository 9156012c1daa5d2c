package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"emodiary/internal/app"
	"emodiary/internal/util"
	"emodiary/pkg/storage"
)

// defaultUserID backs requests that do not name a user. The API predates
// accounts; a single implicit user keeps old clients working.
const defaultUserID uint = 1

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	MaxUploadBytes int64
}

// Server exposes the diary HTTP endpoints.
type Server struct {
	app            *app.App
	mux            *http.ServeMux
	maxUploadBytes int64
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 10 * 1024 * 1024
	}
	s := &Server{
		app:            cfg.App,
		mux:            http.NewServeMux(),
		maxUploadBytes: maxUploadBytes,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("emodiary", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)

	// diaries
	s.mux.HandleFunc("/diaries", s.handleDiaries)
	s.mux.HandleFunc("/diaries/", s.handleDiaryPath)

	// images
	s.mux.HandleFunc("/images", s.handleImages)
	s.mux.HandleFunc("/all_images", s.handleAllImages)

	// users
	s.mux.HandleFunc("/users", s.handleUsers)
	s.mux.HandleFunc("/users/", s.handleUserByID)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Health(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDiaries(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListDiaries(w, r)
	case http.MethodPost:
		s.handleCreateDiary(w, r)
	default:
		methodNotAllowed(w)
	}
}

// /diaries/{id} or /diaries/date/{date}
func (s *Server) handleDiaryPath(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/diaries/")
	if rest, ok := strings.CutPrefix(path, "date/"); ok {
		s.handleDiaryByDate(w, r, rest)
		return
	}
	id, ok := parseID(path)
	if !ok {
		notFound(w, "not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		diary, err := s.app.GetDiary(r.Context(), id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, diary)
	case http.MethodPut:
		var req updateDiaryRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		diary, err := s.app.UpdateDiary(r.Context(), id, req.Body)
		if err != nil {
			writeAppError(w, err)
			return
		}
		// the score is being recomputed for the new body; never echo the
		// stale one
		diary.Score = nil
		writeJSON(w, http.StatusOK, diary)
	case http.MethodDelete:
		if err := s.app.DeleteDiary(r.Context(), id); err != nil {
			writeAppError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleDiaryByDate(w http.ResponseWriter, r *http.Request, raw string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	date, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid date")
		return
	}
	diary, err := s.app.GetDiaryByDate(r.Context(), userIDFromQuery(r), date)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diary)
}

func (s *Server) handleListDiaries(w http.ResponseWriter, r *http.Request) {
	diaries, err := s.app.ListDiaries(r.Context(), userIDFromQuery(r))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": diaries,
		"count": len(diaries),
	})
}

type createDiaryRequest struct {
	UserID uint   `json:"userId"`
	Body   string `json:"body"`
	Date   int    `json:"date"`
}

type updateDiaryRequest struct {
	Body string `json:"body"`
}

func (s *Server) handleCreateDiary(w http.ResponseWriter, r *http.Request) {
	var req createDiaryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == 0 {
		req.UserID = defaultUserID
	}
	diary, err := s.app.CreateDiary(r.Context(), req.UserID, req.Body, req.Date)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diary)
}

func (s *Server) handleImages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		img, err := s.app.CurrentImage(r.Context(), userIDFromQuery(r))
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, img)
	case http.MethodPost:
		s.handleUploadImage(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()

	userID := userIDFromQuery(r)
	if v := r.FormValue("userId"); v != "" {
		if id, ok := parseID(v); ok {
			userID = id
		}
	}
	img, err := s.app.UploadImage(r.Context(), userID, header.Header.Get("Content-Type"), file)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, img)
}

func (s *Server) handleAllImages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	images, err := s.app.AllImages(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": images,
		"count": len(images),
	})
}

type createUserRequest struct {
	Name     string `json:"name"`
	ImageURL string `json:"imageUrl"`
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req createUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, err := s.app.CreateUser(r.Context(), req.Name, req.ImageURL)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleUserByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	id, ok := parseID(strings.TrimPrefix(r.URL.Path, "/users/"))
	if !ok {
		notFound(w, "not found")
		return
	}
	user, err := s.app.GetUser(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func userIDFromQuery(r *http.Request) uint {
	if v := r.URL.Query().Get("user_id"); v != "" {
		if id, ok := parseID(v); ok {
			return id
		}
	}
	return defaultUserID
}

func parseID(raw string) (uint, bool) {
	n, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 32)
	if err != nil || n == 0 {
		return 0, false
	}
	return uint(n), true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

// writeAppError translates application sentinels into HTTP statuses.
func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrNotFound):
		notFound(w, "not found")
	case errors.Is(err, app.ErrMissingField),
		errors.Is(err, app.ErrInvalidDate),
		errors.Is(err, app.ErrDuplicateDate),
		errors.Is(err, app.ErrNotAnImage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrUploadFailed):
		writeError(w, http.StatusBadGateway, "image upload failed")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeFor(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCodeFor(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "invalid date":
		return "DIARY_INVALID_DATE"
	case strings.Contains(message, "already exists"):
		return "DIARY_DUPLICATE_DATE"
	case strings.Contains(message, "missing essential fields"):
		return "DIARY_MISSING_FIELDS"
	case strings.Contains(message, "not an image"):
		return "IMAGE_NOT_AN_IMAGE"
	case strings.Contains(message, "file is required"):
		return "IMAGE_FILE_REQUIRED"
	case message == "invalid form data":
		return "IMAGE_INVALID_UPLOAD_FORM"
	case message == "image upload failed":
		return "IMAGE_UPLOAD_FAILED"
	case message == "invalid json body":
		return "REQUEST_INVALID_BODY"
	case message == "database unavailable":
		return "SYSTEM_DB_UNAVAILABLE"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case message == "not found":
		return "SYSTEM_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "REQUEST_ERROR"
	case http.StatusNotFound:
		return "SYSTEM_NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case http.StatusBadGateway:
		return "IMAGE_UPLOAD_FAILED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}
