package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/http/httptest"
	"strings"
	"testing"

	"emodiary/internal/app"
	"emodiary/pkg/domain"
	"emodiary/pkg/queue"
	"emodiary/pkg/storage"
	"emodiary/pkg/store"
)

type stubJobs struct {
	enqueued []queue.DiaryJob
}

func (s *stubJobs) Enqueue(ctx context.Context, job queue.DiaryJob) (queue.JobStatus, error) {
	s.enqueued = append(s.enqueued, job)
	return queue.JobStatus{Job: job, Status: queue.StatusQueued}, nil
}

func (s *stubJobs) IsProcessed(ctx context.Context, diaryID uint, bodyHash string) (bool, error) {
	return false, nil
}

func (s *stubJobs) MarkProcessed(ctx context.Context, diaryID uint, bodyHash string) error {
	return nil
}

type stubScorer struct{}

func (stubScorer) Score(ctx context.Context, body string) (int, error) { return 0, nil }

type stubTransformer struct{}

func (stubTransformer) Transform(ctx context.Context, score int, referenceURI string) (image.Image, error) {
	return image.NewRGBA(image.Rect(0, 0, 1, 1)), nil
}

type stubUploader struct {
	uploads int
}

func (u *stubUploader) Upload(ctx context.Context, img image.Image, folder string) (storage.UploadResult, error) {
	u.uploads++
	key := fmt.Sprintf("%s/obj-%d", folder, u.uploads)
	return storage.UploadResult{Key: key, URL: "https://cdn.example/" + key}, nil
}

func (u *stubUploader) Remove(ctx context.Context, key string) {}

func newTestServer(t *testing.T) (*Server, store.Store, *stubJobs) {
	t.Helper()
	st, err := store.NewGormStore("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	jobs := &stubJobs{}
	application, err := app.New(app.Config{
		Store:       st,
		Uploader:    &stubUploader{},
		Scorer:      stubScorer{},
		Transformer: stubTransformer{},
		Jobs:        jobs,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	srv, err := New(Config{App: application})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv, st, jobs
}

func doJSON(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return payload
}

func seedServerUser(t *testing.T, st store.Store) domain.User {
	t.Helper()
	user, err := st.CreateUser(domain.User{Name: "alice"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("missing X-Request-Id header")
	}
}

func TestCreateDiaryExcludesScore(t *testing.T) {
	srv, st, jobs := newTestServer(t)
	user := seedServerUser(t, st)

	rec := doJSON(t, srv.Router(), http.MethodPost, "/diaries", map[string]any{
		"userId": user.ID, "body": "今日は晴れ", "date": 20240115,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	payload := decodeBody(t, rec)
	if _, present := payload["score"]; present {
		t.Fatalf("score must not appear in write responses: %v", payload)
	}
	if payload["body"] != "今日は晴れ" {
		t.Fatalf("body = %v", payload["body"])
	}
	if len(jobs.enqueued) != 1 {
		t.Fatalf("enqueued = %d, want 1", len(jobs.enqueued))
	}
}

func TestCreateDiaryRejectsBadDates(t *testing.T) {
	srv, st, _ := newTestServer(t)
	user := seedServerUser(t, st)

	rec := doJSON(t, srv.Router(), http.MethodPost, "/diaries", map[string]any{
		"userId": user.ID, "body": "x", "date": 2024011,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if decodeBody(t, rec)["code"] != "DIARY_INVALID_DATE" {
		t.Fatalf("unexpected error body: %s", rec.Body.String())
	}
}

func TestCreateDiaryRejectsDuplicateDate(t *testing.T) {
	srv, st, _ := newTestServer(t)
	user := seedServerUser(t, st)
	body := map[string]any{"userId": user.ID, "body": "x", "date": 20240116}

	if rec := doJSON(t, srv.Router(), http.MethodPost, "/diaries", body); rec.Code != http.StatusOK {
		t.Fatalf("first write: %d", rec.Code)
	}
	rec := doJSON(t, srv.Router(), http.MethodPost, "/diaries", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if decodeBody(t, rec)["code"] != "DIARY_DUPLICATE_DATE" {
		t.Fatalf("unexpected error body: %s", rec.Body.String())
	}
}

func TestDiaryLifecycle(t *testing.T) {
	srv, st, _ := newTestServer(t)
	user := seedServerUser(t, st)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/diaries", map[string]any{
		"userId": user.ID, "body": "original", "date": 20240117,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create: %d", rec.Code)
	}
	id := uint(decodeBody(t, rec)["id"].(float64))

	rec = doJSON(t, router, http.MethodGet, fmt.Sprintf("/diaries/%d", id), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, fmt.Sprintf("/diaries/date/20240117?user_id=%d", user.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get by date: %d", rec.Code)
	}
	rec = doJSON(t, router, http.MethodGet, "/diaries/date/notadate", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed date: %d, want 400", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPut, fmt.Sprintf("/diaries/%d", id), map[string]any{"body": "edited"})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: %d", rec.Code)
	}
	if decodeBody(t, rec)["body"] != "edited" {
		t.Fatalf("update body: %s", rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodDelete, fmt.Sprintf("/diaries/%d", id), nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d, want 204", rec.Code)
	}
	rec = doJSON(t, router, http.MethodGet, fmt.Sprintf("/diaries/%d", id), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: %d, want 404", rec.Code)
	}
}

func TestListDiariesDefaultsUser(t *testing.T) {
	srv, st, _ := newTestServer(t)
	user := seedServerUser(t, st) // first user gets id 1
	if user.ID != 1 {
		t.Fatalf("expected first user id 1, got %d", user.ID)
	}
	router := srv.Router()

	doJSON(t, router, http.MethodPost, "/diaries", map[string]any{"body": "a", "date": 20240118})
	rec := doJSON(t, router, http.MethodGet, "/diaries", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	if decodeBody(t, rec)["count"].(float64) != 1 {
		t.Fatalf("count: %s", rec.Body.String())
	}
}

func TestCurrentImageNotFound(t *testing.T) {
	srv, st, _ := newTestServer(t)
	user := seedServerUser(t, st)
	rec := doJSON(t, srv.Router(), http.MethodGet, fmt.Sprintf("/images?user_id=%d", user.ID), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func multipartPNG(t *testing.T, userID uint) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("userId", fmt.Sprint(userID)); err != nil {
		t.Fatalf("write field: %v", err)
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="portrait.png"`)
	header.Set("Content-Type", "image/png")
	part, err := mw.CreatePart(header)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if err := png.Encode(part, image.NewRGBA(image.Rect(0, 0, 8, 8))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func TestUploadImageAndFetchCurrent(t *testing.T) {
	srv, st, _ := newTestServer(t)
	user := seedServerUser(t, st)
	router := srv.Router()

	body, contentType := multipartPNG(t, user.ID)
	req := httptest.NewRequest(http.MethodPost, "/images", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload: %d, body %s", rec.Code, rec.Body.String())
	}
	uploaded := decodeBody(t, rec)
	if !strings.HasPrefix(uploaded["uri"].(string), "https://cdn.example/") {
		t.Fatalf("uri = %v", uploaded["uri"])
	}

	get := doJSON(t, router, http.MethodGet, fmt.Sprintf("/images?user_id=%d", user.ID), nil)
	if get.Code != http.StatusOK {
		t.Fatalf("current image: %d", get.Code)
	}
	if decodeBody(t, get)["id"] != uploaded["id"] {
		t.Fatalf("current image mismatch: %s vs %s", get.Body.String(), rec.Body.String())
	}
}

func TestUploadRejectsNonImageField(t *testing.T) {
	srv, st, _ := newTestServer(t)
	user := seedServerUser(t, st)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="note.txt"`)
	header.Set("Content-Type", "text/plain")
	part, err := mw.CreatePart(header)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write([]byte("plain text")); err != nil {
		t.Fatalf("write part: %v", err)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/images?user_id=%d", user.ID), &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if decodeBody(t, rec)["code"] != "IMAGE_NOT_AN_IMAGE" {
		t.Fatalf("unexpected error body: %s", rec.Body.String())
	}
}

func TestAllImagesEmpty(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/all_images", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if decodeBody(t, rec)["count"].(float64) != 0 {
		t.Fatalf("count: %s", rec.Body.String())
	}
}

func TestUserEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/users", map[string]any{
		"name": "dave", "imageUrl": "https://cdn.example/dave.png",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create user: %d, body %s", rec.Code, rec.Body.String())
	}
	created := decodeBody(t, rec)
	if created["currentImageId"] == nil {
		t.Fatalf("seeded user must have a current image: %s", rec.Body.String())
	}
	id := uint(created["id"].(float64))

	rec = doJSON(t, router, http.MethodGet, fmt.Sprintf("/users/%d", id), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get user: %d", rec.Code)
	}
	rec = doJSON(t, router, http.MethodGet, "/users/9999", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing user: %d, want 404", rec.Code)
	}
	rec = doJSON(t, router, http.MethodGet, "/users/abc", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("bad id: %d, want 404", rec.Code)
	}
}
