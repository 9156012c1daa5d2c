package app

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"strings"

	"emodiary/pkg/ai"
	"emodiary/pkg/domain"
	"emodiary/pkg/queue"
	"emodiary/pkg/storage"
	"emodiary/pkg/store"
)

// JobQueue is the slice of the queue the app depends on.
type JobQueue interface {
	Enqueue(ctx context.Context, job queue.DiaryJob) (queue.JobStatus, error)
	IsProcessed(ctx context.Context, diaryID uint, bodyHash string) (bool, error)
	MarkProcessed(ctx context.Context, diaryID uint, bodyHash string) error
}

// Config wires the application's collaborators.
type Config struct {
	Store        store.Store
	Uploader     storage.Uploader
	Scorer       ai.Scorer
	Transformer  ai.ImageTransformer
	Jobs         JobQueue
	UploadFolder string
}

// App is the core application service: diary/image/user operations plus the
// asynchronous diary write pipeline.
type App struct {
	store        store.Store
	uploader     storage.Uploader
	scorer       ai.Scorer
	transformer  ai.ImageTransformer
	jobs         JobQueue
	uploadFolder string
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Uploader == nil {
		return nil, fmt.Errorf("uploader required")
	}
	if cfg.Scorer == nil || cfg.Transformer == nil {
		return nil, fmt.Errorf("scorer and transformer required")
	}
	if cfg.Jobs == nil {
		return nil, fmt.Errorf("job queue required")
	}
	folder := strings.TrimSpace(cfg.UploadFolder)
	if folder == "" {
		folder = "generated"
	}
	return &App{
		store:        cfg.Store,
		uploader:     cfg.Uploader,
		scorer:       cfg.Scorer,
		transformer:  cfg.Transformer,
		jobs:         cfg.Jobs,
		uploadFolder: folder,
	}, nil
}

// CreateDiary validates and persists a diary entry, then dispatches the
// scoring/rendering pipeline. The diary commit is synchronous and visible;
// the pipeline is best-effort and detached.
func (a *App) CreateDiary(ctx context.Context, userID uint, body string, date int) (domain.Diary, error) {
	if strings.TrimSpace(body) == "" || date == 0 {
		return domain.Diary{}, ErrMissingField
	}
	if !domain.ValidDate(date) {
		return domain.Diary{}, ErrInvalidDate
	}
	exists, err := a.store.HasDiaryOnDate(userID, date)
	if err != nil {
		return domain.Diary{}, err
	}
	if exists {
		return domain.Diary{}, ErrDuplicateDate
	}
	diary, err := a.store.CreateDiary(domain.Diary{UserID: userID, Body: body, Date: date})
	if err != nil {
		return domain.Diary{}, err
	}
	a.dispatch(ctx, diary)
	return diary, nil
}

// UpdateDiary replaces the body of an existing diary and re-dispatches the
// pipeline. Only the body is mutable.
func (a *App) UpdateDiary(ctx context.Context, id uint, body string) (domain.Diary, error) {
	if strings.TrimSpace(body) == "" {
		return domain.Diary{}, ErrMissingField
	}
	diary, found, err := a.store.UpdateDiaryBody(id, body)
	if err != nil {
		return domain.Diary{}, err
	}
	if !found {
		return domain.Diary{}, ErrNotFound
	}
	a.dispatch(ctx, diary)
	return diary, nil
}

// dispatch enqueues the pipeline job. Enqueue failures are logged and
// swallowed: the diary write already succeeded visibly, and the score simply
// stays empty.
func (a *App) dispatch(ctx context.Context, diary domain.Diary) {
	job := queue.DiaryJob{
		UserID:   diary.UserID,
		DiaryID:  diary.ID,
		BodyHash: queue.BodyHash(diary.Body),
	}
	if _, err := a.jobs.Enqueue(ctx, job); err != nil {
		slog.Error("enqueue diary pipeline", "user_id", diary.UserID, "diary_id", diary.ID, "err", err)
	}
}

// GetDiary fetches one diary.
func (a *App) GetDiary(ctx context.Context, id uint) (domain.Diary, error) {
	diary, found, err := a.store.GetDiary(id)
	if err != nil {
		return domain.Diary{}, err
	}
	if !found {
		return domain.Diary{}, ErrNotFound
	}
	return diary, nil
}

// GetDiaryByDate fetches the diary for an 8-digit date.
func (a *App) GetDiaryByDate(ctx context.Context, userID uint, date int) (domain.Diary, error) {
	if !domain.ValidDate(date) {
		return domain.Diary{}, ErrInvalidDate
	}
	diary, found, err := a.store.GetDiaryByDate(userID, date)
	if err != nil {
		return domain.Diary{}, err
	}
	if !found {
		return domain.Diary{}, ErrNotFound
	}
	return diary, nil
}

// ListDiaries returns all non-deleted diaries for a user.
func (a *App) ListDiaries(ctx context.Context, userID uint) ([]domain.Diary, error) {
	return a.store.ListDiaries(userID)
}

// DeleteDiary soft-deletes a diary.
func (a *App) DeleteDiary(ctx context.Context, id uint) error {
	deleted, err := a.store.SoftDeleteDiary(id)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrNotFound
	}
	return nil
}

// CurrentImage returns the owner's reference image.
func (a *App) CurrentImage(ctx context.Context, userID uint) (domain.Image, error) {
	img, found, err := a.store.CurrentImage(userID)
	if err != nil {
		return domain.Image{}, err
	}
	if !found {
		return domain.Image{}, ErrNotFound
	}
	return img, nil
}

// AllImages returns the most recent image per diary.
func (a *App) AllImages(ctx context.Context) ([]domain.Image, error) {
	return a.store.LatestImagePerDiary()
}

// UploadImage is the direct upload path, bypassing the pipeline: decode,
// store the object, persist the row. If the row cannot be persisted the
// uploaded object is deleted again, best-effort.
func (a *App) UploadImage(ctx context.Context, userID uint, contentType string, r io.Reader) (domain.Image, error) {
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "image/") {
		return domain.Image{}, ErrNotAnImage
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return domain.Image{}, err
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return domain.Image{}, fmt.Errorf("%w: %v", ErrNotAnImage, err)
	}
	res, err := a.uploader.Upload(ctx, img, a.uploadFolder)
	if err != nil {
		return domain.Image{}, err
	}
	saved, err := a.store.CreateImage(domain.Image{UserID: userID, URI: res.URL, Meta: res.Meta})
	if err != nil {
		a.uploader.Remove(ctx, res.Key)
		return domain.Image{}, err
	}
	return saved, nil
}

// CreateUser registers a user; a non-empty imageURL seeds the initial
// reference image. User insert and image seed commit atomically, so a
// failed seed leaves no user row behind.
func (a *App) CreateUser(ctx context.Context, name, imageURL string) (domain.User, error) {
	if strings.TrimSpace(name) == "" {
		return domain.User{}, ErrMissingField
	}
	return a.store.CreateUserWithImage(domain.User{Name: name}, strings.TrimSpace(imageURL))
}

// GetUser fetches one user.
func (a *App) GetUser(ctx context.Context, id uint) (domain.User, error) {
	user, found, err := a.store.GetUser(id)
	if err != nil {
		return domain.User{}, err
	}
	if !found {
		return domain.User{}, ErrNotFound
	}
	return user, nil
}

// Health reports database liveness.
func (a *App) Health(ctx context.Context) error {
	return a.store.Ping()
}
