package app

import (
	"context"
	"fmt"
	"image"
	"sync"

	"emodiary/pkg/queue"
	"emodiary/pkg/storage"
)

type fakeJobs struct {
	mu        sync.Mutex
	enqueued  []queue.DiaryJob
	processed map[string]bool
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{processed: make(map[string]bool)}
}

func (f *fakeJobs) Enqueue(ctx context.Context, job queue.DiaryJob) (queue.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, job)
	return queue.JobStatus{Job: job, Status: queue.StatusQueued}, nil
}

func (f *fakeJobs) IsProcessed(ctx context.Context, diaryID uint, bodyHash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processed[fmt.Sprintf("%d:%s", diaryID, bodyHash)], nil
}

func (f *fakeJobs) MarkProcessed(ctx context.Context, diaryID uint, bodyHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed[fmt.Sprintf("%d:%s", diaryID, bodyHash)] = true
	return nil
}

type fakeScorer struct {
	score int
	err   error
	calls int
}

func (f *fakeScorer) Score(ctx context.Context, body string) (int, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.score, nil
}

type fakeTransformer struct {
	err      error
	gotScore int
	gotRef   string
	calls    int
}

func (f *fakeTransformer) Transform(ctx context.Context, score int, referenceURI string) (image.Image, error) {
	f.calls++
	f.gotScore = score
	f.gotRef = referenceURI
	if f.err != nil {
		return nil, f.err
	}
	return image.NewRGBA(image.Rect(0, 0, 4, 4)), nil
}

type fakeUploader struct {
	uploadErr error
	uploads   int
	removed   []string
}

func (f *fakeUploader) Upload(ctx context.Context, img image.Image, folder string) (storage.UploadResult, error) {
	f.uploads++
	if f.uploadErr != nil {
		return storage.UploadResult{}, f.uploadErr
	}
	key := fmt.Sprintf("%s/fake-%d", folder, f.uploads)
	return storage.UploadResult{Key: key, URL: "https://cdn.example/" + key}, nil
}

func (f *fakeUploader) Remove(ctx context.Context, key string) {
	f.removed = append(f.removed, key)
}
