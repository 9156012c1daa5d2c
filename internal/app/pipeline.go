package app

import (
	"context"
	"errors"
	"log/slog"

	"emodiary/pkg/ai"
	"emodiary/pkg/domain"
	"emodiary/pkg/queue"
)

// ProcessDiaryJob runs the scoring and rendering pipeline for one diary
// write. It is registered as the queue handler.
//
// Failure policy: business dead-ends (diary gone, no reference image,
// scoring budget exhausted, model output unusable) complete the job with a
// log line, because retrying cannot change the outcome. Infrastructure
// errors (store, object storage) are returned so the queue retries within
// its bounded budget. The reference image is resolved before any model
// call; without one the whole sequence aborts and the diary keeps its
// placeholder score. Once committed, the score stands on its own; a later
// stage failing never rolls it back.
func (a *App) ProcessDiaryJob(ctx context.Context, job queue.DiaryJob) error {
	log := slog.With("user_id", job.UserID, "diary_id", job.DiaryID)

	diary, found, err := a.store.GetDiary(job.DiaryID)
	if err != nil {
		return err
	}
	if !found {
		log.Info("pipeline skipped, diary no longer active")
		return nil
	}
	if queue.BodyHash(diary.Body) != job.BodyHash {
		// the diary was edited after this job was enqueued; the newer
		// job carries the current hash
		log.Info("pipeline skipped, stale body hash")
		return nil
	}

	done, err := a.jobs.IsProcessed(ctx, job.DiaryID, job.BodyHash)
	if err != nil {
		return err
	}
	if done {
		log.Info("pipeline skipped, already processed")
		return nil
	}

	ref, found, err := a.store.CurrentImage(job.UserID)
	if err != nil {
		return err
	}
	if !found {
		log.Warn("pipeline aborted", "err", ErrNoReferenceImage)
		return nil
	}

	score, err := a.scorer.Score(ctx, diary.Body)
	if err != nil {
		if errors.Is(err, ai.ErrScoringUnavailable) {
			log.Warn("pipeline ended, scoring unavailable", "err", err)
			return nil
		}
		return err
	}
	if err := a.store.SetDiaryScore(job.DiaryID, score); err != nil {
		return err
	}
	log.Info("diary scored", "score", score)

	rendered, err := a.transformer.Transform(ctx, score, ref.URI)
	if err != nil {
		log.Warn("pipeline ended after scoring, image generation failed", "err", err)
		return nil
	}

	res, err := a.uploader.Upload(ctx, rendered, a.uploadFolder)
	if err != nil {
		return err
	}
	diaryID := job.DiaryID
	if _, err := a.store.CreateImage(domain.Image{
		UserID:  job.UserID,
		DiaryID: &diaryID,
		URI:     res.URL,
		Meta:    res.Meta,
	}); err != nil {
		a.uploader.Remove(ctx, res.Key)
		return err
	}

	if err := a.jobs.MarkProcessed(ctx, job.DiaryID, job.BodyHash); err != nil {
		// the work is committed; a lost marker only costs a redundant
		// skip check on a duplicate delivery
		log.Warn("mark processed", "err", err)
	}
	log.Info("pipeline complete", "score", score, "image_url", res.URL)
	return nil
}
