package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) (*DiaryJobQueue, context.Context) {
	t.Helper()
	redisSrv := miniredis.RunT(t)
	q, err := NewDiaryJobQueue(Config{
		Addr:       redisSrv.Addr(),
		Stream:     "test:diary-pipeline",
		Group:      "test-group",
		Consumer:   "consumer-1",
		RetryDelay: -1,
		MaxRetries: 2,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	ctx := context.Background()
	q.ensureGroup(ctx)
	return q, ctx
}

func readOne(t *testing.T, q *DiaryJobQueue, ctx context.Context, consumer string) redis.XMessage {
	t.Helper()
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one message, got %+v", streams)
	}
	return streams[0].Messages[0]
}

func TestEnqueueCarriesTypedPayload(t *testing.T) {
	q, ctx := newTestQueue(t)

	job := DiaryJob{UserID: 1, DiaryID: 42, BodyHash: BodyHash("今日は良い日だった")}
	status, err := q.Enqueue(ctx, job)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if status.Status != StatusQueued {
		t.Fatalf("status = %q, want queued", status.Status)
	}

	msg := readOne(t, q, ctx, "consumer-1")
	gotID, got, ok := parseJobValues(msg.Values)
	if !ok {
		t.Fatalf("payload did not parse: %+v", msg.Values)
	}
	if gotID != status.ID || got != job {
		t.Fatalf("payload mismatch: got %+v want %+v", got, job)
	}
}

func TestEnqueueRejectsZeroIDs(t *testing.T) {
	q, ctx := newTestQueue(t)
	if _, err := q.Enqueue(ctx, DiaryJob{UserID: 0, DiaryID: 1}); err == nil {
		t.Fatal("expected error for zero user id")
	}
	if _, err := q.Enqueue(ctx, DiaryJob{UserID: 1, DiaryID: 0}); err == nil {
		t.Fatal("expected error for zero diary id")
	}
}

func TestHandleMessageSuccessAcks(t *testing.T) {
	q, ctx := newTestQueue(t)
	status, err := q.Enqueue(ctx, DiaryJob{UserID: 1, DiaryID: 7, BodyHash: "h"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	msg := readOne(t, q, ctx, "consumer-1")

	handled := 0
	q.handleMessage(ctx, msg, func(context.Context, DiaryJob) error {
		handled++
		return nil
	})
	if handled != 1 {
		t.Fatalf("handler calls = %d, want 1", handled)
	}

	got, found, err := q.GetJob(ctx, status.ID)
	if err != nil || !found {
		t.Fatalf("get job: %v found=%v", err, found)
	}
	if got.Status != StatusDone {
		t.Fatalf("status = %q, want done", got.Status)
	}
	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending messages, got %d", pending.Count)
	}
}

func TestHandleMessageRequeuesUntilBudgetSpent(t *testing.T) {
	q, ctx := newTestQueue(t)
	status, err := q.Enqueue(ctx, DiaryJob{UserID: 1, DiaryID: 7, BodyHash: "h"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	fail := func(context.Context, DiaryJob) error { return errors.New("store unavailable") }

	// attempt 1: requeued
	q.handleMessage(ctx, readOne(t, q, ctx, "consumer-1"), fail)
	got, _, _ := q.GetJob(ctx, status.ID)
	if got.Status != StatusQueued || got.Attempts != 1 {
		t.Fatalf("after first failure: %+v", got)
	}

	// attempt 2 == maxRetries: failed for good
	q.handleMessage(ctx, readOne(t, q, ctx, "consumer-1"), fail)
	got, _, _ = q.GetJob(ctx, status.ID)
	if got.Status != StatusFailed || got.Attempts != 2 {
		t.Fatalf("after second failure: %+v", got)
	}
	if got.ErrorMessage == "" {
		t.Fatal("expected error message on failed job")
	}

	streamLen, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if streamLen != 0 {
		t.Fatalf("expected drained stream, len=%d", streamLen)
	}
}

func TestProcessedMarkerRoundTrip(t *testing.T) {
	q, ctx := newTestQueue(t)
	hash := BodyHash("body v1")

	done, err := q.IsProcessed(ctx, 42, hash)
	if err != nil {
		t.Fatalf("is processed: %v", err)
	}
	if done {
		t.Fatal("marker should not exist yet")
	}
	if err := q.MarkProcessed(ctx, 42, hash); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	done, err = q.IsProcessed(ctx, 42, hash)
	if err != nil {
		t.Fatalf("is processed: %v", err)
	}
	if !done {
		t.Fatal("marker should exist after MarkProcessed")
	}

	// a different body hash is a different unit of work
	done, err = q.IsProcessed(ctx, 42, BodyHash("body v2"))
	if err != nil {
		t.Fatalf("is processed: %v", err)
	}
	if done {
		t.Fatal("marker must be scoped to the body hash")
	}
}

func TestBodyHashStable(t *testing.T) {
	if BodyHash("a") != BodyHash("a") {
		t.Fatal("hash not deterministic")
	}
	if BodyHash("a") == BodyHash("b") {
		t.Fatal("distinct bodies must hash differently")
	}
}
