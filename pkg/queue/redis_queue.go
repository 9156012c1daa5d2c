package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"emodiary/internal/util"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// DiaryJob is the payload dispatched for one diary write. BodyHash pins the
// job to the diary body it was enqueued for, so stale deliveries can be
// detected after a newer edit.
type DiaryJob struct {
	UserID   uint   `json:"userId"`
	DiaryID  uint   `json:"diaryId"`
	BodyHash string `json:"bodyHash"`
}

// JobStatus tracks one dispatched diary job.
type JobStatus struct {
	ID           string    `json:"id"`
	Job          DiaryJob  `json:"job"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// BodyHash returns the idempotency hash for a diary body.
func BodyHash(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:16])
}

// DiaryJobQueue dispatches diary write jobs over a Redis stream with
// at-least-once delivery: a consumer group, pending-entry claiming, and a
// bounded per-job retry budget.
type DiaryJobQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	jobTTL       time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	once         sync.Once
}

// Config tunes the queue; zero values fall back to defaults.
type Config struct {
	Addr       string
	Password   string
	Stream     string
	Group      string
	Consumer   string
	JobTTL     time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
}

// NewDiaryJobQueue connects to Redis and prepares the stream queue.
func NewDiaryJobQueue(cfg Config) (*DiaryJobQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "default"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	jobTTL := cfg.JobTTL
	if jobTTL <= 0 {
		jobTTL = 24 * time.Hour
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 30 * time.Second
	}
	retryDelay := cfg.RetryDelay
	if retryDelay < 0 {
		retryDelay = 0
	} else if retryDelay == 0 {
		retryDelay = 2 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &DiaryJobQueue{
		client:       redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		jobTTL:       jobTTL,
		maxRetries:   maxRetries,
		block:        block,
		claimIdle:    claimIdle,
		retryDelay:   retryDelay,
		maxLen:       maxLen,
	}, nil
}

// Enqueue records job status and appends the payload to the stream.
func (q *DiaryJobQueue) Enqueue(ctx context.Context, job DiaryJob) (JobStatus, error) {
	if job.DiaryID == 0 || job.UserID == 0 {
		return JobStatus{}, errors.New("diary and user ids required")
	}
	now := time.Now().UTC()
	status := JobStatus{
		ID:        util.NewID(),
		Job:       job,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.writeStatus(ctx, status); err != nil {
		return JobStatus{}, err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: jobValues(status.ID, job),
	}).Err(); err != nil {
		return JobStatus{}, err
	}
	return status, nil
}

// GetJob returns a job's status by ID.
func (q *DiaryJobQueue) GetJob(ctx context.Context, jobID string) (JobStatus, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return JobStatus{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return JobStatus{}, false, err
	}
	if len(data) == 0 {
		return JobStatus{}, false, nil
	}
	return decodeJobStatus(jobID, data), true, nil
}

// IsProcessed reports whether the pipeline already completed for this diary
// body. Duplicate or redelivered dispatches consult this before doing work.
func (q *DiaryJobQueue) IsProcessed(ctx context.Context, diaryID uint, bodyHash string) (bool, error) {
	n, err := q.client.Exists(ctx, q.markerKey(diaryID, bodyHash)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkProcessed sets the completion marker after the final pipeline stage.
func (q *DiaryJobQueue) MarkProcessed(ctx context.Context, diaryID uint, bodyHash string) error {
	return q.client.Set(ctx, q.markerKey(diaryID, bodyHash), "1", q.jobTTL).Err()
}

// Start launches consumer goroutines. Each handler invocation gets one job;
// a non-nil return requeues until the retry budget is spent.
func (q *DiaryJobQueue) Start(ctx context.Context, concurrency int, handler func(context.Context, DiaryJob) error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, handler)
	}
}

func (q *DiaryJobQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			// errors surface on consume
			_ = err
		}
	})
}

func (q *DiaryJobQueue) consumeLoop(ctx context.Context, consumer string, handler func(context.Context, DiaryJob) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    10,
			Block:    q.block,
		}).Result()
		if err != nil {
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *DiaryJobQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    10,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *DiaryJobQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler func(context.Context, DiaryJob) error) {
	jobID, job, ok := parseJobValues(msg.Values)
	if !ok {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	status, err := q.markProcessing(ctx, jobID, job)
	if err != nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if err := handler(ctx, job); err == nil {
		_ = q.setStatus(ctx, jobID, StatusDone, "")
		q.ackAndDel(ctx, msg.ID)
		return
	} else if status.Attempts >= q.maxRetries {
		_ = q.setStatus(ctx, jobID, StatusFailed, err.Error())
		q.ackAndDel(ctx, msg.ID)
		return
	} else {
		_ = q.setStatus(ctx, jobID, StatusQueued, err.Error())
	}
	if q.retryDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.retryDelay):
		}
	}
	_ = q.requeueAndAck(ctx, msg.ID, jobID, job)
}

func (q *DiaryJobQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *DiaryJobQueue) requeueAndAck(ctx context.Context, msgID, jobID string, job DiaryJob) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: jobValues(jobID, job),
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *DiaryJobQueue) markProcessing(ctx context.Context, jobID string, job DiaryJob) (JobStatus, error) {
	status, found, err := q.GetJob(ctx, jobID)
	if err != nil {
		return JobStatus{}, err
	}
	if !found {
		status = JobStatus{ID: jobID, Job: job, CreatedAt: time.Now().UTC()}
	}
	status.Attempts++
	status.Status = StatusProcessing
	status.UpdatedAt = time.Now().UTC()
	if err := q.writeStatus(ctx, status); err != nil {
		return JobStatus{}, err
	}
	return status, nil
}

func (q *DiaryJobQueue) setStatus(ctx context.Context, jobID, state, errMsg string) error {
	status, found, err := q.GetJob(ctx, jobID)
	if err != nil || !found {
		return err
	}
	status.Status = state
	status.ErrorMessage = errMsg
	status.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, status)
}

func (q *DiaryJobQueue) writeStatus(ctx context.Context, status JobStatus) error {
	payload := map[string]any{
		"userId":    strconv.FormatUint(uint64(status.Job.UserID), 10),
		"diaryId":   strconv.FormatUint(uint64(status.Job.DiaryID), 10),
		"bodyHash":  status.Job.BodyHash,
		"status":    status.Status,
		"error":     status.ErrorMessage,
		"attempts":  strconv.Itoa(status.Attempts),
		"createdAt": status.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt": status.UpdatedAt.Format(time.RFC3339Nano),
	}
	key := q.jobKey(status.ID)
	if err := q.client.HSet(ctx, key, payload).Err(); err != nil {
		return err
	}
	return q.client.Expire(ctx, key, q.jobTTL).Err()
}

func (q *DiaryJobQueue) jobKey(jobID string) string {
	return fmt.Sprintf("job:%s:%s", q.stream, jobID)
}

func (q *DiaryJobQueue) markerKey(diaryID uint, bodyHash string) string {
	return fmt.Sprintf("done:%s:%d:%s", q.stream, diaryID, bodyHash)
}

func jobValues(jobID string, job DiaryJob) map[string]any {
	return map[string]any{
		"job_id":    jobID,
		"user_id":   strconv.FormatUint(uint64(job.UserID), 10),
		"diary_id":  strconv.FormatUint(uint64(job.DiaryID), 10),
		"body_hash": job.BodyHash,
	}
}

func parseJobValues(values map[string]any) (string, DiaryJob, bool) {
	jobID, _ := values["job_id"].(string)
	userStr, _ := values["user_id"].(string)
	diaryStr, _ := values["diary_id"].(string)
	bodyHash, _ := values["body_hash"].(string)
	userID, err1 := strconv.ParseUint(userStr, 10, 64)
	diaryID, err2 := strconv.ParseUint(diaryStr, 10, 64)
	if jobID == "" || err1 != nil || err2 != nil || diaryID == 0 {
		return "", DiaryJob{}, false
	}
	return jobID, DiaryJob{UserID: uint(userID), DiaryID: uint(diaryID), BodyHash: bodyHash}, true
}

func decodeJobStatus(jobID string, data map[string]string) JobStatus {
	status := JobStatus{ID: jobID}
	if v, err := strconv.ParseUint(data["userId"], 10, 64); err == nil {
		status.Job.UserID = uint(v)
	}
	if v, err := strconv.ParseUint(data["diaryId"], 10, 64); err == nil {
		status.Job.DiaryID = uint(v)
	}
	status.Job.BodyHash = data["bodyHash"]
	status.Status = data["status"]
	status.ErrorMessage = data["error"]
	if v, err := strconv.Atoi(data["attempts"]); err == nil {
		status.Attempts = v
	}
	if t, err := time.Parse(time.RFC3339Nano, data["createdAt"]); err == nil {
		status.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, data["updatedAt"]); err == nil {
		status.UpdatedAt = t
	}
	return status
}
