package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"
)

const (
	TypeResumePoll = "video:resume_poll"
)

type ResumePayload struct {
	ShotID string `json:"shot_id"`
}

// ResumeQueue 把恢复轮询的请求写入 Redis 队列，由 ResumeProcessor 消费
type ResumeQueue struct {
	client *asynq.Client
}

func NewResumeQueue(opt asynq.RedisClientOpt) *ResumeQueue {
	return &ResumeQueue{client: asynq.NewClient(opt)}
}

// SchedulePoll 同一分镜在队列中至多一条，执行完后可再次入队。
// 执行池满时由 asynq 退避重试。
func (q *ResumeQueue) SchedulePoll(ctx context.Context, shotID string) error {
	payload, err := json.Marshal(ResumePayload{ShotID: shotID})
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	task := asynq.NewTask(TypeResumePoll, payload,
		asynq.MaxRetry(10),
		asynq.Timeout(time.Minute),
		asynq.TaskID(resumeTaskID(shotID)),
	)

	info, err := q.client.EnqueueContext(ctx, task)
	if err = enqueueResult(err); err != nil {
		return err
	}
	if info == nil {
		log.Debug().Str("shot_id", shotID).Msg("resume already queued")
		return nil
	}
	log.Info().Str("shot_id", shotID).Str("queue_id", info.ID).Msg("resume poll enqueued")
	return nil
}

func resumeTaskID(shotID string) string { return "resume:" + shotID }

// enqueueResult 重复入队不算错误
func enqueueResult(err error) error {
	if err == nil || errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return fmt.Errorf("enqueue failed: %w", err)
}

func (q *ResumeQueue) Close() error {
	return q.client.Close()
}
