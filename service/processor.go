package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"
)

// PollResumer 由 Pipeline 实现
type PollResumer interface {
	ResumePoll(ctx context.Context, shotID string) (string, error)
}

// ResumeProcessor 消费恢复轮询队列。轮询本身仍在本进程的 Runner 中运行，
// 队列只负责把启动时的大量恢复请求排队、限速并在池满时重试。
type ResumeProcessor struct {
	resumer PollResumer
	srv     *asynq.Server
}

func NewResumeProcessor(opt asynq.RedisClientOpt, resumer PollResumer, concurrency int) *ResumeProcessor {
	if concurrency <= 0 {
		concurrency = 2
	}
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			"default": 1,
		},
		Logger: asynqLogger{},
	})
	return &ResumeProcessor{resumer: resumer, srv: srv}
}

// Start 非阻塞启动消费者
func (p *ResumeProcessor) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeResumePoll, p.HandleResumePoll)
	if err := p.srv.Start(mux); err != nil {
		return fmt.Errorf("could not start resume processor: %w", err)
	}
	log.Info().Msg("resume processor started")
	return nil
}

func (p *ResumeProcessor) Shutdown() {
	p.srv.Shutdown()
}

func (p *ResumeProcessor) HandleResumePoll(ctx context.Context, t *asynq.Task) error {
	var payload ResumePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if payload.ShotID == "" {
		return fmt.Errorf("empty shot id: %w", asynq.SkipRetry)
	}

	taskID, err := p.resumer.ResumePoll(ctx, payload.ShotID)
	switch {
	case err == nil:
		log.Info().Str("shot_id", payload.ShotID).Str("task_id", taskID).Msg("poll resumed")
		return nil
	case errors.Is(err, ErrAlreadyRunning):
		return nil
	case errors.Is(err, ErrBusy):
		// 池满时交给 asynq 重试
		return err
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrPrecondition):
		log.Warn().Err(err).Str("shot_id", payload.ShotID).Msg("poll not resumable")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	default:
		return err
	}
}

// asynqLogger 把 asynq 内部日志转到 zerolog
type asynqLogger struct{}

func (asynqLogger) Debug(args ...interface{}) { log.Debug().Msg(fmt.Sprint(args...)) }
func (asynqLogger) Info(args ...interface{})  { log.Info().Msg(fmt.Sprint(args...)) }
func (asynqLogger) Warn(args ...interface{})  { log.Warn().Msg(fmt.Sprint(args...)) }
func (asynqLogger) Error(args ...interface{}) { log.Error().Msg(fmt.Sprint(args...)) }
func (asynqLogger) Fatal(args ...interface{}) { log.Fatal().Msg(fmt.Sprint(args...)) }
