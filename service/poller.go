package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"StoryToVideo-pipeline/models"

	"github.com/rs/zerolog/log"
)

const pollWriteTimeout = 10 * time.Second

type PollerConfig struct {
	Interval             time.Duration
	MaxAttempts          int
	MaxConsecutiveErrors int
}

func DefaultPollerConfig() PollerConfig {
	return PollerConfig{Interval: 10 * time.Second, MaxAttempts: 120, MaxConsecutiveErrors: 3}
}

// ShotUpdater 轮询器只需要按 id 原子更新分镜
type ShotUpdater interface {
	UpdateShotFields(ctx context.Context, id string, fields map[string]interface{}) error
}

type PollResult struct {
	Status   models.VideoStatus `json:"status"`
	URL      string             `json:"url,omitempty"`
	Attempts int                `json:"attempts"`
}

// VideoStatusPoller 反复查询视频任务直到终态或次数上限。每次状态变化立即落库。
type VideoStatusPoller struct {
	Client GenerationClient
	Store  ShotUpdater
	Config PollerConfig
	// Sleep 可替换，测试中不真正等待
	Sleep func(ctx context.Context, d time.Duration) error
}

// Effective 取生效的状态与地址：detail 中有值时以 detail 为准
func (s VideoJobStatus) Effective() (string, string) {
	status, url := s.Status, s.URL
	if s.Detail != nil {
		if strings.TrimSpace(s.Detail.Status) != "" {
			status = s.Detail.Status
		}
		if strings.TrimSpace(s.Detail.URL) != "" {
			url = s.Detail.URL
		}
	}
	return strings.TrimSpace(status), strings.TrimSpace(url)
}

// MapRemoteStatus 远端状态不区分大小写；不认识的状态返回 false
func MapRemoteStatus(s string) (models.VideoStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return models.VideoPending, true
	case "processing":
		return models.VideoProcessing, true
	case "completed":
		return models.VideoCompleted, true
	case "failed":
		return models.VideoFailed, true
	}
	return "", false
}

// Poll 从 from 状态开始轮询。取消时直接返回 ctx 错误，不写任何终态。
func (p *VideoStatusPoller) Poll(ctx context.Context, shotID, jobID string, from models.VideoStatus, progress func(string)) (*PollResult, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, fmt.Errorf("%w: shot %s has no video job", ErrPrecondition, shotID)
	}
	cfg := p.config()
	current := from
	if !current.InFlight() {
		current = models.VideoPending
	}
	logger := log.With().Str("shot_id", shotID).Str("job_id", jobID).Logger()

	consecutiveErrs := 0
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := p.sleep(ctx, cfg.Interval); err != nil {
			return nil, err
		}

		st, err := p.Client.PollVideoJob(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, ErrNotFound) {
				logger.Warn().Int("attempt", attempt).Msg("video job not found, marking failed")
				if werr := p.write(ctx, shotID, map[string]interface{}{
					models.FieldVideoStatus: models.VideoFailed,
					models.FieldVideoJobID:  "",
				}); werr != nil {
					return nil, werr
				}
				return &PollResult{Status: models.VideoFailed, Attempts: attempt}, fmt.Errorf("video job %s: %w", jobID, err)
			}

			consecutiveErrs++
			logger.Warn().Err(err).Int("attempt", attempt).Int("consecutive_errors", consecutiveErrs).Msg("poll video job failed")
			if consecutiveErrs > cfg.MaxConsecutiveErrors {
				if werr := p.write(ctx, shotID, map[string]interface{}{models.FieldVideoStatus: models.VideoFailed}); werr != nil {
					return nil, werr
				}
				return &PollResult{Status: models.VideoFailed, Attempts: attempt},
					fmt.Errorf("video job %s: giving up after %d consecutive errors: %w", jobID, consecutiveErrs, err)
			}
			continue
		}
		consecutiveErrs = 0

		rawStatus, url := st.Effective()
		logger.Debug().Int("attempt", attempt).Str("status", rawStatus).Msg("poll video job")
		next, known := MapRemoteStatus(rawStatus)
		if !known {
			continue
		}
		if next == models.VideoCompleted && url == "" {
			// 完成但还没有地址，按处理中继续等
			next = models.VideoProcessing
		}

		if next != current && current.CanTransition(next) {
			fields := map[string]interface{}{models.FieldVideoStatus: next}
			if next == models.VideoCompleted {
				fields[models.FieldVideoURL] = url
			}
			if err := p.write(ctx, shotID, fields); err != nil {
				return nil, err
			}
			logger.Info().Str("from", string(current)).Str("to", string(next)).Msg("video status changed")
			current = next
			if progress != nil {
				progress(fmt.Sprintf("视频状态: %s", next))
			}
		}

		switch current {
		case models.VideoCompleted:
			return &PollResult{Status: current, URL: url, Attempts: attempt}, nil
		case models.VideoFailed:
			return &PollResult{Status: current, Attempts: attempt}, fmt.Errorf("video job %s: %w", jobID, ErrJobFailed)
		}
	}

	logger.Warn().Int("attempts", cfg.MaxAttempts).Msg("video job polling timed out")
	if err := p.write(ctx, shotID, map[string]interface{}{models.FieldVideoStatus: models.VideoFailed}); err != nil {
		return nil, err
	}
	return &PollResult{Status: models.VideoFailed, Attempts: cfg.MaxAttempts},
		fmt.Errorf("video job %s after %d attempts: %w", jobID, cfg.MaxAttempts, ErrPollTimeout)
}

// write 不跟随轮询的取消，避免已观察到的状态变化写到一半被打断
func (p *VideoStatusPoller) write(ctx context.Context, shotID string, fields map[string]interface{}) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pollWriteTimeout)
	defer cancel()
	if err := p.Store.UpdateShotFields(wctx, shotID, fields); err != nil {
		return fmt.Errorf("persist video status of shot %s: %w", shotID, err)
	}
	return nil
}

func (p *VideoStatusPoller) config() PollerConfig {
	cfg := p.Config
	def := DefaultPollerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = def.MaxConsecutiveErrors
	}
	return cfg
}

func (p *VideoStatusPoller) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
