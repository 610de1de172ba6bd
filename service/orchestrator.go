package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"StoryToVideo-pipeline/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type TaskKind string

const (
	KindScript      TaskKind = "script"
	KindSceneImage  TaskKind = "scene_image"
	KindVideoSubmit TaskKind = "video_submit"
	KindVideoPoll   TaskKind = "video_poll"
	KindExport      TaskKind = "export"
	KindCharacters  TaskKind = "characters"
	KindPortrait    TaskKind = "portrait"
	KindCharUpload  TaskKind = "character_upload"
)

const persistTimeout = 30 * time.Second

// Hooks 把任务结果写回实体。Persist 在成功时调用，MarkFailed 在失败时写失败标记。
type Hooks struct {
	Persist    func(ctx context.Context, result interface{}) error
	MarkFailed func(ctx context.Context, cause error) error
	// Describe 把结果压缩成任务历史里记录的资源信息
	Describe func(result interface{}) models.TaskResult
}

// TaskRecorder 持久化任务执行历史
type TaskRecorder interface {
	CreateTaskRun(ctx context.Context, t *models.TaskRun) error
	FinishTaskRun(ctx context.Context, id, status string, result models.TaskResult, errMsg string) error
}

type taskKey struct {
	entityID string
	kind     TaskKind
}

type activeTask struct {
	runID  string
	handle *Handle
	ready  chan struct{}
}

// Orchestrator 保证每个 (实体, 任务类型) 同时至多一个任务在跑，
// 并把任务结果转成实体状态写入与事件通知。
type Orchestrator struct {
	runner   *Runner
	bus      *Bus
	recorder TaskRecorder

	baseCtx context.Context
	stop    context.CancelFunc

	mu     sync.Mutex
	active map[taskKey]*activeTask
}

func NewOrchestrator(runner *Runner, bus *Bus, recorder TaskRecorder) *Orchestrator {
	ctx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		runner:   runner,
		bus:      bus,
		recorder: recorder,
		baseCtx:  ctx,
		stop:     stop,
		active:   make(map[taskKey]*activeTask),
	}
}

// Submit 启动任务并返回任务 id。同一实体同类任务已在执行时返回 ErrAlreadyRunning，不排队。
func (o *Orchestrator) Submit(entityID string, kind TaskKind, work Work, hooks Hooks) (string, error) {
	key := taskKey{entityID: entityID, kind: kind}
	at := &activeTask{runID: uuid.NewString(), ready: make(chan struct{})}

	o.mu.Lock()
	if _, busy := o.active[key]; busy {
		o.mu.Unlock()
		return "", &TaskError{Kind: kind, EntityID: entityID, Err: ErrAlreadyRunning}
	}
	o.active[key] = at
	o.mu.Unlock()
	defer close(at.ready)

	logger := log.With().Str("kind", string(kind)).Str("entity_id", entityID).Str("task_id", at.runID).Logger()
	o.record(func(ctx context.Context) error {
		return o.recorder.CreateTaskRun(ctx, &models.TaskRun{
			ID: at.runID, Kind: string(kind), EntityID: entityID, Status: models.TaskStatusProcessing,
		})
	})

	publish := func(t EventType, msg string, err error, result interface{}) {
		ev := Event{TaskID: at.runID, Kind: kind, EntityID: entityID, Type: t, Message: msg, Result: result}
		if err != nil {
			ev.Error = err.Error()
		}
		o.bus.Publish(ev)
	}

	var (
		resultInfo models.TaskResult
		finalErr   error
	)
	cb := Callbacks{
		OnProgress: func(msg string) {
			logger.Debug().Str("message", msg).Msg("task progress")
			publish(EventProgress, msg, nil, nil)
		},
		OnSuccess: func(result interface{}) {
			if hooks.Describe != nil {
				resultInfo = hooks.Describe(result)
			}
			if hooks.Persist != nil {
				ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
				defer cancel()
				if err := hooks.Persist(ctx, result); err != nil {
					finalErr = &TaskError{Kind: kind, EntityID: entityID, Err: fmt.Errorf("persist result: %w", err)}
					logger.Error().Err(err).Msg("persist task result failed")
					publish(EventFailed, "", finalErr, nil)
					return
				}
			}
			logger.Info().Msg("task finished")
			publish(EventSucceeded, "", nil, result)
		},
		OnFailure: func(cause error) {
			finalErr = &TaskError{Kind: kind, EntityID: entityID, Err: cause}
			logger.Error().Err(cause).Msg("task failed")
			if hooks.MarkFailed != nil {
				ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
				defer cancel()
				if err := hooks.MarkFailed(ctx, cause); err != nil {
					logger.Error().Err(err).Msg("write failure marker failed")
				}
			}
			publish(EventFailed, "", finalErr, nil)
		},
		OnExit: func(outcome Outcome) {
			o.release(key, at)

			status, errMsg := models.TaskStatusSuccess, ""
			switch {
			case outcome == OutcomeCancelled || outcome == OutcomeAbandoned:
				status = models.TaskStatusCancelled
				logger.Info().Str("outcome", outcome.String()).Msg("task cancelled")
				publish(EventCancelled, outcome.String(), nil, nil)
			case finalErr != nil:
				status, errMsg = models.TaskStatusFailed, finalErr.Error()
			}
			o.record(func(ctx context.Context) error {
				return o.recorder.FinishTaskRun(ctx, at.runID, status, resultInfo, errMsg)
			})
		},
	}

	logger.Info().Msg("task started")
	publish(EventStarted, "", nil, nil)

	handle, err := o.runner.Start(o.baseCtx, work, cb)
	if err != nil {
		o.release(key, at)
		o.record(func(ctx context.Context) error {
			return o.recorder.FinishTaskRun(ctx, at.runID, models.TaskStatusFailed, models.TaskResult{}, err.Error())
		})
		publish(EventFailed, "", err, nil)
		return "", &TaskError{Kind: kind, EntityID: entityID, Err: err}
	}
	at.handle = handle
	return at.runID, nil
}

// Cancel 取消指定任务并等待其退出（最多宽限期）。没有在跑的任务时返回 false。
func (o *Orchestrator) Cancel(entityID string, kind TaskKind) bool {
	o.mu.Lock()
	at := o.active[taskKey{entityID: entityID, kind: kind}]
	o.mu.Unlock()
	if at == nil {
		return false
	}
	<-at.ready
	if at.handle == nil {
		return false
	}
	at.handle.Cancel()
	return true
}

// CancelEntity 取消某个实体上所有类型的任务
func (o *Orchestrator) CancelEntity(entityID string) int {
	o.mu.Lock()
	var kinds []TaskKind
	for k := range o.active {
		if k.entityID == entityID {
			kinds = append(kinds, k.kind)
		}
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, kind := range kinds {
		wg.Add(1)
		go func(kind TaskKind) {
			defer wg.Done()
			o.Cancel(entityID, kind)
		}(kind)
	}
	wg.Wait()
	return len(kinds)
}

func (o *Orchestrator) IsActive(entityID string, kind TaskKind) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[taskKey{entityID: entityID, kind: kind}]
	return ok
}

// ActiveCount 当前占用的槽位数
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// Shutdown 取消所有在跑的任务，等待它们退出后释放执行池
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	var keys []taskKey
	for k := range o.active {
		keys = append(keys, k)
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func(k taskKey) {
			defer wg.Done()
			o.Cancel(k.entityID, k.kind)
		}(k)
	}
	wg.Wait()
	o.stop()
	o.runner.Release()
	log.Info().Int("cancelled", len(keys)).Msg("orchestrator stopped")
}

func (o *Orchestrator) release(key taskKey, at *activeTask) {
	o.mu.Lock()
	if o.active[key] == at {
		delete(o.active, key)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) record(fn func(ctx context.Context) error) {
	if o.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Warn().Err(err).Msg("record task run")
	}
}
