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

// PollScheduler 把恢复轮询交给外部队列（例如 asynq）。为 nil 时直接启动轮询。
type PollScheduler interface {
	SchedulePoll(ctx context.Context, shotID string) error
}

type PipelineDeps struct {
	Store        EntityStore
	Orchestrator *Orchestrator
	Script       *ScriptTask
	SceneImage   *SceneImageTask
	VideoSubmit  *VideoSubmitTask
	Poller       *VideoStatusPoller
	Export       *ExportTask
	Characters   *CharacterAnalysisTask
	Portrait     *CharacterPortraitTask
	CharUpload   *CharacterUploadTask
	// PollRetry 执行池满时交接轮询的初始重试间隔，默认 2s
	PollRetry time.Duration
}

// Pipeline 是对外暴露的启动 / 取消接口，每个操作以实体 id 标识。
// 实体状态始终从 EntityStore 读取，调用方不需要持有任务结果。
type Pipeline struct {
	store      EntityStore
	orch       *Orchestrator
	script     *ScriptTask
	sceneImage *SceneImageTask
	submit     *VideoSubmitTask
	poller     *VideoStatusPoller
	export     *ExportTask
	characters *CharacterAnalysisTask
	portrait   *CharacterPortraitTask
	charUpload *CharacterUploadTask
	scheduler  PollScheduler
	pollRetry  time.Duration
}

func NewPipeline(d PipelineDeps) *Pipeline {
	p := &Pipeline{
		store:      d.Store,
		orch:       d.Orchestrator,
		script:     d.Script,
		sceneImage: d.SceneImage,
		submit:     d.VideoSubmit,
		poller:     d.Poller,
		export:     d.Export,
		characters: d.Characters,
		portrait:   d.Portrait,
		charUpload: d.CharUpload,
		pollRetry:  d.PollRetry,
	}
	if p.pollRetry <= 0 {
		p.pollRetry = 2 * time.Second
	}
	return p
}

// SetPollScheduler 在恢复队列就绪后注入
func (p *Pipeline) SetPollScheduler(s PollScheduler) {
	p.scheduler = s
}

// BatchItem 批量操作中单个分镜的结果
type BatchItem struct {
	ShotID         string `json:"shotId"`
	SequenceNumber int    `json:"sequenceNumber"`
	TaskID         string `json:"taskId,omitempty"`
	Skipped        string `json:"skipped,omitempty"`
	Error          string `json:"error,omitempty"`
}

type shotContext struct {
	shot    *models.Shot
	episode *models.Episode
	project *models.Project
}

func (p *Pipeline) loadShot(ctx context.Context, shotID string) (*shotContext, error) {
	shot, err := p.store.GetShot(ctx, shotID)
	if err != nil {
		return nil, err
	}
	ep, err := p.store.GetEpisode(ctx, shot.EpisodeId)
	if err != nil {
		return nil, err
	}
	project, err := p.store.GetProject(ctx, ep.ProjectId)
	if err != nil {
		return nil, err
	}
	return &shotContext{shot: shot, episode: ep, project: project}, nil
}

// GenerateScript 由剧集原文生成分镜，成功后整体替换该剧集的分镜
func (p *Pipeline) GenerateScript(ctx context.Context, episodeID string) (string, error) {
	ep, err := p.store.GetEpisode(ctx, episodeID)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(ep.SourcePath) == "" {
		return "", fmt.Errorf("%w: episode %s has no source text", ErrPrecondition, episodeID)
	}
	sourcePath := ep.SourcePath

	work := func(ctx context.Context, progress func(string)) (interface{}, error) {
		return p.script.Run(ctx, sourcePath, progress)
	}
	return p.orch.Submit(episodeID, KindScript, work, Hooks{
		Persist: func(ctx context.Context, result interface{}) error {
			drafts := result.([]ShotDraft)
			old, err := p.store.ListShots(ctx, episodeID)
			if err != nil {
				return err
			}
			for _, s := range old {
				p.orch.CancelEntity(s.ID)
			}
			shots := make([]models.Shot, 0, len(drafts))
			for _, d := range drafts {
				shots = append(shots, d.ToShot())
			}
			return p.store.ReplaceEpisodeShots(ctx, episodeID, shots)
		},
		Describe: func(result interface{}) models.TaskResult {
			return models.TaskResult{ResourceType: "shots", ResourceId: episodeID}
		},
	})
}

// GenerateSceneImage 为单个分镜生成场景图。画面描述为空时立即失败，不发起远程调用。
func (p *Pipeline) GenerateSceneImage(ctx context.Context, shotID string) (string, error) {
	sc, err := p.loadShot(ctx, shotID)
	if err != nil {
		return "", err
	}
	in := SceneImageInput{
		ShotID:            shotID,
		VisualDescription: sc.shot.VisualDescription,
		Style:             sc.project.Style,
		AspectRatio:       sc.project.AspectRatio,
	}
	if strings.TrimSpace(in.VisualDescription) == "" {
		return "", fmt.Errorf("%w: shot %s has no visual description", ErrPrecondition, shotID)
	}

	work := func(ctx context.Context, progress func(string)) (interface{}, error) {
		return p.sceneImage.Run(ctx, in, progress)
	}
	return p.orch.Submit(shotID, KindSceneImage, work, Hooks{
		Persist: func(ctx context.Context, result interface{}) error {
			return p.store.UpdateShotFields(ctx, shotID, map[string]interface{}{
				models.FieldSceneImagePath: result.(string),
			})
		},
		Describe: func(result interface{}) models.TaskResult {
			return models.TaskResult{ResourceType: "image", ResourceId: shotID, ResourceUrl: result.(string)}
		},
	})
}

// GenerateSceneImages 每个分镜独立提交，一个失败不影响其他
func (p *Pipeline) GenerateSceneImages(ctx context.Context, episodeID string) ([]BatchItem, error) {
	shots, err := p.episodeShots(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	items := make([]BatchItem, 0, len(shots))
	for _, s := range shots {
		item := BatchItem{ShotID: s.ID, SequenceNumber: s.SequenceNumber}
		if strings.TrimSpace(s.VisualDescription) == "" {
			item.Skipped = "no visual description"
			items = append(items, item)
			continue
		}
		item.TaskID, err = p.GenerateSceneImage(ctx, s.ID)
		if err != nil {
			item.Error = err.Error()
		}
		items = append(items, item)
	}
	return items, nil
}

// ComposePrompt 同步组合提示词并写回
func (p *Pipeline) ComposePrompt(ctx context.Context, shotID string) (string, error) {
	sc, err := p.loadShot(ctx, shotID)
	if err != nil {
		return "", err
	}
	characters, err := p.store.ListCharacters(ctx, sc.project.ID)
	if err != nil {
		return "", err
	}
	prompt := ComposePrompt(NewPromptInput(*sc.shot, *sc.project, characters))
	if err := p.store.UpdateShotFields(ctx, shotID, map[string]interface{}{models.FieldPrompt: prompt}); err != nil {
		return "", err
	}
	return prompt, nil
}

func (p *Pipeline) ComposePrompts(ctx context.Context, episodeID string) ([]BatchItem, error) {
	ep, err := p.store.GetEpisode(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	project, err := p.store.GetProject(ctx, ep.ProjectId)
	if err != nil {
		return nil, err
	}
	characters, err := p.store.ListCharacters(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	shots, err := p.store.ListShots(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	items := make([]BatchItem, 0, len(shots))
	for _, s := range shots {
		item := BatchItem{ShotID: s.ID, SequenceNumber: s.SequenceNumber}
		prompt := ComposePrompt(NewPromptInput(s, *project, characters))
		if err := p.store.UpdateShotFields(ctx, s.ID, map[string]interface{}{models.FieldPrompt: prompt}); err != nil {
			item.Error = err.Error()
		}
		items = append(items, item)
	}
	return items, nil
}

// SubmitVideo 提交视频生成；成功后分镜进入 pending 并交给轮询器。
// 已失败的分镜按重新生成处理。
func (p *Pipeline) SubmitVideo(ctx context.Context, shotID string) (string, error) {
	sc, err := p.loadShot(ctx, shotID)
	if err != nil {
		return "", err
	}
	switch status := sc.shot.VideoStatus; {
	case status.InFlight() || p.orch.IsActive(shotID, KindVideoPoll):
		return "", &TaskError{Kind: KindVideoSubmit, EntityID: shotID, Err: fmt.Errorf("%w: video is %s", ErrAlreadyRunning, status)}
	case status == models.VideoCompleted:
		return "", fmt.Errorf("%w: shot %s already has a video, regenerate to replace it", ErrPrecondition, shotID)
	}
	return p.submitVideo(sc, sc.shot.VideoStatus == models.VideoFailed)
}

// RegenerateVideo 取消正在进行的轮询，清空视频字段后重新提交
func (p *Pipeline) RegenerateVideo(ctx context.Context, shotID string) (string, error) {
	if p.orch.IsActive(shotID, KindVideoSubmit) {
		return "", &TaskError{Kind: KindVideoSubmit, EntityID: shotID, Err: ErrAlreadyRunning}
	}
	p.orch.Cancel(shotID, KindVideoPoll)
	sc, err := p.loadShot(ctx, shotID)
	if err != nil {
		return "", err
	}
	return p.submitVideo(sc, true)
}

func (p *Pipeline) submitVideo(sc *shotContext, reset bool) (string, error) {
	shotID := sc.shot.ID
	in := NewVideoSubmitInput(*sc.shot, *sc.project)
	if err := CheckVideoPreconditions(in); err != nil {
		return "", err
	}

	work := func(ctx context.Context, progress func(string)) (interface{}, error) {
		if reset {
			if err := p.store.UpdateShotFields(ctx, shotID, models.ResetVideoFields()); err != nil {
				return nil, err
			}
		}
		return p.submit.Run(ctx, in, progress)
	}
	return p.orch.Submit(shotID, KindVideoSubmit, work, Hooks{
		Persist: func(ctx context.Context, result interface{}) error {
			jobID := result.(string)
			err := p.store.UpdateShotFields(ctx, shotID, map[string]interface{}{
				models.FieldVideoJobID:  jobID,
				models.FieldVideoStatus: models.VideoPending,
				models.FieldVideoURL:    "",
			})
			if err != nil {
				return err
			}
			return p.handOffPoll(ctx, shotID, jobID)
		},
		MarkFailed: func(ctx context.Context, cause error) error {
			return p.store.UpdateShotFields(ctx, shotID, map[string]interface{}{
				models.FieldVideoStatus: models.VideoFailed,
			})
		},
		Describe: func(result interface{}) models.TaskResult {
			return models.TaskResult{ResourceType: "video_job", ResourceId: result.(string)}
		},
	})
}

// SubmitVideos 为有场景图和提示词、且尚未提交或已失败的分镜逐个提交
func (p *Pipeline) SubmitVideos(ctx context.Context, episodeID string) ([]BatchItem, error) {
	shots, err := p.episodeShots(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	items := make([]BatchItem, 0, len(shots))
	for _, s := range shots {
		item := BatchItem{ShotID: s.ID, SequenceNumber: s.SequenceNumber}
		switch {
		case strings.TrimSpace(s.SceneImagePath) == "":
			item.Skipped = "no scene image"
		case strings.TrimSpace(s.Prompt) == "":
			item.Skipped = "no prompt"
		case s.VideoStatus.InFlight():
			item.Skipped = "video in progress"
		case s.VideoStatus == models.VideoCompleted:
			item.Skipped = "video completed"
		default:
			item.TaskID, err = p.SubmitVideo(ctx, s.ID)
			if err != nil {
				item.Error = err.Error()
			}
		}
		items = append(items, item)
	}
	return items, nil
}

// StartPolling 为已提交的视频任务启动轮询；同一分镜同时只有一个轮询
func (p *Pipeline) StartPolling(shotID, jobID string, from models.VideoStatus) (string, error) {
	work := func(ctx context.Context, progress func(string)) (interface{}, error) {
		return p.poller.Poll(ctx, shotID, jobID, from, progress)
	}
	return p.orch.Submit(shotID, KindVideoPoll, work, Hooks{
		Describe: func(result interface{}) models.TaskResult {
			r := result.(*PollResult)
			return models.TaskResult{ResourceType: "video", ResourceId: jobID, ResourceUrl: r.URL}
		},
	})
}

// ResumePoll 按持久化的状态恢复单个分镜的轮询
func (p *Pipeline) ResumePoll(ctx context.Context, shotID string) (string, error) {
	shot, err := p.store.GetShot(ctx, shotID)
	if err != nil {
		return "", err
	}
	if !shot.VideoStatus.InFlight() || shot.VideoJobID == "" {
		return "", fmt.Errorf("%w: shot %s has no video job in flight", ErrPrecondition, shotID)
	}
	return p.StartPolling(shot.ID, shot.VideoJobID, shot.VideoStatus)
}

// handOffPoll 提交成功后立即开始轮询。执行池满时交给恢复队列，
// 没有队列则在后台退避重试，直到轮询启动或分镜不再需要轮询。
func (p *Pipeline) handOffPoll(ctx context.Context, shotID, jobID string) error {
	_, err := p.StartPolling(shotID, jobID, models.VideoPending)
	switch {
	case err == nil, errors.Is(err, ErrAlreadyRunning):
		return nil
	case !errors.Is(err, ErrBusy):
		return fmt.Errorf("start polling: %w", err)
	}
	if p.scheduler != nil {
		if err := p.scheduler.SchedulePoll(ctx, shotID); err != nil {
			return fmt.Errorf("schedule polling: %w", err)
		}
		log.Info().Str("shot_id", shotID).Msg("worker pool full, polling queued")
		return nil
	}
	log.Info().Str("shot_id", shotID).Msg("worker pool full, retrying poll hand-off")
	go p.retryPoll(shotID)
	return nil
}

func (p *Pipeline) retryPoll(shotID string) {
	base := p.orch.baseCtx
	delay := p.pollRetry
	for {
		select {
		case <-base.Done():
			return
		case <-time.After(delay):
		}
		ctx, cancel := context.WithTimeout(base, persistTimeout)
		_, err := p.ResumePoll(ctx, shotID)
		cancel()
		switch {
		case err == nil, errors.Is(err, ErrAlreadyRunning):
			return
		case !errors.Is(err, ErrBusy):
			// 分镜已删除或不再有在途的视频任务
			log.Warn().Err(err).Str("shot_id", shotID).Msg("poll hand-off abandoned")
			return
		}
		if delay < time.Minute {
			delay *= 2
		}
	}
}

// ResumeInFlight 启动时为所有已提交未完成的分镜恢复轮询
func (p *Pipeline) ResumeInFlight(ctx context.Context) (int, error) {
	shots, err := p.store.ListPollableShots(ctx)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, s := range shots {
		if p.scheduler != nil {
			err = p.scheduler.SchedulePoll(ctx, s.ID)
		} else {
			_, err = p.StartPolling(s.ID, s.VideoJobID, s.VideoStatus)
		}
		if err != nil && !errors.Is(err, ErrAlreadyRunning) {
			log.Warn().Err(err).Str("shot_id", s.ID).Msg("resume polling")
			continue
		}
		resumed++
	}
	log.Info().Int("resumed", resumed).Int("pending", len(shots)).Msg("resumed in-flight video jobs")
	return resumed, nil
}

// Export 合并剧集的所有已完成片段
func (p *Pipeline) Export(ctx context.Context, episodeID string) (string, error) {
	ep, err := p.store.GetEpisode(ctx, episodeID)
	if err != nil {
		return "", err
	}
	project, err := p.store.GetProject(ctx, ep.ProjectId)
	if err != nil {
		return "", err
	}
	shots, err := p.store.ListExportableShots(ctx, episodeID)
	if err != nil {
		return "", err
	}
	in := NewExportInput(*project, *ep, shots)
	if len(in.Clips) == 0 {
		return "", fmt.Errorf("%w: episode %s has no finished clips", ErrNothingToExport, episodeID)
	}

	work := func(ctx context.Context, progress func(string)) (interface{}, error) {
		return p.export.Run(ctx, in, progress)
	}
	return p.orch.Submit(episodeID, KindExport, work, Hooks{
		Describe: func(result interface{}) models.TaskResult {
			return models.TaskResult{ResourceType: "export", ResourceId: episodeID, ResourceUrl: result.(string)}
		},
	})
}

// AnalyzeCharacters 从项目原文提取角色，只新增尚不存在的角色
func (p *Pipeline) AnalyzeCharacters(ctx context.Context, projectID string) (string, error) {
	project, err := p.store.GetProject(ctx, projectID)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(project.SourcePath) == "" {
		return "", fmt.Errorf("%w: project %s has no source text", ErrPrecondition, projectID)
	}
	sourcePath := project.SourcePath

	work := func(ctx context.Context, progress func(string)) (interface{}, error) {
		return p.characters.Run(ctx, sourcePath, progress)
	}
	return p.orch.Submit(projectID, KindCharacters, work, Hooks{
		Persist: func(ctx context.Context, result interface{}) error {
			existing, err := p.store.ListCharacters(ctx, projectID)
			if err != nil {
				return err
			}
			return p.store.CreateCharacters(ctx, NewCharacters(projectID, result.([]CharacterDraft), existing))
		},
		Describe: func(result interface{}) models.TaskResult {
			return models.TaskResult{ResourceType: "characters", ResourceId: projectID}
		},
	})
}

// GeneratePortrait 生成角色立绘
func (p *Pipeline) GeneratePortrait(ctx context.Context, characterID string) (string, error) {
	c, err := p.store.GetCharacter(ctx, characterID)
	if err != nil {
		return "", err
	}
	project, err := p.store.GetProject(ctx, c.ProjectId)
	if err != nil {
		return "", err
	}
	in := PortraitInput{CharacterID: c.ID, Name: c.Name, Description: c.Description, Style: project.Style}

	work := func(ctx context.Context, progress func(string)) (interface{}, error) {
		return p.portrait.Run(ctx, in, progress)
	}
	return p.orch.Submit(characterID, KindPortrait, work, Hooks{
		Persist: func(ctx context.Context, result interface{}) error {
			return p.store.UpdateCharacterFields(ctx, characterID, map[string]interface{}{
				models.FieldPortraitPath: result.(string),
			})
		},
		Describe: func(result interface{}) models.TaskResult {
			return models.TaskResult{ResourceType: "image", ResourceId: characterID, ResourceUrl: result.(string)}
		},
	})
}

// UploadCharacter 用立绘和音色在远端注册角色，成功后写回远端身份
func (p *Pipeline) UploadCharacter(ctx context.Context, characterID, timestamps string) (string, error) {
	c, err := p.store.GetCharacter(ctx, characterID)
	if err != nil {
		return "", err
	}
	in := NewCharacterUploadInput(*c, timestamps)
	if err := CheckCharacterUploadPreconditions(in); err != nil {
		return "", err
	}

	work := func(ctx context.Context, progress func(string)) (interface{}, error) {
		return p.charUpload.Run(ctx, in, progress)
	}
	return p.orch.Submit(characterID, KindCharUpload, work, Hooks{
		Persist: func(ctx context.Context, result interface{}) error {
			rc := result.(*RemoteCharacter)
			return p.store.UpdateCharacterFields(ctx, characterID, map[string]interface{}{
				models.FieldRemoteID:       rc.ID,
				models.FieldRemoteUsername: rc.Username,
			})
		},
		Describe: func(result interface{}) models.TaskResult {
			rc := result.(*RemoteCharacter)
			return models.TaskResult{ResourceType: "character", ResourceId: rc.ID, ResourceUrl: rc.Username}
		},
	})
}

// CancelTask 取消单个任务
func (p *Pipeline) CancelTask(entityID string, kind TaskKind) bool {
	return p.orch.Cancel(entityID, kind)
}

// CancelShot 取消分镜上所有在跑的任务，已持久化的状态保持不变
func (p *Pipeline) CancelShot(shotID string) int {
	return p.orch.CancelEntity(shotID)
}

// DeleteShot 先取消该分镜的任务再删除
func (p *Pipeline) DeleteShot(ctx context.Context, shotID string) error {
	p.CancelShot(shotID)
	return p.store.DeleteShot(ctx, shotID)
}

// DeleteEpisode 取消剧集及其分镜上的全部任务后级联删除
func (p *Pipeline) DeleteEpisode(ctx context.Context, episodeID string) error {
	shots, err := p.episodeShots(ctx, episodeID)
	if err != nil {
		return err
	}
	p.orch.CancelEntity(episodeID)
	for _, s := range shots {
		p.orch.CancelEntity(s.ID)
	}
	return p.store.DeleteEpisode(ctx, episodeID)
}

func (p *Pipeline) episodeShots(ctx context.Context, episodeID string) ([]models.Shot, error) {
	if _, err := p.store.GetEpisode(ctx, episodeID); err != nil {
		return nil, err
	}
	return p.store.ListShots(ctx, episodeID)
}
